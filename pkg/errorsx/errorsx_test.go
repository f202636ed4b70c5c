package errorsx

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonMatcherCrash)
	if Reason(err) != ReasonMatcherCrash {
		t.Fatalf("expected reason %s, got %s", ReasonMatcherCrash, Reason(err))
	}
	if !HasReason(err, ReasonMatcherCrash) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonBusTimeout)
	second := Wrap(first, ReasonSkillTimeout)
	if Reason(second) != ReasonBusTimeout {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestReasonThroughFmtWrap(t *testing.T) {
	err := fmt.Errorf("load skill: %w", Wrap(assertErr{}, ReasonSkillLoad))
	if !HasReason(err, ReasonSkillLoad) {
		t.Fatalf("expected reason through fmt wrap")
	}
	if !errors.Is(err, assertErr{}) {
		t.Fatalf("expected errors.Is to reach the cause")
	}
	if Reason(nil) != ReasonUnknown || Wrap(nil, ReasonSkillLoad) != nil {
		t.Fatalf("nil handling broken")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
