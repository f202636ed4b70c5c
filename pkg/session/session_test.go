package session

import (
	"bytes"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/bus"
)

func fakeClock(t *testing.T, start float64) *float64 {
	t.Helper()
	cur := start
	prev := now
	now = func() float64 { return cur }
	t.Cleanup(func() { now = prev })
	return &cur
}

func TestSerializeRoundTripIsByteIdentical(t *testing.T) {
	clock := fakeClock(t, 1700000000.123456)
	s := New("abc")
	s.Lang = "en-US"
	s.Pipeline = []string{"converse", "adapt_high"}
	s.Activate("hello.skill")
	*clock += 1.5
	s.Activate("weather.skill")
	s.EnableResponseMode("weather.skill")
	s.BlacklistedSkills = []string{"bad.skill"}
	s.Context.Inject(Entity{Key: "London", Match: "London", Context: "Location", Origin: "weather.skill"}, map[string]any{"n": 1.0})

	first, err := s.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	back, err := Deserialize(first)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	second, err := back.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("round trip differs:\n%s\n%s", first, second)
	}

	viaMap, err := FromMap(s.ToMap())
	if err != nil {
		t.Fatalf("from map: %v", err)
	}
	third, _ := viaMap.Serialize()
	if !bytes.Equal(first, third) {
		t.Fatalf("map round trip differs:\n%s\n%s", first, third)
	}
}

func TestActiveSkillsEncodeAsPairs(t *testing.T) {
	fakeClock(t, 10)
	s := New("x")
	s.Activate("a.skill")
	raw, _ := s.Serialize()
	if !bytes.Contains(raw, []byte(`"active_skills":[["a.skill",10]]`)) {
		t.Fatalf("unexpected encoding %s", raw)
	}
}

func TestActivateMovesToHeadAndBounds(t *testing.T) {
	clock := fakeClock(t, 100)
	s := New("x")
	s.MaxActiveSkills = 3
	for i := 0; i < 5; i++ {
		*clock += 1
		s.Activate("skill." + strconv.Itoa(i))
	}
	if got := s.ActiveSkillIDs(); !cmp.Equal(got, []string{"skill.4", "skill.3", "skill.2"}) {
		t.Fatalf("unexpected active list %v", got)
	}
	*clock += 1
	s.Activate("skill.2")
	if s.ActiveSkills[0].SkillID != "skill.2" || s.ActiveSkills[0].Timestamp != *clock {
		t.Fatalf("reactivation should refresh head, got %+v", s.ActiveSkills[0])
	}
	if len(s.ActiveSkills) != 3 {
		t.Fatalf("duplicate entry after reactivation: %v", s.ActiveSkillIDs())
	}
}

func TestActivateDeactivateLeavesSkillInactive(t *testing.T) {
	s := New("x")
	s.Activate("echo.skill")
	s.EnableResponseMode("echo.skill")
	s.Deactivate("echo.skill")
	if s.IsActive("echo.skill") {
		t.Fatalf("skill still active")
	}
	if s.State("echo.skill") != StateIntent {
		t.Fatalf("response mode should be cleared")
	}
}

func TestPruneActive(t *testing.T) {
	clock := fakeClock(t, 1000)
	s := New("x")
	s.Activate("old.skill")
	*clock += 600
	s.Activate("new.skill")
	dropped := s.PruneActive(5 * time.Minute)
	if !cmp.Equal(dropped, []string{"old.skill"}) || !cmp.Equal(s.ActiveSkillIDs(), []string{"new.skill"}) {
		t.Fatalf("unexpected prune result dropped=%v active=%v", dropped, s.ActiveSkillIDs())
	}
}

func TestContextInjectRemoveRestoresState(t *testing.T) {
	fakeClock(t, 50)
	s := New("x")
	s.Context.Inject(Entity{Key: "Paris", Match: "Paris", Context: "Location"}, nil)
	before, _ := s.Serialize()

	s.Context.Inject(Entity{Key: "jazz", Match: "jazz", Context: "Genre"}, nil)
	s.Context.Remove("Genre")

	after, _ := s.Serialize()
	if !bytes.Equal(before, after) {
		t.Fatalf("context not restored:\n%s\n%s", before, after)
	}
}

func TestContextEntitiesDecayAndExpire(t *testing.T) {
	clock := fakeClock(t, 0)
	c := NewContextManager(time.Minute)
	c.Inject(Entity{Key: "Paris", Context: "Location", Confidence: 1}, nil)
	*clock += 10
	c.Inject(Entity{Key: "jazz", Context: "Genre", Confidence: 1}, nil)
	c.Inject(Entity{Key: "London", Context: "Location", Confidence: 1}, nil)

	ents := c.Entities()
	if len(ents) != 2 {
		t.Fatalf("expected newest entity per tag, got %+v", ents)
	}
	if ents[0].Key != "London" || ents[0].Confidence != 0.5 {
		t.Fatalf("unexpected head entity %+v", ents[0])
	}
	if ents[1].Key != "jazz" || ents[1].Confidence != 1.0/3.0 {
		t.Fatalf("unexpected second entity %+v", ents[1])
	}

	*clock += 65
	c.Prune()
	if len(c.Frames) != 0 {
		t.Fatalf("expected all frames expired, got %d", len(c.Frames))
	}
}

func TestManagerRecreatesExpiredDefault(t *testing.T) {
	clock := fakeClock(t, 0)
	m := NewManager(Config{Lang: "en-US", Pipeline: []string{"converse"}, TTL: time.Minute}, nil)
	s := m.Default()
	s.Activate("a.skill")
	m.Update(s)
	if !m.Default().IsActive("a.skill") {
		t.Fatalf("update not stored")
	}
	*clock += 120
	if m.Default().IsActive("a.skill") {
		t.Fatalf("expired default session should be recreated empty")
	}
	if got := m.Default().Pipeline; !cmp.Equal(got, []string{"converse"}) {
		t.Fatalf("recreated session lost config pipeline: %v", got)
	}
}

func TestManagerGetFromMessage(t *testing.T) {
	clock := fakeClock(t, 10)
	m := NewManager(Config{Lang: "en-US", Pipeline: []string{"stop_high"}}, nil)

	other := New("remote")
	other.Lang = "pt-PT"
	got := m.Get(other.Attach(bus.NewMessage("recognizer_loop:utterance", nil, nil)))
	if got.SessionID != "remote" || got.Lang != "pt-PT" {
		t.Fatalf("unexpected session %+v", got)
	}
	if !cmp.Equal(got.Pipeline, []string{"stop_high"}) {
		t.Fatalf("missing pipeline should fall back to config, got %v", got.Pipeline)
	}

	*clock += 5
	peer := m.Default()
	peer.Touch()
	peer.BlacklistedSkills = []string{"bad.skill"}
	got = m.Get(peer.Attach(bus.NewMessage("recognizer_loop:utterance", nil, nil)))
	if !got.IsSkillBlacklisted("bad.skill") {
		t.Fatalf("newer default session from message should be adopted")
	}

	stale := peer.Clone()
	stale.TouchTime = 1
	stale.BlacklistedSkills = nil
	got = m.Get(stale.Attach(bus.NewMessage("recognizer_loop:utterance", nil, nil)))
	if !got.IsSkillBlacklisted("bad.skill") {
		t.Fatalf("stale default session must not replace the stored one")
	}
}

func TestManagerSyncAndBind(t *testing.T) {
	b := bus.NewLocal(nil)
	defer b.Close()

	a := NewManager(Config{Lang: "en-US"}, nil)
	peer := NewManager(Config{Lang: "en-US"}, nil)
	defer peer.Bind(b)()

	s := a.Default()
	s.Touch()
	s.Activate("music.skill")
	a.Update(s)
	a.SyncDefault(b, bus.NewMessage("recognizer_loop:utterance", nil, nil))

	if !peer.Default().IsActive("music.skill") {
		t.Fatalf("peer did not converge on update_default")
	}
}
