// Package pipeline defines the matcher contract, the match results a stage
// may return and the registry of matcher plugins.
package pipeline

import (
	"context"

	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/bus"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/session"
)

// Match is the result of a successful stage. It is either an
// *IntentHandlerMatch or a *PipelineMatch.
type Match interface {
	Skill() string
	Text() string
	Data() map[string]any
	Updated() *session.Session
	isMatch()
}

// IntentHandlerMatch asks the executor to emit MatchType carrying the
// original data merged with MatchData.
type IntentHandlerMatch struct {
	MatchType      string
	MatchData      map[string]any
	SkillID        string
	Utterance      string
	UpdatedSession *session.Session
}

func (m *IntentHandlerMatch) Skill() string             { return m.SkillID }
func (m *IntentHandlerMatch) Text() string              { return m.Utterance }
func (m *IntentHandlerMatch) Data() map[string]any      { return m.MatchData }
func (m *IntentHandlerMatch) Updated() *session.Session { return m.UpdatedSession }
func (*IntentHandlerMatch) isMatch()                    {}

// PipelineMatch reports that the stage already performed the side effect.
type PipelineMatch struct {
	Handled        bool
	MatchData      map[string]any
	SkillID        string
	Utterance      string
	UpdatedSession *session.Session
}

func (m *PipelineMatch) Skill() string             { return m.SkillID }
func (m *PipelineMatch) Text() string              { return m.Utterance }
func (m *PipelineMatch) Data() map[string]any      { return m.MatchData }
func (m *PipelineMatch) Updated() *session.Session { return m.UpdatedSession }
func (*PipelineMatch) isMatch()                    {}

// Matcher inspects utterances in one language. A nil Match means no match.
type Matcher interface {
	Match(ctx context.Context, utterances []string, lang string, msg bus.Message) (Match, error)
}

type MatcherFunc func(ctx context.Context, utterances []string, lang string, msg bus.Message) (Match, error)

func (f MatcherFunc) Match(ctx context.Context, utterances []string, lang string, msg bus.Message) (Match, error) {
	return f(ctx, utterances, lang, msg)
}

// ConfidenceMatcher is a matcher with three confidence tiers.
type ConfidenceMatcher interface {
	MatchHigh(ctx context.Context, utterances []string, lang string, msg bus.Message) (Match, error)
	MatchMedium(ctx context.Context, utterances []string, lang string, msg bus.Message) (Match, error)
	MatchLow(ctx context.Context, utterances []string, lang string, msg bus.Message) (Match, error)
}

// SessionOf returns the session attached to msg, or a fresh default one.
func SessionOf(msg bus.Message) *session.Session {
	if s, ok := session.FromMessage(msg); ok {
		return s
	}
	return session.New(session.DefaultID)
}
