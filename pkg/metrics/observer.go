// Package metrics records intent-dispatch outcomes and ships them to
// optional open-data endpoints.
package metrics

import "time"

// Event names.
const (
	EventIntentMatch   = "intent_match"
	EventIntentFailure = "intent_failure"
	EventCancelled     = "utterance_cancelled"
)

// Event is one observation of an utterance outcome.
type Event struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Time      time.Time      `json:"time"`
	SessionID string         `json:"session_id"`
	Utterance string         `json:"utterance"`
	Intent    string         `json:"intent,omitempty"`
	SkillID   string         `json:"skill_id,omitempty"`
	Stage     string         `json:"stage,omitempty"`
	Lang      string         `json:"lang"`
	MatchData map[string]any `json:"match_data,omitempty"`
	Duration  time.Duration  `json:"duration_ns"`
}

type Observer interface {
	RecordEvent(ev Event)
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(Event) {}

// MultiObserver fans an event out to every non-nil observer.
type MultiObserver struct {
	list []Observer
}

func NewMultiObserver(list ...Observer) *MultiObserver {
	return &MultiObserver{list: list}
}

func (m *MultiObserver) RecordEvent(ev Event) {
	for _, obs := range m.list {
		if obs != nil {
			obs.RecordEvent(ev)
		}
	}
}
