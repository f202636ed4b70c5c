package ocp

import (
	"slices"
	"sync"
	"time"
)

// StateChange is one player state transition.
type StateChange struct {
	SessionID string
	From      PlayerState
	To        PlayerState
	Timestamp time.Time
	Reason    string
}

// StateListener observes player state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

type StateListenerFunc func(event StateChange)

func (f StateListenerFunc) OnStateChange(event StateChange) { f(event) }

// InvalidTransitionError is returned for a transition the player does not
// allow.
type InvalidTransitionError struct {
	From PlayerState
	To   PlayerState
}

func (e *InvalidTransitionError) Error() string {
	return "invalid player transition from " + e.From.String() + " to " + e.To.String()
}

var validTransitions = map[PlayerState][]PlayerState{
	PlayerStopped: {PlayerPlaying},
	PlayerPlaying: {PlayerPaused, PlayerStopped},
	PlayerPaused:  {PlayerPlaying, PlayerStopped},
}

// playerFSM tracks the player state of one session.
type playerFSM struct {
	sessionID string

	mu        sync.RWMutex
	state     PlayerState
	listeners []StateListener
}

func newPlayerFSM(sessionID string) *playerFSM {
	return &playerFSM{sessionID: sessionID, state: PlayerStopped}
}

func (m *playerFSM) State() PlayerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *playerFSM) AddListener(l StateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Transition validates and applies a change requested by the core.
// Moving to the current state is a no-op.
func (m *playerFSM) Transition(to PlayerState, reason string) error {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if !slices.Contains(validTransitions[from], to) {
		m.mu.Unlock()
		return &InvalidTransitionError{From: from, To: to}
	}
	m.state = to
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()
	m.notify(listeners, from, to, reason)
	return nil
}

// Sync applies a state reported by the player itself; the player is
// authoritative so no validation happens.
func (m *playerFSM) Sync(to PlayerState, reason string) {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return
	}
	m.state = to
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()
	m.notify(listeners, from, to, reason)
}

func (m *playerFSM) notify(listeners []StateListener, from, to PlayerState, reason string) {
	event := StateChange{
		SessionID: m.sessionID,
		From:      from,
		To:        to,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	for _, l := range listeners {
		l.OnStateChange(event)
	}
}
