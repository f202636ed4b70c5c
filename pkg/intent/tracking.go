package intent

import (
	"slices"
	"sync"
)

// deactivations records, per session, the skills that asked to be
// deactivated while an utterance of that session was being matched.
type deactivations struct {
	mu       sync.Mutex
	inFlight map[string][]string
}

func newDeactivations() *deactivations {
	return &deactivations{inFlight: make(map[string][]string)}
}

func (d *deactivations) begin(sessionID string) {
	d.mu.Lock()
	d.inFlight[sessionID] = []string{}
	d.mu.Unlock()
}

func (d *deactivations) end(sessionID string) {
	d.mu.Lock()
	delete(d.inFlight, sessionID)
	d.mu.Unlock()
}

// record reports whether a match for sessionID was in progress.
func (d *deactivations) record(sessionID, skillID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	list, ok := d.inFlight[sessionID]
	if !ok {
		return false
	}
	if !slices.Contains(list, skillID) {
		d.inFlight[sessionID] = append(list, skillID)
	}
	return true
}

func (d *deactivations) list(sessionID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.inFlight[sessionID])
}
