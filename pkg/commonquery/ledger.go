package commonquery

import (
	"slices"
	"sync"
	"time"
)

// Answer is one skill reply to a question query.
type Answer struct {
	SkillID      string
	Text         string
	Conf         float64
	CallbackData map[string]any
}

// Query tracks one in-flight question until it completes.
type Query struct {
	SessionID string
	Phrase    string
	Lang      string

	mu           sync.Mutex
	acked        []string
	searching    map[string]bool
	extensions   []string
	best         *Answer
	answered     bool
	minDeadline  time.Time
	softDeadline time.Time
	maxDeadline  time.Time
	extension    time.Duration

	changed           chan struct{}
	ResponsesGathered chan struct{}
	Completed         chan struct{}
	gatheredOnce      sync.Once
	completedOnce     sync.Once
}

func newQuery(sessionID, phrase, lang string, minWait, maxWait, extension time.Duration) *Query {
	now := time.Now()
	return &Query{
		SessionID:         sessionID,
		Phrase:            phrase,
		Lang:              lang,
		searching:         make(map[string]bool),
		minDeadline:       now.Add(minWait),
		softDeadline:      now.Add(minWait),
		maxDeadline:       now.Add(maxWait),
		extension:         extension,
		changed:           make(chan struct{}, 1),
		ResponsesGathered: make(chan struct{}),
		Completed:         make(chan struct{}),
	}
}

// record applies one skill reply. A searching reply pushes the soft
// deadline forward, never past the hard maximum.
func (q *Query) record(skillID string, searching bool, ans *Answer) {
	q.mu.Lock()
	if !slices.Contains(q.acked, skillID) {
		q.acked = append(q.acked, skillID)
	}
	if searching {
		q.searching[skillID] = true
		q.extensions = append(q.extensions, skillID)
		ext := time.Now().Add(q.extension)
		if ext.After(q.maxDeadline) {
			ext = q.maxDeadline
		}
		if ext.After(q.softDeadline) {
			q.softDeadline = ext
		}
	} else {
		delete(q.searching, skillID)
		if ans != nil && ans.Text != "" && (q.best == nil || ans.Conf > q.best.Conf) {
			q.best = ans
		}
	}
	q.mu.Unlock()
	select {
	case q.changed <- struct{}{}:
	default:
	}
}

// due reports whether collection can stop and, if not, how long to wait
// before checking again.
func (q *Query) due(now time.Time) (bool, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !now.Before(q.maxDeadline) {
		return true, 0
	}
	if now.Before(q.minDeadline) {
		return false, q.minDeadline.Sub(now)
	}
	if len(q.searching) == 0 || !now.Before(q.softDeadline) {
		return true, 0
	}
	return false, q.softDeadline.Sub(now)
}

// Best returns the highest confidence answer seen so far.
func (q *Query) Best() (Answer, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.best == nil {
		return Answer{}, false
	}
	return *q.best, true
}

func (q *Query) Acked() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.acked)
}

func (q *Query) Extensions() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.extensions)
}

func (q *Query) Answered() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.answered
}

func (q *Query) markGathered() {
	q.gatheredOnce.Do(func() { close(q.ResponsesGathered) })
}

func (q *Query) complete(answered bool) {
	q.mu.Lock()
	q.answered = answered
	q.mu.Unlock()
	q.completedOnce.Do(func() { close(q.Completed) })
}

// Ledger indexes in-flight queries by session and phrase.
type Ledger struct {
	mu      sync.Mutex
	queries map[string]*Query
}

func NewLedger() *Ledger {
	return &Ledger{queries: make(map[string]*Query)}
}

func ledgerKey(sessionID, phrase string) string {
	return sessionID + "\x00" + phrase
}

func (l *Ledger) add(q *Query) {
	l.mu.Lock()
	l.queries[ledgerKey(q.SessionID, q.Phrase)] = q
	l.mu.Unlock()
}

func (l *Ledger) Get(sessionID, phrase string) (*Query, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, ok := l.queries[ledgerKey(sessionID, phrase)]
	return q, ok
}

func (l *Ledger) remove(q *Query) {
	l.mu.Lock()
	key := ledgerKey(q.SessionID, q.Phrase)
	if l.queries[key] == q {
		delete(l.queries, key)
	}
	l.mu.Unlock()
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queries)
}
