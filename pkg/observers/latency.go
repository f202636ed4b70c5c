package observers

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/metrics"
)

// StageStats summarises how long utterances took to resolve at one stage.
type StageStats struct {
	Stage string
	Count int
	Total time.Duration
	Max   time.Duration
}

func (s StageStats) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// LatencyObserver aggregates outcome durations per pipeline stage and
// warns about utterances slower than a threshold.
type LatencyObserver struct {
	mu     sync.Mutex
	stages map[string]*StageStats
	slow   time.Duration
	log    *slog.Logger
}

func NewLatencyObserver(slow time.Duration, log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{stages: make(map[string]*StageStats), slow: slow, log: log}
}

func (o *LatencyObserver) RecordEvent(ev metrics.Event) {
	stage := ev.Stage
	if stage == "" {
		stage = ev.Name
	}
	o.mu.Lock()
	st := o.stages[stage]
	if st == nil {
		st = &StageStats{Stage: stage}
		o.stages[stage] = st
	}
	st.Count++
	st.Total += ev.Duration
	if ev.Duration > st.Max {
		st.Max = ev.Duration
	}
	o.mu.Unlock()

	if o.slow > 0 && ev.Duration > o.slow {
		o.log.Warn("utterance_slow",
			"stage", stage,
			"session_id", ev.SessionID,
			"intent", ev.Intent,
			"duration_ms", ev.Duration.Milliseconds(),
		)
	}
}

// Snapshot returns the statistics sorted by stage.
func (o *LatencyObserver) Snapshot() []StageStats {
	o.mu.Lock()
	out := make([]StageStats, 0, len(o.stages))
	for _, st := range o.stages {
		out = append(out, *st)
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Stage < out[j].Stage })
	return out
}

var _ metrics.Observer = (*LatencyObserver)(nil)
