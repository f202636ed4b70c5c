// Package observers keeps per-session traces and latency statistics of
// utterance outcomes.
package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/metrics"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/redact"
)

// TimelineObserver appends every outcome to <dir>/<session_id>.jsonl.
type TimelineObserver struct {
	dir   string
	mu    sync.Mutex
	files map[string]*os.File
}

func NewTimelineObserver(dir string) *TimelineObserver {
	return &TimelineObserver{dir: dir, files: make(map[string]*os.File)}
}

type timelineEntry struct {
	Time       time.Time      `json:"time"`
	Event      string         `json:"event"`
	ID         string         `json:"id,omitempty"`
	Utterance  string         `json:"utterance,omitempty"`
	Lang       string         `json:"lang,omitempty"`
	Stage      string         `json:"stage,omitempty"`
	Intent     string         `json:"intent,omitempty"`
	SkillID    string         `json:"skill_id,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	MatchData  map[string]any `json:"match_data,omitempty"`
}

func (o *TimelineObserver) RecordEvent(ev metrics.Event) {
	if strings.TrimSpace(o.dir) == "" {
		return
	}
	id := ev.SessionID
	if id == "" {
		id = "default"
	}
	line, err := json.Marshal(timelineEntry{
		Time:       ev.Time.UTC(),
		Event:      ev.Name,
		ID:         ev.ID,
		Utterance:  redact.Text(ev.Utterance),
		Lang:       ev.Lang,
		Stage:      ev.Stage,
		Intent:     ev.Intent,
		SkillID:    ev.SkillID,
		DurationMS: ev.Duration.Milliseconds(),
		MatchData:  redact.Map(ev.MatchData),
	})
	if err != nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	f := o.fileForLocked(id)
	if f == nil {
		return
	}
	_, _ = f.Write(append(line, '\n'))
}

// Close closes any open files.
func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for _, f := range o.files {
		if cerr := f.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	o.files = make(map[string]*os.File)
	return err
}

func (o *TimelineObserver) fileForLocked(id string) *os.File {
	safe := sanitizeID(id)
	if safe == "" {
		return nil
	}
	if f := o.files[safe]; f != nil {
		return f
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(o.dir, safe+timelineExt), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	o.files[safe] = f
	return f
}

const timelineExt = ".jsonl"

func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}

var _ metrics.Observer = (*TimelineObserver)(nil)
