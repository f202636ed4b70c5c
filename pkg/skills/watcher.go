package skills

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// SettingsFile is the per-skill settings file inside the settings directory.
const SettingsFile = "settings.json"

// SettingsWatcher reports writes to <dir>/<skill_id>/settings.json.
// Bursts of writes to one file are folded into a single notification.
type SettingsWatcher struct {
	dir      string
	watcher  *fsnotify.Watcher
	onChange func(skillID string)
	debounce time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	pending map[string]time.Time
	started atomic.Bool
	done    chan struct{}
}

func NewSettingsWatcher(dir string, debounce time.Duration, log *slog.Logger, onChange func(skillID string)) (*SettingsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	return &SettingsWatcher{
		dir:      dir,
		watcher:  w,
		onChange: onChange,
		debounce: debounce,
		log:      log,
		pending:  make(map[string]time.Time),
		done:     make(chan struct{}),
	}, nil
}

// Start watches the settings directory and every skill folder in it. It
// returns once the watches are installed.
func (w *SettingsWatcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			w.watch(filepath.Join(w.dir, e.Name()))
		}
	}
	w.started.Store(true)
	go w.run(ctx)
	return nil
}

// Close stops the watcher and waits for its loop to exit.
func (w *SettingsWatcher) Close() error {
	err := w.watcher.Close()
	if w.started.Load() {
		<-w.done
	}
	return err
}

func (w *SettingsWatcher) watch(path string) {
	if err := w.watcher.Add(path); err != nil {
		w.log.Warn("settings_watch_failed", "path", path, "error", err)
	}
}

func (w *SettingsWatcher) run(ctx context.Context) {
	defer close(w.done)
	tick := time.NewTicker(w.debounce / 2)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("settings_watcher_error", "error", err)
		case now := <-tick.C:
			w.flush(now)
		}
	}
}

func (w *SettingsWatcher) handle(ev fsnotify.Event) {
	if ev.Op&fsnotify.Create != 0 && filepath.Dir(ev.Name) == filepath.Clean(w.dir) {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			w.watch(ev.Name)
			if _, err := os.Stat(filepath.Join(ev.Name, SettingsFile)); err == nil {
				w.mark(filepath.Base(ev.Name))
			}
			return
		}
	}
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	if filepath.Base(ev.Name) != SettingsFile {
		return
	}
	skillDir := filepath.Dir(ev.Name)
	if filepath.Dir(skillDir) != filepath.Clean(w.dir) {
		return
	}
	w.mark(filepath.Base(skillDir))
}

func (w *SettingsWatcher) mark(skillID string) {
	w.mu.Lock()
	w.pending[skillID] = time.Now()
	w.mu.Unlock()
}

func (w *SettingsWatcher) flush(now time.Time) {
	var due []string
	w.mu.Lock()
	for id, at := range w.pending {
		if now.Sub(at) >= w.debounce {
			due = append(due, id)
			delete(w.pending, id)
		}
	}
	w.mu.Unlock()
	for _, id := range due {
		w.onChange(id)
	}
}

// ReadSettings loads <dir>/<skillID>/settings.json. A missing file yields
// an empty map.
func ReadSettings(dir, skillID string) (map[string]any, error) {
	out := map[string]any{}
	if dir == "" {
		return out, nil
	}
	data, err := os.ReadFile(filepath.Join(dir, skillID, SettingsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
