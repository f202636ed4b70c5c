package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/bus"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/config"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/locale"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/logging"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/session"
)

var ErrUnknownPlugin = errors.New("pipeline: plugin not registered")

// Stage is one named entry of a session pipeline.
type Stage struct {
	ID      string
	Matcher Matcher
	// DryRun marks stages without side effects, usable to answer
	// intent.service.intent.get.
	DryRun bool
}

// Plugin groups the stages one matcher implementation contributes.
type Plugin interface {
	ID() string
	Stages() []Stage
}

// Trainer is implemented by plugins that compile registered intents.
type Trainer interface {
	Train(ctx context.Context) error
}

// Shutdowner is implemented by plugins holding bus subscriptions.
type Shutdowner interface {
	Shutdown()
}

// Env is what a plugin factory gets to build itself.
type Env struct {
	Bus      bus.Client
	Sessions *session.Manager
	Config   config.Config
	Settings map[string]any
	Locale   *locale.Resources
	Logger   *slog.Logger
}

type Factory func(env Env) (Plugin, error)

// ConfidenceStages exposes a ConfidenceMatcher as <id>_high, <id>_medium
// and <id>_low.
func ConfidenceStages(id string, m ConfidenceMatcher, dryRun bool) []Stage {
	return []Stage{
		{ID: id + "_high", Matcher: MatcherFunc(m.MatchHigh), DryRun: dryRun},
		{ID: id + "_medium", Matcher: MatcherFunc(m.MatchMedium), DryRun: dryRun},
		{ID: id + "_low", Matcher: MatcherFunc(m.MatchLow), DryRun: dryRun},
	}
}

// Registry builds matcher plugins by id and indexes their stages.
type Registry struct {
	mu        sync.RWMutex
	order     []string
	factories map[string]Factory
	plugins   []Plugin
	stages    map[string]Stage
	log       *slog.Logger
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		stages:    make(map[string]Stage),
		log:       logging.NewComponentLogger(log, "pipeline"),
	}
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Register adds or replaces the factory for a plugin id.
func (r *Registry) Register(id string, factory Factory) {
	id = normalizeID(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[id]; !ok {
		r.order = append(r.order, id)
	}
	r.factories[id] = factory
}

// Build runs the factory registered for id.
func (r *Registry) Build(id string, env Env) (Plugin, error) {
	id = normalizeID(id)
	r.mu.RLock()
	fn := r.factories[id]
	r.mu.RUnlock()
	if fn == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, id)
	}
	env.Settings = env.Config.Intents.Settings(id)
	env.Logger = logging.NewComponentLogger(env.Logger, id)
	return fn(env)
}

// Load builds every registered plugin. Plugins that fail to build are
// skipped; their errors are joined into the result.
func (r *Registry) Load(env Env) error {
	r.mu.RLock()
	ids := append([]string(nil), r.order...)
	r.mu.RUnlock()

	var (
		plugins []Plugin
		stages  = make(map[string]Stage)
		errs    []error
	)
	for _, id := range ids {
		p, err := r.Build(id, env)
		if err != nil {
			r.log.Warn("pipeline_plugin_failed", "plugin", id, "error", err)
			errs = append(errs, fmt.Errorf("plugin %s: %w", id, err))
			continue
		}
		plugins = append(plugins, p)
		for _, st := range p.Stages() {
			if _, dup := stages[st.ID]; dup {
				r.log.Warn("pipeline_stage_duplicate", "stage", st.ID, "plugin", id)
			}
			stages[st.ID] = st
		}
		r.log.Debug("pipeline_plugin_loaded", "plugin", id, "stages", len(p.Stages()))
	}

	r.mu.Lock()
	r.plugins = plugins
	r.stages = stages
	r.mu.Unlock()
	return errors.Join(errs...)
}

// Reload shuts every plugin down and builds them again.
func (r *Registry) Reload(env Env) error {
	r.Shutdown()
	return r.Load(env)
}

// Stage looks up one stage by id.
func (r *Registry) Stage(id string) (Stage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.stages[id]
	return st, ok
}

// Resolve maps ids onto loaded stages, keeping order. Unknown ids are
// returned separately.
func (r *Registry) Resolve(ids []string) ([]Stage, []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stages := make([]Stage, 0, len(ids))
	var unknown []string
	for _, id := range ids {
		st, ok := r.stages[id]
		if !ok {
			unknown = append(unknown, id)
			continue
		}
		stages = append(stages, st)
	}
	return stages, unknown
}

// Plugins returns the loaded plugins in registration order.
func (r *Registry) Plugins() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Plugin(nil), r.plugins...)
}

// Train trains every plugin that supports it.
func (r *Registry) Train(ctx context.Context) error {
	var errs []error
	for _, p := range r.Plugins() {
		t, ok := p.(Trainer)
		if !ok {
			continue
		}
		if err := t.Train(ctx); err != nil {
			errs = append(errs, fmt.Errorf("train %s: %w", p.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown releases every loaded plugin.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	plugins := r.plugins
	r.plugins = nil
	r.stages = make(map[string]Stage)
	r.mu.Unlock()
	for _, p := range plugins {
		if s, ok := p.(Shutdowner); ok {
			s.Shutdown()
		}
	}
}
