// Package core assembles the intent service, the matcher plugins and the
// skill manager into one runnable engine.
package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/bus"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/commonquery"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/config"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/converse"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/example"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/fallback"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/intent"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/keyword"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/locale"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/logging"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/metrics"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/observers"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/ocp"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/pipeline"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/redact"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/runner"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/session"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/skills"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/stop"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/transformers"
)

type Engine struct {
	cfg      config.Config
	bus      bus.Client
	log      *slog.Logger
	sessions *session.Manager
	registry *pipeline.Registry
	intents  *intent.Service
	skills   *skills.Manager
	runner   *runner.LifecycleRunner
	latency  *observers.LatencyObserver
	timeline *observers.TimelineObserver
	asyncObs *metrics.AsyncObserver

	started chan struct{}
	ctx     context.Context
}

type Options struct {
	Config config.Config
	// Bus is required. The engine does not close it.
	Bus    bus.Client
	Logger *slog.Logger

	// Registry defaults to DefaultRegistry.
	Registry *pipeline.Registry
	Catalog  *skills.Catalog
	Locale   *locale.Resources

	UtteranceTransformers []transformers.UtteranceTransformer
	MetadataTransformers  []transformers.MetadataTransformer
	IntentTransformers    []transformers.IntentTransformer
	Observers             []metrics.Observer

	HTTPClient   *http.Client
	Banner       io.Writer
	DrainTimeout time.Duration
}

// DefaultRegistry registers every built-in matcher plugin.
func DefaultRegistry(log *slog.Logger) *pipeline.Registry {
	r := pipeline.NewRegistry(log)
	r.Register(converse.ID, func(env pipeline.Env) (pipeline.Plugin, error) { return converse.New(env) })
	r.Register(stop.ID, func(env pipeline.Env) (pipeline.Plugin, error) { return stop.New(env) })
	r.Register(ocp.ID, func(env pipeline.Env) (pipeline.Plugin, error) { return ocp.New(env) })
	r.Register(keyword.ID, func(env pipeline.Env) (pipeline.Plugin, error) { return keyword.New(env) })
	r.Register(example.ID, func(env pipeline.Env) (pipeline.Plugin, error) { return example.New(env) })
	r.Register(commonquery.ID, func(env pipeline.Env) (pipeline.Plugin, error) { return commonquery.New(env), nil })
	r.Register(fallback.ID, func(env pipeline.Env) (pipeline.Plugin, error) { return fallback.New(env) })
	return r
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Bus == nil {
		return nil, errors.New("core: bus is required")
	}
	cfg := opts.Config
	base := opts.Logger
	if base == nil {
		base = slog.Default()
	}
	log := logging.NewComponentLogger(base, "core")
	redact.SetEnabled(cfg.Privacy.RedactPII)

	res := opts.Locale
	if res == nil {
		res = locale.Default()
	}
	registry := opts.Registry
	if registry == nil {
		registry = DefaultRegistry(base)
	}
	sessions := session.NewManager(session.Config{
		Lang:            cfg.Lang,
		Pipeline:        cfg.Intents.Pipeline,
		TTL:             cfg.Session.TTL(),
		MaxActiveSkills: cfg.Session.MaxActiveSkills,
	}, logging.NewComponentLogger(base, "sessions"))

	e := &Engine{
		cfg:      cfg,
		bus:      opts.Bus,
		log:      log,
		sessions: sessions,
		registry: registry,
		started:  make(chan struct{}),
	}

	obsList := []metrics.Observer{metrics.NewLoggerObserver(logging.NewComponentLogger(base, "metrics"))}
	e.latency = observers.NewLatencyObserver(config.Seconds(cfg.Observability.SlowUtteranceSeconds), log)
	obsList = append(obsList, e.latency)
	if dir := cfg.Observability.ArtifactsDir; dir != "" {
		if cfg.Observability.RetentionDays > 0 {
			if n, err := observers.PurgeTimelines(dir, time.Duration(cfg.Observability.RetentionDays)*24*time.Hour); err != nil {
				log.Warn("timeline_purge_failed", "dir", dir, "error", err)
			} else if n > 0 {
				log.Info("timeline_purged", "dir", dir, "removed", n)
			}
		}
		e.timeline = observers.NewTimelineObserver(dir)
		obsList = append(obsList, e.timeline)
	}
	if len(cfg.OpenData.IntentURLs) > 0 {
		upload := metrics.NewHTTPObserver(metrics.HTTPOptions{
			URLs:    cfg.OpenData.IntentURLs,
			Timeout: config.Seconds(cfg.OpenData.TimeoutSeconds),
			Client:  opts.HTTPClient,
			Logger:  logging.NewComponentLogger(base, "open_data"),
		})
		obsList = append(obsList, metrics.NewSamplingObserver(upload, cfg.OpenData.SampleRate))
	}
	obsList = append(obsList, opts.Observers...)
	e.asyncObs = metrics.NewAsyncObserver(metrics.NewMultiObserver(obsList...), 1024)

	utterance := transformers.BuildUtterance(cfg.UtteranceTransformers, res, base, opts.UtteranceTransformers...)
	e.intents = intent.NewService(intent.Options{
		Bus:       opts.Bus,
		Sessions:  sessions,
		Registry:  registry,
		Config:    cfg,
		Utterance: utterance,
		Metadata:  transformers.NewMetadataService(base, opts.MetadataTransformers...),
		Intents:   transformers.NewIntentService(base, opts.IntentTransformers...),
		Metrics:   e.asyncObs,
		Logger:    base,
		Env: pipeline.Env{
			Bus:      opts.Bus,
			Sessions: sessions,
			Config:   cfg,
			Locale:   res,
			Logger:   base,
		},
	})
	e.skills = skills.NewManager(skills.Options{
		Bus:        opts.Bus,
		Catalog:    opts.Catalog,
		Config:     cfg,
		Logger:     base,
		HTTPClient: opts.HTTPClient,
	})

	e.runner = runner.NewLifecycleRunner(runner.DrainFunc(e.drain), runner.Hooks{
		OnStart: e.onStart,
		OnReady: func() { log.Info("core_ready") },
		OnStop:  func() { log.Info("core_stopped") },
	}, opts.DrainTimeout)
	e.runner.SetBannerOutput(opts.Banner)
	return e, nil
}

func (e *Engine) onStart(ctx context.Context) error {
	e.ctx = ctx
	if err := e.intents.Start(ctx); err != nil {
		return err
	}
	if err := e.skills.Start(ctx); err != nil {
		e.intents.Stop()
		return err
	}
	go func() {
		select {
		case <-e.skills.Ready():
			// the runner turns alive only after this hook returns
			for !e.runner.MarkReady() {
				if e.runner.State() != runner.StateStarted {
					return
				}
				time.Sleep(10 * time.Millisecond)
			}
		case <-ctx.Done():
		}
	}()
	close(e.started)
	return nil
}

func (e *Engine) drain() error {
	e.skills.Stop()
	e.intents.Stop()
	e.asyncObs.Close()
	if e.timeline != nil {
		return e.timeline.Close()
	}
	return nil
}

// Run blocks until ctx is done or Stop is called.
func (e *Engine) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return e.runner.Run(ctx)
}

// Start runs the engine in the background and returns once every
// component is subscribed, or with the start error.
func (e *Engine) Start(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- e.Run(ctx) }()
	select {
	case <-e.started:
		return nil
	case err := <-errc:
		return err
	}
}

func (e *Engine) Stop() error {
	return e.runner.Stop()
}

func (e *Engine) Config() config.Config           { return e.cfg }
func (e *Engine) Sessions() *session.Manager      { return e.sessions }
func (e *Engine) Registry() *pipeline.Registry    { return e.registry }
func (e *Engine) Intents() *intent.Service        { return e.intents }
func (e *Engine) Skills() *skills.Manager         { return e.skills }
func (e *Engine) State() runner.State             { return e.runner.State() }
func (e *Engine) Latency() []observers.StageStats { return e.latency.Snapshot() }

// Context is the engine run context, or Background before start.
func (e *Engine) Context() context.Context {
	select {
	case <-e.started:
		return e.ctx
	default:
		return context.Background()
	}
}

// Health reports why the engine cannot serve utterances, or nil.
func (e *Engine) Health() error {
	switch {
	case !e.runner.IsAlive():
		return errors.New("core: not running")
	case !e.intents.Ready():
		return errors.New("core: intent service not started")
	case !e.runner.IsReady():
		return errors.New("core: skills not ready")
	}
	return nil
}
