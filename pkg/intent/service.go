// Package intent hosts the intent service: it walks the session pipeline
// for every utterance, publishes the winning match and keeps sessions up
// to date.
package intent

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/bus"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/config"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/lang"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/logging"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/metrics"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/pipeline"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/session"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/transformers"
)

type Options struct {
	Bus       bus.Client
	Sessions  *session.Manager
	Registry  *pipeline.Registry
	Config    config.Config
	Utterance *transformers.UtteranceService
	Metadata  *transformers.MetadataService
	Intents   *transformers.IntentService
	Metrics   metrics.Observer
	Logger    *slog.Logger

	// Env is handed to the registry on start and on reload.
	Env pipeline.Env
}

type Service struct {
	bus       bus.Client
	sessions  *session.Manager
	registry  *pipeline.Registry
	env       pipeline.Env
	cfg       config.Config
	enabled   []string
	utterance *transformers.UtteranceService
	metadata  *transformers.MetadataService
	intents   *transformers.IntentService
	metrics   metrics.Observer
	log       *slog.Logger

	deactivated *deactivations
	ready       atomic.Bool

	mu   sync.Mutex
	subs []func()
}

func NewService(opts Options) *Service {
	log := logging.NewComponentLogger(opts.Logger, "intent_service")
	if opts.Utterance == nil {
		opts.Utterance = transformers.NewUtteranceService(opts.Logger)
	}
	if opts.Metadata == nil {
		opts.Metadata = transformers.NewMetadataService(opts.Logger)
	}
	if opts.Intents == nil {
		opts.Intents = transformers.NewIntentService(opts.Logger)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NoopObserver{}
	}
	if opts.Registry == nil {
		opts.Registry = pipeline.NewRegistry(opts.Logger)
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewManager(session.Config{
			Lang:     opts.Config.Lang,
			Pipeline: opts.Config.Intents.Pipeline,
		}, opts.Logger)
	}
	if opts.Env.Bus == nil {
		opts.Env.Bus = opts.Bus
	}
	if opts.Env.Sessions == nil {
		opts.Env.Sessions = opts.Sessions
	}
	if opts.Env.Logger == nil {
		opts.Env.Logger = opts.Logger
	}
	opts.Env.Config = opts.Config
	return &Service{
		bus:         opts.Bus,
		sessions:    opts.Sessions,
		registry:    opts.Registry,
		env:         opts.Env,
		cfg:         opts.Config,
		enabled:     lang.Enabled(opts.Config.Lang, opts.Config.SecondaryLangs),
		utterance:   opts.Utterance,
		metadata:    opts.Metadata,
		intents:     opts.Intents,
		metrics:     opts.Metrics,
		log:         log,
		deactivated: newDeactivations(),
	}
}

// Start loads the matcher plugins and subscribes to the bus.
func (s *Service) Start(ctx context.Context) error {
	if err := s.registry.Load(s.env); err != nil {
		s.log.Warn("intent_plugins_partial", "error", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	on := func(msgType string, h bus.Handler) { s.subs = append(s.subs, s.bus.On(msgType, h)) }
	onSync := func(msgType string, h bus.Handler) { s.subs = append(s.subs, s.bus.OnSync(msgType, h)) }

	on("recognizer_loop:utterance", func(msg bus.Message) { s.HandleUtterance(ctx, msg) })
	on("add_context", s.handleAddContext)
	on("remove_context", s.handleRemoveContext)
	on("clear_context", s.handleClearContext)
	on("intent.service.skills.activate", s.handleActivate)
	// deactivations must be seen while a matcher is still waiting on the
	// skill, so they are recorded inline
	onSync("intent.service.skills.deactivate", s.handleDeactivate)
	on("intent.service.intent.get", func(msg bus.Message) { s.handleGetIntent(ctx, msg) })
	on("intent.service.pipelines.reload", s.handleReload)
	onSync("mycroft.intents.is_ready", s.handleIsReady)
	on("mycroft.skills.train", func(msg bus.Message) { s.handleTrain(ctx, msg) })
	s.subs = append(s.subs, s.sessions.Bind(s.bus))

	s.ready.Store(true)
	s.log.Info("intent_service_started", "stages", len(s.cfg.Intents.Pipeline))
	return nil
}

// Stop unsubscribes and releases the plugins.
func (s *Service) Stop() {
	s.ready.Store(false)
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, off := range subs {
		off()
	}
	s.registry.Shutdown()
}

// Ready reports whether the service answers utterances.
func (s *Service) Ready() bool { return s.ready.Load() }

func (s *Service) Registry() *pipeline.Registry { return s.registry }
