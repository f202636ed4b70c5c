// Package skills loads skill plugins according to their runtime
// requirements and the device connectivity, and answers skill manager
// requests on the bus.
package skills

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/bus"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/config"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/errorsx"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/logging"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/resilience"
)

type Options struct {
	Bus     bus.Client
	Catalog *Catalog
	Config  config.Config
	Logger  *slog.Logger
	// Prober defaults to one built from network_tests.
	Prober     *Prober
	HTTPClient *http.Client
	// ProbeTimeout bounds the connectivity plugin round trip.
	ProbeTimeout time.Duration
}

type Manager struct {
	bus       bus.Client
	catalog   *Catalog
	cfg       config.SkillsConfig
	lang      string
	prober    *Prober
	blacklist map[string]bool
	log       *slog.Logger

	mu          sync.Mutex
	conn        Connectivity
	loaded      map[string]Skill
	deactivated map[string]bool
	failed      map[string]bool
	warned      map[string]bool

	// passMu serialises load and unload passes.
	passMu sync.Mutex

	watcher *SettingsWatcher
	subs    []func()
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	alive   atomic.Bool
	ready   atomic.Bool
	readyCh chan struct{}
}

func NewManager(opts Options) *Manager {
	log := logging.NewComponentLogger(opts.Logger, "skill_manager")
	if opts.Catalog == nil {
		opts.Catalog = NewCatalog()
	}
	if opts.Prober == nil {
		wait := opts.ProbeTimeout
		if wait <= 0 {
			wait = config.Seconds(opts.Config.NetworkTests.TimeoutSeconds)
		}
		opts.Prober = NewProber(opts.Bus, ProberOptions{
			URL:     opts.Config.NetworkTests.WebURL,
			Timeout: wait,
			Client:  opts.HTTPClient,
			Logger:  log,
		})
	}
	m := &Manager{
		bus:         opts.Bus,
		catalog:     opts.Catalog,
		cfg:         opts.Config.Skills,
		lang:        opts.Config.Lang,
		prober:      opts.Prober,
		blacklist:   make(map[string]bool),
		log:         log,
		loaded:      make(map[string]Skill),
		deactivated: make(map[string]bool),
		failed:      make(map[string]bool),
		warned:      make(map[string]bool),
		readyCh:     make(chan struct{}),
	}
	for _, id := range opts.Config.Skills.BlacklistedSkills {
		m.blacklist[normalizeID(id)] = true
	}
	return m
}

// Start discovers skills, probes connectivity, loads every eligible skill
// and then waits for the intent service in the background.
func (m *Manager) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.discover()
	m.subscribe(ctx)

	if m.cfg.SettingsDir != "" {
		w, err := NewSettingsWatcher(m.cfg.SettingsDir, 0, m.log, m.settingsChanged)
		if err == nil {
			err = w.Start(ctx)
		}
		if err != nil {
			m.log.Warn("settings_watcher_unavailable", "dir", m.cfg.SettingsDir, "error", err)
		} else {
			m.watcher = w
		}
	}
	m.alive.Store(true)

	network, internet := m.prober.Probe(ctx)
	m.mu.Lock()
	m.conn.Network, m.conn.Internet = network, internet
	m.mu.Unlock()
	if network {
		m.bus.Emit(bus.NewMessage(EventNetworkUp, nil, nil))
	}
	if internet {
		m.bus.Emit(bus.NewMessage(EventInternetUp, nil, nil))
	}

	m.sync(ctx)
	m.bus.Emit(bus.NewMessage("mycroft.skills.initialized", nil, nil))
	m.log.Info("skills_initialized", "loaded", len(m.Loaded()), "network", network, "internet", internet)

	if interval := config.Seconds(m.cfg.ScanIntervalSeconds); interval > 0 {
		m.wg.Add(1)
		go m.rescan(ctx, interval)
	}
	m.wg.Add(1)
	go m.awaitReady(ctx)
	return nil
}

// Stop unloads every skill and releases the bus subscriptions.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.mu.Lock()
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()
	for _, off := range subs {
		off()
	}
	if m.watcher != nil {
		_ = m.watcher.Close()
	}
	m.passMu.Lock()
	for _, id := range m.Loaded() {
		m.unload(id, "shutdown")
	}
	m.passMu.Unlock()
	m.alive.Store(false)
}

func (m *Manager) IsAlive() bool { return m.alive.Load() }
func (m *Manager) IsReady() bool { return m.ready.Load() }

// Ready is closed once the intent service has confirmed readiness and
// training.
func (m *Manager) Ready() <-chan struct{} { return m.readyCh }

func (m *Manager) Connectivity() Connectivity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// Loaded returns the ids of loaded skills.
func (m *Manager) Loaded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.loaded))
	for id := range m.loaded {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Activate clears a manual deactivation and loads the skill if its
// requirements allow it.
func (m *Manager) Activate(ctx context.Context, id string) error {
	id = normalizeID(id)
	if m.blacklist[id] {
		return fmt.Errorf("%w: %s", ErrBlacklisted, id)
	}
	if _, ok := m.catalog.Manifest(id); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSkill, id)
	}
	m.mu.Lock()
	delete(m.deactivated, id)
	delete(m.failed, id)
	m.mu.Unlock()
	m.sync(ctx)
	return nil
}

// Deactivate unloads the skill and keeps it unloaded until Activate.
func (m *Manager) Deactivate(id string) error {
	id = normalizeID(id)
	if _, ok := m.catalog.Manifest(id); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSkill, id)
	}
	m.passMu.Lock()
	defer m.passMu.Unlock()
	m.mu.Lock()
	m.deactivated[id] = true
	_, loaded := m.loaded[id]
	m.mu.Unlock()
	if loaded {
		m.unload(id, "deactivated")
	}
	return nil
}

// Keep deactivates every loaded skill except id.
func (m *Manager) Keep(id string) error {
	id = normalizeID(id)
	if _, ok := m.catalog.Manifest(id); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSkill, id)
	}
	for _, other := range m.Loaded() {
		if other != id {
			_ = m.Deactivate(other)
		}
	}
	return nil
}

func (m *Manager) discover() {
	if m.cfg.Directory == "" {
		return
	}
	manifests, errs := ScanManifests(m.cfg.Directory)
	for dir, err := range errs {
		m.warnOnce("manifest:"+dir, "skill_manifest_invalid", "dir", dir, "error", err)
	}
	for _, mf := range manifests {
		m.catalog.Override(mf)
	}
}

func (m *Manager) rescan(ctx context.Context, interval time.Duration) {
	defer m.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.discover()
			m.sync(ctx)
		}
	}
}

// sync loads newly eligible skills and unloads those whose requirements
// are no longer met.
func (m *Manager) sync(ctx context.Context) {
	m.passMu.Lock()
	defer m.passMu.Unlock()

	conn := m.Connectivity()
	var pending []Manifest
	for _, mf := range m.catalog.Manifests() {
		m.mu.Lock()
		_, loaded := m.loaded[mf.ID]
		skip := m.deactivated[mf.ID] || m.failed[mf.ID]
		m.mu.Unlock()

		switch {
		case loaded:
			if !mf.Requirements.Satisfied(conn) {
				if conn.Permanent {
					m.log.Debug("skill_unload_suppressed", "skill_id", mf.ID)
					continue
				}
				m.unload(mf.ID, "requirements")
			}
		case skip:
		case m.blacklist[mf.ID]:
			m.warnOnce("blacklist:"+mf.ID, "skill_blacklisted", "skill_id", mf.ID)
		case !mf.Requirements.Eligible(conn) || !mf.Requirements.Satisfied(conn):
			m.log.Debug("skill_waiting_for_connectivity", "skill_id", mf.ID)
		default:
			pending = append(pending, mf)
		}
	}
	if len(pending) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	if m.cfg.LoadConcurrency > 0 {
		g.SetLimit(m.cfg.LoadConcurrency)
	}
	for _, mf := range pending {
		g.Go(func() error {
			m.load(gctx, mf)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) load(ctx context.Context, mf Manifest) {
	settings, err := ReadSettings(m.cfg.SettingsDir, mf.ID)
	if err != nil {
		m.log.Warn("skill_settings_unreadable", "skill_id", mf.ID, "error", err)
		settings = map[string]any{}
	}
	sk, err := m.catalog.Build(ctx, Env{
		Manifest: mf,
		Bus:      m.bus,
		Settings: settings,
		Logger:   m.log.With("skill_id", mf.ID),
	})
	if err == nil && sk == nil {
		err = errors.New("factory returned no skill")
	}
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonSkillLoad)
		m.mu.Lock()
		m.failed[mf.ID] = true
		m.mu.Unlock()
		m.log.Error("skill_load_failed", "skill_id", mf.ID, "error", err)
		m.bus.Emit(bus.NewMessage("mycroft.skills.loading_failure", map[string]any{
			"id":    mf.ID,
			"name":  mf.Name,
			"error": err.Error(),
		}, nil))
		return
	}
	m.mu.Lock()
	m.loaded[mf.ID] = sk
	m.mu.Unlock()
	m.log.Info("skill_loaded", "skill_id", mf.ID)
	m.bus.Emit(bus.NewMessage("mycroft.skills.loaded", map[string]any{"id": mf.ID, "name": mf.Name}, nil))
}

func (m *Manager) unload(id, reason string) {
	m.mu.Lock()
	sk, ok := m.loaded[id]
	delete(m.loaded, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	sk.Shutdown()
	m.bus.Emit(bus.NewMessage("detach_skill", map[string]any{"skill_id": id}, nil))
	m.log.Info("skill_unloaded", "skill_id", id, "reason", reason)
}

func (m *Manager) warnOnce(key, msg string, args ...any) {
	m.mu.Lock()
	seen := m.warned[key]
	m.warned[key] = true
	m.mu.Unlock()
	if !seen {
		m.log.Warn(msg, args...)
	}
}

func (m *Manager) settingsChanged(id string) {
	m.log.Debug("skill_settings_changed", "skill_id", id)
	m.bus.Emit(bus.NewMessage("ovos.skills.settings_changed", map[string]any{"skill_id": id}, nil))
}

// awaitReady round-trips the intent service until it reports ready, asks
// it to train and marks the manager ready.
func (m *Manager) awaitReady(ctx context.Context) {
	defer m.wg.Done()
	timeout := config.Seconds(m.cfg.ReadyTimeoutSeconds)
	if timeout <= 0 {
		timeout = time.Minute
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	retry := resilience.RetryPolicy{MaxRetries: -1, Backoff: 100 * time.Millisecond, MaxBackoff: 2 * time.Second}
	err := retry.Do(wctx, func() error {
		resp, err := bus.WaitForResponse(wctx, m.bus, bus.NewMessage("mycroft.intents.is_ready", nil, nil), "", time.Second)
		if err != nil {
			return err
		}
		if !resp.Bool("status", false) {
			return errors.New("intent service not ready")
		}
		return nil
	})
	if err != nil {
		if ctx.Err() == nil {
			m.log.Error("skills_ready_timeout", "timeout", timeout, "error", err)
		}
		return
	}

	train := bus.NewMessage("mycroft.skills.train", map[string]any{"lang": m.lang}, nil)
	resp, err := bus.WaitForResponse(wctx, m.bus, train, "mycroft.skills.trained", timeout)
	switch {
	case err != nil:
		m.log.Warn("skills_train_unanswered", "error", err)
	case resp.String("error") != "":
		m.log.Warn("skills_train_failed", "error", resp.String("error"))
	}
	if ctx.Err() != nil {
		return
	}
	m.ready.Store(true)
	close(m.readyCh)
	m.log.Info("skills_ready", "loaded", len(m.Loaded()))
}

func (m *Manager) subscribe(ctx context.Context) {
	on := func(msgType string, h bus.Handler) {
		off := m.bus.On(msgType, h)
		m.mu.Lock()
		m.subs = append(m.subs, off)
		m.mu.Unlock()
	}
	onSync := func(msgType string, h bus.Handler) {
		off := m.bus.OnSync(msgType, h)
		m.mu.Lock()
		m.subs = append(m.subs, off)
		m.mu.Unlock()
	}

	for _, ev := range []string{EventNetworkUp, EventNetworkDown, EventInternetUp, EventInternetDown, EventGUIUp, EventGUIDown} {
		on(ev, func(msg bus.Message) { m.handleConnectivity(ctx, msg) })
	}
	on("skillmanager.activate", func(msg bus.Message) {
		if err := m.Activate(ctx, skillArg(msg)); err != nil {
			m.log.Warn("skill_activate_failed", "skill_id", skillArg(msg), "error", err)
		}
	})
	on("skillmanager.deactivate", func(msg bus.Message) {
		if err := m.Deactivate(skillArg(msg)); err != nil {
			m.log.Warn("skill_deactivate_failed", "skill_id", skillArg(msg), "error", err)
		}
	})
	on("skillmanager.keep", func(msg bus.Message) {
		if err := m.Keep(skillArg(msg)); err != nil {
			m.log.Warn("skill_keep_failed", "skill_id", skillArg(msg), "error", err)
		}
	})
	onSync("skillmanager.list", m.handleList)
	onSync("mycroft.skills.is_alive", func(msg bus.Message) {
		m.bus.Emit(msg.Response(map[string]any{"status": m.IsAlive()}))
	})
	onSync("mycroft.skills.is_ready", func(msg bus.Message) {
		m.bus.Emit(msg.Response(map[string]any{"status": m.IsReady()}))
	})
}

func (m *Manager) handleConnectivity(ctx context.Context, msg bus.Message) {
	m.mu.Lock()
	changed := m.conn.Apply(msg)
	conn := m.conn
	m.mu.Unlock()
	if !changed {
		return
	}
	m.log.Info("connectivity_changed", "event", msg.Type,
		"network", conn.Network, "internet", conn.Internet, "gui", conn.GUI, "permanent", conn.Permanent)
	m.sync(ctx)
}

func (m *Manager) handleList(msg bus.Message) {
	m.mu.Lock()
	data := make(map[string]any)
	for _, mf := range m.catalog.Manifests() {
		_, active := m.loaded[mf.ID]
		data[mf.ID] = map[string]any{
			"id":          mf.ID,
			"name":        mf.Name,
			"active":      active,
			"blacklisted": m.blacklist[mf.ID],
		}
	}
	m.mu.Unlock()
	m.bus.Emit(msg.Forward("mycroft.skills.list", data))
}

func skillArg(msg bus.Message) string {
	if id := msg.String("skill"); id != "" {
		return strings.TrimSpace(id)
	}
	return strings.TrimSpace(msg.String("skill_id"))
}
