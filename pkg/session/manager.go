package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/bus"
)

// Config seeds new default sessions.
type Config struct {
	Lang            string
	Pipeline        []string
	TTL             time.Duration
	MaxActiveSkills int
	ContextTimeout  time.Duration
}

// Manager owns the default session. Sessions with any other id travel
// inside message contexts and are owned by their clients.
type Manager struct {
	mu  sync.Mutex
	cfg Config
	def *Session
	log *slog.Logger
}

func NewManager(cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxActiveSkills <= 0 {
		cfg.MaxActiveSkills = DefaultMaxActiveSkills
	}
	if cfg.ContextTimeout <= 0 {
		cfg.ContextTimeout = DefaultContextTimeout
	}
	m := &Manager{cfg: cfg, log: log}
	m.def = m.fresh(DefaultID)
	return m
}

func (m *Manager) fresh(id string) *Session {
	s := New(id)
	s.Lang = m.cfg.Lang
	s.Pipeline = append([]string{}, m.cfg.Pipeline...)
	s.MaxActiveSkills = m.cfg.MaxActiveSkills
	s.Context = NewContextManager(m.cfg.ContextTimeout)
	if m.cfg.TTL > 0 {
		s.ExpirationSeconds = m.cfg.TTL.Seconds()
	}
	return s
}

// NewSession returns a session seeded from config. An empty id gets a
// random one.
func (m *Manager) NewSession(id string) *Session {
	return m.fresh(id)
}

// Default returns a copy of the default session, recreating it first when
// it expired.
func (m *Manager) Default() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.def.Expired() {
		m.log.Info("session_expired", "session_id", DefaultID)
		m.def = m.fresh(DefaultID)
	}
	return m.def.Clone()
}

// Get resolves the session for msg. A default session carried by the
// message replaces the stored one when it is at least as recent.
func (m *Manager) Get(msg bus.Message) *Session {
	s, ok := FromMessage(msg)
	if !ok {
		return m.Default()
	}
	s.MaxActiveSkills = m.cfg.MaxActiveSkills
	if !s.IsDefault() {
		if len(s.Pipeline) == 0 {
			s.Pipeline = append([]string{}, m.cfg.Pipeline...)
		}
		if s.Lang == "" {
			s.Lang = m.cfg.Lang
		}
		return s
	}
	m.adopt(s)
	return m.Default()
}

func (m *Manager) adopt(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.TouchTime < m.def.TouchTime {
		return false
	}
	if len(s.Pipeline) == 0 {
		s.Pipeline = append([]string{}, m.cfg.Pipeline...)
	}
	if s.Lang == "" {
		s.Lang = m.cfg.Lang
	}
	s.MaxActiveSkills = m.cfg.MaxActiveSkills
	if m.cfg.TTL > 0 && s.ExpirationSeconds <= 0 {
		s.ExpirationSeconds = m.cfg.TTL.Seconds()
	}
	m.def = s.Clone()
	return true
}

// Update stores s when it is the default session; other sessions are
// returned to their owners through message contexts.
func (m *Manager) Update(s *Session) {
	if s == nil || !s.IsDefault() {
		return
	}
	m.mu.Lock()
	m.def = s.Clone()
	m.def.MaxActiveSkills = m.cfg.MaxActiveSkills
	m.mu.Unlock()
}

// Reset discards the default session.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.def = m.fresh(DefaultID)
	m.mu.Unlock()
}

// SyncDefault publishes the default session so peers converge.
func (m *Manager) SyncDefault(c bus.Client, msg bus.Message) {
	data := m.Default().ToMap()
	c.Emit(msg.Forward("ovos.session.update_default", map[string]any{"session_data": data}))
}

// Bind subscribes the manager to session sync traffic from peers.
func (m *Manager) Bind(c bus.Client) func() {
	offUpdate := c.OnSync("ovos.session.update_default", func(msg bus.Message) {
		raw, ok := msg.Data["session_data"].(map[string]any)
		if !ok {
			return
		}
		s, err := FromMap(raw)
		if err != nil || !s.IsDefault() {
			return
		}
		m.adopt(s)
	})
	offSync := c.On("ovos.session.sync", func(msg bus.Message) {
		m.SyncDefault(c, msg)
	})
	return func() {
		offUpdate()
		offSync()
	}
}
