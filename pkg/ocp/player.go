package ocp

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/bus"
)

// Player is the core's view of the media player serving one session.
type Player struct {
	SessionID string

	fsm *playerFSM

	mu         sync.Mutex
	mediaState MediaState
	seis       []string
	available  bool
	discovered bool
}

func newPlayer(sessionID string) *Player {
	return &Player{SessionID: sessionID, fsm: newPlayerFSM(sessionID)}
}

func (p *Player) State() PlayerState { return p.fsm.State() }

func (p *Player) MediaState() MediaState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mediaState
}

// Available reports whether the media daemon answered discovery.
func (p *Player) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

// SEIs lists the stream extractors the player can resolve.
func (p *Player) SEIs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.seis)
}

// Supports reports whether the player can open e. The legacy audio
// service gets every entry; extractor prefixes are stripped at dispatch.
func (p *Player) Supports(e MediaEntry) bool {
	sei := e.SEI()
	if sei == "" || !p.Available() {
		return true
	}
	seis := p.SEIs()
	if len(seis) == 0 {
		return true
	}
	return slices.Contains(seis, sei)
}

func (p *Player) setMediaState(s MediaState) {
	p.mu.Lock()
	p.mediaState = s
	p.mu.Unlock()
}

func (p *Player) setSEIs(seis []string) {
	p.mu.Lock()
	p.seis = seis
	p.available = true
	p.discovered = true
	p.mu.Unlock()
}

// Players keeps one Player per session.
type Players struct {
	bus     bus.Client
	timeout time.Duration
	log     *slog.Logger

	mu        sync.Mutex
	players   map[string]*Player
	listeners []StateListener
}

func NewPlayers(c bus.Client, discoveryTimeout time.Duration, log *slog.Logger) *Players {
	if log == nil {
		log = slog.Default()
	}
	return &Players{bus: c, timeout: discoveryTimeout, log: log, players: make(map[string]*Player)}
}

// AddListener observes the state changes of every player, including
// players created later.
func (ps *Players) AddListener(l StateListener) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.listeners = append(ps.listeners, l)
	for _, p := range ps.players {
		p.fsm.AddListener(l)
	}
}

// Get returns the player of sessionID, creating it in STOPPED.
func (ps *Players) Get(sessionID string) *Player {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p, ok := ps.players[sessionID]
	if !ok {
		p = newPlayer(sessionID)
		for _, l := range ps.listeners {
			p.fsm.AddListener(l)
		}
		ps.players[sessionID] = p
	}
	return p
}

// Discover asks the media daemon for its stream extractors the first
// time a session uses its player. Without an answer the player stays on
// the legacy audio service.
func (ps *Players) Discover(ctx context.Context, p *Player, msg bus.Message) {
	p.mu.Lock()
	done := p.discovered
	p.discovered = true
	p.mu.Unlock()
	if done {
		return
	}
	reply, err := bus.WaitForResponse(ctx, ps.bus, msg.Forward("ovos.common_play.SEI.get", nil), "ovos.common_play.SEI.get.response", ps.timeout)
	if err != nil {
		if errors.Is(err, bus.ErrTimeout) {
			ps.log.Warn("ocp_unavailable_legacy_audio", "session_id", p.SessionID)
		}
		return
	}
	seis := reply.Strings("SEI")
	p.setSEIs(seis)
	ps.log.Info("ocp_available", "session_id", p.SessionID, "sei", seis)
}
