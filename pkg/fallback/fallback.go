// Package fallback offers unmatched utterances to the skills that
// registered fallback handlers, one priority band per stage.
package fallback

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/bus"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/config"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/configutil"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/pipeline"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/session"
)

const ID = "fallback"

// Band is a half-open priority range (Start, Stop].
type Band struct {
	Start int
	Stop  int
}

func (b Band) Contains(priority int) bool {
	return priority > b.Start && priority <= b.Stop
}

var (
	High   = Band{Start: 0, Stop: 5}
	Medium = Band{Start: 5, Stop: 90}
	Low    = Band{Start: 90, Stop: 101}
)

type Settings struct {
	PongTimeout time.Duration `mapstructure:"pong_timeout"`
}

var schema = configutil.Schema{Optional: []string{"pong_timeout"}}

type Service struct {
	bus       bus.Client
	cfg       config.FallbackConfig
	blacklist []string
	settings  Settings
	log       *slog.Logger

	mu         sync.RWMutex
	registered map[string]int
	subs       []func()
}

func Factory(env pipeline.Env) (pipeline.Plugin, error) {
	return New(env)
}

func New(env pipeline.Env) (*Service, error) {
	settings := Settings{PongTimeout: 500 * time.Millisecond}
	if err := configutil.Load(env.Settings, schema, &settings); err != nil {
		return nil, err
	}
	s := &Service{
		bus:        env.Bus,
		cfg:        env.Config.Skills.Fallbacks,
		blacklist:  env.Config.Skills.BlacklistedSkills,
		settings:   settings,
		log:        env.Logger,
		registered: make(map[string]int),
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	// registrations must be visible to the very next utterance
	s.subs = []func(){
		s.bus.OnSync("ovos.skills.fallback.register", s.handleRegister),
		s.bus.OnSync("ovos.skills.fallback.deregister", s.handleDeregister),
	}
	return s, nil
}

func (s *Service) ID() string { return ID }

func (s *Service) Stages() []pipeline.Stage {
	return []pipeline.Stage{
		{ID: ID + "_high", Matcher: s.band(High)},
		{ID: ID + "_medium", Matcher: s.band(Medium)},
		{ID: ID + "_low", Matcher: s.band(Low)},
	}
}

func (s *Service) Shutdown() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, off := range subs {
		off()
	}
}

// Register records a fallback handler. A configured priority overrides
// the requested one.
func (s *Service) Register(skillID string, priority int) {
	if override, ok := s.cfg.FallbackPriorities[skillID]; ok && override != priority {
		s.log.Info("fallback_priority_override", "skill_id", skillID, "requested", priority, "priority", override)
		priority = override
	}
	s.mu.Lock()
	s.registered[skillID] = priority
	s.mu.Unlock()
	s.log.Debug("fallback_registered", "skill_id", skillID, "priority", priority)
}

func (s *Service) Deregister(skillID string) {
	s.mu.Lock()
	delete(s.registered, skillID)
	s.mu.Unlock()
}

// Registered returns a copy of the registration map.
func (s *Service) Registered() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.registered))
	for k, v := range s.registered {
		out[k] = v
	}
	return out
}

func (s *Service) handleRegister(msg bus.Message) {
	skillID := msg.String("skill_id")
	if skillID == "" {
		return
	}
	priority := 101
	if p, ok := msg.Float("priority"); ok {
		priority = int(p)
	}
	s.Register(skillID, priority)
}

func (s *Service) handleDeregister(msg bus.Message) {
	if skillID := msg.String("skill_id"); skillID != "" {
		s.Deregister(skillID)
	}
}

func (s *Service) allowed(sess *session.Session, skillID string) bool {
	if sess.IsSkillBlacklisted(skillID) || slices.Contains(s.blacklist, skillID) {
		return false
	}
	return config.Allowed(s.cfg.FallbackMode, s.cfg.FallbackWhitelist, s.cfg.FallbackBlacklist, skillID)
}

// inBand lists the allowed skills registered within band, ordered by
// priority then id.
func (s *Service) inBand(sess *session.Session, band Band) ([]string, map[string]int) {
	prios := s.Registered()
	var out []string
	for skillID, p := range prios {
		if band.Contains(p) && s.allowed(sess, skillID) {
			out = append(out, skillID)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if prios[out[i]] != prios[out[j]] {
			return prios[out[i]] < prios[out[j]]
		}
		return out[i] < out[j]
	})
	return out, prios
}

func (s *Service) band(band Band) pipeline.MatcherFunc {
	return func(ctx context.Context, utterances []string, lang string, msg bus.Message) (pipeline.Match, error) {
		sess := pipeline.SessionOf(msg)
		skills, prios := s.inBand(sess, band)
		ping := msg.Forward("ovos.skills.fallback.ping", map[string]any{
			"range":      []int{band.Start, band.Stop},
			"utterances": utterances,
			"lang":       lang,
		})
		if len(skills) == 0 {
			s.bus.Emit(ping)
			return nil, nil
		}

		pongs := bus.Gather(ctx, s.bus, "ovos.skills.fallback.pong", s.settings.PongTimeout,
			func(m bus.Message) bool { return slices.Contains(skills, m.String("skill_id")) },
			bus.DistinctAtLeast("skill_id", len(skills)),
			ping)
		can := make(map[string]bool, len(pongs))
		for _, p := range pongs {
			can[p.String("skill_id")] = p.Bool("can_handle", false)
		}

		for _, skillID := range skills {
			if !can[skillID] {
				continue
			}
			handled, err := s.request(ctx, skillID, utterances, lang, msg)
			if err != nil {
				s.log.Warn("fallback_failed", "skill_id", skillID, "error", err)
				continue
			}
			if handled {
				s.log.Info("fallback_handled", "skill_id", skillID, "priority", prios[skillID])
				return &pipeline.PipelineMatch{
					Handled:   true,
					SkillID:   skillID,
					MatchData: map[string]any{"priority": prios[skillID]},
				}, nil
			}
		}
		return nil, nil
	}
}

func (s *Service) request(ctx context.Context, skillID string, utterances []string, lang string, msg bus.Message) (bool, error) {
	msgType := "ovos.skills.fallback." + skillID + ".request"
	req := msg.Forward(msgType, map[string]any{
		"skill_id":   skillID,
		"utterances": utterances,
		"lang":       lang,
	})
	resp, err := bus.WaitForResponse(ctx, s.bus, req, "ovos.skills.fallback."+skillID+".response",
		config.Seconds(s.cfg.MaxSkillRuntime))
	if errors.Is(err, bus.ErrTimeout) {
		s.bus.Emit(msg.Forward("ovos.skills.fallback.force_timeout", map[string]any{"skill_id": skillID}))
		return false, err
	}
	if err != nil {
		return false, err
	}
	if e := resp.String("error"); e != "" {
		return false, errors.New(e)
	}
	return resp.Bool("result", resp.Bool("handled", false)), nil
}
