// Package converse gives active skills the first chance to consume an
// utterance before any intent matcher runs.
package converse

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/bus"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/config"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/configutil"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/pipeline"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/session"
)

const ID = "converse"

type Settings struct {
	PongTimeout time.Duration `mapstructure:"pong_timeout"`
}

var schema = configutil.Schema{Optional: []string{"pong_timeout"}}

type Service struct {
	bus         bus.Client
	sessions    *session.Manager
	cfg         config.ConverseConfig
	blacklist   []string
	pongTimeout time.Duration
	log         *slog.Logger

	mu   sync.Mutex
	subs []func()
}

// Factory builds the converse plugin for the registry.
func Factory(env pipeline.Env) (pipeline.Plugin, error) {
	return New(env)
}

func New(env pipeline.Env) (*Service, error) {
	settings := Settings{PongTimeout: 500 * time.Millisecond}
	if err := configutil.Load(env.Settings, schema, &settings); err != nil {
		return nil, err
	}
	s := &Service{
		bus:         env.Bus,
		sessions:    env.Sessions,
		cfg:         env.Config.Skills.Converse,
		blacklist:   env.Config.Skills.BlacklistedSkills,
		pongTimeout: settings.PongTimeout,
		log:         env.Logger,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.subs = []func(){
		s.bus.On("skill.converse.get_response.enable", s.handleGetResponseEnable),
		s.bus.On("skill.converse.get_response.disable", s.handleGetResponseDisable),
		s.bus.On("intent.service.active_skills.get", s.handleActiveSkills),
	}
	return s, nil
}

func (s *Service) ID() string { return ID }

func (s *Service) Stages() []pipeline.Stage {
	return []pipeline.Stage{{ID: ID, Matcher: pipeline.MatcherFunc(s.Match)}}
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

func (s *Service) allowed(sess *session.Session, skillID string) bool {
	if sess.IsSkillBlacklisted(skillID) || slices.Contains(s.blacklist, skillID) {
		return false
	}
	return config.Allowed(s.cfg.ConverseMode, s.cfg.ConverseWhitelist, s.cfg.ConverseBlacklist, skillID)
}

// Match serves skills waiting for a response first, then offers the
// utterance to every willing active skill in most-recent order.
func (s *Service) Match(ctx context.Context, utterances []string, lang string, msg bus.Message) (pipeline.Match, error) {
	sess := pipeline.SessionOf(msg)
	if dropped := sess.PruneActive(config.Seconds(s.cfg.Timeout)); len(dropped) > 0 {
		s.log.Debug("converse_pruned_expired", "skills", dropped)
	}

	for _, skillID := range sess.ResponseModeSkills() {
		if !s.allowed(sess, skillID) {
			continue
		}
		s.log.Info("converse_get_response", "skill_id", skillID)
		s.bus.Emit(sess.Attach(msg.Forward(skillID+".converse.get_response", map[string]any{
			"skill_id":   skillID,
			"utterances": utterances,
			"lang":       lang,
		})))
		return &pipeline.PipelineMatch{Handled: true, SkillID: skillID, UpdatedSession: sess}, nil
	}

	var candidates []string
	for _, skillID := range sess.ActiveSkillIDs() {
		if s.allowed(sess, skillID) {
			candidates = append(candidates, skillID)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	for _, skillID := range s.willing(ctx, sess, candidates, utterances, lang, msg) {
		handled, err := s.converse(ctx, sess, skillID, utterances, lang, msg)
		if err != nil {
			s.log.Warn("converse_failed", "skill_id", skillID, "error", err)
			continue
		}
		if handled {
			return &pipeline.PipelineMatch{Handled: true, SkillID: skillID, UpdatedSession: sess}, nil
		}
	}
	return nil, nil
}

// willing pings every candidate and returns those that answered
// can_handle, in candidate order.
func (s *Service) willing(ctx context.Context, sess *session.Session, candidates, utterances []string, lang string, msg bus.Message) []string {
	pings := make([]bus.Message, 0, len(candidates))
	for _, skillID := range candidates {
		pings = append(pings, sess.Attach(msg.Forward(skillID+".converse.ping", map[string]any{
			"skill_id":   skillID,
			"utterances": utterances,
			"lang":       lang,
		})))
	}
	pongs := bus.Gather(ctx, s.bus, "skill.converse.pong", s.pongTimeout,
		func(m bus.Message) bool { return slices.Contains(candidates, m.String("skill_id")) },
		bus.DistinctAtLeast("skill_id", len(candidates)),
		pings...)

	can := make(map[string]bool, len(pongs))
	for _, p := range pongs {
		can[p.String("skill_id")] = p.Bool("can_handle", false)
	}
	var out []string
	for _, skillID := range candidates {
		if can[skillID] {
			out = append(out, skillID)
		}
	}
	return out
}

func (s *Service) converse(ctx context.Context, sess *session.Session, skillID string, utterances []string, lang string, msg bus.Message) (bool, error) {
	req := sess.Attach(msg.Forward(skillID+".converse.request", map[string]any{
		"skill_id":   skillID,
		"utterances": utterances,
		"lang":       lang,
	}))
	resp, err := bus.WaitForResponseMatching(ctx, s.bus, req, "skill.converse.response",
		config.Seconds(s.cfg.MaxSkillRuntime),
		func(m bus.Message) bool { return m.String("skill_id") == skillID })
	if errors.Is(err, bus.ErrTimeout) {
		s.bus.Emit(msg.Forward("ovos.skills.converse.force_timeout", map[string]any{"skill_id": skillID}))
		return false, err
	}
	if err != nil {
		return false, err
	}
	if e := resp.String("error"); e != "" {
		return false, errors.New(e)
	}
	return resp.Bool("result", false), nil
}

func (s *Service) handleGetResponseEnable(msg bus.Message) {
	skillID := msg.String("skill_id")
	if skillID == "" {
		return
	}
	sess := s.sessions.Get(msg)
	sess.EnableResponseMode(skillID)
	s.sessions.Update(sess)
	s.log.Debug("get_response_enabled", "skill_id", skillID, "session_id", sess.SessionID)
}

func (s *Service) handleGetResponseDisable(msg bus.Message) {
	skillID := msg.String("skill_id")
	if skillID == "" {
		return
	}
	sess := s.sessions.Get(msg)
	sess.DisableResponseMode(skillID)
	s.sessions.Update(sess)
	s.log.Debug("get_response_disabled", "skill_id", skillID, "session_id", sess.SessionID)
}

func (s *Service) handleActiveSkills(msg bus.Message) {
	sess := s.sessions.Get(msg)
	s.bus.Emit(msg.Reply("intent.service.active_skills.reply", map[string]any{
		"skills": sess.ToMap()["active_skills"],
	}))
}
