// Package stop recognises stop requests and negotiates which active skill,
// if any, should stop.
package stop

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"

	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/bus"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/configutil"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/locale"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/pipeline"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/session"
)

const ID = "stop"

type Settings struct {
	MinConf     float64       `mapstructure:"min_conf"`
	PongTimeout time.Duration `mapstructure:"pong_timeout"`
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
}

var schema = configutil.Schema{Optional: []string{"min_conf", "pong_timeout", "stop_timeout"}}

type Service struct {
	bus       bus.Client
	res       *locale.Resources
	blacklist []string
	settings  Settings
	log       *slog.Logger
}

func Factory(env pipeline.Env) (pipeline.Plugin, error) {
	return New(env)
}

func New(env pipeline.Env) (*Service, error) {
	settings := Settings{
		MinConf:     0.5,
		PongTimeout: 500 * time.Millisecond,
		StopTimeout: 3 * time.Second,
	}
	if err := configutil.Load(env.Settings, schema, &settings); err != nil {
		return nil, err
	}
	s := &Service{
		bus:       env.Bus,
		res:       env.Locale,
		blacklist: env.Config.Skills.BlacklistedSkills,
		settings:  settings,
		log:       env.Logger,
	}
	if s.res == nil {
		s.res = locale.Default()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s, nil
}

func (s *Service) ID() string { return ID }

func (s *Service) Stages() []pipeline.Stage {
	return pipeline.ConfidenceStages(ID, s, false)
}

// MatchHigh accepts only utterances that are exactly a stop phrase.
func (s *Service) MatchHigh(ctx context.Context, utterances []string, lang string, msg bus.Message) (pipeline.Match, error) {
	if len(utterances) == 0 {
		return nil, nil
	}
	utt := utterances[0]
	global := s.res.VocMatch(utt, "global_stop", lang, true)
	stop := s.res.VocMatch(utt, "stop", lang, true)
	if !global && !stop {
		return nil, nil
	}
	sess := pipeline.SessionOf(msg)
	if global || len(sess.ActiveSkillIDs()) == 0 {
		s.log.Info("stop_global", "utterance", utt)
		s.bus.Emit(msg.Forward("mycroft.stop", nil))
		return &pipeline.PipelineMatch{Handled: true, Utterance: utt}, nil
	}
	if m := s.negotiate(ctx, sess, utt, msg); m != nil {
		return m, nil
	}
	return nil, nil
}

// MatchMedium accepts utterances containing a stop phrase and scores them
// like MatchLow.
func (s *Service) MatchMedium(ctx context.Context, utterances []string, lang string, msg bus.Message) (pipeline.Match, error) {
	if len(utterances) == 0 {
		return nil, nil
	}
	utt := utterances[0]
	if !s.res.VocMatch(utt, "stop", lang, false) && !s.res.VocMatch(utt, "global_stop", lang, false) {
		return nil, nil
	}
	return s.MatchLow(ctx, utterances, lang, msg)
}

// MatchLow fuzzy scores the utterance against the stop vocabulary. When no
// skill claims the stop a global stop is sent.
func (s *Service) MatchLow(ctx context.Context, utterances []string, lang string, msg bus.Message) (pipeline.Match, error) {
	if len(utterances) == 0 {
		return nil, nil
	}
	utt := utterances[0]
	sess := pipeline.SessionOf(msg)
	conf := s.score(utt, lang)
	if len(sess.ActiveSkillIDs()) > 0 {
		conf += 0.1
	}
	conf = min(conf, 1.0)
	if conf < s.settings.MinConf {
		return nil, nil
	}
	if m := s.negotiate(ctx, sess, utt, msg); m != nil {
		m.MatchData = map[string]any{"conf": conf}
		return m, nil
	}
	s.log.Info("stop_global_fallback", "utterance", utt, "conf", conf)
	s.bus.Emit(msg.Forward("mycroft.stop", nil))
	return &pipeline.PipelineMatch{Handled: true, Utterance: utt, MatchData: map[string]any{"conf": conf}}, nil
}

func (s *Service) score(utt, lang string) float64 {
	utt = locale.Normalize(utt)
	lev := metrics.NewLevenshtein()
	best := 0.0
	for _, name := range []string{"stop", "global_stop"} {
		for _, phrase := range s.res.Voc(lang, name) {
			if sim := strutil.Similarity(utt, phrase, lev); sim > best {
				best = sim
			}
		}
	}
	return best
}

// negotiate pings the active skills and asks the willing ones to stop in
// most-recent order.
func (s *Service) negotiate(ctx context.Context, sess *session.Session, utt string, msg bus.Message) *pipeline.PipelineMatch {
	var candidates []string
	for _, skillID := range sess.ActiveSkillIDs() {
		if sess.IsSkillBlacklisted(skillID) || slices.Contains(s.blacklist, skillID) {
			continue
		}
		candidates = append(candidates, skillID)
	}
	if len(candidates) == 0 {
		return nil
	}

	pings := make([]bus.Message, 0, len(candidates))
	for _, skillID := range candidates {
		pings = append(pings, msg.Forward(skillID+".stop.ping", map[string]any{"skill_id": skillID}))
	}
	pongs := bus.Gather(ctx, s.bus, "skill.stop.pong", s.settings.PongTimeout,
		func(m bus.Message) bool { return slices.Contains(candidates, m.String("skill_id")) },
		bus.DistinctAtLeast("skill_id", len(candidates)),
		pings...)
	can := make(map[string]bool, len(pongs))
	for _, p := range pongs {
		can[p.String("skill_id")] = p.Bool("can_handle", false)
	}

	for _, skillID := range candidates {
		if !can[skillID] {
			continue
		}
		if !s.stopSkill(ctx, skillID, msg) {
			continue
		}
		s.log.Info("skill_stopped", "skill_id", skillID)
		sess.DisableResponseMode(skillID)
		return &pipeline.PipelineMatch{Handled: true, SkillID: skillID, Utterance: utt, UpdatedSession: sess}
	}
	return nil
}

func (s *Service) stopSkill(ctx context.Context, skillID string, msg bus.Message) bool {
	req := msg.Forward(skillID+".stop", map[string]any{"skill_id": skillID})
	resp, err := bus.WaitForResponse(ctx, s.bus, req, skillID+".stop.response", s.settings.StopTimeout)
	if err != nil {
		s.log.Warn("skill_stop_no_response", "skill_id", skillID, "error", err)
		return false
	}
	if e := resp.String("error"); e != "" {
		s.log.Error("skill_stop_error", "skill_id", skillID, "error", e)
		return false
	}
	if !resp.Bool("result", false) {
		return false
	}
	data := map[string]any{"skill_id": skillID}
	s.bus.Emit(msg.Forward("mycroft.skills.abort_question", data))
	s.bus.Emit(msg.Forward("ovos.skills.converse.force_timeout", data))
	s.bus.Emit(msg.Forward("mycroft.audio.speech.stop", data))
	return true
}
