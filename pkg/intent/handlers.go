package intent

import (
	"context"
	"strings"

	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/bus"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/pipeline"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/session"
)

func skillIDOf(msg bus.Message) string {
	if id := msg.String("skill_id"); id != "" {
		return id
	}
	return msg.ContextString("skill_id")
}

func (s *Service) handleAddContext(msg bus.Message) {
	tag := msg.String("context")
	if tag == "" {
		s.log.Warn("add_context_missing_tag")
		return
	}
	word := msg.String("word")
	sess := s.sessions.Get(msg)
	sess.Context.Inject(session.Entity{
		Key:        word,
		Match:      word,
		Context:    tag,
		Origin:     msg.String("origin"),
		Confidence: 1.0,
	}, nil)
	s.sessions.Update(sess)
}

func (s *Service) handleRemoveContext(msg bus.Message) {
	tag := msg.String("context")
	if tag == "" {
		return
	}
	sess := s.sessions.Get(msg)
	sess.Context.Remove(tag)
	s.sessions.Update(sess)
}

func (s *Service) handleClearContext(msg bus.Message) {
	sess := s.sessions.Get(msg)
	sess.Context.Clear()
	s.sessions.Update(sess)
}

func (s *Service) handleActivate(msg bus.Message) {
	skillID := skillIDOf(msg)
	if skillID == "" {
		return
	}
	sess := s.sessions.Get(msg)
	sess.Activate(skillID)
	s.sessions.Update(sess)
	out := sess.Attach(msg.Forward(skillID+".activate", map[string]any{"skill_id": skillID}))
	s.bus.Emit(out)
	s.bus.Emit(out.Forward("intent.service.skills.activated", map[string]any{"skill_id": skillID}))
}

func (s *Service) handleDeactivate(msg bus.Message) {
	skillID := skillIDOf(msg)
	if skillID == "" {
		return
	}
	sess := s.sessions.Get(msg)
	if s.deactivated.record(sess.SessionID, skillID) {
		s.log.Debug("skill_deactivated_during_match", "skill_id", skillID, "session_id", sess.SessionID)
	}
	sess.Deactivate(skillID)
	s.sessions.Update(sess)
	out := sess.Attach(msg.Forward(skillID+".deactivate", map[string]any{"skill_id": skillID}))
	s.bus.Emit(out)
	s.bus.Emit(out.Forward("intent.service.skills.deactivated", map[string]any{"skill_id": skillID}))
}

// handleGetIntent answers a dry-run query using only side-effect free
// stages.
func (s *Service) handleGetIntent(ctx context.Context, msg bus.Message) {
	utterance := strings.TrimSpace(msg.String("utterance"))
	sess := s.sessions.Get(msg)
	l := msg.String("lang")
	if l == "" {
		l = sess.Lang
	}
	query := sess.Attach(msg.Clone())

	var intent map[string]any
	if utterance != "" {
		ids := sess.Pipeline
		if len(ids) == 0 {
			ids = s.cfg.Intents.Pipeline
		}
		stages, _ := s.registry.Resolve(ids)
		for _, st := range stages {
			if !st.DryRun {
				continue
			}
			m, err := s.runStage(ctx, st, []string{utterance}, l, query)
			if err != nil || m == nil || sess.IsSkillBlacklisted(m.Skill()) {
				continue
			}
			ih, ok := m.(*pipeline.IntentHandlerMatch)
			if !ok || sess.IsIntentBlacklisted(ih.MatchType) {
				continue
			}
			intent = map[string]any{
				"intent_type":    ih.MatchType,
				"intent_service": st.ID,
				"match_data":     bus.CloneMap(ih.MatchData),
				"skill_id":       ih.SkillID,
				"utterance":      utterance,
			}
			break
		}
	}
	var payload any
	if intent != nil {
		payload = intent
	}
	s.bus.Emit(msg.Reply("intent.service.intent.reply", map[string]any{"intent": payload}))
}

func (s *Service) handleReload(msg bus.Message) {
	if err := s.registry.Reload(s.env); err != nil {
		s.log.Warn("pipeline_reload_partial", "error", err)
		return
	}
	s.log.Info("pipeline_reloaded", "plugins", len(s.registry.Plugins()))
}

func (s *Service) handleIsReady(msg bus.Message) {
	s.bus.Emit(msg.Response(map[string]any{"status": s.Ready()}))
}

func (s *Service) handleTrain(ctx context.Context, msg bus.Message) {
	data := map[string]any{}
	if err := s.registry.Train(ctx); err != nil {
		s.log.Error("intent_training_failed", "error", err)
		data["error"] = err.Error()
	}
	s.bus.Emit(msg.Reply("mycroft.skills.trained", data))
}
