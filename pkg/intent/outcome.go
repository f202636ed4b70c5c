package intent

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/bus"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/metrics"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/pipeline"
)

// emitMatch publishes the outcome of a winning match and updates the
// session the executor owns.
func (s *Service) emitMatch(run *utteranceRun, stage string, match pipeline.Match) {
	match = s.intents.Transform(match)

	if upd := match.Updated(); upd != nil && upd.SessionID == run.sess.SessionID {
		upd.MaxActiveSkills = run.sess.MaxActiveSkills
		run.sess = upd
	}
	s.applyDeactivations(run)

	skillID := match.Skill()
	if skillID != "" && !slices.Contains(s.deactivated.list(run.sess.SessionID), skillID) {
		run.sess.Activate(skillID)
		run.msg = run.sess.Attach(run.msg)
		s.bus.Emit(run.msg.Forward(skillID+".activate", map[string]any{"skill_id": skillID}))
		s.bus.Emit(run.msg.Forward("intent.service.skills.activated", map[string]any{"skill_id": skillID}))
	}

	utterance := match.Text()
	if utterance == "" && len(run.utterances) > 0 {
		utterance = run.utterances[0]
	}

	intentName := ""
	switch m := match.(type) {
	case *pipeline.IntentHandlerMatch:
		intentName = m.MatchType
		data := bus.CloneMap(run.msg.Data)
		for k, v := range m.MatchData {
			data[k] = v
		}
		data["utterance"] = utterance
		data["lang"] = run.lang
		reply := run.msg.Reply(m.MatchType, data)
		reply.Context["skill_id"] = skillID
		reply = run.sess.Attach(reply)
		s.log.Info("intent_matched", "stage", stage, "intent", m.MatchType, "skill_id", skillID, "lang", run.lang)
		s.bus.Emit(reply)
	case *pipeline.PipelineMatch:
		intentName = stage
		s.log.Info("utterance_handled", "stage", stage, "skill_id", skillID, "lang", run.lang)
		s.bus.Emit(run.sess.Attach(run.msg.Forward("ovos.utterance.handled", map[string]any{"skill_id": skillID})))
	}

	s.record(run, metrics.EventIntentMatch, stage, intentName, skillID, match.Data(), utterance)
}

// emitFailure is the no-match path: error cue, failure event, handled.
func (s *Service) emitFailure(run *utteranceRun) {
	s.applyDeactivations(run)
	s.log.Info("intent_failure", "session_id", run.sess.SessionID, "lang", run.lang)
	s.bus.Emit(run.msg.Forward("mycroft.audio.play_sound", map[string]any{"uri": s.cfg.Sounds.Error}))
	s.bus.Emit(run.sess.Attach(run.msg.Reply("complete_intent_failure", bus.CloneMap(run.msg.Data))))
	s.bus.Emit(run.sess.Attach(run.msg.Forward("ovos.utterance.handled", nil)))
	s.record(run, metrics.EventIntentFailure, "", "", "", nil, strings.Join(run.utterances, " | "))
}

// emitCancel is the path taken when a transformer cancelled the utterance.
func (s *Service) emitCancel(run *utteranceRun) {
	s.bus.Emit(run.msg.Forward("mycroft.audio.play_sound", map[string]any{"uri": s.cfg.Sounds.Cancel}))
	s.bus.Emit(run.msg.Forward("ovos.utterance.cancelled", nil))
	s.bus.Emit(run.msg.Forward("ovos.utterance.handled", nil))
	s.record(run, metrics.EventCancelled, "", "", "", nil, strings.Join(run.utterances, " | "))
}

func (s *Service) applyDeactivations(run *utteranceRun) {
	for _, skillID := range s.deactivated.list(run.sess.SessionID) {
		run.sess.Deactivate(skillID)
	}
}

func (s *Service) record(run *utteranceRun, name, stage, intentName, skillID string, data map[string]any, utterance string) {
	s.metrics.RecordEvent(metrics.Event{
		ID:        uuid.NewString(),
		Name:      name,
		Time:      time.Now(),
		SessionID: run.sess.SessionID,
		Utterance: utterance,
		Intent:    intentName,
		SkillID:   skillID,
		Stage:     stage,
		Lang:      run.lang,
		MatchData: bus.CloneMap(data),
		Duration:  time.Since(run.start),
	})
}
