package intent

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"time"

	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/bus"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/errorsx"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/lang"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/pipeline"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/session"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/transformers"
)

// utteranceRun carries the state of one utterance through the executor.
type utteranceRun struct {
	msg        bus.Message
	utterances []string
	lang       string
	sess       *session.Session
	start      time.Time
}

// HandleUtterance processes one recognizer_loop:utterance message. It
// always ends with exactly one outcome: a match, a failure or a cancel.
func (s *Service) HandleUtterance(ctx context.Context, msg bus.Message) {
	run := &utteranceRun{msg: msg.Clone(), start: time.Now()}
	run.utterances = run.msg.Strings("utterances")
	run.sess = s.sessions.Get(run.msg)

	baseLang := run.msg.String("lang")
	if baseLang == "" {
		baseLang = run.sess.Lang
	}
	if baseLang == "" {
		baseLang = s.cfg.Lang
	}

	s.transform(run, baseLang)
	if canceled, _ := run.msg.Context[transformers.KeyCanceled].(bool); canceled {
		s.log.Info("utterance_cancelled", "session_id", run.sess.SessionID, "cancel_word", run.msg.ContextString(transformers.KeyCancelWord))
		s.emitCancel(run)
		s.finish(run)
		return
	}

	run.lang = lang.Disambiguate(run.msg.Context, baseLang, s.enabled, s.log)

	if run.sess.Lang != run.lang {
		run.sess.Lang = run.lang
	}
	run.sess.Touch()
	run.msg = run.sess.Attach(run.msg)

	s.deactivated.begin(run.sess.SessionID)
	defer s.deactivated.end(run.sess.SessionID)

	stage, match := s.walk(ctx, run)
	if match == nil {
		s.emitFailure(run)
	} else {
		s.emitMatch(run, stage, match)
	}
	s.finish(run)
}

// transform runs the utterance and metadata chains and writes their
// output back into the message.
func (s *Service) transform(run *utteranceRun, baseLang string) {
	tctx := run.msg.Context
	_, hadLang := tctx["lang"]
	if !hadLang {
		tctx["lang"] = baseLang
	}
	run.utterances, tctx = s.utterance.Transform(run.utterances, tctx)
	tctx = s.metadata.Transform(tctx)
	if !hadLang {
		delete(tctx, "lang")
	}
	run.msg.Context = tctx
	run.msg.Data["utterances"] = slices.Clone(run.utterances)
}

// walk tries every stage of the session pipeline in order and returns the
// first acceptable match.
func (s *Service) walk(ctx context.Context, run *utteranceRun) (string, pipeline.Match) {
	ids := run.sess.Pipeline
	if len(ids) == 0 {
		ids = s.cfg.Intents.Pipeline
	}
	stages, unknown := s.registry.Resolve(ids)
	if len(unknown) > 0 {
		s.log.Warn("pipeline_unknown_stage", "stages", unknown, "session_id", run.sess.SessionID)
	}

	langs := []string{run.lang}
	if s.cfg.Intents.MultilingualMatching {
		for _, l := range s.enabled {
			if l != run.lang {
				langs = append(langs, l)
			}
		}
	}

	for _, st := range stages {
		for _, l := range langs {
			if err := ctx.Err(); err != nil {
				return "", nil
			}
			m, err := s.runStage(ctx, st, run.utterances, l, run.msg)
			if err != nil {
				s.log.Error("matcher_failed", "stage", st.ID, "lang", l, "reason", errorsx.Reason(err), "error", err)
				continue
			}
			if m == nil {
				continue
			}
			if pm, ok := m.(*pipeline.PipelineMatch); ok && !pm.Handled {
				continue
			}
			if run.sess.IsSkillBlacklisted(m.Skill()) {
				s.log.Debug("match_skipped_blacklisted_skill", "stage", st.ID, "skill_id", m.Skill())
				continue
			}
			if ih, ok := m.(*pipeline.IntentHandlerMatch); ok && run.sess.IsIntentBlacklisted(ih.MatchType) {
				s.log.Debug("match_skipped_blacklisted_intent", "stage", st.ID, "intent", ih.MatchType)
				continue
			}
			if l != run.lang {
				s.log.Info("match_in_secondary_lang", "stage", st.ID, "lang", l)
				run.lang = l
			}
			return st.ID, m
		}
	}
	return "", nil
}

// runStage calls a matcher, converting a panic into a matcher_crash error.
func (s *Service) runStage(ctx context.Context, st pipeline.Stage, utterances []string, l string, msg bus.Message) (m pipeline.Match, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("matcher_panic", "stage", st.ID, "panic", r, "stack", string(debug.Stack()))
			m = nil
			err = errorsx.Errorf(errorsx.ReasonMatcherCrash, "stage %s panicked: %v", st.ID, r)
		}
	}()
	m, err = st.Matcher.Match(ctx, slices.Clone(utterances), l, msg)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("stage %s: %w", st.ID, err), errorsx.ReasonMatcherCrash)
	}
	return m, nil
}

// finish stores the session and, for the default session, publishes it.
func (s *Service) finish(run *utteranceRun) {
	s.sessions.Update(run.sess)
	if run.sess.IsDefault() {
		s.sessions.SyncDefault(s.bus, run.msg)
	}
}
