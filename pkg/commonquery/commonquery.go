// Package commonquery asks every question-answering skill at once and
// hands the question to the most confident one.
package commonquery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/bus"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/config"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/locale"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/pipeline"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/session"
)

const (
	ID      = "common_query"
	StageID = "common_qa"
)

type Service struct {
	bus       bus.Client
	res       *locale.Resources
	minWait   time.Duration
	maxWait   time.Duration
	extension time.Duration
	ledger    *Ledger
	log       *slog.Logger

	mu   sync.Mutex
	subs []func()
}

func Factory(env pipeline.Env) (pipeline.Plugin, error) {
	return New(env), nil
}

func New(env pipeline.Env) *Service {
	cq := env.Config.Skills.CommonQuery
	s := &Service{
		bus:       env.Bus,
		res:       env.Locale,
		minWait:   config.Seconds(cq.MinResponseWait),
		maxWait:   config.Seconds(cq.MaxResponseWait),
		extension: config.Seconds(cq.ExtensionTime),
		ledger:    NewLedger(),
		log:       env.Logger,
	}
	if s.res == nil {
		s.res = locale.Default()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.subs = []func(){s.bus.OnSync("question:query.response", s.handleResponse)}
	return s
}

func (s *Service) ID() string { return ID }

func (s *Service) Stages() []pipeline.Stage {
	return []pipeline.Stage{{ID: StageID, Matcher: pipeline.MatcherFunc(s.Match)}}
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

// Ledger exposes the in-flight queries.
func (s *Service) Ledger() *Ledger { return s.ledger }

func sessionIDOf(msg bus.Message) string {
	if sess, ok := session.FromMessage(msg); ok {
		return sess.SessionID
	}
	return session.DefaultID
}

// Match broadcasts question-like utterances and waits for skill answers.
func (s *Service) Match(ctx context.Context, utterances []string, lang string, msg bus.Message) (pipeline.Match, error) {
	if len(utterances) == 0 {
		return nil, nil
	}
	phrase := utterances[0]
	if !s.res.VocMatch(phrase, "question", lang, false) {
		return nil, nil
	}

	q := newQuery(sessionIDOf(msg), phrase, lang, s.minWait, s.maxWait, s.extension)
	s.ledger.add(q)
	defer s.ledger.remove(q)

	s.log.Debug("common_query_start", "phrase", phrase, "session_id", q.SessionID)
	s.bus.Emit(msg.Forward("question:query", map[string]any{"phrase": phrase, "lang": lang}))

	if !s.collect(ctx, q) {
		q.complete(false)
		return nil, nil
	}
	q.markGathered()

	best, ok := q.Best()
	if !ok {
		s.log.Info("common_query_unanswered", "phrase", phrase, "acked", q.Acked())
		q.complete(false)
		return nil, nil
	}
	s.log.Info("common_query_answered", "phrase", phrase, "skill_id", best.SkillID, "conf", best.Conf)
	s.bus.Emit(msg.Forward("question:action", map[string]any{
		"skill_id":      best.SkillID,
		"phrase":        phrase,
		"callback_data": best.CallbackData,
	}))
	q.complete(true)
	return &pipeline.PipelineMatch{
		Handled:   true,
		SkillID:   best.SkillID,
		Utterance: phrase,
		MatchData: map[string]any{"answer": best.Text, "conf": best.Conf},
	}, nil
}

// collect waits until the query is due. It returns false when ctx ends
// first.
func (s *Service) collect(ctx context.Context, q *Query) bool {
	for {
		done, wait := q.due(time.Now())
		if done {
			return true
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-q.changed:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (s *Service) handleResponse(msg bus.Message) {
	q, ok := s.ledger.Get(sessionIDOf(msg), msg.String("phrase"))
	if !ok {
		return
	}
	skillID := msg.String("skill_id")
	if skillID == "" {
		return
	}
	searching := msg.Bool("searching", false)
	var ans *Answer
	if !searching {
		conf, _ := msg.Float("conf")
		cb, _ := msg.Data["callback_data"].(map[string]any)
		ans = &Answer{SkillID: skillID, Text: msg.String("answer"), Conf: conf, CallbackData: cb}
	}
	q.record(skillID, searching, ans)
}
