package commonquery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/bus"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/config"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/pipeline"
)

type recorder struct {
	mu   sync.Mutex
	msgs []bus.Message
}

func (r *recorder) add(m bus.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

func (r *recorder) find(msgType string) (bus.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.msgs {
		if m.Type == msgType {
			return m, true
		}
	}
	return bus.Message{}, false
}

func newService(t *testing.T) (*Service, *bus.Local, *recorder) {
	t.Helper()
	cfg := config.Default()
	cfg.Skills.CommonQuery.MinResponseWait = 0.05
	cfg.Skills.CommonQuery.MaxResponseWait = 1
	cfg.Skills.CommonQuery.ExtensionTime = 0.3
	b := bus.NewLocal(nil)
	rec := &recorder{}
	b.OnSync(bus.AllMessages, rec.add)
	svc := New(pipeline.Env{Bus: b, Config: cfg})
	t.Cleanup(func() {
		svc.Shutdown()
		_ = b.Close()
	})
	return svc, b, rec
}

func answer(b bus.Client, skillID, text string, conf float64) {
	b.OnSync("question:query", func(m bus.Message) {
		b.Emit(m.Forward("question:query.response", map[string]any{
			"phrase":        m.String("phrase"),
			"skill_id":      skillID,
			"answer":        text,
			"conf":          conf,
			"callback_data": map[string]any{"answer": text},
		}))
	})
}

func utterance() bus.Message {
	return bus.NewMessage("recognizer_loop:utterance", nil, nil)
}

func TestNonQuestionIsIgnored(t *testing.T) {
	svc, _, rec := newService(t)
	m, err := svc.Match(context.Background(), []string{"turn on the lights"}, "en-US", utterance())
	if err != nil || m != nil {
		t.Fatalf("Match = %v, %v; want nil", m, err)
	}
	if _, ok := rec.find("question:query"); ok {
		t.Fatal("query emitted for a non-question")
	}
}

func TestMostConfidentAnswerWins(t *testing.T) {
	svc, b, rec := newService(t)
	answer(b, "skill-wiki", "Paris is the capital of France", 0.6)
	answer(b, "skill-wolfie", "Paris", 0.9)

	m, err := svc.Match(context.Background(), []string{"what is the capital of france"}, "en-US", utterance())
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	pm, ok := m.(*pipeline.PipelineMatch)
	if !ok || !pm.Handled || pm.SkillID != "skill-wolfie" {
		t.Fatalf("Match = %#v", m)
	}
	if pm.MatchData["answer"] != "Paris" {
		t.Fatalf("answer = %v", pm.MatchData["answer"])
	}
	action, ok := rec.find("question:action")
	if !ok {
		t.Fatal("question:action not emitted")
	}
	if action.String("skill_id") != "skill-wolfie" || action.String("phrase") != "what is the capital of france" {
		t.Fatalf("action = %v", action.Data)
	}
	if svc.Ledger().Len() != 0 {
		t.Fatal("query left in the ledger")
	}
}

func TestUnansweredQuestion(t *testing.T) {
	svc, _, _ := newService(t)
	start := time.Now()
	m, err := svc.Match(context.Background(), []string{"who is the president of mars"}, "en-US", utterance())
	if err != nil || m != nil {
		t.Fatalf("Match = %v, %v; want nil", m, err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatal("returned before the minimum wait")
	}
}

func TestSearchingSkillExtendsCollection(t *testing.T) {
	svc, b, _ := newService(t)
	b.OnSync("question:query", func(m bus.Message) {
		b.Emit(m.Forward("question:query.response", map[string]any{
			"phrase":    m.String("phrase"),
			"skill_id":  "skill-slow",
			"searching": true,
		}))
		go func() {
			time.Sleep(120 * time.Millisecond)
			b.Emit(m.Forward("question:query.response", map[string]any{
				"phrase":   m.String("phrase"),
				"skill_id": "skill-slow",
				"answer":   "forty two",
				"conf":     0.8,
			}))
		}()
	})

	m, err := svc.Match(context.Background(), []string{"what is the meaning of life"}, "en-US", utterance())
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if m == nil || m.Skill() != "skill-slow" {
		t.Fatalf("Match = %#v", m)
	}
}

func TestExtensionCappedAtMaximum(t *testing.T) {
	q := newQuery("default", "why", "en-US", 10*time.Millisecond, 100*time.Millisecond, time.Hour)
	q.record("skill-a", true, nil)

	if got := q.Extensions(); len(got) != 1 || got[0] != "skill-a" {
		t.Fatalf("Extensions = %v", got)
	}
	done, wait := q.due(time.Now().Add(20 * time.Millisecond))
	if done || wait > 100*time.Millisecond {
		t.Fatalf("due = %v, %v", done, wait)
	}
	if done, _ := q.due(time.Now().Add(100 * time.Millisecond)); !done {
		t.Fatal("query not due at the maximum")
	}

	q.record("skill-a", false, &Answer{SkillID: "skill-a", Text: "because", Conf: 0.5})
	q.record("skill-b", false, &Answer{SkillID: "skill-b", Text: "", Conf: 0.9})
	best, ok := q.Best()
	if !ok || best.SkillID != "skill-a" {
		t.Fatalf("Best = %#v, %v", best, ok)
	}
	if got := q.Acked(); len(got) != 2 {
		t.Fatalf("Acked = %v", got)
	}
}
