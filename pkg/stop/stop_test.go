package stop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/bus"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/config"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/pipeline"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/session"
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

func (r *recorder) count(msgType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		if m.Type == msgType {
			n++
		}
	}
	return n
}

func newService(t *testing.T) (*Service, *bus.Local, *recorder) {
	t.Helper()
	b := bus.NewLocal(nil)
	rec := &recorder{}
	b.OnSync(bus.AllMessages, rec.add)
	svc, err := New(pipeline.Env{
		Bus:      b,
		Config:   config.Default(),
		Settings: map[string]any{"pong_timeout": 0.2, "stop_timeout": 0.2},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return svc, b, rec
}

func stoppable(b bus.Client, id string, canStop, result bool) {
	b.OnSync(id+".stop.ping", func(m bus.Message) {
		b.Emit(m.Reply("skill.stop.pong", map[string]any{"skill_id": id, "can_handle": canStop}))
	})
	b.OnSync(id+".stop", func(m bus.Message) {
		b.Emit(m.Response(map[string]any{"result": result}))
	})
}

func withActive(ids ...string) bus.Message {
	sess := session.New("kitchen")
	for _, id := range ids {
		sess.Activate(id)
	}
	return sess.Attach(bus.NewMessage("recognizer_loop:utterance", nil, nil))
}

func TestGlobalStopPhrase(t *testing.T) {
	svc, _, rec := newService(t)
	m, err := svc.MatchHigh(context.Background(), []string{"stop everything"}, "en-US", withActive("skill-a"))
	if err != nil {
		t.Fatalf("MatchHigh: %v", err)
	}
	pm, ok := m.(*pipeline.PipelineMatch)
	if !ok || !pm.Handled || pm.SkillID != "" {
		t.Fatalf("MatchHigh = %#v", m)
	}
	if rec.count("mycroft.stop") != 1 {
		t.Fatal("mycroft.stop not emitted")
	}
	if rec.count("skill-a.stop.ping") != 0 {
		t.Fatal("global stop should not negotiate")
	}
}

func TestStopWithoutActiveSkillsIsGlobal(t *testing.T) {
	svc, _, rec := newService(t)
	m, _ := svc.MatchHigh(context.Background(), []string{"Stop!"}, "en-US", withActive())
	if m == nil {
		t.Fatal("expected a match")
	}
	if rec.count("mycroft.stop") != 1 {
		t.Fatal("mycroft.stop not emitted")
	}
}

func TestStopNegotiatesWithActiveSkill(t *testing.T) {
	svc, b, rec := newService(t)
	stoppable(b, "skill-a", false, false)
	stoppable(b, "skill-b", true, true)

	m, err := svc.MatchHigh(context.Background(), []string{"stop"}, "en-US", withActive("skill-b", "skill-a"))
	if err != nil {
		t.Fatalf("MatchHigh: %v", err)
	}
	if m == nil || m.Skill() != "skill-b" {
		t.Fatalf("MatchHigh = %#v", m)
	}
	for _, want := range []string{"mycroft.skills.abort_question", "ovos.skills.converse.force_timeout", "mycroft.audio.speech.stop"} {
		if rec.count(want) != 1 {
			t.Fatalf("%s not emitted", want)
		}
	}
	if rec.count("skill-a.stop") != 0 {
		t.Fatal("unwilling skill was asked to stop")
	}
	if rec.count("mycroft.stop") != 0 {
		t.Fatal("negotiated stop must not broadcast mycroft.stop")
	}
}

func TestHighStopWithUnwillingSkillsFallsThrough(t *testing.T) {
	svc, b, _ := newService(t)
	stoppable(b, "skill-a", false, false)
	m, err := svc.MatchHigh(context.Background(), []string{"stop"}, "en-US", withActive("skill-a"))
	if err != nil || m != nil {
		t.Fatalf("MatchHigh = %v, %v; want nil", m, err)
	}
}

func TestMediumFallsBackToGlobalStop(t *testing.T) {
	svc, _, rec := newService(t)
	m, err := svc.MatchMedium(context.Background(), []string{"stop it now"}, "en-US", withActive())
	if err != nil {
		t.Fatalf("MatchMedium: %v", err)
	}
	if m == nil {
		t.Fatal("expected a match")
	}
	if conf, _ := m.Data()["conf"].(float64); conf < 0.5 {
		t.Fatalf("conf = %v", conf)
	}
	if rec.count("mycroft.stop") != 1 {
		t.Fatal("mycroft.stop not emitted")
	}

	m, _ = svc.MatchMedium(context.Background(), []string{"what time is it"}, "en-US", withActive())
	if m != nil {
		t.Fatalf("unexpected match %#v", m)
	}
}

func TestLowRejectsUnrelatedUtterance(t *testing.T) {
	svc, _, rec := newService(t)
	m, _ := svc.MatchLow(context.Background(), []string{"tell me a joke about penguins"}, "en-US", withActive())
	if m != nil {
		t.Fatalf("unexpected match %#v", m)
	}
	if rec.count("mycroft.stop") != 0 {
		t.Fatal("mycroft.stop emitted for unrelated utterance")
	}
}

func TestRepeatedStopPongWaitsForOtherSkills(t *testing.T) {
	svc, b, _ := newService(t)
	b.OnSync("skill-a.stop.ping", func(m bus.Message) {
		b.Emit(m.Reply("skill.stop.pong", map[string]any{"skill_id": "skill-a", "can_handle": false}))
		b.Emit(m.Reply("skill.stop.pong", map[string]any{"skill_id": "skill-a", "can_handle": false}))
	})
	b.OnSync("skill-b.stop.ping", func(m bus.Message) {
		go func() {
			time.Sleep(50 * time.Millisecond)
			b.Emit(m.Reply("skill.stop.pong", map[string]any{"skill_id": "skill-b", "can_handle": true}))
		}()
	})
	b.OnSync("skill-b.stop", func(m bus.Message) {
		b.Emit(m.Response(map[string]any{"result": true}))
	})

	m, err := svc.MatchHigh(context.Background(), []string{"stop"}, "en-US", withActive("skill-b", "skill-a"))
	if err != nil {
		t.Fatalf("MatchHigh: %v", err)
	}
	if m == nil || m.Skill() != "skill-b" {
		t.Fatalf("MatchHigh = %#v", m)
	}
}
