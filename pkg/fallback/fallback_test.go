package fallback

import (
	"context"
	"slices"
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

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.Type
	}
	return out
}

func newService(t *testing.T, mutate func(*config.Config)) (*Service, *bus.Local, *recorder) {
	t.Helper()
	cfg := config.Default()
	cfg.Skills.Fallbacks.MaxSkillRuntime = 0.2
	if mutate != nil {
		mutate(&cfg)
	}
	b := bus.NewLocal(nil)
	rec := &recorder{}
	b.OnSync(bus.AllMessages, rec.add)
	svc, err := New(pipeline.Env{Bus: b, Config: cfg, Settings: map[string]any{"pong_timeout": 0.2}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		svc.Shutdown()
		_ = b.Close()
	})
	return svc, b, rec
}

// fallbackSkill registers id and answers pings and requests.
func fallbackSkill(b bus.Client, id string, priority int, handles, responds bool) {
	b.OnSync("ovos.skills.fallback.ping", func(m bus.Message) {
		b.Emit(m.Reply("ovos.skills.fallback.pong", map[string]any{"skill_id": id, "can_handle": true}))
	})
	b.OnSync("ovos.skills.fallback."+id+".request", func(m bus.Message) {
		if responds {
			b.Emit(m.Reply("ovos.skills.fallback."+id+".response", map[string]any{"result": handles}))
		}
	})
	b.Emit(bus.NewMessage("ovos.skills.fallback.register", map[string]any{"skill_id": id, "priority": priority}, nil))
}

func stage(t *testing.T, svc *Service, id string) pipeline.Matcher {
	t.Helper()
	for _, st := range svc.Stages() {
		if st.ID == id {
			return st.Matcher
		}
	}
	t.Fatalf("no stage %s", id)
	return nil
}

func utterance() bus.Message {
	return bus.NewMessage("recognizer_loop:utterance", nil, nil)
}

func TestBandBoundaries(t *testing.T) {
	cases := []struct {
		band Band
		in   []int
		out  []int
	}{
		{High, []int{1, 5}, []int{0, 6}},
		{Medium, []int{6, 90}, []int{5, 91}},
		{Low, []int{91, 101}, []int{90, 102}},
	}
	for _, c := range cases {
		for _, p := range c.in {
			if !c.band.Contains(p) {
				t.Fatalf("%v should contain %d", c.band, p)
			}
		}
		for _, p := range c.out {
			if c.band.Contains(p) {
				t.Fatalf("%v should not contain %d", c.band, p)
			}
		}
	}
}

func TestRegistrationAndOverride(t *testing.T) {
	svc, b, _ := newService(t, func(c *config.Config) {
		c.Skills.Fallbacks.FallbackPriorities = map[string]int{"skill-wiki": 3}
	})
	b.Emit(bus.NewMessage("ovos.skills.fallback.register", map[string]any{"skill_id": "skill-wiki", "priority": 80}, nil))
	b.Emit(bus.NewMessage("ovos.skills.fallback.register", map[string]any{"skill_id": "skill-unknown"}, nil))

	got := svc.Registered()
	if got["skill-wiki"] != 3 || got["skill-unknown"] != 101 {
		t.Fatalf("Registered = %v", got)
	}

	b.Emit(bus.NewMessage("ovos.skills.fallback.deregister", map[string]any{"skill_id": "skill-wiki"}, nil))
	if _, ok := svc.Registered()["skill-wiki"]; ok {
		t.Fatal("skill-wiki still registered")
	}
}

func TestMediumBandAsksInPriorityOrder(t *testing.T) {
	svc, b, rec := newService(t, nil)
	fallbackSkill(b, "skill-b", 60, true, true)
	fallbackSkill(b, "skill-a", 50, false, true)
	fallbackSkill(b, "skill-low", 95, true, true)

	m, err := stage(t, svc, "fallback_medium").Match(context.Background(), []string{"blorp"}, "en-US", utterance())
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	pm, ok := m.(*pipeline.PipelineMatch)
	if !ok || !pm.Handled || pm.SkillID != "skill-b" || pm.MatchData["priority"] != 60 {
		t.Fatalf("Match = %#v", m)
	}
	types := rec.types()
	a := slices.Index(types, "ovos.skills.fallback.skill-a.request")
	bIdx := slices.Index(types, "ovos.skills.fallback.skill-b.request")
	if a < 0 || bIdx < 0 || a > bIdx {
		t.Fatalf("request order wrong: %v", types)
	}
	if slices.Contains(types, "ovos.skills.fallback.skill-low.request") {
		t.Fatal("low band skill asked in medium stage")
	}
}

func TestEmptyBandStillPings(t *testing.T) {
	svc, b, rec := newService(t, nil)
	fallbackSkill(b, "skill-a", 50, true, true)

	m, err := stage(t, svc, "fallback_high").Match(context.Background(), []string{"blorp"}, "en-US", utterance())
	if err != nil || m != nil {
		t.Fatalf("Match = %v, %v; want nil", m, err)
	}
	if !slices.Contains(rec.types(), "ovos.skills.fallback.ping") {
		t.Fatal("ping not emitted")
	}
}

func TestWhitelistMode(t *testing.T) {
	svc, b, rec := newService(t, func(c *config.Config) {
		c.Skills.Fallbacks.FallbackMode = config.ModeWhitelist
		c.Skills.Fallbacks.FallbackWhitelist = []string{"skill-b"}
	})
	fallbackSkill(b, "skill-a", 50, true, true)

	m, _ := stage(t, svc, "fallback_medium").Match(context.Background(), []string{"blorp"}, "en-US", utterance())
	if m != nil {
		t.Fatalf("unexpected match %#v", m)
	}
	if slices.Contains(rec.types(), "ovos.skills.fallback.skill-a.request") {
		t.Fatal("non-whitelisted skill was asked")
	}
}

func TestSilentSkillIsTimedOut(t *testing.T) {
	svc, b, rec := newService(t, nil)
	fallbackSkill(b, "skill-a", 50, true, false)

	m, _ := stage(t, svc, "fallback_medium").Match(context.Background(), []string{"blorp"}, "en-US", utterance())
	if m != nil {
		t.Fatalf("unexpected match %#v", m)
	}
	if !slices.Contains(rec.types(), "ovos.skills.fallback.force_timeout") {
		t.Fatal("force_timeout not emitted")
	}
}

func TestRepeatedPongDoesNotEndCollection(t *testing.T) {
	svc, b, _ := newService(t, nil)
	b.OnSync("ovos.skills.fallback.ping", func(m bus.Message) {
		b.Emit(m.Reply("ovos.skills.fallback.pong", map[string]any{"skill_id": "skill-a", "can_handle": false}))
		b.Emit(m.Reply("ovos.skills.fallback.pong", map[string]any{"skill_id": "skill-a", "can_handle": false}))
		go func() {
			time.Sleep(50 * time.Millisecond)
			b.Emit(m.Reply("ovos.skills.fallback.pong", map[string]any{"skill_id": "skill-b", "can_handle": true}))
		}()
	})
	b.OnSync("ovos.skills.fallback.skill-b.request", func(m bus.Message) {
		b.Emit(m.Reply("ovos.skills.fallback.skill-b.response", map[string]any{"result": true}))
	})
	b.Emit(bus.NewMessage("ovos.skills.fallback.register", map[string]any{"skill_id": "skill-a", "priority": 50}, nil))
	b.Emit(bus.NewMessage("ovos.skills.fallback.register", map[string]any{"skill_id": "skill-b", "priority": 60}, nil))

	m, err := stage(t, svc, "fallback_medium").Match(context.Background(), []string{"blorp"}, "en-US", utterance())
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	pm, ok := m.(*pipeline.PipelineMatch)
	if !ok || pm.SkillID != "skill-b" {
		t.Fatalf("late pong from skill-b was dropped: %#v", m)
	}
}
