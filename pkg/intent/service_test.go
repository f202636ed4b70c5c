package intent

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/bus"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/config"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/metrics"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/pipeline"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/session"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/transformers"
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

type stubPlugin struct {
	id       string
	stages   []pipeline.Stage
	trainErr error
	trained  int
}

func (p *stubPlugin) ID() string               { return p.id }
func (p *stubPlugin) Stages() []pipeline.Stage { return p.stages }
func (p *stubPlugin) Train(context.Context) error {
	p.trained++
	return p.trainErr
}

func stage(id string, fn pipeline.MatcherFunc) pipeline.Stage {
	return pipeline.Stage{ID: id, Matcher: fn, DryRun: true}
}

type fixture struct {
	svc     *Service
	bus     *bus.Local
	rec     *recorder
	metrics *metrics.MemoryObserver
}

// newFixture starts a service over a local bus. opts.Config is used when
// set, otherwise the defaults.
func newFixture(t *testing.T, ids []string, opts Options, plugins ...*stubPlugin) *fixture {
	t.Helper()
	cfg := opts.Config
	if cfg.Lang == "" {
		cfg = config.Default()
	}
	cfg.Intents.Pipeline = ids
	b := bus.NewLocal(nil)
	rec := &recorder{}
	b.OnSync(bus.AllMessages, rec.add)

	reg := pipeline.NewRegistry(nil)
	for _, p := range plugins {
		p := p
		reg.Register(p.id, func(pipeline.Env) (pipeline.Plugin, error) { return p, nil })
	}
	mem := metrics.NewMemoryObserver()
	opts.Bus = b
	opts.Config = cfg
	opts.Registry = reg
	opts.Metrics = mem
	svc := NewService(opts)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		svc.Stop()
		_ = b.Close()
	})
	return &fixture{svc: svc, bus: b, rec: rec, metrics: mem}
}

func utterance(text string) bus.Message {
	return bus.NewMessage("recognizer_loop:utterance",
		map[string]any{"utterances": []any{text}, "lang": "en-US"},
		map[string]any{"source": "audio", "destination": "skills"})
}

func after(types []string, from string) []string {
	i := slices.Index(types, from)
	if i < 0 {
		return nil
	}
	return types[i:]
}

func TestIntentMatchActivatesBeforeReply(t *testing.T) {
	p := &stubPlugin{id: "adapt", stages: []pipeline.Stage{
		stage("adapt_high", func(ctx context.Context, utts []string, l string, msg bus.Message) (pipeline.Match, error) {
			return &pipeline.IntentHandlerMatch{
				MatchType: "weather.skill:WeatherIntent",
				MatchData: map[string]any{"location": "lisbon"},
				SkillID:   "weather.skill",
			}, nil
		}),
	}}
	f := newFixture(t, []string{"adapt_high"}, Options{}, p)

	f.svc.HandleUtterance(context.Background(), utterance("weather in lisbon"))

	got := after(f.rec.types(), "weather.skill.activate")
	want := []string{
		"weather.skill.activate",
		"intent.service.skills.activated",
		"weather.skill:WeatherIntent",
		"ovos.session.update_default",
	}
	if !slices.Equal(got, want) {
		t.Fatalf("expected %v, got %v", want, f.rec.types())
	}
	reply, _ := f.rec.find("weather.skill:WeatherIntent")
	if reply.String("location") != "lisbon" || reply.String("utterance") != "weather in lisbon" {
		t.Fatalf("unexpected reply data: %v", reply.Data)
	}
	if reply.ContextString("skill_id") != "weather.skill" {
		t.Fatalf("expected skill_id in context, got %v", reply.Context)
	}
	if reply.ContextString("destination") != "audio" {
		t.Fatalf("reply should route back to the source, got %v", reply.Context)
	}
	if !f.svc.sessions.Default().IsActive("weather.skill") {
		t.Fatalf("skill should be active after the match")
	}
	events := f.metrics.Events()
	if len(events) != 1 || events[0].Name != metrics.EventIntentMatch || events[0].Stage != "adapt_high" {
		t.Fatalf("unexpected metrics: %+v", events)
	}
}

func TestPipelineMatchEmitsHandled(t *testing.T) {
	p := &stubPlugin{id: "stop", stages: []pipeline.Stage{
		stage("stop_high", func(ctx context.Context, utts []string, l string, msg bus.Message) (pipeline.Match, error) {
			return &pipeline.PipelineMatch{Handled: true, SkillID: "music.skill"}, nil
		}),
	}}
	f := newFixture(t, []string{"stop_high"}, Options{}, p)

	f.svc.HandleUtterance(context.Background(), utterance("stop"))

	handled, ok := f.rec.find("ovos.utterance.handled")
	if !ok || handled.String("skill_id") != "music.skill" {
		t.Fatalf("expected handled for music.skill, got %v", f.rec.types())
	}
	if _, ok := f.rec.find("complete_intent_failure"); ok {
		t.Fatalf("pipeline match must not fail")
	}
}

func TestUnhandledPipelineMatchFallsThrough(t *testing.T) {
	var calls []string
	p := &stubPlugin{id: "chain", stages: []pipeline.Stage{
		stage("first", func(ctx context.Context, utts []string, l string, msg bus.Message) (pipeline.Match, error) {
			calls = append(calls, "first")
			return &pipeline.PipelineMatch{Handled: false, SkillID: "a.skill"}, nil
		}),
		stage("second", func(ctx context.Context, utts []string, l string, msg bus.Message) (pipeline.Match, error) {
			calls = append(calls, "second")
			return &pipeline.IntentHandlerMatch{MatchType: "b.skill:Intent", SkillID: "b.skill"}, nil
		}),
	}}
	f := newFixture(t, []string{"first", "second"}, Options{}, p)

	f.svc.HandleUtterance(context.Background(), utterance("hello"))

	if !slices.Equal(calls, []string{"first", "second"}) {
		t.Fatalf("unexpected stage calls: %v", calls)
	}
	if _, ok := f.rec.find("b.skill:Intent"); !ok {
		t.Fatalf("expected second stage to win, got %v", f.rec.types())
	}
}

func TestNoMatchEmitsFailureSequence(t *testing.T) {
	f := newFixture(t, []string{"missing_stage"}, Options{})

	f.svc.HandleUtterance(context.Background(), utterance("blah"))

	want := []string{
		"mycroft.audio.play_sound",
		"complete_intent_failure",
		"ovos.utterance.handled",
		"ovos.session.update_default",
	}
	if got := f.rec.types(); !slices.Equal(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	sound, _ := f.rec.find("mycroft.audio.play_sound")
	if sound.String("uri") != "snd/error.mp3" {
		t.Fatalf("unexpected error sound: %v", sound.Data)
	}
	events := f.metrics.Events()
	if len(events) != 1 || events[0].Name != metrics.EventIntentFailure {
		t.Fatalf("unexpected metrics: %+v", events)
	}
}

func TestBlacklistedSkillIsSkipped(t *testing.T) {
	p := &stubPlugin{id: "adapt", stages: []pipeline.Stage{
		stage("adapt_high", func(ctx context.Context, utts []string, l string, msg bus.Message) (pipeline.Match, error) {
			return &pipeline.IntentHandlerMatch{MatchType: "bad.skill:Intent", SkillID: "bad.skill"}, nil
		}),
	}}
	f := newFixture(t, []string{"adapt_high"}, Options{}, p)

	sess := session.New("kitchen")
	sess.BlacklistedSkills = []string{"bad.skill"}
	f.svc.HandleUtterance(context.Background(), sess.Attach(utterance("do it")))

	if _, ok := f.rec.find("bad.skill:Intent"); ok {
		t.Fatalf("blacklisted skill must not be triggered")
	}
	if _, ok := f.rec.find("complete_intent_failure"); !ok {
		t.Fatalf("expected failure, got %v", f.rec.types())
	}
	if _, ok := f.rec.find("ovos.session.update_default"); ok {
		t.Fatalf("non-default session must not be synced")
	}
}

func TestCancelledUtterance(t *testing.T) {
	called := false
	p := &stubPlugin{id: "adapt", stages: []pipeline.Stage{
		stage("adapt_high", func(ctx context.Context, utts []string, l string, msg bus.Message) (pipeline.Match, error) {
			called = true
			return nil, nil
		}),
	}}
	opts := Options{Utterance: transformers.NewUtteranceService(nil, transformers.NewCancel(nil, 15))}
	f := newFixture(t, []string{"adapt_high"}, opts, p)

	f.svc.HandleUtterance(context.Background(), utterance("set a timer for ten minutes never mind"))

	if called {
		t.Fatalf("matchers must not run for a cancelled utterance")
	}
	want := []string{
		"mycroft.audio.play_sound",
		"ovos.utterance.cancelled",
		"ovos.utterance.handled",
		"ovos.session.update_default",
	}
	if got := f.rec.types(); !slices.Equal(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	sound, _ := f.rec.find("mycroft.audio.play_sound")
	if sound.String("uri") != "snd/cancel.mp3" {
		t.Fatalf("unexpected cancel sound: %v", sound.Data)
	}
}

func TestDeactivationDuringMatchWins(t *testing.T) {
	var f *fixture
	p := &stubPlugin{id: "converse", stages: []pipeline.Stage{
		stage("converse", func(ctx context.Context, utts []string, l string, msg bus.Message) (pipeline.Match, error) {
			// the skill asks to leave the active list while it is being consulted
			f.bus.Emit(msg.Forward("intent.service.skills.deactivate", map[string]any{"skill_id": "timer.skill"}))
			return &pipeline.PipelineMatch{Handled: true, SkillID: "timer.skill"}, nil
		}),
	}}
	f = newFixture(t, []string{"converse"}, Options{}, p)

	f.svc.HandleUtterance(context.Background(), utterance("yes"))

	if slices.Contains(f.rec.types(), "timer.skill.activate") {
		t.Fatalf("deactivated skill must not be reactivated: %v", f.rec.types())
	}
	if f.svc.sessions.Default().IsActive("timer.skill") {
		t.Fatalf("timer.skill should stay inactive")
	}
	if _, ok := f.rec.find("ovos.utterance.handled"); !ok {
		t.Fatalf("expected handled, got %v", f.rec.types())
	}
}

func TestMatcherPanicFallsThrough(t *testing.T) {
	p := &stubPlugin{id: "mixed", stages: []pipeline.Stage{
		stage("broken", func(ctx context.Context, utts []string, l string, msg bus.Message) (pipeline.Match, error) {
			panic("boom")
		}),
		stage("failing", func(ctx context.Context, utts []string, l string, msg bus.Message) (pipeline.Match, error) {
			return nil, errors.New("engine offline")
		}),
		stage("working", func(ctx context.Context, utts []string, l string, msg bus.Message) (pipeline.Match, error) {
			return &pipeline.IntentHandlerMatch{MatchType: "ok.skill:Intent", SkillID: "ok.skill"}, nil
		}),
	}}
	f := newFixture(t, []string{"broken", "failing", "working"}, Options{}, p)

	f.svc.HandleUtterance(context.Background(), utterance("hello"))

	if _, ok := f.rec.find("ok.skill:Intent"); !ok {
		t.Fatalf("expected working stage to match, got %v", f.rec.types())
	}
}

func TestMatchAdoptsUpdatedSession(t *testing.T) {
	p := &stubPlugin{id: "converse", stages: []pipeline.Stage{
		stage("converse", func(ctx context.Context, utts []string, l string, msg bus.Message) (pipeline.Match, error) {
			sess := pipeline.SessionOf(msg)
			sess.EnableResponseMode("quiz.skill")
			return &pipeline.PipelineMatch{Handled: true, SkillID: "quiz.skill", UpdatedSession: sess}, nil
		}),
	}}
	f := newFixture(t, []string{"converse"}, Options{}, p)

	f.svc.HandleUtterance(context.Background(), utterance("paris"))

	if got := f.svc.sessions.Default().State("quiz.skill"); got != session.StateResponse {
		t.Fatalf("expected updated session to be stored, got state %v", got)
	}
}

func TestContextHandlers(t *testing.T) {
	f := newFixture(t, nil, Options{})
	emit := func(msgType string, data map[string]any) {
		f.bus.Emit(bus.NewMessage(msgType, data, nil))
	}

	emit("add_context", map[string]any{"context": "LocationKeyword", "word": "lisbon", "origin": "weather.skill"})
	waitFor(t, func() bool { return len(f.svc.sessions.Default().Context.Entities()) == 1 })
	ent := f.svc.sessions.Default().Context.Entities()[0]
	if ent.Context != "LocationKeyword" || ent.Match != "lisbon" || ent.Origin != "weather.skill" {
		t.Fatalf("unexpected entity: %+v", ent)
	}

	emit("remove_context", map[string]any{"context": "LocationKeyword"})
	waitFor(t, func() bool { return len(f.svc.sessions.Default().Context.Entities()) == 0 })

	emit("add_context", map[string]any{"context": "A", "word": "a"})
	emit("add_context", map[string]any{"context": "B", "word": "b"})
	waitFor(t, func() bool { return len(f.svc.sessions.Default().Context.Entities()) == 2 })
	emit("clear_context", nil)
	waitFor(t, func() bool { return len(f.svc.sessions.Default().Context.Entities()) == 0 })
}

func TestActivateAndDeactivateRequests(t *testing.T) {
	f := newFixture(t, nil, Options{})

	f.bus.Emit(bus.NewMessage("intent.service.skills.activate", map[string]any{"skill_id": "news.skill"}, nil))
	waitFor(t, func() bool { return f.svc.sessions.Default().IsActive("news.skill") })

	f.bus.Emit(bus.NewMessage("intent.service.skills.deactivate", map[string]any{"skill_id": "news.skill"}, nil))
	if f.svc.sessions.Default().IsActive("news.skill") {
		t.Fatalf("deactivate is handled inline and should take effect immediately")
	}
	if _, ok := f.rec.find("intent.service.skills.deactivated"); !ok {
		t.Fatalf("expected deactivated event, got %v", f.rec.types())
	}
}

func TestGetIntentUsesDryRunStages(t *testing.T) {
	sideEffect := false
	p := &stubPlugin{id: "mixed", stages: []pipeline.Stage{
		{ID: "converse", DryRun: false, Matcher: pipeline.MatcherFunc(func(ctx context.Context, utts []string, l string, msg bus.Message) (pipeline.Match, error) {
			sideEffect = true
			return &pipeline.PipelineMatch{Handled: true, SkillID: "x.skill"}, nil
		})},
		stage("padatious_high", func(ctx context.Context, utts []string, l string, msg bus.Message) (pipeline.Match, error) {
			if utts[0] != "what time is it" {
				return nil, nil
			}
			return &pipeline.IntentHandlerMatch{MatchType: "time.skill:TimeIntent", SkillID: "time.skill", MatchData: map[string]any{"conf": 0.97}}, nil
		}),
	}}
	f := newFixture(t, []string{"converse", "padatious_high"}, Options{}, p)

	query := bus.NewMessage("intent.service.intent.get", map[string]any{"utterance": "what time is it", "lang": "en-US"}, nil)
	reply, err := bus.WaitForResponse(context.Background(), f.bus, query, "intent.service.intent.reply", time.Second)
	if err != nil {
		t.Fatalf("wait reply: %v", err)
	}
	intent, ok := reply.Data["intent"].(map[string]any)
	if !ok {
		t.Fatalf("expected intent payload, got %v", reply.Data)
	}
	if intent["intent_type"] != "time.skill:TimeIntent" || intent["intent_service"] != "padatious_high" || intent["skill_id"] != "time.skill" {
		t.Fatalf("unexpected intent: %v", intent)
	}
	if sideEffect {
		t.Fatalf("stages with side effects must not run on a dry query")
	}

	query = bus.NewMessage("intent.service.intent.get", map[string]any{"utterance": "sing a song"}, nil)
	reply, err = bus.WaitForResponse(context.Background(), f.bus, query, "intent.service.intent.reply", time.Second)
	if err != nil {
		t.Fatalf("wait reply: %v", err)
	}
	if reply.Data["intent"] != nil {
		t.Fatalf("expected nil intent, got %v", reply.Data["intent"])
	}
}

func TestIsReadyAndTrain(t *testing.T) {
	p := &stubPlugin{id: "padatious", trainErr: errors.New("no intents")}
	f := newFixture(t, nil, Options{}, p)

	resp, err := bus.WaitForResponse(context.Background(), f.bus, bus.NewMessage("mycroft.intents.is_ready", nil, nil), "", time.Second)
	if err != nil {
		t.Fatalf("is_ready: %v", err)
	}
	if !resp.Bool("status", false) {
		t.Fatalf("service should report ready")
	}

	resp, err = bus.WaitForResponse(context.Background(), f.bus, bus.NewMessage("mycroft.skills.train", nil, nil), "mycroft.skills.trained", time.Second)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if resp.String("error") == "" || p.trained != 1 {
		t.Fatalf("expected training error to be reported, got %v (trained %d)", resp.Data, p.trained)
	}
}

func TestUtteranceViaBus(t *testing.T) {
	p := &stubPlugin{id: "adapt", stages: []pipeline.Stage{
		stage("adapt_high", func(ctx context.Context, utts []string, l string, msg bus.Message) (pipeline.Match, error) {
			return &pipeline.IntentHandlerMatch{MatchType: "hello.skill:HelloIntent", SkillID: "hello.skill"}, nil
		}),
	}}
	f := newFixture(t, []string{"adapt_high"}, Options{}, p)

	_, err := bus.WaitForResponse(context.Background(), f.bus, utterance("hello"), "hello.skill:HelloIntent", time.Second)
	if err != nil {
		t.Fatalf("expected intent over the bus: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

type langRecorder struct {
	mu    sync.Mutex
	tried []string
}

func (r *langRecorder) matchOnly(want string) pipeline.MatcherFunc {
	return func(ctx context.Context, utts []string, l string, msg bus.Message) (pipeline.Match, error) {
		r.mu.Lock()
		r.tried = append(r.tried, l)
		r.mu.Unlock()
		if l != want {
			return nil, nil
		}
		return &pipeline.IntentHandlerMatch{MatchType: "weather.skill:WeatherIntent", SkillID: "weather.skill"}, nil
	}
}

func (r *langRecorder) langs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.tried)
}

func multilingualConfig(enabled bool) config.Config {
	cfg := config.Default()
	cfg.SecondaryLangs = []string{"pt-PT"}
	cfg.Intents.MultilingualMatching = enabled
	return cfg
}

func TestMultilingualMatchingRetriesSecondaryLangs(t *testing.T) {
	langs := &langRecorder{}
	p := &stubPlugin{id: "adapt", stages: []pipeline.Stage{stage("adapt_high", langs.matchOnly("pt-PT"))}}
	f := newFixture(t, []string{"adapt_high"}, Options{Config: multilingualConfig(true)}, p)

	f.svc.HandleUtterance(context.Background(), utterance("tempo em lisboa"))

	if got := langs.langs(); !slices.Equal(got, []string{"en-US", "pt-PT"}) {
		t.Fatalf("unexpected langs tried: %v", got)
	}
	reply, ok := f.rec.find("weather.skill:WeatherIntent")
	if !ok {
		t.Fatalf("expected intent reply, got %v", f.rec.types())
	}
	if reply.String("lang") != "pt-PT" {
		t.Fatalf("reply should carry the matching lang, got %q", reply.String("lang"))
	}
}

func TestMultilingualMatchingDisabledTriesOnlyUtteranceLang(t *testing.T) {
	langs := &langRecorder{}
	p := &stubPlugin{id: "adapt", stages: []pipeline.Stage{stage("adapt_high", langs.matchOnly("pt-PT"))}}
	f := newFixture(t, []string{"adapt_high"}, Options{Config: multilingualConfig(false)}, p)

	f.svc.HandleUtterance(context.Background(), utterance("tempo em lisboa"))

	if got := langs.langs(); !slices.Equal(got, []string{"en-US"}) {
		t.Fatalf("unexpected langs tried: %v", got)
	}
	if _, ok := f.rec.find("complete_intent_failure"); !ok {
		t.Fatalf("expected failure, got %v", f.rec.types())
	}
}

func TestLangHintsSelectMatchingLang(t *testing.T) {
	cases := []struct {
		name string
		ctx  map[string]any
		want string
	}{
		{"stt_lang", map[string]any{"stt_lang": "pt-pt"}, "pt-PT"},
		{"request_lang", map[string]any{"request_lang": "pt-PT"}, "pt-PT"},
		{"detected_lang", map[string]any{"detected_lang": "pt-PT"}, "pt-PT"},
		{"stt_lang wins", map[string]any{"stt_lang": "en-US", "detected_lang": "pt-PT"}, "en-US"},
		{"unsupported hint ignored", map[string]any{"stt_lang": "fr-FR"}, "en-US"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			langs := &langRecorder{}
			p := &stubPlugin{id: "adapt", stages: []pipeline.Stage{stage("adapt_high", langs.matchOnly(tc.want))}}
			f := newFixture(t, []string{"adapt_high"}, Options{Config: multilingualConfig(false)}, p)

			msg := utterance("weather")
			for k, v := range tc.ctx {
				msg.Context[k] = v
			}
			f.svc.HandleUtterance(context.Background(), msg)

			if got := langs.langs(); !slices.Equal(got, []string{tc.want}) {
				t.Fatalf("unexpected langs tried: %v", got)
			}
			reply, ok := f.rec.find("weather.skill:WeatherIntent")
			if !ok || reply.String("lang") != tc.want {
				t.Fatalf("expected reply in %s, got %v", tc.want, reply.Data)
			}
		})
	}
}
