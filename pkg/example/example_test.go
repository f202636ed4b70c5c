package example

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/bus"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/config"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/pipeline"
)

func TestExactAndFuzzySamples(t *testing.T) {
	e := NewEngine()
	e.RegisterIntent("en-US", "skill-hello:hello.intent", []string{"hello (there|world)", "hi"})

	res, ok := e.Calc([]string{"Hello, world!"}, "en-US")
	require.True(t, ok)
	assert.Equal(t, "skill-hello:hello.intent", res.Intent)
	assert.Equal(t, 1.0, res.Conf)

	res, ok = e.Calc([]string{"hello ther"}, "en-US")
	require.True(t, ok)
	assert.InDelta(t, 1-1.0/11.0, res.Conf, 1e-9)

	_, ok = e.Calc([]string{"hello"}, "de-DE")
	assert.False(t, ok)
}

func TestSlotTemplates(t *testing.T) {
	e := NewEngine()
	e.RegisterIntent("en-US", "skill-weather:weather.intent", []string{"what is the weather in {city}"})

	res, ok := e.Calc([]string{"what is the weather in new york"}, "en-US")
	require.True(t, ok)
	assert.Equal(t, confFreeSlot, res.Conf)
	assert.Equal(t, map[string]string{"city": "new york"}, res.Slots)

	e.RegisterEntity("en-US", "skill-weather:city", []string{"paris", "lisbon"})
	res, ok = e.Calc([]string{"what is the weather in lisbon"}, "en-US")
	require.True(t, ok)
	assert.Equal(t, confEntitySlot, res.Conf)
	assert.Equal(t, "lisbon", res.Slots["city"])

	_, ok = e.Calc([]string{"what is the weather in tokyo"}, "en-US")
	assert.False(t, ok)
}

func TestDetachIntentAndSkill(t *testing.T) {
	e := NewEngine()
	e.RegisterIntent("en-US", "skill-a:one.intent", []string{"one"})
	e.RegisterIntent("en-US", "skill-a:two.intent", []string{"two"})
	e.RegisterIntent("en-US", "skill-b:three.intent", []string{"three"})
	e.Train()

	e.DetachIntent("skill-a:one.intent")
	res, ok := e.Calc([]string{"one"}, "en-US")
	require.True(t, ok)
	assert.Less(t, res.Conf, 1.0)

	e.DetachSkill("skill-a")
	res, ok = e.Calc([]string{"two"}, "en-US")
	require.True(t, ok)
	assert.Equal(t, "skill-b:three.intent", res.Intent)
}

func TestServiceThroughBus(t *testing.T) {
	b := bus.NewLocal(nil)
	svc, err := New(pipeline.Env{Bus: b, Config: config.Default(), Settings: map[string]any{"conf_high": 0.99}})
	require.NoError(t, err)
	t.Cleanup(func() {
		svc.Shutdown()
		_ = b.Close()
	})

	b.Emit(bus.NewMessage("padatious:register_intent", map[string]any{
		"name":    "skill-timer:start.intent",
		"samples": []any{"set a timer for {duration}", "start a timer"},
		"lang":    "en-US",
	}, nil))
	require.NoError(t, svc.Train(context.Background()))

	stages := svc.Stages()
	require.Len(t, stages, 3)
	assert.Equal(t, "padatious_medium", stages[1].ID)

	msg := bus.NewMessage("recognizer_loop:utterance", nil, nil)
	m, err := svc.MatchHigh(context.Background(), []string{"set a timer for ten minutes"}, "en-US", msg)
	require.NoError(t, err)
	assert.Nil(t, m)

	m, err = svc.MatchMedium(context.Background(), []string{"set a timer for ten minutes"}, "en-US", msg)
	require.NoError(t, err)
	require.NotNil(t, m)
	ih := m.(*pipeline.IntentHandlerMatch)
	assert.Equal(t, "skill-timer:start.intent", ih.MatchType)
	assert.Equal(t, "skill-timer", ih.SkillID)
	assert.Equal(t, "ten minutes", ih.MatchData["duration"])

	b.Emit(bus.NewMessage("detach_skill", map[string]any{"skill_id": "skill-timer"}, nil))
	m, _ = svc.MatchLow(context.Background(), []string{"start a timer"}, "en-US", msg)
	assert.Nil(t, m)
}
