// Package example is an example-driven intent matcher. Skills register
// sample sentences, optionally with {slot} placeholders; utterances match a
// template exactly or are scored by fuzzy similarity to the samples.
package example

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"

	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/bus"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/configutil"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/lang"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/locale"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/pipeline"
)

const ID = "padatious"

const (
	confExact      = 1.0
	confEntitySlot = 0.97
	confFreeSlot   = 0.9
)

type Settings struct {
	ConfHigh   float64 `mapstructure:"conf_high"`
	ConfMedium float64 `mapstructure:"conf_med"`
	ConfLow    float64 `mapstructure:"conf_low"`
}

var schema = configutil.Schema{Optional: []string{"conf_high", "conf_med", "conf_low"}}

var slotRe = regexp.MustCompile(`\{(\w+)\}`)

type template struct {
	intent string
	text   string
	re     *regexp.Regexp
	slots  []string
	entity bool
}

type langData struct {
	samples   map[string][]string
	entities  map[string][]string
	templates []template
	dirty     bool
}

type Engine struct {
	mu    sync.Mutex
	langs map[string]*langData
	lev   *metrics.Levenshtein
}

func NewEngine() *Engine {
	return &Engine{langs: make(map[string]*langData), lev: metrics.NewLevenshtein()}
}

func (e *Engine) data(l string) *langData {
	l = lang.Standardize(l)
	d, ok := e.langs[l]
	if !ok {
		d = &langData{samples: make(map[string][]string), entities: make(map[string][]string)}
		e.langs[l] = d
	}
	return d
}

// RegisterIntent replaces the samples of name.
func (e *Engine) RegisterIntent(l, name string, samples []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.data(l)
	d.samples[name] = expandAll(samples)
	d.dirty = true
}

// RegisterEntity constrains {name} slots to the given values.
func (e *Engine) RegisterEntity(l, name string, values []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.data(l)
	d.entities[name] = expandAll(values)
	d.dirty = true
}

func expandAll(lines []string) []string {
	var out []string
	for _, line := range lines {
		for _, p := range locale.Expand(line) {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func (e *Engine) DetachIntent(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, d := range e.langs {
		if _, ok := d.samples[name]; ok {
			delete(d.samples, name)
			d.dirty = true
		}
	}
}

func (e *Engine) DetachSkill(skillID string) {
	prefix := skillID + ":"
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, d := range e.langs {
		for name := range d.samples {
			if strings.HasPrefix(name, prefix) {
				delete(d.samples, name)
				d.dirty = true
			}
		}
		for name := range d.entities {
			if strings.HasPrefix(name, prefix) {
				delete(d.entities, name)
				d.dirty = true
			}
		}
	}
}

// Train compiles the registered samples of every language.
func (e *Engine) Train() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, d := range e.langs {
		d.compile()
	}
}

func entityValues(entities map[string][]string, slot string) []string {
	if vals, ok := entities[slot]; ok {
		return vals
	}
	// skills register entities as "<skill_id>:<name>"
	for name, vals := range entities {
		if _, short, ok := strings.Cut(name, ":"); ok && short == slot {
			return vals
		}
	}
	return nil
}

func (d *langData) compile() {
	d.templates = d.templates[:0]
	names := make([]string, 0, len(d.samples))
	for name := range d.samples {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, sample := range d.samples[name] {
			text := locale.Normalize(sample)
			t := template{intent: name, text: text}
			matches := slotRe.FindAllStringSubmatchIndex(text, -1)
			if len(matches) > 0 {
				var (
					b    strings.Builder
					last int
				)
				b.WriteString("^")
				for _, m := range matches {
					b.WriteString(regexp.QuoteMeta(text[last:m[0]]))
					slot := text[m[2]:m[3]]
					t.slots = append(t.slots, slot)
					if vals := entityValues(d.entities, slot); len(vals) > 0 {
						quoted := make([]string, len(vals))
						for i, v := range vals {
							quoted[i] = regexp.QuoteMeta(locale.Normalize(v))
						}
						b.WriteString("(" + strings.Join(quoted, "|") + ")")
						t.entity = true
					} else {
						b.WriteString("(.+?)")
					}
					last = m[1]
				}
				b.WriteString(regexp.QuoteMeta(text[last:]))
				b.WriteString("$")
				t.re = regexp.MustCompile(b.String())
			}
			d.templates = append(d.templates, t)
		}
	}
	d.dirty = false
}

// Result is the best intent found for an utterance.
type Result struct {
	Intent    string
	Conf      float64
	Slots     map[string]string
	Utterance string
}

// Calc returns the best scoring intent. Pending registrations are
// compiled first.
func (e *Engine) Calc(utterances []string, l string) (Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.langs[lang.Standardize(l)]
	if !ok {
		return Result{}, false
	}
	if d.dirty {
		d.compile()
	}
	var (
		best  Result
		found bool
	)
	consider := func(r Result) {
		if !found || r.Conf > best.Conf {
			best, found = r, true
		}
	}
	for _, raw := range utterances {
		utt := locale.Normalize(raw)
		if utt == "" {
			continue
		}
		for _, t := range d.templates {
			if t.re == nil {
				if utt == t.text {
					consider(Result{Intent: t.intent, Conf: confExact, Utterance: raw})
				} else {
					consider(Result{Intent: t.intent, Conf: strutil.Similarity(utt, t.text, e.lev), Utterance: raw})
				}
				continue
			}
			m := t.re.FindStringSubmatch(utt)
			if m == nil {
				continue
			}
			slots := make(map[string]string, len(t.slots))
			for i, slot := range t.slots {
				slots[slot] = strings.TrimSpace(m[i+1])
			}
			conf := confFreeSlot
			if t.entity {
				conf = confEntitySlot
			}
			consider(Result{Intent: t.intent, Conf: conf, Slots: slots, Utterance: raw})
		}
	}
	return best, found
}

// Service exposes the engine as a pipeline plugin fed by bus
// registrations.
type Service struct {
	engine   *Engine
	bus      bus.Client
	settings Settings
	log      *slog.Logger

	mu   sync.Mutex
	subs []func()
}

func Factory(env pipeline.Env) (pipeline.Plugin, error) {
	return New(env)
}

func New(env pipeline.Env) (*Service, error) {
	settings := Settings{ConfHigh: 0.95, ConfMedium: 0.8, ConfLow: 0.5}
	if err := configutil.Load(env.Settings, schema, &settings); err != nil {
		return nil, err
	}
	s := &Service{engine: NewEngine(), bus: env.Bus, settings: settings, log: env.Logger}
	if s.log == nil {
		s.log = slog.Default()
	}
	defLang := env.Config.Lang
	s.subs = []func(){
		s.bus.OnSync("padatious:register_intent", func(msg bus.Message) {
			s.engine.RegisterIntent(msgLang(msg, defLang), msg.String("name"), msg.Strings("samples"))
		}),
		s.bus.OnSync("padatious:register_entity", func(msg bus.Message) {
			s.engine.RegisterEntity(msgLang(msg, defLang), msg.String("name"), msg.Strings("samples"))
		}),
		s.bus.OnSync("detach_intent", func(msg bus.Message) {
			if name := msg.String("intent_name"); name != "" {
				s.engine.DetachIntent(name)
			}
		}),
		s.bus.OnSync("detach_skill", func(msg bus.Message) {
			if skillID := msg.String("skill_id"); skillID != "" {
				s.engine.DetachSkill(skillID)
			}
		}),
	}
	return s, nil
}

func msgLang(msg bus.Message, def string) string {
	if l := msg.String("lang"); l != "" {
		return l
	}
	return def
}

func (s *Service) ID() string { return ID }

func (s *Service) Engine() *Engine { return s.engine }

func (s *Service) Stages() []pipeline.Stage {
	return pipeline.ConfidenceStages(ID, s, true)
}

func (s *Service) Train(ctx context.Context) error {
	s.engine.Train()
	s.log.Debug("example_intents_trained")
	return nil
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

func (s *Service) MatchHigh(ctx context.Context, utterances []string, l string, msg bus.Message) (pipeline.Match, error) {
	return s.match(utterances, l, s.settings.ConfHigh), nil
}

func (s *Service) MatchMedium(ctx context.Context, utterances []string, l string, msg bus.Message) (pipeline.Match, error) {
	return s.match(utterances, l, s.settings.ConfMedium), nil
}

func (s *Service) MatchLow(ctx context.Context, utterances []string, l string, msg bus.Message) (pipeline.Match, error) {
	return s.match(utterances, l, s.settings.ConfLow), nil
}

func (s *Service) match(utterances []string, l string, threshold float64) pipeline.Match {
	res, ok := s.engine.Calc(utterances, l)
	if !ok || res.Conf < threshold {
		return nil
	}
	data := make(map[string]any, len(res.Slots)+1)
	for k, v := range res.Slots {
		data[k] = v
	}
	data["conf"] = res.Conf
	skillID, _, _ := strings.Cut(res.Intent, ":")
	return &pipeline.IntentHandlerMatch{
		MatchType: res.Intent,
		MatchData: data,
		SkillID:   skillID,
		Utterance: res.Utterance,
	}
}
