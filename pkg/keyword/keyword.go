// Package keyword is a keyword-driven intent matcher. Skills register
// vocabulary and intents built from required, optional and at-least-one
// entity types; an utterance matches when the entities it mentions (or the
// session context provides) satisfy an intent.
package keyword

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/bus"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/configutil"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/lang"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/locale"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/pipeline"
)

const ID = "adapt"

type Settings struct {
	ConfHigh   float64 `mapstructure:"conf_high"`
	ConfMedium float64 `mapstructure:"conf_med"`
	ConfLow    float64 `mapstructure:"conf_low"`
}

var schema = configutil.Schema{Optional: []string{"conf_high", "conf_med", "conf_low"}}

// Intent lists the entity types an utterance must carry.
type Intent struct {
	Name       string
	Requires   []string
	AtLeastOne [][]string
	Optional   []string
	Excludes   []string
}

// SkillID is the part of the intent name before the colon.
func (i Intent) SkillID() string {
	skill, _, _ := strings.Cut(i.Name, ":")
	return skill
}

type term struct {
	phrase string
	value  string
}

type vocabulary struct {
	terms   map[string][]term
	regexes []*regexp.Regexp
}

type Engine struct {
	mu      sync.RWMutex
	vocab   map[string]*vocabulary
	intents map[string]map[string]Intent
}

func NewEngine() *Engine {
	return &Engine{
		vocab:   make(map[string]*vocabulary),
		intents: make(map[string]map[string]Intent),
	}
}

func (e *Engine) vocabFor(l string) *vocabulary {
	l = lang.Standardize(l)
	v, ok := e.vocab[l]
	if !ok {
		v = &vocabulary{terms: make(map[string][]term)}
		e.vocab[l] = v
	}
	return v
}

// RegisterVocab adds phrase as an example of entityType. aliasOf, when
// set, is reported as the entity value instead of the phrase.
func (e *Engine) RegisterVocab(l, entityType, phrase, aliasOf string) {
	phrase = locale.Normalize(phrase)
	if phrase == "" || entityType == "" {
		return
	}
	value := phrase
	if aliasOf != "" {
		value = aliasOf
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	v := e.vocabFor(l)
	for _, t := range v.terms[entityType] {
		if t.phrase == phrase {
			return
		}
	}
	v.terms[entityType] = append(v.terms[entityType], term{phrase: phrase, value: value})
}

// RegisterRegex adds a pattern whose named groups become entities.
func (e *Engine) RegisterRegex(l, pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("compile vocab regex: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	v := e.vocabFor(l)
	v.regexes = append(v.regexes, re)
	return nil
}

func (e *Engine) RegisterIntent(l string, intent Intent) {
	l = lang.Standardize(l)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.intents[l] == nil {
		e.intents[l] = make(map[string]Intent)
	}
	e.intents[l][intent.Name] = intent
}

func (e *Engine) DetachIntent(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, byName := range e.intents {
		delete(byName, name)
	}
}

// DetachSkill removes every intent and every vocabulary entry registered
// under the skill's prefix.
func (e *Engine) DetachSkill(skillID string) {
	prefix := skillID + ":"
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, byName := range e.intents {
		for name := range byName {
			if strings.HasPrefix(name, prefix) {
				delete(byName, name)
			}
		}
	}
	for _, v := range e.vocab {
		for entityType := range v.terms {
			if strings.HasPrefix(entityType, skillID) {
				delete(v.terms, entityType)
			}
		}
	}
}

// Intents lists registered intent names for l, sorted.
func (e *Engine) Intents(l string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []string
	for name := range e.intents[lang.Standardize(l)] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

type tag struct {
	entityType string
	value      string
	chars      int
	conf       float64
}

// tags finds every known entity mentioned in utt.
func (v *vocabulary) tags(utt string) map[string]tag {
	out := make(map[string]tag)
	padded := " " + utt + " "
	for entityType, terms := range v.terms {
		for _, t := range terms {
			if !strings.Contains(padded, " "+t.phrase+" ") {
				continue
			}
			chars := len(strings.ReplaceAll(t.phrase, " ", ""))
			if prev, ok := out[entityType]; !ok || chars > prev.chars {
				out[entityType] = tag{entityType: entityType, value: t.value, chars: chars, conf: 1}
			}
		}
	}
	for _, re := range v.regexes {
		m := re.FindStringSubmatch(utt)
		if m == nil {
			continue
		}
		for i, name := range re.SubexpNames() {
			if name == "" || m[i] == "" {
				continue
			}
			if _, ok := out[name]; !ok {
				out[name] = tag{entityType: name, value: m[i], chars: len(strings.ReplaceAll(m[i], " ", "")), conf: 1}
			}
		}
	}
	return out
}

// Result is the best intent found for an utterance.
type Result struct {
	Intent    Intent
	Conf      float64
	Entities  map[string]string
	Utterance string
}

// Calc scores every intent against utterances and returns the best one.
// Context entities fill missing required types at their own confidence.
func (e *Engine) Calc(utterances []string, l string, known map[string]ContextEntity) (Result, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	l = lang.Standardize(l)
	v, ok := e.vocab[l]
	if !ok || len(e.intents[l]) == 0 {
		return Result{}, false
	}
	var (
		best  Result
		found bool
	)
	names := make([]string, 0, len(e.intents[l]))
	for name := range e.intents[l] {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, raw := range utterances {
		utt := locale.Normalize(raw)
		total := len(strings.ReplaceAll(utt, " ", ""))
		if total == 0 {
			continue
		}
		tags := v.tags(utt)
		for _, name := range names {
			res, ok := score(e.intents[l][name], tags, known, total)
			if !ok {
				continue
			}
			res.Utterance = raw
			if !found || res.Conf > best.Conf {
				best, found = res, true
			}
		}
	}
	return best, found
}

// ContextEntity is a value injected into the session context.
type ContextEntity struct {
	Value string
	Conf  float64
}

func score(intent Intent, tags map[string]tag, known map[string]ContextEntity, total int) (Result, bool) {
	for _, ex := range intent.Excludes {
		if _, ok := tags[ex]; ok {
			return Result{}, false
		}
	}
	var (
		matched  float64
		extra    float64
		entities = make(map[string]string)
		used     = make(map[string]bool)
	)
	take := func(entityType string) bool {
		if t, ok := tags[entityType]; ok {
			if !used[entityType] {
				matched += float64(t.chars) * t.conf
				used[entityType] = true
			}
			entities[entityType] = t.value
			return true
		}
		if c, ok := known[entityType]; ok {
			chars := float64(len(strings.ReplaceAll(c.Value, " ", "")))
			matched += chars * c.Conf
			extra += chars
			entities[entityType] = c.Value
			return true
		}
		return false
	}
	for _, req := range intent.Requires {
		if !take(req) {
			return Result{}, false
		}
	}
	for _, group := range intent.AtLeastOne {
		ok := false
		for _, entityType := range group {
			if _, tagged := tags[entityType]; tagged {
				ok = take(entityType)
				break
			}
		}
		if !ok {
			return Result{}, false
		}
	}
	for _, opt := range intent.Optional {
		if _, ok := tags[opt]; ok {
			take(opt)
		}
	}
	if len(entities) == 0 {
		return Result{}, false
	}
	conf := matched / (float64(total) + extra)
	return Result{Intent: intent, Conf: min(conf, 1), Entities: entities}, true
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
	settings := Settings{ConfHigh: 0.65, ConfMedium: 0.45, ConfLow: 0.25}
	if err := configutil.Load(env.Settings, schema, &settings); err != nil {
		return nil, err
	}
	log := env.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		engine:   NewEngine(),
		bus:      env.Bus,
		settings: settings,
		log:      log,
	}
	defLang := env.Config.Lang
	s.subs = []func(){
		s.bus.OnSync("register_vocab", func(msg bus.Message) { s.handleRegisterVocab(msg, defLang) }),
		s.bus.OnSync("register_intent", func(msg bus.Message) { s.handleRegisterIntent(msg, defLang) }),
		s.bus.OnSync("detach_intent", s.handleDetachIntent),
		s.bus.OnSync("detach_skill", s.handleDetachSkill),
		s.bus.On("intent.service.adapt.manifest.get", func(msg bus.Message) { s.handleManifest(msg, defLang) }),
	}
	return s, nil
}

func (s *Service) ID() string { return ID }

func (s *Service) Engine() *Engine { return s.engine }

func (s *Service) Stages() []pipeline.Stage {
	return pipeline.ConfidenceStages(ID, s, true)
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
	return s.match(utterances, l, msg, s.settings.ConfHigh), nil
}

func (s *Service) MatchMedium(ctx context.Context, utterances []string, l string, msg bus.Message) (pipeline.Match, error) {
	return s.match(utterances, l, msg, s.settings.ConfMedium), nil
}

func (s *Service) MatchLow(ctx context.Context, utterances []string, l string, msg bus.Message) (pipeline.Match, error) {
	return s.match(utterances, l, msg, s.settings.ConfLow), nil
}

func (s *Service) match(utterances []string, l string, msg bus.Message, threshold float64) pipeline.Match {
	sess := pipeline.SessionOf(msg)
	ctxEntities := make(map[string]ContextEntity)
	for _, ent := range sess.Context.Entities() {
		ctxEntities[ent.Context] = ContextEntity{Value: ent.Match, Conf: ent.Confidence}
	}
	res, ok := s.engine.Calc(utterances, l, ctxEntities)
	if !ok || res.Conf < threshold {
		return nil
	}
	data := make(map[string]any, len(res.Entities)+2)
	for k, v := range res.Entities {
		data[k] = v
	}
	data["intent_type"] = res.Intent.Name
	data["conf"] = res.Conf
	return &pipeline.IntentHandlerMatch{
		MatchType: res.Intent.Name,
		MatchData: data,
		SkillID:   res.Intent.SkillID(),
		Utterance: res.Utterance,
	}
}

func msgLang(msg bus.Message, def string) string {
	if l := msg.String("lang"); l != "" {
		return l
	}
	return def
}

func (s *Service) handleRegisterVocab(msg bus.Message, defLang string) {
	l := msgLang(msg, defLang)
	if pattern := msg.String("regex"); pattern != "" {
		if err := s.engine.RegisterRegex(l, pattern); err != nil {
			s.log.Warn("keyword_bad_regex", "pattern", pattern, "error", err)
		}
		return
	}
	value := msg.String("entity_value")
	if value == "" {
		value = msg.String("start")
	}
	entityType := msg.String("entity_type")
	if entityType == "" {
		entityType = msg.String("end")
	}
	s.engine.RegisterVocab(l, entityType, value, msg.String("alias_of"))
}

// entityGroups reads ["a", ["b", "c"]] style lists; nested lists keep
// their grouping, first element of a pair names the entity type.
func entityGroups(v any) [][]string {
	items, ok := v.([]any)
	if !ok {
		if strs, ok := v.([]string); ok {
			out := make([][]string, len(strs))
			for i, s := range strs {
				out[i] = []string{s}
			}
			return out
		}
		return nil
	}
	var out [][]string
	for _, item := range items {
		group := bus.StringsValue(item)
		if len(group) > 0 {
			out = append(out, group)
		}
	}
	return out
}

func firsts(groups [][]string) []string {
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		out = append(out, g[0])
	}
	return out
}

func (s *Service) handleRegisterIntent(msg bus.Message, defLang string) {
	name := msg.String("name")
	if name == "" {
		return
	}
	intent := Intent{
		Name:       name,
		Requires:   firsts(entityGroups(msg.Data["requires"])),
		AtLeastOne: entityGroups(msg.Data["at_least_one"]),
		Optional:   firsts(entityGroups(msg.Data["optional"])),
		Excludes:   firsts(entityGroups(msg.Data["excludes"])),
	}
	if len(intent.Requires) == 0 && len(intent.AtLeastOne) == 0 {
		s.log.Warn("keyword_intent_without_requirements", "intent", name)
		return
	}
	s.engine.RegisterIntent(msgLang(msg, defLang), intent)
	s.log.Debug("keyword_intent_registered", "intent", name)
}

func (s *Service) handleDetachIntent(msg bus.Message) {
	if name := msg.String("intent_name"); name != "" {
		s.engine.DetachIntent(name)
	}
}

func (s *Service) handleDetachSkill(msg bus.Message) {
	if skillID := msg.String("skill_id"); skillID != "" {
		s.engine.DetachSkill(skillID)
	}
}

func (s *Service) handleManifest(msg bus.Message, defLang string) {
	names := s.engine.Intents(msgLang(msg, defLang))
	if names == nil {
		names = []string{}
	}
	s.bus.Emit(msg.Response(map[string]any{"intents": slices.Clone(names)}))
}
