package ocp

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/bus"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/configutil"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/locale"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/pipeline"
)

const ID = "ocp"

type Settings struct {
	MinTimeout      time.Duration `mapstructure:"min_timeout"`
	MaxTimeout      time.Duration `mapstructure:"max_timeout"`
	SearchExtension time.Duration `mapstructure:"search_extension"`
	SEITimeout      time.Duration `mapstructure:"sei_timeout"`
	MinScore        float64       `mapstructure:"min_score"`
	MediumConf      float64       `mapstructure:"medium_conf"`
	FallbackConf    float64       `mapstructure:"fallback_conf"`
	Legacy          bool          `mapstructure:"legacy"`
}

var schema = configutil.Schema{Optional: []string{
	"min_timeout", "max_timeout", "search_extension", "sei_timeout",
	"min_score", "medium_conf", "fallback_conf", "legacy",
}}

func DefaultSettings() Settings {
	return Settings{
		MinTimeout:      5 * time.Second,
		MaxTimeout:      15 * time.Second,
		SearchExtension: 3 * time.Second,
		SEITimeout:      time.Second,
		MinScore:        50,
		MediumConf:      0.5,
		FallbackConf:    0.8,
	}
}

type langResources struct {
	grammar *grammar
	media   map[MediaType][]string
}

// mediaSkill is a skill that announced itself as a media provider.
type mediaSkill struct {
	id      string
	aliases []string
}

type Service struct {
	bus      bus.Client
	res      *locale.Resources
	settings Settings
	log      *slog.Logger
	players  *Players
	keywords *Keywords

	mu     sync.Mutex
	langs  map[string]*langResources
	skills map[string]mediaSkill
	subs   []func()
}

func Factory(env pipeline.Env) (pipeline.Plugin, error) {
	return New(env)
}

func New(env pipeline.Env) (*Service, error) {
	settings := DefaultSettings()
	if err := configutil.Load(env.Settings, schema, &settings); err != nil {
		return nil, err
	}
	s := &Service{
		bus:      env.Bus,
		res:      env.Locale,
		settings: settings,
		log:      env.Logger,
		keywords: NewKeywords(),
		langs:    make(map[string]*langResources),
		skills:   make(map[string]mediaSkill),
	}
	if s.res == nil {
		s.res = locale.Default()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.players = NewPlayers(s.bus, settings.SEITimeout, s.log)
	s.players.AddListener(StateListenerFunc(func(ev StateChange) {
		s.log.Debug("ocp_player_state", "session_id", ev.SessionID, "from", ev.From.String(), "to", ev.To.String(), "reason", ev.Reason)
	}))
	s.subscribe()
	return s, nil
}

func (s *Service) ID() string { return ID }

func (s *Service) Stages() []pipeline.Stage {
	return []pipeline.Stage{
		{ID: ID + "_high", Matcher: pipeline.MatcherFunc(s.MatchHigh)},
		{ID: ID + "_medium", Matcher: pipeline.MatcherFunc(s.MatchMedium)},
		{ID: ID + "_fallback", Matcher: pipeline.MatcherFunc(s.MatchFallback)},
	}
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

func (s *Service) Players() *Players { return s.players }

func (s *Service) Keywords() *Keywords { return s.keywords }

func (s *Service) resources(l string) *langResources {
	key := s.res.Closest(l)
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.langs[key]; ok {
		return r
	}
	r := &langResources{grammar: compileGrammar(nil), media: make(map[MediaType][]string)}
	var raw map[string][]string
	if err := s.res.YAML(l, "ocp.intents.yaml", &raw); err != nil {
		s.log.Warn("ocp_grammar_missing", "lang", l, "error", err)
	} else {
		r.grammar = compileGrammar(raw)
	}
	var media map[string][]string
	if err := s.res.YAML(l, "media.yaml", &media); err != nil {
		s.log.Warn("ocp_media_keywords_missing", "lang", l, "error", err)
	}
	for name, words := range media {
		mt, ok := ParseMediaType(name)
		if !ok {
			continue
		}
		for _, w := range words {
			if w = locale.Normalize(w); w != "" {
				r.media[mt] = append(r.media[mt], w)
			}
		}
	}
	s.langs[key] = r
	return r
}

func (s *Service) playerFor(msg bus.Message) *Player {
	return s.players.Get(pipeline.SessionOf(msg).SessionID)
}

// allowed reports whether verb makes sense in the current player state.
func allowed(verb string, state PlayerState) bool {
	switch verb {
	case "pause", "like_song":
		return state == PlayerPlaying
	case "resume":
		return state == PlayerPaused
	case "next", "prev", "media_stop":
		return state != PlayerStopped
	default:
		return true
	}
}

func (s *Service) intentMatch(verb, utterance string, data map[string]any) *pipeline.IntentHandlerMatch {
	if data == nil {
		data = map[string]any{}
	}
	return &pipeline.IntentHandlerMatch{
		MatchType: "ocp:" + verb,
		MatchData: data,
		SkillID:   SkillID,
		Utterance: utterance,
	}
}

// playData describes a play request; the modifiers are read back by the
// search filters.
func (s *Service) playData(utterance, query, l string, c Classification, conf float64) map[string]any {
	entities := make(map[string]any, len(c.Entities))
	for k, v := range c.Entities {
		entities[k] = v
	}
	return map[string]any{
		"query":      query,
		"media_type": int(c.MediaType),
		"entities":   entities,
		"conf":       conf,
		"audio_only": s.res.VocMatch(utterance, "audio_only", l, false),
		"video_only": s.res.VocMatch(utterance, "video_only", l, false),
	}
}

// MatchHigh matches the playback grammar exactly.
func (s *Service) MatchHigh(ctx context.Context, utterances []string, l string, msg bus.Message) (pipeline.Match, error) {
	r := s.resources(l)
	state := s.playerFor(msg).State()
	for _, utt := range utterances {
		verb, query, ok := r.grammar.parse(utt)
		if !ok {
			continue
		}
		if verb == "play" {
			if query == "" && state == PlayerPaused {
				return s.intentMatch("resume", utt, map[string]any{"conf": 1.0}), nil
			}
			c := classify(query, r.media, s.keywords.snapshot())
			return s.intentMatch("play", utt, s.playData(utt, query, l, c, 1.0)), nil
		}
		if !allowed(verb, state) {
			s.log.Debug("ocp_verb_ignored", "verb", verb, "state", state.String())
			continue
		}
		return s.intentMatch(verb, utt, map[string]any{"conf": 1.0}), nil
	}
	return nil, nil
}

// MatchMedium accepts utterances carrying a play verb and guesses the
// media type of the rest.
func (s *Service) MatchMedium(ctx context.Context, utterances []string, l string, msg bus.Message) (pipeline.Match, error) {
	r := s.resources(l)
	for _, utt := range utterances {
		if !s.res.VocMatch(utt, "Play", l, false) {
			continue
		}
		query := s.res.RemoveVoc(utt, "Play", l)
		if query == "" {
			continue
		}
		c := classify(query, r.media, s.keywords.snapshot())
		conf := c.Conf
		if c.Hits == 0 {
			conf = s.settings.MediumConf
		}
		if conf < s.settings.MediumConf {
			continue
		}
		return s.intentMatch("play", utt, s.playData(utt, query, l, c, conf)), nil
	}
	return nil, nil
}

// MatchFallback accepts utterances without a play verb when they carry
// enough media keywords.
func (s *Service) MatchFallback(ctx context.Context, utterances []string, l string, msg bus.Message) (pipeline.Match, error) {
	r := s.resources(l)
	for _, utt := range utterances {
		c := classify(utt, r.media, s.keywords.snapshot())
		if c.Hits == 0 || c.Conf < s.settings.FallbackConf {
			continue
		}
		query := strings.TrimSpace(s.res.RemoveVoc(utt, "Play", l))
		return s.intentMatch("play", utt, s.playData(utt, query, l, c, c.Conf)), nil
	}
	return nil, nil
}
