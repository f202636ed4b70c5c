package ocp

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/locale"
)

// Verbs in the order their exact phrases are tried. "play" goes last so
// "play next song" resolves to next.
var verbs = []string{"pause", "resume", "next", "prev", "media_stop", "open", "like_song", "play_favorites", "play"}

type queryTemplate struct {
	verb string
	re   *regexp.Regexp
}

// grammar is the compiled ocp.intents.yaml of one language.
type grammar struct {
	exact     map[string]string
	templates []queryTemplate
}

func compileGrammar(raw map[string][]string) *grammar {
	g := &grammar{exact: make(map[string]string)}
	for _, verb := range verbs {
		for _, line := range raw[verb] {
			for _, phrase := range locale.Expand(line) {
				phrase = locale.Normalize(phrase)
				if phrase == "" {
					continue
				}
				head, tail, found := strings.Cut(phrase, "{query}")
				if !found {
					if _, dup := g.exact[phrase]; !dup {
						g.exact[phrase] = verb
					}
					continue
				}
				expr := "^" + regexp.QuoteMeta(strings.TrimSpace(head))
				if strings.TrimSpace(head) != "" {
					expr += " "
				}
				expr += "(.+?)"
				if t := strings.TrimSpace(tail); t != "" {
					expr += " " + regexp.QuoteMeta(t)
				}
				g.templates = append(g.templates, queryTemplate{verb: verb, re: regexp.MustCompile(expr + "$")})
			}
		}
	}
	// longer prefixes first so "i want to listen to x" beats shorter forms
	sort.SliceStable(g.templates, func(i, j int) bool {
		return len(g.templates[i].re.String()) > len(g.templates[j].re.String())
	})
	return g
}

// parse returns the verb and query of utterance.
func (g *grammar) parse(utterance string) (verb, query string, ok bool) {
	utt := locale.Normalize(utterance)
	if verb, ok := g.exact[utt]; ok {
		return verb, "", true
	}
	for _, t := range g.templates {
		if m := t.re.FindStringSubmatch(utt); m != nil {
			return t.verb, strings.TrimSpace(m[1]), true
		}
	}
	return "", "", false
}

// keyword is a skill supplied sample hinting a media type.
type keyword struct {
	skillID   string
	label     string
	mediaType MediaType
	samples   []string
}

// Keywords is the registry behind ocp:register_keyword.
type Keywords struct {
	mu    sync.RWMutex
	items map[string]keyword
}

func NewKeywords() *Keywords {
	return &Keywords{items: make(map[string]keyword)}
}

func keywordKey(skillID, label string) string { return skillID + "/" + label }

func (k *Keywords) Register(skillID, label string, mediaType MediaType, samples []string) {
	var norm []string
	for _, s := range samples {
		for _, p := range locale.Expand(s) {
			if p = locale.Normalize(p); p != "" {
				norm = append(norm, p)
			}
		}
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.items[keywordKey(skillID, label)] = keyword{skillID: skillID, label: label, mediaType: mediaType, samples: norm}
}

func (k *Keywords) Deregister(skillID, label string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.items, keywordKey(skillID, label))
}

// DetachSkill drops every keyword of skillID.
func (k *Keywords) DetachSkill(skillID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for key, kw := range k.items {
		if kw.skillID == skillID {
			delete(k.items, key)
		}
	}
}

func (k *Keywords) snapshot() []keyword {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]keyword, 0, len(k.items))
	for _, kw := range k.items {
		out = append(out, kw)
	}
	sort.Slice(out, func(i, j int) bool {
		return keywordKey(out[i].skillID, out[i].label) < keywordKey(out[j].skillID, out[j].label)
	})
	return out
}

// Classification is the media type guessed for an utterance.
type Classification struct {
	MediaType MediaType
	Conf      float64
	Entities  map[string]string
	Hits      int
}

const (
	// registered samples are specific titles and count double
	keywordWeight = 2
	genericWeight = 1
)

func containsPhrase(utt, phrase string) bool {
	return strings.Contains(" "+utt+" ", " "+phrase+" ")
}

// classify scores utterance against the media keywords of a language
// plus the registered keywords.
func classify(utterance string, media map[MediaType][]string, kws []keyword) Classification {
	utt := locale.Normalize(utterance)
	scores := make(map[MediaType]int)
	entities := make(map[string]string)
	hits := 0
	for mt, words := range media {
		for _, w := range words {
			if containsPhrase(utt, w) {
				scores[mt] += genericWeight
				hits++
			}
		}
	}
	for _, kw := range kws {
		for _, s := range kw.samples {
			if containsPhrase(utt, s) {
				scores[kw.mediaType] += keywordWeight
				if cur, ok := entities[kw.label]; !ok || len(s) > len(cur) {
					entities[kw.label] = s
				}
				hits++
				break
			}
		}
	}
	c := Classification{MediaType: MediaGeneric, Entities: entities, Hits: hits}
	best := 0
	for mt, score := range scores {
		if score > best || (score == best && mt < c.MediaType) {
			best, c.MediaType = score, mt
		}
	}
	if best > 0 {
		c.Conf = min(0.95, 0.6+0.1*float64(best))
	}
	return c
}
