package transformers

import (
	"errors"
	"sort"
	"strings"

	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/lang"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/locale"
)

func contextLang(ctx map[string]any) string {
	if l, ok := ctx["lang"].(string); ok && l != "" {
		return l
	}
	return "en-US"
}

// Cancel flags utterances that end with a cancel phrase ("..., never
// mind"). Utterances are passed through untouched.
type Cancel struct {
	res      *locale.Resources
	priority int
}

func NewCancel(res *locale.Resources, priority int) *Cancel {
	if res == nil {
		res = locale.Default()
	}
	return &Cancel{res: res, priority: priority}
}

func (c *Cancel) Name() string  { return "cancel" }
func (c *Cancel) Priority() int { return c.priority }

func (c *Cancel) Transform(utterances []string, ctx map[string]any) ([]string, map[string]any) {
	phrases := c.res.Voc(contextLang(ctx), "cancel")
	for _, u := range utterances {
		n := locale.Normalize(u)
		for _, p := range phrases {
			if n == p || strings.HasSuffix(n, " "+p) {
				ctx[KeyCanceled] = true
				ctx[KeyCancelWord] = p
				return utterances, ctx
			}
		}
	}
	return utterances, ctx
}

// NormalizerSettings configures Normalizer.
type NormalizerSettings struct {
	Replacements     map[string]string `mapstructure:"replacements"`
	StripPunctuation bool              `mapstructure:"strip_punctuation"`
}

var defaultReplacements = map[string]string{
	"what's": "what is",
	"it's":   "it is",
	"i'm":    "i am",
	"don't":  "do not",
	"can't":  "cannot",
	"won't":  "will not",
	"let's":  "let us",
}

// Normalizer lowercases utterances, expands contractions and applies
// configured phrase replacements. The raw utterances are kept under
// original_utterances.
type Normalizer struct {
	replacements []replacement
	strip        bool
	priority     int
}

type replacement struct{ from, to string }

func NewNormalizer(settings NormalizerSettings, priority int) *Normalizer {
	merged := make(map[string]string, len(defaultReplacements)+len(settings.Replacements))
	for k, v := range defaultReplacements {
		merged[k] = v
	}
	for k, v := range settings.Replacements {
		merged[strings.ToLower(k)] = v
	}
	n := &Normalizer{strip: settings.StripPunctuation, priority: priority}
	for from, to := range merged {
		if from == "" {
			continue
		}
		n.replacements = append(n.replacements, replacement{from: from, to: to})
	}
	// longest first so overlapping phrases resolve the same way every run
	sort.Slice(n.replacements, func(i, j int) bool {
		if len(n.replacements[i].from) != len(n.replacements[j].from) {
			return len(n.replacements[i].from) > len(n.replacements[j].from)
		}
		return n.replacements[i].from < n.replacements[j].from
	})
	return n
}

func (n *Normalizer) Name() string  { return "normalizer" }
func (n *Normalizer) Priority() int { return n.priority }

func (n *Normalizer) normalize(text string) string {
	base := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	if n.strip {
		base = locale.Normalize(text)
	}
	out := " " + base + " "
	for _, r := range n.replacements {
		out = strings.ReplaceAll(out, " "+r.from+" ", " "+r.to+" ")
	}
	return strings.TrimSpace(out)
}

func (n *Normalizer) Transform(utterances []string, ctx map[string]any) ([]string, map[string]any) {
	out := make([]string, 0, len(utterances))
	changed := false
	for _, u := range utterances {
		norm := n.normalize(u)
		if norm != u {
			changed = true
		}
		out = append(out, norm)
	}
	if changed {
		if _, ok := ctx[KeyOriginalUtterances]; !ok {
			ctx[KeyOriginalUtterances] = append([]string(nil), utterances...)
		}
	}
	return out, ctx
}

// LanguageDetector guesses the language of a text.
type LanguageDetector interface {
	Detect(text string) (lang string, confidence float64, err error)
}

// LangDetect writes detected_lang into the context when the detector is
// confident enough.
type LangDetect struct {
	detector      LanguageDetector
	minConfidence float64
	priority      int
}

func NewLangDetect(detector LanguageDetector, minConfidence float64, priority int) *LangDetect {
	if minConfidence <= 0 {
		minConfidence = 0.5
	}
	return &LangDetect{detector: detector, minConfidence: minConfidence, priority: priority}
}

func (d *LangDetect) Name() string  { return "langdetect" }
func (d *LangDetect) Priority() int { return d.priority }

func (d *LangDetect) Transform(utterances []string, ctx map[string]any) ([]string, map[string]any) {
	if d.detector == nil || len(utterances) == 0 {
		return utterances, ctx
	}
	l, conf, err := d.detector.Detect(utterances[0])
	if err != nil || l == "" || conf < d.minConfidence {
		return utterances, ctx
	}
	ctx[KeyDetectedLang] = lang.Standardize(l)
	return utterances, ctx
}

// StopwordDetector scores a text by the share of its words found in small
// per-language stopword lists.
type StopwordDetector struct {
	words map[string]map[string]struct{}
}

var defaultStopwords = map[string][]string{
	"en-US": {"the", "a", "is", "what", "and", "of", "to", "you", "i", "it", "play", "please", "my", "me", "how", "are"},
	"pt-PT": {"o", "a", "os", "as", "de", "que", "e", "é", "um", "uma", "para", "com", "não", "por", "favor", "toca"},
	"es-ES": {"el", "la", "los", "las", "de", "que", "y", "es", "un", "una", "por", "para", "con", "qué", "pon", "favor"},
	"de-DE": {"der", "die", "das", "und", "ist", "nicht", "ein", "eine", "ich", "du", "wie", "was", "spiel", "bitte"},
	"fr-FR": {"le", "la", "les", "de", "et", "est", "un", "une", "je", "tu", "quoi", "comment", "joue", "moi"},
	"it-IT": {"il", "lo", "la", "gli", "di", "che", "e", "è", "un", "una", "per", "come", "cosa", "suona"},
	"nl-NL": {"de", "het", "een", "en", "is", "van", "wat", "hoe", "ik", "je", "speel", "alsjeblieft"},
}

func NewStopwordDetector(langs map[string][]string) *StopwordDetector {
	if len(langs) == 0 {
		langs = defaultStopwords
	}
	d := &StopwordDetector{words: make(map[string]map[string]struct{}, len(langs))}
	for l, list := range langs {
		set := make(map[string]struct{}, len(list))
		for _, w := range list {
			set[strings.ToLower(w)] = struct{}{}
		}
		d.words[lang.Standardize(l)] = set
	}
	return d
}

func (d *StopwordDetector) Detect(text string) (string, float64, error) {
	tokens := strings.Fields(locale.Normalize(text))
	if len(tokens) == 0 {
		return "", 0, errors.New("empty text")
	}
	best, bestHits := "", 0
	langs := make([]string, 0, len(d.words))
	for l := range d.words {
		langs = append(langs, l)
	}
	sort.Strings(langs)
	for _, l := range langs {
		hits := 0
		for _, tok := range tokens {
			if _, ok := d.words[l][tok]; ok {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = l, hits
		}
	}
	if best == "" {
		return "", 0, nil
	}
	return best, float64(bestHits) / float64(len(tokens)), nil
}
