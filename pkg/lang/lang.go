// Package lang normalises BCP-47 tags and picks the effective language of
// an utterance.
package lang

import (
	"log/slog"
	"slices"
	"strings"

	"golang.org/x/text/language"
)

// HintKeys are the message context keys consulted, in priority order.
var HintKeys = []string{"stt_lang", "request_lang", "detected_lang"}

// Standardize returns the canonical form of tag ("en-us" -> "en-US").
// Unparseable input is returned lowercased and trimmed.
func Standardize(tag string) string {
	tag = strings.TrimSpace(strings.ReplaceAll(tag, "_", "-"))
	if tag == "" {
		return ""
	}
	t, err := language.Parse(tag)
	if err != nil {
		return strings.ToLower(tag)
	}
	return t.String()
}

// Enabled returns the standardized, de-duplicated set of primary and
// secondary languages.
func Enabled(primary string, secondary []string) []string {
	out := make([]string, 0, len(secondary)+1)
	for _, l := range append([]string{primary}, secondary...) {
		l = Standardize(l)
		if l != "" && !slices.Contains(out, l) {
			out = append(out, l)
		}
	}
	return out
}

// Disambiguate picks the first hint found in ctx whose value is enabled,
// falling back to sessionLang.
func Disambiguate(ctx map[string]any, sessionLang string, enabled []string, log *slog.Logger) string {
	fallback := Standardize(sessionLang)
	for _, key := range HintKeys {
		raw, ok := ctx[key].(string)
		if !ok || raw == "" {
			continue
		}
		v := Standardize(raw)
		if !slices.Contains(enabled, v) {
			if log != nil {
				log.Debug("lang_hint_ignored", "key", key, "lang", v)
			}
			continue
		}
		if v != fallback && log != nil {
			log.Info("lang_replaced", "key", key, "from", fallback, "to", v)
		}
		return v
	}
	return fallback
}

// Closest returns the supported tag that best matches want, or "" when
// none is a reasonable match.
func Closest(want string, supported []string) string {
	if len(supported) == 0 {
		return ""
	}
	want = Standardize(want)
	if slices.Contains(supported, want) {
		return want
	}
	tags := make([]language.Tag, 0, len(supported))
	for _, s := range supported {
		t, err := language.Parse(s)
		if err != nil {
			continue
		}
		tags = append(tags, t)
	}
	if len(tags) == 0 {
		return ""
	}
	wt, err := language.Parse(want)
	if err != nil {
		return ""
	}
	matcher := language.NewMatcher(tags)
	_, idx, conf := matcher.Match(wt)
	if conf == language.No {
		return ""
	}
	return tags[idx].String()
}
