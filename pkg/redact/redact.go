// Package redact scrubs personal data from utterances before they leave
// the process.
package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

type rule struct {
	re          *regexp.Regexp
	replacement string
}

var rules = []rule{
	{regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`), "[email]"},
	{regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`), "[card]"},
	{regexp.MustCompile(`\+?\b\d[\d\s\-]{7,}\d\b`), "[phone]"},
	{regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`), "[ip]"},
}

// SetEnabled toggles redaction process-wide.
func SetEnabled(v bool) {
	enabled.Store(v)
}

func Enabled() bool {
	return enabled.Load()
}

// Text scrubs in when redaction is enabled.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := in
	for _, r := range rules {
		out = r.re.ReplaceAllString(out, r.replacement)
	}
	return out
}

// Strings scrubs every element into a new slice.
func Strings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = Text(s)
	}
	return out
}

// Map returns a copy of in with every nested string scrubbed.
func Map(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = value(v)
	}
	return out
}

func value(v any) any {
	switch val := v.(type) {
	case string:
		return Text(val)
	case []string:
		return Strings(val)
	case []any:
		out := make([]any, len(val))
		for i := range val {
			out[i] = value(val[i])
		}
		return out
	case map[string]any:
		return Map(val)
	default:
		return v
	}
}
