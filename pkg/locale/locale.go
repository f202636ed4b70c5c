// Package locale serves the vocabulary, dialog and grammar files the
// built-in matchers use.
package locale

import (
	"embed"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"path"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/lang"
)

//go:embed res
var embedded embed.FS

var (
	defaultOnce sync.Once
	defaultRes  *Resources
)

// Default returns the resources shipped with the binary.
func Default() *Resources {
	defaultOnce.Do(func() {
		sub, err := fs.Sub(embedded, "res")
		if err != nil {
			panic(fmt.Sprintf("locale: embedded resources: %v", err))
		}
		defaultRes = New(sub)
	})
	return defaultRes
}

// Resources reads <lang>/<name> files from a filesystem.
type Resources struct {
	fsys  fs.FS
	langs []string
	dirs  map[string]string

	mu   sync.Mutex
	vocs map[string][]string
}

func New(fsys fs.FS) *Resources {
	r := &Resources{fsys: fsys, dirs: make(map[string]string), vocs: make(map[string][]string)}
	entries, err := fs.ReadDir(fsys, ".")
	if err == nil {
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			tag := lang.Standardize(e.Name())
			if _, dup := r.dirs[tag]; !dup {
				r.langs = append(r.langs, tag)
			}
			r.dirs[tag] = e.Name()
		}
	}
	sort.Strings(r.langs)
	return r
}

// Langs lists the available locales.
func (r *Resources) Langs() []string {
	return slices.Clone(r.langs)
}

// Closest maps l onto an available locale, or "".
func (r *Resources) Closest(l string) string {
	return lang.Closest(l, r.langs)
}

func (r *Resources) read(l, name string) ([]byte, error) {
	l = r.Closest(l)
	if l == "" {
		return nil, fs.ErrNotExist
	}
	return fs.ReadFile(r.fsys, path.Join(r.dirs[l], name))
}

// Voc returns the expanded, lowercased phrases of <name>.voc.
func (r *Resources) Voc(l, name string) []string {
	key := r.Closest(l) + "/" + name
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.vocs[key]; ok {
		return v
	}
	raw, err := r.read(l, name+".voc")
	if err != nil {
		r.vocs[key] = nil
		return nil
	}
	var out []string
	for _, line := range ReadLines(string(raw)) {
		for _, p := range Expand(line) {
			p = strings.ToLower(p)
			if p != "" && !slices.Contains(out, p) {
				out = append(out, p)
			}
		}
	}
	// longest first so removal and search prefer the most specific phrase
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	r.vocs[key] = out
	return out
}

// VocMatch reports whether utterance matches <name>.voc. Exact compares
// the whole normalised utterance; otherwise any phrase may appear on word
// boundaries.
func (r *Resources) VocMatch(utterance, name, l string, exact bool) bool {
	utt := Normalize(utterance)
	for _, p := range r.Voc(l, name) {
		if exact {
			if utt == p {
				return true
			}
			continue
		}
		if phraseRegexp(p).MatchString(utt) {
			return true
		}
	}
	return false
}

// RemoveVoc strips every phrase of <name>.voc from utterance.
func (r *Resources) RemoveVoc(utterance, name, l string) string {
	utt := Normalize(utterance)
	for _, p := range r.Voc(l, name) {
		utt = phraseRegexp(p).ReplaceAllString(utt, " ")
	}
	return strings.Join(strings.Fields(utt), " ")
}

// Dialog renders a random line of <name>.dialog, substituting {key}
// placeholders. Missing dialogs render as the name with dots as spaces.
func (r *Resources) Dialog(l, name string, data map[string]string) string {
	raw, err := r.read(l, name+".dialog")
	var lines []string
	if err == nil {
		lines = ReadLines(string(raw))
	}
	line := strings.ReplaceAll(name, ".", " ")
	if len(lines) > 0 {
		line = lines[rand.IntN(len(lines))]
	}
	for k, v := range data {
		line = strings.ReplaceAll(line, "{"+k+"}", v)
	}
	return strings.Join(strings.Fields(line), " ")
}

// YAML decodes <name> into out.
func (r *Resources) YAML(l, name string, out any) error {
	raw, err := r.read(l, name)
	if err != nil {
		return fmt.Errorf("read %s/%s: %w", l, name, err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s/%s: %w", l, name, err)
	}
	return nil
}

// ReadLines splits resource text into non-empty, non-comment lines.
func ReadLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}

// Expand unrolls "(a|b) c" alternations; "(a|)" makes a word optional.
func Expand(template string) []string {
	open := strings.Index(template, "(")
	if open < 0 {
		return []string{strings.Join(strings.Fields(template), " ")}
	}
	closeIdx := strings.Index(template[open:], ")")
	if closeIdx < 0 {
		return []string{strings.Join(strings.Fields(template), " ")}
	}
	closeIdx += open
	head, body, tail := template[:open], template[open+1:closeIdx], template[closeIdx+1:]
	var out []string
	for _, alt := range strings.Split(body, "|") {
		for _, rest := range Expand(tail) {
			out = append(out, strings.Join(strings.Fields(head+" "+alt+" "+rest), " "))
		}
	}
	return out
}

var punct = regexp.MustCompile(`[^\p{L}\p{N}\s'{}-]+`)

// Normalize lowercases and strips punctuation.
func Normalize(s string) string {
	s = strings.ToLower(s)
	s = punct.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(s), " ")
}

var (
	reMu    sync.Mutex
	reCache = map[string]*regexp.Regexp{}
)

func phraseRegexp(p string) *regexp.Regexp {
	reMu.Lock()
	defer reMu.Unlock()
	if re, ok := reCache[p]; ok {
		return re
	}
	re := regexp.MustCompile(`(^|\s)` + regexp.QuoteMeta(p) + `(\s|$)`)
	reCache[p] = re
	return re
}
