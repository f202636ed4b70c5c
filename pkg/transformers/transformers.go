// Package transformers runs the plugin chains that rewrite utterances,
// enrich message context and adjust winning matches.
package transformers

import (
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/logging"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/pipeline"
)

// Context keys written by the built-in transformers.
const (
	KeyCanceled           = "canceled"
	KeyCancelWord         = "cancel_word"
	KeyDetectedLang       = "detected_lang"
	KeyOriginalUtterances = "original_utterances"
)

type UtteranceTransformer interface {
	Name() string
	Priority() int
	Transform(utterances []string, ctx map[string]any) ([]string, map[string]any)
}

type MetadataTransformer interface {
	Name() string
	Priority() int
	Transform(ctx map[string]any) map[string]any
}

type IntentTransformer interface {
	Name() string
	Priority() int
	Transform(match pipeline.Match) pipeline.Match
}

type named interface {
	Name() string
	Priority() int
}

// chain keeps plugins ordered by priority, highest first.
type chain[T named] struct {
	mu   sync.RWMutex
	list []T
	log  *slog.Logger
}

func (c *chain[T]) add(t T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list = append(c.list, t)
	sort.SliceStable(c.list, func(i, j int) bool { return c.list[i].Priority() > c.list[j].Priority() })
}

func (c *chain[T]) snapshot() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]T(nil), c.list...)
}

func (c *chain[T]) names() []string {
	var out []string
	for _, t := range c.snapshot() {
		out = append(out, t.Name())
	}
	return out
}

// guard runs fn and reports whether it completed without panicking.
func (c *chain[T]) guard(t T, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("transformer_panic", "transformer", t.Name(), "panic", r, "stack", string(debug.Stack()))
			ok = false
		}
	}()
	fn()
	return true
}

// UtteranceService runs utterance transformers in priority order.
type UtteranceService struct {
	chain chain[UtteranceTransformer]
}

func NewUtteranceService(log *slog.Logger, list ...UtteranceTransformer) *UtteranceService {
	s := &UtteranceService{chain: chain[UtteranceTransformer]{log: logging.NewComponentLogger(log, "utterance_transformers")}}
	for _, t := range list {
		s.Add(t)
	}
	return s
}

func (s *UtteranceService) Add(t UtteranceTransformer) { s.chain.add(t) }

func (s *UtteranceService) Names() []string { return s.chain.names() }

// Transform feeds the output of each plugin into the next. A plugin that
// panics is skipped and its partial output discarded.
func (s *UtteranceService) Transform(utterances []string, ctx map[string]any) ([]string, map[string]any) {
	if ctx == nil {
		ctx = map[string]any{}
	}
	for _, t := range s.chain.snapshot() {
		var (
			outU []string
			outC map[string]any
		)
		inU := append([]string(nil), utterances...)
		inC := cloneContext(ctx)
		if !s.chain.guard(t, func() { outU, outC = t.Transform(inU, inC) }) {
			continue
		}
		if outU != nil {
			utterances = outU
		}
		if outC != nil {
			ctx = outC
		}
	}
	return utterances, ctx
}

// MetadataService runs metadata transformers in priority order.
type MetadataService struct {
	chain chain[MetadataTransformer]
}

func NewMetadataService(log *slog.Logger, list ...MetadataTransformer) *MetadataService {
	s := &MetadataService{chain: chain[MetadataTransformer]{log: logging.NewComponentLogger(log, "metadata_transformers")}}
	for _, t := range list {
		s.Add(t)
	}
	return s
}

func (s *MetadataService) Add(t MetadataTransformer) { s.chain.add(t) }

func (s *MetadataService) Names() []string { return s.chain.names() }

func (s *MetadataService) Transform(ctx map[string]any) map[string]any {
	if ctx == nil {
		ctx = map[string]any{}
	}
	for _, t := range s.chain.snapshot() {
		var out map[string]any
		in := cloneContext(ctx)
		if !s.chain.guard(t, func() { out = t.Transform(in) }) {
			continue
		}
		if out != nil {
			ctx = out
		}
	}
	return ctx
}

// IntentService runs intent transformers over a winning match.
type IntentService struct {
	chain chain[IntentTransformer]
}

func NewIntentService(log *slog.Logger, list ...IntentTransformer) *IntentService {
	s := &IntentService{chain: chain[IntentTransformer]{log: logging.NewComponentLogger(log, "intent_transformers")}}
	for _, t := range list {
		s.Add(t)
	}
	return s
}

func (s *IntentService) Add(t IntentTransformer) { s.chain.add(t) }

func (s *IntentService) Names() []string { return s.chain.names() }

func (s *IntentService) Transform(match pipeline.Match) pipeline.Match {
	for _, t := range s.chain.snapshot() {
		var out pipeline.Match
		if !s.chain.guard(t, func() { out = t.Transform(match) }) {
			continue
		}
		if out != nil {
			match = out
		}
	}
	return match
}

func cloneContext(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
