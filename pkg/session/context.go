package session

import (
	"slices"
	"time"
)

// DefaultContextTimeout is how long injected context stays relevant.
const DefaultContextTimeout = 2 * time.Minute

// Entity is a tagged value injected by a skill, consumed by keyword
// matchers to fill missing requirements.
type Entity struct {
	Key        string  `json:"key"`
	Match      string  `json:"match"`
	Context    string  `json:"context"`
	Origin     string  `json:"origin"`
	Confidence float64 `json:"confidence"`
}

// Frame groups the entities injected by one call.
type Frame struct {
	Entities  []Entity       `json:"entities"`
	Metadata  map[string]any `json:"metadata"`
	Timestamp float64        `json:"timestamp"`
}

// ContextManager is a stack of frames, newest first.
type ContextManager struct {
	Frames         []Frame `json:"frame_stack"`
	TimeoutSeconds float64 `json:"timeout"`
}

func NewContextManager(timeout time.Duration) *ContextManager {
	return &ContextManager{
		Frames:         []Frame{},
		TimeoutSeconds: timeout.Seconds(),
	}
}

func (c *ContextManager) normalize() {
	if c.Frames == nil {
		c.Frames = []Frame{}
	}
	for i := range c.Frames {
		if c.Frames[i].Entities == nil {
			c.Frames[i].Entities = []Entity{}
		}
		if c.Frames[i].Metadata == nil {
			c.Frames[i].Metadata = map[string]any{}
		}
	}
}

// Inject pushes a new frame holding entity.
func (c *ContextManager) Inject(entity Entity, metadata map[string]any) {
	if entity.Confidence == 0 {
		entity.Confidence = 1.0
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	frame := Frame{Entities: []Entity{entity}, Metadata: metadata, Timestamp: now()}
	c.Frames = append([]Frame{frame}, c.Frames...)
}

// Remove drops every entity tagged with context and any frame left empty.
func (c *ContextManager) Remove(context string) {
	out := c.Frames[:0]
	for _, f := range c.Frames {
		f.Entities = slices.DeleteFunc(f.Entities, func(e Entity) bool {
			return e.Context == context
		})
		if len(f.Entities) > 0 {
			out = append(out, f)
		}
	}
	c.Frames = out
}

// Clear removes all context.
func (c *ContextManager) Clear() {
	c.Frames = []Frame{}
}

// Prune drops frames older than the timeout.
func (c *ContextManager) Prune() {
	if c.TimeoutSeconds <= 0 {
		return
	}
	cutoff := now() - c.TimeoutSeconds
	c.Frames = slices.DeleteFunc(c.Frames, func(f Frame) bool {
		return f.Timestamp < cutoff
	})
}

// Entities returns the live entities, newest per context tag first. Confidence
// decays with frame depth.
func (c *ContextManager) Entities() []Entity {
	var cutoff float64
	if c.TimeoutSeconds > 0 {
		cutoff = now() - c.TimeoutSeconds
	}
	seen := make(map[string]bool)
	var out []Entity
	for depth, f := range c.Frames {
		if c.TimeoutSeconds > 0 && f.Timestamp < cutoff {
			continue
		}
		for _, e := range f.Entities {
			if seen[e.Context] {
				continue
			}
			seen[e.Context] = true
			e.Confidence = e.Confidence / (2.0 + float64(depth))
			out = append(out, e)
		}
	}
	return out
}
