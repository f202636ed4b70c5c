package skills

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/bus"
)

var (
	ErrBlacklisted  = errors.New("skill is blacklisted")
	ErrUnknownSkill = errors.New("skill not registered")
)

// Skill is a loaded skill instance.
type Skill interface {
	ID() string
	Shutdown()
}

// Env is handed to a Factory when its skill loads.
type Env struct {
	Manifest Manifest
	Bus      bus.Client
	Settings map[string]any
	Logger   *slog.Logger
}

// Factory builds a skill. It should register intents on the bus before
// returning.
type Factory func(ctx context.Context, env Env) (Skill, error)

type entry struct {
	manifest Manifest
	factory  Factory
}

// Catalog maps skill ids to their manifests and factories.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string]entry)}
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Register adds or replaces a skill plugin.
func (c *Catalog) Register(m Manifest, factory Factory) {
	id := normalizeID(m.ID)
	if m.Name == "" {
		m.Name = m.ID
	}
	m.ID = id
	c.mu.Lock()
	c.entries[id] = entry{manifest: m, factory: factory}
	c.mu.Unlock()
}

// Override replaces the manifest of a registered skill, keeping its
// factory. Unknown ids are added without a factory so that load attempts
// report them.
func (c *Catalog) Override(m Manifest) {
	id := normalizeID(m.ID)
	m.ID = id
	c.mu.Lock()
	e := c.entries[id]
	e.manifest = m
	c.entries[id] = e
	c.mu.Unlock()
}

func (c *Catalog) Manifest(id string) (Manifest, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[normalizeID(id)]
	return e.manifest, ok
}

// Manifests returns every known manifest sorted by id.
func (c *Catalog) Manifests() []Manifest {
	c.mu.RLock()
	out := make([]Manifest, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.manifest)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Build instantiates the skill registered under env.Manifest.ID.
func (c *Catalog) Build(ctx context.Context, env Env) (Skill, error) {
	c.mu.RLock()
	e := c.entries[normalizeID(env.Manifest.ID)]
	c.mu.RUnlock()
	if e.factory == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSkill, env.Manifest.ID)
	}
	return e.factory(ctx, env)
}
