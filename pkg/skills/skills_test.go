package skills

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/bus"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/config"
)

type recorder struct {
	mu   sync.Mutex
	msgs []bus.Message
}

func (r *recorder) add(m bus.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

func (r *recorder) withType(msgType string) []bus.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bus.Message
	for _, m := range r.msgs {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

type fakeSkill struct {
	id      string
	stopped atomic.Bool
}

func (s *fakeSkill) ID() string { return s.id }
func (s *fakeSkill) Shutdown()  { s.stopped.Store(true) }

func factory(built *sync.Map) Factory {
	return func(_ context.Context, env Env) (Skill, error) {
		s := &fakeSkill{id: env.Manifest.ID}
		built.Store(env.Manifest.ID, s)
		return s, nil
	}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestRequirements(t *testing.T) {
	offline := Connectivity{}
	lan := Connectivity{Network: true}
	online := Connectivity{Network: true, Internet: true}

	cases := []struct {
		name      string
		req       Requirements
		conn      Connectivity
		eligible  bool
		satisfied bool
	}{
		{"no requirements offline", Requirements{}, offline, true, true},
		{"internet before load offline", Requirements{InternetBeforeLoad: true, RequiresInternet: true}, offline, false, false},
		{"internet before load online", Requirements{InternetBeforeLoad: true, RequiresInternet: true}, online, true, true},
		{"network before load on lan", Requirements{NetworkBeforeLoad: true, RequiresNetwork: true}, lan, true, true},
		{"internet with offline fallback", Requirements{RequiresInternet: true, NoInternetFallback: true}, lan, true, true},
		{"internet without fallback on lan", Requirements{RequiresInternet: true}, lan, true, false},
		{"gui before load", Requirements{GUIBeforeLoad: true}, online, false, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.eligible, c.req.Eligible(c.conn))
			assert.Equal(t, c.satisfied, c.req.Satisfied(c.conn))
		})
	}
}

func TestScanManifests(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "skill-weather", ManifestFile), `
name: Weather
requirements:
  internet_before_load: true
  requires_internet: true
`)
	writeFile(t, filepath.Join(dir, "skill-date", ManifestFile), "id: skill-date.openvoiceos\n")
	writeFile(t, filepath.Join(dir, "broken", ManifestFile), "requirements: [\n")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "no-manifest"), 0o755))

	got, errs := ScanManifests(dir)
	require.Len(t, got, 2)
	assert.Equal(t, "skill-date.openvoiceos", got[0].ID)
	assert.Equal(t, "skill-date.openvoiceos", got[0].Name)
	assert.Equal(t, "skill-weather", got[1].ID)
	assert.Equal(t, "Weather", got[1].Name)
	assert.True(t, got[1].Requirements.InternetBeforeLoad)
	require.Contains(t, errs, "broken")

	got, errs = ScanManifests(filepath.Join(dir, "missing"))
	assert.Empty(t, got)
	assert.Empty(t, errs)
}

func TestCatalog(t *testing.T) {
	c := NewCatalog()
	var built sync.Map
	c.Register(Manifest{ID: " Skill-Hello "}, factory(&built))

	m, ok := c.Manifest("skill-hello")
	require.True(t, ok)
	assert.Equal(t, "skill-hello", m.ID)

	_, err := c.Build(context.Background(), Env{Manifest: Manifest{ID: "skill-nope"}})
	assert.ErrorIs(t, err, ErrUnknownSkill)

	c.Override(Manifest{ID: "skill-hello", Requirements: Requirements{RequiresGUI: true}})
	sk, err := c.Build(context.Background(), Env{Manifest: Manifest{ID: "skill-hello"}})
	require.NoError(t, err)
	assert.Equal(t, "skill-hello", sk.ID())
	m, _ = c.Manifest("skill-hello")
	assert.True(t, m.Requirements.RequiresGUI)
}

type fixture struct {
	mgr   *Manager
	bus   *bus.Local
	rec   *recorder
	built *sync.Map
}

func newFixture(t *testing.T, mutate func(*config.Config, *Catalog, *sync.Map)) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Skills.Directory = ""
	cfg.NetworkTests.WebURL = ""
	cfg.Skills.ReadyTimeoutSeconds = 2
	b := bus.NewLocal(nil)
	rec := &recorder{}
	b.OnSync(bus.AllMessages, rec.add)
	built := &sync.Map{}
	cat := NewCatalog()
	if mutate != nil {
		mutate(&cfg, cat, built)
	}
	mgr := NewManager(Options{Bus: b, Catalog: cat, Config: cfg, ProbeTimeout: 50 * time.Millisecond})
	t.Cleanup(func() {
		mgr.Stop()
		_ = b.Close()
	})
	return &fixture{mgr: mgr, bus: b, rec: rec, built: built}
}

func phal(b bus.Client, network, internet bool) {
	b.OnSync(internetCheck, func(m bus.Message) {
		b.Emit(m.Response(map[string]any{"network_connected": network, "internet_connected": internet}))
	})
}

func TestManagerLoadsByConnectivity(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config, c *Catalog, built *sync.Map) {
		cfg.Skills.BlacklistedSkills = []string{"skill-banned"}
		c.Register(Manifest{ID: "skill-offline"}, factory(built))
		c.Register(Manifest{ID: "skill-online", Requirements: Requirements{InternetBeforeLoad: true, RequiresInternet: true}}, factory(built))
		c.Register(Manifest{ID: "skill-banned"}, factory(built))
		c.Register(Manifest{ID: "skill-bad"}, func(context.Context, Env) (Skill, error) {
			return nil, errors.New("boom")
		})
	})
	phal(f.bus, true, false)

	require.NoError(t, f.mgr.Start(context.Background()))
	assert.Equal(t, []string{"skill-offline"}, f.mgr.Loaded())
	assert.Equal(t, Connectivity{Network: true}, f.mgr.Connectivity())

	failures := f.rec.withType("mycroft.skills.loading_failure")
	require.Len(t, failures, 1)
	assert.Equal(t, "skill-bad", failures[0].String("id"))
	assert.Len(t, f.rec.withType("mycroft.skills.initialized"), 1)
	_, banned := f.built.Load("skill-banned")
	assert.False(t, banned)

	f.bus.Emit(bus.NewMessage(EventInternetUp, nil, nil))
	require.Eventually(t, func() bool {
		return len(f.mgr.Loaded()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	f.bus.Emit(bus.NewMessage(EventInternetDown, nil, nil))
	require.Eventually(t, func() bool {
		return len(f.mgr.Loaded()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	s, _ := f.built.Load("skill-online")
	assert.True(t, s.(*fakeSkill).stopped.Load())
	detached := f.rec.withType("detach_skill")
	require.NotEmpty(t, detached)
	assert.Equal(t, "skill-online", detached[0].String("skill_id"))

	// a failed skill is not retried on every transition
	assert.Len(t, f.rec.withType("mycroft.skills.loading_failure"), 1)
}

func TestPermanentGUISuppressesUnload(t *testing.T) {
	f := newFixture(t, func(_ *config.Config, c *Catalog, built *sync.Map) {
		c.Register(Manifest{ID: "skill-online", Requirements: Requirements{InternetBeforeLoad: true, RequiresInternet: true}}, factory(built))
	})
	phal(f.bus, true, true)
	require.NoError(t, f.mgr.Start(context.Background()))
	require.Equal(t, []string{"skill-online"}, f.mgr.Loaded())

	f.bus.Emit(bus.NewMessage(EventGUIUp, map[string]any{"permanent": true}, nil))
	require.Eventually(t, func() bool { return f.mgr.Connectivity().Permanent }, 2*time.Second, 10*time.Millisecond)

	f.bus.Emit(bus.NewMessage(EventInternetDown, nil, nil))
	require.Eventually(t, func() bool { return !f.mgr.Connectivity().Internet }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"skill-online"}, f.mgr.Loaded())
}

func TestReadinessRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	var asked atomic.Int32
	f.bus.OnSync("mycroft.intents.is_ready", func(m bus.Message) {
		// not ready on the first ask
		f.bus.Emit(m.Response(map[string]any{"status": asked.Add(1) > 1}))
	})
	f.bus.OnSync("mycroft.skills.train", func(m bus.Message) {
		f.bus.Emit(m.Reply("mycroft.skills.trained", nil))
	})

	require.NoError(t, f.mgr.Start(context.Background()))
	select {
	case <-f.mgr.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("manager never became ready")
	}
	assert.GreaterOrEqual(t, asked.Load(), int32(2))

	resp, err := bus.WaitForResponse(context.Background(), f.bus, bus.NewMessage("mycroft.skills.is_ready", nil, nil), "", time.Second)
	require.NoError(t, err)
	assert.True(t, resp.Bool("status", false))
	resp, err = bus.WaitForResponse(context.Background(), f.bus, bus.NewMessage("mycroft.skills.is_alive", nil, nil), "", time.Second)
	require.NoError(t, err)
	assert.True(t, resp.Bool("status", false))
}

func TestActivateDeactivateKeepList(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config, c *Catalog, built *sync.Map) {
		cfg.Skills.BlacklistedSkills = []string{"skill-banned"}
		for _, id := range []string{"skill-a", "skill-b", "skill-c", "skill-banned"} {
			c.Register(Manifest{ID: id}, factory(built))
		}
	})
	require.NoError(t, f.mgr.Start(context.Background()))
	require.Equal(t, []string{"skill-a", "skill-b", "skill-c"}, f.mgr.Loaded())

	require.NoError(t, f.mgr.Deactivate("skill-b"))
	assert.Equal(t, []string{"skill-a", "skill-c"}, f.mgr.Loaded())

	require.NoError(t, f.mgr.Activate(context.Background(), "skill-b"))
	assert.Equal(t, []string{"skill-a", "skill-b", "skill-c"}, f.mgr.Loaded())

	assert.ErrorIs(t, f.mgr.Activate(context.Background(), "skill-banned"), ErrBlacklisted)
	assert.ErrorIs(t, f.mgr.Deactivate("skill-zzz"), ErrUnknownSkill)

	f.bus.Emit(bus.NewMessage("skillmanager.keep", map[string]any{"skill": "skill-c"}, nil))
	require.Eventually(t, func() bool {
		return len(f.mgr.Loaded()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"skill-c"}, f.mgr.Loaded())

	list, err := bus.WaitForResponse(context.Background(), f.bus, bus.NewMessage("skillmanager.list", nil, nil), "mycroft.skills.list", time.Second)
	require.NoError(t, err)
	c, ok := list.Data["skill-c"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, c["active"])
	a := list.Data["skill-a"].(map[string]any)
	assert.Equal(t, false, a["active"])
	banned := list.Data["skill-banned"].(map[string]any)
	assert.Equal(t, true, banned["blacklisted"])
}

func TestDiskManifestOverridesRequirements(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "skill-news", ManifestFile), "requirements:\n  internet_before_load: true\n")
	f := newFixture(t, func(cfg *config.Config, c *Catalog, built *sync.Map) {
		cfg.Skills.Directory = dir
		c.Register(Manifest{ID: "skill-news"}, factory(built))
	})
	require.NoError(t, f.mgr.Start(context.Background()))
	assert.Empty(t, f.mgr.Loaded())
}

func TestHTTPProbeFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	b := bus.NewLocal(nil)
	t.Cleanup(func() { _ = b.Close() })

	p := NewProber(b, ProberOptions{URL: srv.URL, Timeout: 50 * time.Millisecond})
	network, internet := p.Probe(context.Background())
	assert.True(t, network)
	assert.True(t, internet)

	srv.Close()
	network, internet = p.Probe(context.Background())
	assert.False(t, network)
	assert.False(t, internet)
}

func TestSettingsWatcher(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "skill-a", SettingsFile), `{"units": "metric"}`)

	changed := make(chan string, 4)
	w, err := NewSettingsWatcher(dir, 20*time.Millisecond, nil, func(id string) { changed <- id })
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = w.Close()
	})
	require.NoError(t, w.Start(ctx))

	writeFile(t, filepath.Join(dir, "skill-a", SettingsFile), `{"units": "imperial"}`)
	select {
	case id := <-changed:
		assert.Equal(t, "skill-a", id)
	case <-time.After(2 * time.Second):
		t.Fatal("no settings change reported")
	}

	got, err := ReadSettings(dir, "skill-a")
	require.NoError(t, err)
	assert.Equal(t, "imperial", got["units"])
	got, err = ReadSettings(dir, "skill-none")
	require.NoError(t, err)
	assert.Empty(t, got)
}
