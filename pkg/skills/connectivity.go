package skills

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/bus"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/errorsx"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/resilience"
)

// Connectivity events observed and emitted by the manager.
const (
	EventNetworkUp    = "mycroft.network.connected"
	EventNetworkDown  = "mycroft.network.disconnected"
	EventInternetUp   = "mycroft.internet.connected"
	EventInternetDown = "mycroft.internet.disconnected"
	EventGUIUp        = "mycroft.gui.available"
	EventGUIDown      = "mycroft.gui.unavailable"

	internetCheck = "ovos.PHAL.internet_check"
)

// Connectivity is the device state skills are loaded against.
type Connectivity struct {
	Network  bool
	Internet bool
	GUI      bool
	// Permanent is announced by the GUI; while set, skills are never
	// unloaded when a requirement is lost.
	Permanent bool
}

// Apply folds a connectivity event into c and reports whether it changed.
func (c *Connectivity) Apply(msg bus.Message) bool {
	prev := *c
	switch msg.Type {
	case EventNetworkUp:
		c.Network = true
	case EventNetworkDown:
		c.Network, c.Internet = false, false
	case EventInternetUp:
		c.Network, c.Internet = true, true
	case EventInternetDown:
		c.Internet = false
	case EventGUIUp:
		c.GUI = true
		c.Permanent = msg.Bool("permanent", false)
	case EventGUIDown:
		c.GUI, c.Permanent = false, false
	}
	return prev != *c
}

// Prober determines network and internet state. It asks the connectivity
// plugin on the bus first and probes the web directly when nobody answers.
type Prober struct {
	bus     bus.Client
	client  *http.Client
	url     string
	wait    time.Duration
	retry   resilience.RetryPolicy
	breaker *resilience.CircuitBreaker
	log     *slog.Logger
}

type ProberOptions struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
	Logger  *slog.Logger
}

func NewProber(b bus.Client, opts ProberOptions) *Prober {
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Prober{
		bus:     b,
		client:  opts.Client,
		url:     opts.URL,
		wait:    opts.Timeout,
		retry:   resilience.NewRetryPolicy(1, 250*time.Millisecond),
		breaker: resilience.NewCircuitBreaker(3, time.Minute),
		log:     opts.Logger,
	}
}

// Probe returns the current network and internet state.
func (p *Prober) Probe(ctx context.Context) (network, internet bool) {
	resp, err := bus.WaitForResponse(ctx, p.bus, bus.NewMessage(internetCheck, nil, nil), "", p.wait)
	if err == nil {
		internet = resp.Bool("internet_connected", false)
		network = resp.Bool("network_connected", internet)
		return network || internet, internet
	}
	if !errors.Is(err, bus.ErrTimeout) {
		p.log.Warn("connectivity_check_failed", "error", err)
		return false, false
	}
	if p.url == "" {
		return false, false
	}
	if err := p.probeHTTP(ctx); err != nil {
		p.log.Info("connectivity_offline", "url", p.url, "error", err)
		return false, false
	}
	return true, true
}

func (p *Prober) probeHTTP(ctx context.Context) error {
	if !p.breaker.Allow() {
		return errorsx.New(errorsx.ReasonSkillError, "connectivity probe circuit open")
	}
	err := p.retry.Do(ctx, func() error {
		reqCtx, cancel := context.WithTimeout(ctx, p.wait)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, p.url, nil)
		if err != nil {
			return err
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("probe status %d", resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		p.breaker.OnError(err)
		return err
	}
	p.breaker.OnSuccess()
	return nil
}
