// Package runner drives the start, readiness and drain of the service.
package runner

import (
	"bytes"
	"context"
	"io"

	"github.com/dimiro1/banner"
)

// State is the process status reported to mycroft.*.is_alive and
// mycroft.*.is_ready queries.
type State int

const (
	StateNew State = iota
	StateStarted
	StateAlive
	StateReady
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarted:
		return "started"
	case StateAlive:
		return "alive"
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

// Hooks are invoked around the lifecycle. OnStart failing aborts Run.
type Hooks struct {
	OnStart func(ctx context.Context) error
	OnReady func()
	OnStop  func()
}

type Drainer interface {
	Drain() error
}

// DrainFunc adapts a function to Drainer.
type DrainFunc func() error

func (f DrainFunc) Drain() error { return f() }

var Version = "dev"

// PrintBanner writes the start banner to w.
func PrintBanner(w io.Writer) {
	if w == nil {
		return
	}
	tpl := "{{ .Title \"OVOS-CORE\" \"\" 0 }}\nVersion: " + Version + "\n"
	banner.Init(w, true, false, bytes.NewBufferString(tpl))
}
