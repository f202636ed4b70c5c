package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

var ErrInvalidTransition = errors.New("runner: invalid state transition")

type LifecycleRunner struct {
	state    int32
	mu       sync.Mutex
	cancel   context.CancelFunc
	onceStop sync.Once
	hooks    Hooks
	drainer  Drainer
	stopErr  error
	timeout  time.Duration
	banner   io.Writer
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LifecycleRunner{
		state:   int32(StateNew),
		hooks:   hooks,
		drainer: drainer,
		timeout: timeout,
	}
}

// SetBannerOutput chooses where Run prints the banner; nil disables it.
func (r *LifecycleRunner) SetBannerOutput(w io.Writer) {
	r.banner = w
}

// Run starts the service and blocks until ctx is done or Stop is called.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.casState(StateNew, StateStarted) {
		return ErrInvalidTransition
	}
	PrintBanner(r.banner)
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	if r.hooks.OnStart != nil {
		if err := r.hooks.OnStart(ctx); err != nil {
			cancel()
			_ = r.stop()
			return fmt.Errorf("start: %w", err)
		}
	}
	r.casState(StateStarted, StateAlive)
	<-ctx.Done()
	return r.stop()
}

// MarkReady moves an alive service to ready and fires OnReady once.
func (r *LifecycleRunner) MarkReady() bool {
	if !r.casState(StateAlive, StateReady) {
		return false
	}
	if r.hooks.OnReady != nil {
		r.hooks.OnReady()
	}
	return true
}

func (r *LifecycleRunner) Stop() error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return r.stop()
}

func (r *LifecycleRunner) State() State {
	return State(atomic.LoadInt32(&r.state))
}

func (r *LifecycleRunner) IsAlive() bool {
	s := r.State()
	return s == StateAlive || s == StateReady
}

func (r *LifecycleRunner) IsReady() bool {
	return r.State() == StateReady
}

func (r *LifecycleRunner) stop() error {
	r.onceStop.Do(func() {
		r.setState(StateStopping)
		if r.drainer != nil {
			done := make(chan error, 1)
			go func() { done <- r.drainer.Drain() }()
			select {
			case err := <-done:
				r.stopErr = err
			case <-time.After(r.timeout):
				r.stopErr = errors.New("drain timeout")
			}
		}
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.setState(StateStopped)
	})
	return r.stopErr
}

func (r *LifecycleRunner) casState(from, to State) bool {
	return atomic.CompareAndSwapInt32(&r.state, int32(from), int32(to))
}

func (r *LifecycleRunner) setState(s State) {
	atomic.StoreInt32(&r.state, int32(s))
}
