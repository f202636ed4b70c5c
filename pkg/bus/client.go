package bus

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrTimeout is returned when an awaited message does not arrive in time.
	ErrTimeout = errors.New("bus: timed out waiting for message")
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("bus: client closed")
)

// Handler consumes a delivered message. Each handler receives its own copy.
type Handler func(Message)

// Client is the publish/subscribe surface the core depends on.
//
// On handlers run on a per-subscription goroutine in emission order and may
// block. OnSync handlers run before Emit returns; they must not block, but
// they may emit.
type Client interface {
	Emit(msg Message)
	On(msgType string, h Handler) (unsubscribe func())
	OnSync(msgType string, h Handler) (unsubscribe func())
	Once(msgType string, h Handler) (unsubscribe func())
	Close() error
}

// WaitForMessage blocks until a message of msgType accepted by filter
// arrives, the timeout elapses or ctx is done.
func WaitForMessage(ctx context.Context, c Client, msgType string, timeout time.Duration, filter func(Message) bool) (Message, error) {
	ch := make(chan Message, 1)
	unsubscribe := c.OnSync(msgType, func(m Message) {
		if filter != nil && !filter(m) {
			return
		}
		select {
		case ch <- m:
		default:
		}
	})
	defer unsubscribe()
	return await(ctx, ch, timeout)
}

// WaitForResponse emits msg and waits for replyType (default msg.Type +
// ".response").
func WaitForResponse(ctx context.Context, c Client, msg Message, replyType string, timeout time.Duration) (Message, error) {
	return WaitForResponseMatching(ctx, c, msg, replyType, timeout, nil)
}

// WaitForResponseMatching is WaitForResponse with a reply filter.
func WaitForResponseMatching(ctx context.Context, c Client, msg Message, replyType string, timeout time.Duration, filter func(Message) bool) (Message, error) {
	if replyType == "" {
		replyType = msg.Type + ".response"
	}
	ch := make(chan Message, 1)
	unsubscribe := c.OnSync(replyType, func(m Message) {
		if filter != nil && !filter(m) {
			return
		}
		select {
		case ch <- m:
		default:
		}
	})
	defer unsubscribe()
	c.Emit(msg)
	return await(ctx, ch, timeout)
}

// DistinctAtLeast returns a Gather done func that reports true once n
// distinct values of Data[key] have arrived. Repeated replies from one
// sender count once.
func DistinctAtLeast(key string, n int) func([]Message) bool {
	return func(replies []Message) bool {
		seen := make(map[string]struct{}, n)
		for _, r := range replies {
			seen[r.String(key)] = struct{}{}
		}
		return len(seen) >= n
	}
}

// Gather emits msgs and collects replyType messages accepted by filter
// until done reports true, the timeout elapses or ctx is done. Replies are
// returned in arrival order; running out of time is not an error.
func Gather(ctx context.Context, c Client, replyType string, timeout time.Duration, filter func(Message) bool, done func([]Message) bool, msgs ...Message) []Message {
	if ctx == nil {
		ctx = context.Background()
	}
	var (
		mu       sync.Mutex
		replies  []Message
		finished bool
		signal   = make(chan struct{})
	)
	unsubscribe := c.OnSync(replyType, func(m Message) {
		if filter != nil && !filter(m) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if finished {
			return
		}
		replies = append(replies, m)
		if done != nil && done(replies) {
			finished = true
			close(signal)
		}
	})
	defer unsubscribe()
	for _, m := range msgs {
		c.Emit(m)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-signal:
	case <-timer.C:
	case <-ctx.Done():
	}
	mu.Lock()
	defer mu.Unlock()
	finished = true
	return append([]Message(nil), replies...)
}

func await(ctx context.Context, ch <-chan Message, timeout time.Duration) (Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case m := <-ch:
		return m, nil
	case <-timer.C:
		return Message{}, ErrTimeout
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}
