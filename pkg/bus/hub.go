package bus

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	evbus "github.com/asaskevich/EventBus"
)

// hub fans messages out to subscriptions. EventBus holds one dispatcher per
// topic; the dispatcher only enqueues, so no handler ever runs under the
// EventBus lock.
type hub struct {
	events evbus.Bus
	log    *slog.Logger

	regMu  sync.Mutex
	topics map[string]bool

	mu     sync.RWMutex
	subs   map[string][]*subscription
	nextID atomic.Uint64
	closed atomic.Bool
}

type subscription struct {
	id      uint64
	topic   string
	inline  bool
	once    bool
	fired   atomic.Bool
	handler Handler
	box     *mailbox
}

func newHub(log *slog.Logger) *hub {
	if log == nil {
		log = slog.Default()
	}
	return &hub{
		events: evbus.New(),
		log:    log,
		topics: make(map[string]bool),
		subs:   make(map[string][]*subscription),
	}
}

func (h *hub) subscribe(topic string, fn Handler, inline, once bool) func() {
	if fn == nil || h.closed.Load() {
		return func() {}
	}
	s := &subscription{
		id:      h.nextID.Add(1),
		topic:   topic,
		inline:  inline,
		once:    once,
		handler: fn,
	}
	if !inline {
		s.box = newMailbox()
		go s.box.run(func(m Message) { h.call(s, m) })
	}
	h.mu.Lock()
	h.subs[topic] = append(h.subs[topic], s)
	h.mu.Unlock()
	h.ensureTopic(topic)
	return func() { h.remove(s, false) }
}

func (h *hub) ensureTopic(topic string) {
	h.regMu.Lock()
	defer h.regMu.Unlock()
	if h.topics[topic] {
		return
	}
	if err := h.events.Subscribe(topic, h.dispatch); err != nil {
		h.log.Error("bus_subscribe_failed", "topic", topic, "error", err)
		return
	}
	h.topics[topic] = true
}

func (h *hub) remove(s *subscription, drain bool) {
	h.mu.Lock()
	list := h.subs[s.topic]
	for i, cur := range list {
		if cur.id == s.id {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(h.subs, s.topic)
	} else {
		h.subs[s.topic] = list
	}
	h.mu.Unlock()
	if s.box != nil {
		if drain {
			s.box.closeAfterDrain()
		} else {
			s.box.stop()
		}
	}
}

// publish delivers msg to mailbox subscribers of its type and of
// AllMessages, then runs inline subscribers on the calling goroutine.
// AllMessages inline subscribers run first so they observe messages in
// emission order even when a handler emits.
func (h *hub) publish(msg Message) {
	if h.closed.Load() {
		return
	}
	h.events.Publish(msg.Type, msg.Type, msg)
	if msg.Type != AllMessages {
		h.events.Publish(AllMessages, AllMessages, msg)
		h.runInline(AllMessages, msg)
	}
	h.runInline(msg.Type, msg)
}

func (h *hub) dispatch(topic string, msg Message) {
	var fired []*subscription
	h.mu.RLock()
	for _, s := range h.subs[topic] {
		if s.inline {
			continue
		}
		if s.once && !s.fired.CompareAndSwap(false, true) {
			continue
		}
		s.box.push(msg.Clone())
		if s.once {
			fired = append(fired, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range fired {
		h.remove(s, true)
	}
}

func (h *hub) runInline(topic string, msg Message) {
	h.mu.RLock()
	var list []*subscription
	for _, s := range h.subs[topic] {
		if s.inline {
			list = append(list, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range list {
		if s.once {
			if !s.fired.CompareAndSwap(false, true) {
				continue
			}
			h.remove(s, false)
		}
		h.call(s, msg.Clone())
	}
}

func (h *hub) call(s *subscription, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("bus_handler_panic",
				"topic", s.topic,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	s.handler(msg)
}

func (h *hub) close() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	h.mu.Lock()
	all := h.subs
	h.subs = make(map[string][]*subscription)
	h.mu.Unlock()
	for _, list := range all {
		for _, s := range list {
			if s.box != nil {
				s.box.stop()
			}
		}
	}
}

// mailbox is an unbounded FIFO drained by a single goroutine.
type mailbox struct {
	mu      sync.Mutex
	queue   []Message
	signal  chan struct{}
	closing bool
	stopped bool
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (b *mailbox) push(msg Message) {
	b.mu.Lock()
	if b.stopped || b.closing {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, msg)
	b.mu.Unlock()
	b.wake()
}

func (b *mailbox) closeAfterDrain() {
	b.mu.Lock()
	b.closing = true
	b.mu.Unlock()
	b.wake()
}

func (b *mailbox) stop() {
	b.mu.Lock()
	b.stopped = true
	b.queue = nil
	b.mu.Unlock()
	b.wake()
}

func (b *mailbox) wake() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *mailbox) run(fn func(Message)) {
	for {
		b.mu.Lock()
		if b.stopped {
			b.mu.Unlock()
			return
		}
		if len(b.queue) == 0 {
			closing := b.closing
			b.mu.Unlock()
			if closing {
				return
			}
			<-b.signal
			continue
		}
		msg := b.queue[0]
		b.queue[0] = Message{}
		b.queue = b.queue[1:]
		b.mu.Unlock()
		fn(msg)
	}
}
