package bus

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/errorsx"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/resilience"
)

// WebsocketConfig addresses a message bus server.
type WebsocketConfig struct {
	Host        string
	Port        int
	Route       string
	SSL         bool
	DialTimeout time.Duration
	Retry       resilience.RetryPolicy
}

// URL renders the websocket endpoint, e.g. ws://127.0.0.1:8181/core.
func (c WebsocketConfig) URL() string {
	scheme := "ws"
	if c.SSL {
		scheme = "wss"
	}
	host := c.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := c.Port
	if port == 0 {
		port = 8181
	}
	route := c.Route
	if route == "" {
		route = "/core"
	}
	u := url.URL{Scheme: scheme, Host: host + ":" + strconv.Itoa(port), Path: route}
	return u.String()
}

// WebsocketClient is a Client connected to a remote message bus. Messages
// emitted here come back through the server echo, so delivery to local
// subscribers always follows the bus order.
type WebsocketClient struct {
	cfg    WebsocketConfig
	hub    *hub
	log    *slog.Logger
	dialer *websocket.Dialer

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	closed atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}
}

// Dial connects to the bus and starts the read loop. Lost connections are
// re-established with cfg.Retry until Close is called.
func Dial(ctx context.Context, cfg WebsocketConfig, log *slog.Logger) (*WebsocketClient, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Retry.Backoff <= 0 {
		cfg.Retry = resilience.NewRetryPolicy(5, 500*time.Millisecond)
	}
	c := &WebsocketClient{
		cfg:    cfg,
		hub:    newHub(log),
		log:    log,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		done:   make(chan struct{}),
	}
	if err := cfg.Retry.Do(ctx, func() error { return c.connect(ctx) }); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("dial %s: %w", cfg.URL(), err), errorsx.ReasonBusConnect)
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.readLoop(loopCtx)
	return c, nil
}

func (c *WebsocketClient) connect(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL(), nil)
	if err != nil {
		c.log.Warn("bus_connect_failed", "url", c.cfg.URL(), "error", err)
		return err
	}
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.log.Info("bus_connected", "url", c.cfg.URL())
	return nil
}

func (c *WebsocketClient) current() *websocket.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

func (c *WebsocketClient) readLoop(ctx context.Context) {
	defer close(c.done)
	for {
		conn := c.current()
		if conn == nil {
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.log.Warn("bus_read_failed", "error", err)
			_ = conn.Close()
			retry := c.cfg.Retry
			retry.MaxRetries = -1
			if err := retry.Do(ctx, func() error { return c.connect(ctx) }); err != nil {
				return
			}
			continue
		}
		msg, err := Deserialize(raw)
		if err != nil {
			c.log.Debug("bus_message_dropped", "error", err)
			continue
		}
		c.hub.publish(msg)
	}
}

// Emit writes msg to the bus. Write failures are logged; the read loop
// takes care of reconnecting.
func (c *WebsocketClient) Emit(msg Message) {
	if c.closed.Load() {
		return
	}
	raw, err := msg.Serialize()
	if err != nil {
		c.log.Error("bus_encode_failed", "type", msg.Type, "error", err)
		return
	}
	conn := c.current()
	if conn == nil {
		return
	}
	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, raw)
	c.writeMu.Unlock()
	if err != nil {
		c.log.Warn("bus_write_failed", "type", msg.Type, "error", err)
	}
}

func (c *WebsocketClient) On(msgType string, h Handler) func() {
	return c.hub.subscribe(msgType, h, false, false)
}

func (c *WebsocketClient) OnSync(msgType string, h Handler) func() {
	return c.hub.subscribe(msgType, h, true, false)
}

func (c *WebsocketClient) Once(msgType string, h Handler) func() {
	return c.hub.subscribe(msgType, h, false, true)
}

// Close disconnects and stops every subscription.
func (c *WebsocketClient) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	var err error
	if conn := c.current(); conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = conn.Close()
	}
	<-c.done
	c.hub.close()
	return err
}

var _ Client = (*WebsocketClient)(nil)

// Done is closed when the read loop gives up reconnecting or the client
// is closed.
func (c *WebsocketClient) Done() <-chan struct{} { return c.done }
