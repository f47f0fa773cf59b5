package pushchan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"VentureChat/internal/backend"
	"VentureChat/internal/session"
)

const (
	DefaultInitialBackoff   = 500 * time.Millisecond
	DefaultMaxBackoff       = 30 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second

	closeWriteTimeout = time.Second
)

// Options configures a Channel
type Options struct {
	Logger           *slog.Logger
	Dialer           *websocket.Dialer
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	HandshakeTimeout time.Duration

	// OnReconnect runs on the reader goroutine after a dropped connection
	// is re-established. ctx is cancelled by Disconnect.
	OnReconnect func(ctx context.Context)
}

// Channel is a session-scoped push subscription over a websocket. Frames
// are decoded and fanned out to subscribers registered with On.
type Channel struct {
	baseURL string
	opts    Options
	logger  *slog.Logger

	// lifecycle serializes Connect and Disconnect
	lifecycle sync.Mutex

	mu        sync.Mutex
	listeners map[EventKind][]*Subscription
	sessionID string
	conn      *websocket.Conn
	cancel    context.CancelFunc
	done      chan struct{}
	gen       uint64 // bumped on every teardown; stale readers stop dispatching

	framesReceived  metric.Int64Counter
	framesMalformed metric.Int64Counter
	reconnects      metric.Int64Counter
}

// New creates a disconnected channel for the push host at baseURL
// (ws://, wss://, http:// or https://).
func New(baseURL string, opts Options) (*Channel, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid push url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported push url scheme %q", u.Scheme)
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = DefaultMaxBackoff
		if opts.MaxBackoff < opts.InitialBackoff {
			opts.MaxBackoff = opts.InitialBackoff
		}
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.Dialer == nil {
		d := *websocket.DefaultDialer
		d.HandshakeTimeout = opts.HandshakeTimeout
		opts.Dialer = &d
	}

	c := &Channel{
		baseURL:   strings.TrimRight(u.String(), "/"),
		opts:      opts,
		logger:    opts.Logger.With("component", "pushchan"),
		listeners: make(map[EventKind][]*Subscription),
	}

	meter := otel.Meter("venturechat/pushchan")
	if c.framesReceived, err = meter.Int64Counter("pushchan.frames.received",
		metric.WithDescription("Push frames read from the websocket")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if c.framesMalformed, err = meter.Int64Counter("pushchan.frames.malformed",
		metric.WithDescription("Push frames dropped as malformed")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if c.reconnects, err = meter.Int64Counter("pushchan.reconnects",
		metric.WithDescription("Push connections re-established after a drop")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	return c, nil
}

// URL returns the websocket URL for a session
func (c *Channel) URL(sessionID string) string {
	return c.baseURL + backend.PathPush + url.PathEscape(sessionID)
}

// On registers handler for kind. Handlers of the same kind run in
// registration order. Safe to call from inside a handler; the new handler
// sees events from the next frame on.
func (c *Channel) On(kind EventKind, handler Handler) *Subscription {
	sub := &Subscription{
		id:      uuid.New().String(),
		kind:    kind,
		handler: handler,
		ch:      c,
	}
	sub.active.Store(true)

	c.mu.Lock()
	c.listeners[kind] = append(c.listeners[kind], sub)
	c.mu.Unlock()

	c.logger.Debug("subscriber added", "kind", kind, "sub_id", sub.id)
	return sub
}

// OnMessage registers a typed handler for agent replies
func (c *Channel) OnMessage(fn func(session.AgentReply)) *Subscription {
	return c.On(EventMessage, func(ev Event) { fn(ev.Reply) })
}

// OnStatus registers a typed handler for agent status changes
func (c *Channel) OnStatus(fn func(session.AgentStatus)) *Subscription {
	return c.On(EventStatus, func(ev Event) { fn(ev.Status) })
}

func (c *Channel) remove(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	subs := c.listeners[sub.kind]
	for i, s := range subs {
		if s == sub {
			// copy so an in-flight dispatch snapshot is never mutated
			next := make([]*Subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			c.listeners[sub.kind] = next
			break
		}
	}
	if len(c.listeners[sub.kind]) == 0 {
		delete(c.listeners, sub.kind)
	}
	c.logger.Debug("subscriber removed", "kind", sub.kind, "sub_id", sub.id)
}

// SubscriberCount returns the number of active subscriptions for kind
func (c *Channel) SubscriberCount(kind EventKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners[kind])
}

// SessionID returns the session the channel is bound to, or "" when
// disconnected.
func (c *Channel) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Connected reports whether a websocket is currently open
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect opens the channel for sessionID. Connecting again to the same
// session is a no-op; connecting to another session tears the previous
// channel down first. If the first dial fails a ChannelError is returned
// and the channel keeps retrying in the background until Disconnect.
func (c *Channel) Connect(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("push channel: empty session id")
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.cancel != nil && c.sessionID == sessionID {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.teardown()

	runCtx, cancel := context.WithCancel(context.Background())
	conn, dialErr := c.dial(ctx, sessionID)

	c.mu.Lock()
	c.gen++
	gen := c.gen
	done := make(chan struct{})
	c.sessionID = sessionID
	c.conn = conn
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go c.run(runCtx, sessionID, gen, conn, done)

	if dialErr != nil {
		c.logger.Warn("push channel connect failed, retrying in background", "session_id", sessionID, "error", dialErr)
		return dialErr
	}
	c.logger.Info("push channel connected", "session_id", sessionID)
	return nil
}

// Disconnect closes the channel and removes every subscription. No handler
// runs after Disconnect returns. Safe to call when not connected.
func (c *Channel) Disconnect() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.teardown()

	c.mu.Lock()
	for kind, subs := range c.listeners {
		for _, s := range subs {
			s.active.Store(false)
		}
		delete(c.listeners, kind)
	}
	c.mu.Unlock()
}

// teardown stops the reader goroutine and closes the socket, keeping
// subscriptions. Caller holds lifecycle.
func (c *Channel) teardown() {
	c.mu.Lock()
	cancel, conn, done, sid := c.cancel, c.conn, c.done, c.sessionID
	c.gen++
	c.cancel = nil
	c.conn = nil
	c.done = nil
	c.sessionID = ""
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWriteTimeout))
		_ = conn.Close()
	}
	<-done
	c.logger.Info("push channel disconnected", "session_id", sid)
}

func (c *Channel) dial(ctx context.Context, sessionID string) (*websocket.Conn, error) {
	target := c.URL(sessionID)
	conn, resp, err := c.opts.Dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (HTTP %d)", err, resp.StatusCode)
		}
		return nil, &ChannelError{Op: "dial", Err: err}
	}
	return conn, nil
}

// run owns the connection for one Connect call: it reads frames and
// redials with exponential backoff until ctx is cancelled.
func (c *Channel) run(ctx context.Context, sessionID string, gen uint64, conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	backoff := c.opts.InitialBackoff
	for {
		if conn != nil {
			err := c.readLoop(sessionID, gen, conn)
			_ = conn.Close()
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("push channel dropped", "session_id", sessionID, "error", &ChannelError{Op: "read", Err: err})
			if !c.setConn(gen, nil) {
				return
			}
			backoff = c.opts.InitialBackoff
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		next, err := c.dial(ctx, sessionID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("push channel reconnect failed", "session_id", sessionID, "backoff", backoff, "error", err)
			backoff *= 2
			if backoff > c.opts.MaxBackoff {
				backoff = c.opts.MaxBackoff
			}
			conn = nil
			continue
		}
		if !c.setConn(gen, next) {
			_ = next.Close()
			return
		}
		conn = next
		c.reconnects.Add(ctx, 1)
		c.logger.Info("push channel reconnected", "session_id", sessionID)
		if c.opts.OnReconnect != nil {
			c.opts.OnReconnect(ctx)
		}
	}
}

func (c *Channel) setConn(gen uint64, conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.conn = conn
	return true
}

func (c *Channel) readLoop(sessionID string, gen uint64, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.framesReceived.Add(context.Background(), 1)

		ev, err := decodeFrame(sessionID, data)
		if err != nil {
			c.framesMalformed.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("session_id", sessionID)))
			c.logger.Warn("dropping push frame", "session_id", sessionID, "error", err)
			continue
		}
		if !c.dispatch(gen, ev) {
			return errors.New("channel torn down")
		}
	}
}

// dispatch delivers ev to a snapshot of the current subscribers. Returns
// false once the generation is stale.
func (c *Channel) dispatch(gen uint64, ev Event) bool {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return false
	}
	targets := c.listeners[ev.Kind]
	c.mu.Unlock()

	for _, sub := range targets {
		if !sub.active.Load() {
			continue
		}
		sub.handler(ev)
	}
	return true
}
