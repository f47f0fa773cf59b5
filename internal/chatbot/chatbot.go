package chatbot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"VentureChat/internal/backend"
	"VentureChat/internal/config"
	"VentureChat/internal/pushchan"
	"VentureChat/internal/session"
	"VentureChat/internal/transport"
)

var (
	ErrNotReady     = session.ErrNotReady
	ErrSendInFlight = session.ErrSendInFlight
)

// ChatBot ties one session's stores to the transport client and push
// channel. It owns the channel's lifecycle: Bootstrap connects it, Close
// disconnects it.
type ChatBot struct {
	config    config.Config
	logger    *slog.Logger
	tracer    trace.Tracer
	transport transport.Client
	channel   *pushchan.Channel
	sessions  *session.Store
	status    *session.StatusStore

	in  io.Reader
	out io.Writer

	mu     sync.Mutex
	subs   []*pushchan.Subscription
	closed bool

	// terminal rendering state
	renderMu sync.Mutex
	printed  int
}

// Option customizes a ChatBot
type Option func(*ChatBot)

// WithTransport replaces the HTTP transport client
func WithTransport(c transport.Client) Option {
	return func(cb *ChatBot) { cb.transport = c }
}

// WithIO sets the terminal streams used by Run
func WithIO(in io.Reader, out io.Writer) Option {
	return func(cb *ChatBot) {
		cb.in = in
		cb.out = out
	}
}

// NewChatBot creates a ChatBot for cfg. Nothing touches the network until
// Bootstrap.
func NewChatBot(cfg config.Config, logger *slog.Logger, opts ...Option) (*ChatBot, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cb := &ChatBot{
		config:   cfg,
		logger:   logger.With("component", "chatbot"),
		tracer:   otel.Tracer("venturechat/chatbot"),
		sessions: session.NewStore(logger),
		status:   session.NewStatusStore(),
		in:       os.Stdin,
		out:      os.Stdout,
	}
	for _, opt := range opts {
		opt(cb)
	}

	if cb.transport == nil {
		tc, err := transport.NewHTTPClient(cfg.APIURL, transport.Options{
			Timeout: cfg.RequestTimeout,
			Logger:  logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create transport client: %w", err)
		}
		cb.transport = tc
	}

	ch, err := pushchan.New(cfg.WSURL, pushchan.Options{
		Logger:         logger,
		InitialBackoff: cfg.ReconnectInitial,
		MaxBackoff:     cfg.ReconnectMax,
		OnReconnect: func(ctx context.Context) {
			if err := cb.RefreshStatus(ctx); err != nil {
				cb.logger.Warn("failed to refresh status after reconnect", "error", err)
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create push channel: %w", err)
	}
	cb.channel = ch

	return cb, nil
}

// Sessions returns the Session Store
func (cb *ChatBot) Sessions() *session.Store { return cb.sessions }

// Status returns the Status Store
func (cb *ChatBot) Status() *session.StatusStore { return cb.status }

// Channel returns the push channel owned by this ChatBot
func (cb *ChatBot) Channel() *pushchan.Channel { return cb.channel }

// Bootstrap creates the session, hydrates the timeline, fetches the
// initial status and connects the push channel, in that order. Only a
// failed session creation is fatal; the rest degrade and are logged.
func (cb *ChatBot) Bootstrap(ctx context.Context) error {
	ctx, span := cb.tracer.Start(ctx, "chatbot.bootstrap")
	defer span.End()

	if err := cb.sessions.Begin(); err != nil {
		return err
	}

	sessionID, err := cb.transport.CreateSession(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create session failed")
		return fmt.Errorf("failed to create session: %w", err)
	}
	if err := cb.sessions.SetSessionID(sessionID); err != nil {
		return err
	}
	span.SetAttributes(attribute.String("session_id", sessionID))

	history, err := cb.transport.GetChatHistory(ctx, sessionID)
	if err != nil {
		cb.logger.Error("failed to load chat history, starting empty", "session_id", sessionID, "error", err)
		history = nil
	}
	if err := cb.sessions.Hydrate(history); err != nil {
		return err
	}

	if err := cb.RefreshStatus(ctx); err != nil {
		cb.logger.Warn("failed to fetch agent status", "session_id", sessionID, "error", err)
	}

	cb.mu.Lock()
	if cb.closed {
		cb.mu.Unlock()
		return ErrNotReady
	}
	cb.subs = append(cb.subs,
		cb.channel.OnMessage(func(reply session.AgentReply) {
			cb.sessions.Reconcile(reply)
		}),
		cb.channel.OnStatus(cb.status.Apply),
	)
	cb.mu.Unlock()

	if err := cb.channel.Connect(ctx, sessionID); err != nil {
		var ce *pushchan.ChannelError
		if !errors.As(err, &ce) {
			return fmt.Errorf("failed to connect push channel: %w", err)
		}
		// the channel keeps redialing on its own
		cb.logger.Warn("push channel unavailable, continuing", "session_id", sessionID, "error", err)
	}

	return cb.sessions.MarkReady()
}

// Send appends text optimistically and posts it. The reply is reconciled
// into the timeline; on failure the pending flag is cleared and the error
// is recorded in the store and returned, unless the push channel already
// delivered the answer. Sends are rejected until the
// session is ready and while another send is outstanding.
func (cb *ChatBot) Send(ctx context.Context, text string) error {
	msg, err := cb.sessions.AppendOptimistic(text)
	if err != nil {
		return err
	}
	sessionID := cb.sessions.SessionID()

	ctx, span := cb.tracer.Start(ctx, "chatbot.send",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, cb.requestTimeout())
	defer cancel()

	reply, err := cb.transport.SendMessage(ctx, sessionID, backend.SendMessageRequest{
		Text:            text,
		ClientMessageID: msg.ID,
	})
	if err != nil {
		if !cb.sessions.FailPending(msg.ID, err) {
			// already answered over the push channel
			span.AddEvent("reply delivered by push before request failed")
			cb.logger.Info("ignoring send error for answered message", "session_id", sessionID, "error", err)
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		return err
	}
	if reply.ReplyTo == "" {
		reply.ReplyTo = msg.ID
	}
	if !cb.sessions.Reconcile(reply) {
		span.AddEvent("reply already delivered by push")
	}
	return nil
}

// RefreshStatus fetches the agent status on demand. On failure the store
// keeps its last known value.
func (cb *ChatBot) RefreshStatus(ctx context.Context) error {
	sessionID := cb.sessions.SessionID()
	if sessionID == "" {
		return ErrNotReady
	}
	ctx, cancel := context.WithTimeout(ctx, cb.requestTimeout())
	defer cancel()

	st, err := cb.transport.GetAgentStatus(ctx, sessionID)
	if err != nil {
		return err
	}
	cb.status.Apply(st)
	return nil
}

// Close deregisters every push handler, disconnects the channel and
// closes both stores. Safe to call more than once.
func (cb *ChatBot) Close() {
	cb.mu.Lock()
	if cb.closed {
		cb.mu.Unlock()
		return
	}
	cb.closed = true
	subs := cb.subs
	cb.subs = nil
	cb.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
	cb.channel.Disconnect()
	cb.sessions.Close()
	cb.status.Close()
	cb.logger.Info("chat session closed", "session_id", cb.sessions.SessionID())
}

func (cb *ChatBot) requestTimeout() time.Duration {
	if cb.config.RequestTimeout > 0 {
		return cb.config.RequestTimeout
	}
	return transport.DefaultTimeout
}
