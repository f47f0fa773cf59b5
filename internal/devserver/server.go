// Package devserver is a local agent backend speaking the same HTTP and
// push protocol the chat client expects.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"VentureChat/internal/backend"
	"VentureChat/internal/config"
	"VentureChat/internal/session"
)

const shutdownTimeout = 10 * time.Second

// Server serves the chat API and the per-session push channel
type Server struct {
	cfg        config.ServerConfig
	store      *Store
	hub        *Hub
	responder  Responder
	logger     *slog.Logger
	tracer     trace.Tracer
	upgrader   websocket.Upgrader
	router     chi.Router
	pushRouter chi.Router
}

// Option customizes a Server
type Option func(*Server)

// WithResponder replaces the ScriptedResponder
func WithResponder(r Responder) Option {
	return func(s *Server) { s.responder = r }
}

// WithLogger sets the server logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a Server backed by store
func New(cfg config.ServerConfig, store *Store, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		store:     store,
		responder: ScriptedResponder{},
		logger:    slog.Default(),
		tracer:    otel.Tracer("venturechat/devserver"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.AgentName == "" {
		s.cfg.AgentName = session.DefaultAgent
	}
	s.logger = s.logger.With("component", "devserver")
	s.hub = NewHub(s.logger)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.router = s.routes()
	s.pushRouter = s.pushRoutes()
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// PushHandler returns the handler for the dedicated push listener. It
// serves only the websocket route.
func (s *Server) PushHandler() http.Handler {
	return s.pushRouter
}

// Hub returns the push connection hub
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(CORS([]string{s.cfg.AllowedOrigin}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/sessions", s.handleCreateSession)
		r.Get("/chat/{sessionId}", s.handleHistory)
		r.Post("/chat/{sessionId}", s.handleSendMessage)
		r.Get("/status/{sessionId}", s.handleStatus)
	})
	r.Get("/ws/{sessionId}", s.handlePush)

	return r
}

func (s *Server) pushRoutes() chi.Router {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Get("/ws/{sessionId}", s.handlePush)
	return r
}

// ListenAndServe serves the API on cfg.Listen and the push channel on
// cfg.PushListen until ctx is cancelled, then shuts both down gracefully
// and closes every push connection. The API listener also serves the push
// route, so an empty PushListen (or one equal to Listen) uses one port.
func (s *Server) ListenAndServe(ctx context.Context) error {
	servers := []*http.Server{{
		Addr:        s.cfg.Listen,
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}}
	if s.cfg.PushListen != "" && s.cfg.PushListen != s.cfg.Listen {
		servers = append(servers, &http.Server{
			Addr:        s.cfg.PushListen,
			Handler:     s.pushRouter,
			ReadTimeout: 30 * time.Second,
		})
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			s.logger.Info("server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server on %s failed: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// hijacked websocket conns are not tracked by Shutdown
		s.hub.CloseAll()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("server on %s forced to shutdown: %w", srv.Addr, err))
			}
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id := uuid.New().String()
	status := session.AgentStatus{Agent: s.cfg.AgentName, Status: session.StatusIdle}
	if err := s.store.CreateSession(r.Context(), id, status); err != nil {
		s.logger.Error("failed to create session", "error", err)
		Error(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	s.logger.Info("session created", "session_id", id)
	JSON(w, http.StatusOK, backend.CreateSessionResponse{SessionID: id})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	msgs, err := s.store.History(r.Context(), sessionID)
	if err != nil {
		s.logger.Error("failed to load history", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	JSON(w, http.StatusOK, backend.HistoryResponse{Messages: msgs})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	st, err := s.store.Status(r.Context(), sessionID)
	if err != nil {
		s.logger.Error("failed to load status", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load status")
		return
	}
	JSON(w, http.StatusOK, backend.StatusResponse{Agent: st.Agent, Status: string(st.Status)})
}

// handleSendMessage stores the user message, pushes the thinking status,
// asks the responder, pushes the reply and the idle status, and finally
// answers the POST with the same reply id the push frame carried.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "devserver.send_message")
	defer span.End()

	var req backend.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		Error(w, http.StatusBadRequest, "text is required")
		return
	}
	sessionID, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	span.SetAttributes(attribute.String("session_id", sessionID))

	userMsg := session.Message{
		ID:        req.ClientMessageID,
		Sender:    session.SenderUser,
		Text:      req.Text,
		Timestamp: session.Now(),
	}
	if userMsg.ID == "" {
		userMsg.ID = uuid.New().String()
	}
	history, err := s.store.History(ctx, sessionID)
	if err != nil {
		s.logger.Error("failed to load history", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if err := s.store.AppendMessages(ctx, sessionID, userMsg); err != nil {
		s.logger.Error("failed to save user message", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to save message")
		return
	}

	s.setStatus(ctx, sessionID, session.StatusThinking)
	text, err := s.responder.Respond(ctx, sessionID, append(history, userMsg), req.Text)
	if err != nil {
		s.setStatus(ctx, sessionID, session.StatusIdle)
		span.RecordError(err)
		s.logger.Error("responder failed", "session_id", sessionID, "error", err)
		Error(w, http.StatusBadGateway, "agent failed to respond")
		return
	}

	reply := session.Message{
		ID:        uuid.New().String(),
		Sender:    session.SenderAgent,
		Text:      text,
		Timestamp: session.Now(),
	}
	if err := s.store.AppendMessages(ctx, sessionID, reply); err != nil {
		s.setStatus(ctx, sessionID, session.StatusIdle)
		s.logger.Error("failed to save agent message", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to save message")
		return
	}

	s.push(sessionID, backend.FrameAgentResponse, backend.AgentResponsePayload{
		ID:        reply.ID,
		Text:      reply.Text,
		Timestamp: reply.Timestamp,
		ReplyTo:   userMsg.ID,
	})
	s.setStatus(ctx, sessionID, session.StatusIdle)

	s.logger.Info("message answered", "session_id", sessionID, "message_id", reply.ID)
	JSON(w, http.StatusOK, backend.SendMessageResponse{
		Response:  reply.Text,
		MessageID: reply.ID,
		Timestamp: reply.Timestamp,
	})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	s.hub.Add(sessionID, conn)
	defer s.hub.Remove(sessionID, conn)

	// client frames carry nothing; read until the peer goes away
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) setStatus(ctx context.Context, sessionID string, status session.Status) {
	st := session.AgentStatus{Agent: s.cfg.AgentName, Status: status}
	if err := s.store.SetStatus(ctx, sessionID, st); err != nil {
		s.logger.Warn("failed to save agent status", "session_id", sessionID, "error", err)
	}
	s.push(sessionID, backend.FrameAgentStatus, backend.AgentStatusPayload{
		Agent:  st.Agent,
		Status: string(st.Status),
	})
}

func (s *Server) push(sessionID, frameType string, payload interface{}) {
	data, err := backend.EncodeFrame(frameType, payload)
	if err != nil {
		s.logger.Error("failed to encode push frame", "type", frameType, "error", err)
		return
	}
	s.hub.Broadcast(sessionID, data)
}

func (s *Server) requireSession(w http.ResponseWriter, r *http.Request) (string, bool) {
	sessionID := chi.URLParam(r, "sessionId")
	exists, err := s.store.SessionExists(r.Context(), sessionID)
	if err != nil {
		s.logger.Error("failed to look up session", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to look up session")
		return "", false
	}
	if !exists {
		Error(w, http.StatusNotFound, "session not found")
		return "", false
	}
	return sessionID, true
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || s.cfg.AllowedOrigin == "*" || origin == s.cfg.AllowedOrigin
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", chiMiddleware.GetReqID(r.Context()),
		)
	})
}
