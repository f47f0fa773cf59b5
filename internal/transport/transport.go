package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"VentureChat/internal/backend"
	"VentureChat/internal/session"
)

// DefaultTimeout bounds every request when the caller configures none
const DefaultTimeout = 30 * time.Second

// TransportError reports a failed request/response call: network failure,
// timeout, non-2xx status, or an undecodable body.
type TransportError struct {
	Op         string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: HTTP %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Client is the request/response contract the session controller depends on
type Client interface {
	CreateSession(ctx context.Context) (string, error)
	SendMessage(ctx context.Context, sessionID string, req backend.SendMessageRequest) (session.AgentReply, error)
	GetChatHistory(ctx context.Context, sessionID string) ([]session.Message, error)
	GetAgentStatus(ctx context.Context, sessionID string) (session.AgentStatus, error)
}

// HTTPClient implements Client against the agent backend's HTTP API
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
	duration   metric.Float64Histogram
}

// Options configures an HTTPClient
type Options struct {
	Timeout    time.Duration
	HTTPClient *http.Client // overrides Timeout when set
	Logger     *slog.Logger
}

// NewHTTPClient creates a transport client rooted at baseURL
func NewHTTPClient(baseURL string, opts Options) (*HTTPClient, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	meter := otel.Meter("venturechat/transport")
	histogram, err := meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create histogram: %w", err)
	}

	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger.With("component", "transport"),
		tracer:     otel.Tracer("venturechat/transport"),
		duration:   histogram,
	}, nil
}

// CreateSession asks the backend for a new session id
func (c *HTTPClient) CreateSession(ctx context.Context) (string, error) {
	var resp backend.CreateSessionResponse
	if err := c.do(ctx, "create_session", http.MethodPost, backend.PathSessions, struct{}{}, &resp); err != nil {
		return "", err
	}
	if resp.SessionID == "" {
		return "", &TransportError{Op: "create_session", Err: errors.New("empty session id in response")}
	}
	c.logger.Info("created session", "session_id", resp.SessionID)
	return resp.SessionID, nil
}

// SendMessage posts a user message and returns the agent's reply. It is
// never retried: a second POST could invoke the agent twice.
func (c *HTTPClient) SendMessage(ctx context.Context, sessionID string, req backend.SendMessageRequest) (session.AgentReply, error) {
	var resp backend.SendMessageResponse
	path := backend.PathChat + url.PathEscape(sessionID)
	if err := c.do(ctx, "send_message", http.MethodPost, path, req, &resp); err != nil {
		return session.AgentReply{}, err
	}
	if resp.Response == "" {
		return session.AgentReply{}, &TransportError{Op: "send_message", StatusCode: http.StatusOK, Err: errors.New("empty response text")}
	}
	return session.AgentReply{
		ID:        resp.MessageID,
		Text:      resp.Response,
		Timestamp: resp.Timestamp,
		ReplyTo:   req.ClientMessageID,
	}, nil
}

// GetChatHistory fetches the session timeline. Retried once on failure.
func (c *HTTPClient) GetChatHistory(ctx context.Context, sessionID string) ([]session.Message, error) {
	var resp backend.HistoryResponse
	path := backend.PathChat + url.PathEscape(sessionID)
	err := c.retryOnce(ctx, "get_chat_history", func() error {
		return c.do(ctx, "get_chat_history", http.MethodGet, path, nil, &resp)
	})
	if err != nil {
		return nil, err
	}
	if resp.Messages == nil {
		return []session.Message{}, nil
	}
	return resp.Messages, nil
}

// GetAgentStatus fetches the current agent status. Retried once on failure.
func (c *HTTPClient) GetAgentStatus(ctx context.Context, sessionID string) (session.AgentStatus, error) {
	var resp backend.StatusResponse
	path := backend.PathStatus + url.PathEscape(sessionID)
	err := c.retryOnce(ctx, "get_agent_status", func() error {
		return c.do(ctx, "get_agent_status", http.MethodGet, path, nil, &resp)
	})
	if err != nil {
		return session.AgentStatus{}, err
	}
	st, err := session.ParseStatus(resp.Status)
	if err != nil {
		return session.AgentStatus{}, &TransportError{Op: "get_agent_status", Err: err}
	}
	return session.AgentStatus{Agent: resp.Agent, Status: st}, nil
}

// retryOnce repeats fn once after a network failure or a 5xx. Other
// statuses would fail the same way again.
func (c *HTTPClient) retryOnce(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if err == nil || ctx.Err() != nil || !retryable(err) {
		return err
	}
	c.logger.Warn("retrying request", "op", op, "error", err)
	return fn()
}

func retryable(err error) bool {
	var te *TransportError
	if !errors.As(err, &te) {
		return true
	}
	return te.StatusCode == 0 || te.StatusCode >= 500
}

// do sends a JSON request and decodes a JSON response into result
func (c *HTTPClient) do(ctx context.Context, op, method, path string, body interface{}, result interface{}) error {
	ctx, span := c.tracer.Start(ctx, "transport."+op,
		trace.WithAttributes(attribute.String("http.method", method), attribute.String("http.path", path)))
	defer span.End()

	fail := func(status int, err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &TransportError{Op: op, StatusCode: status, Err: err}
	}

	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fail(0, fmt.Errorf("failed to marshal request: %w", err))
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fail(0, fmt.Errorf("failed to create request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("op", op)))
	if err != nil {
		return fail(0, fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail(resp.StatusCode, fmt.Errorf("failed to read response: %w", err))
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(resp.StatusCode, fmt.Errorf("%s", errorText(respBody, resp.Status)))
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fail(resp.StatusCode, fmt.Errorf("failed to unmarshal response: %w", err))
		}
	}
	return nil
}

func errorText(body []byte, status string) string {
	var e backend.ErrorResponse
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	if len(body) > 0 {
		return strings.TrimSpace(string(body))
	}
	return status
}
