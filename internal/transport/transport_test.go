package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VentureChat/internal/backend"
	"VentureChat/internal/session"
)

func newTestClient(t *testing.T, h http.Handler, timeout time.Duration) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewHTTPClient(srv.URL, Options{Timeout: timeout})
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestCreateSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, backend.CreateSessionResponse{SessionID: "s-1"})
	})
	c := newTestClient(t, mux, time.Second)

	id, err := c.CreateSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "s-1", id)
}

func TestCreateSession_EmptyID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{})
	})
	c := newTestClient(t, mux, time.Second)

	_, err := c.CreateSession(context.Background())
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "create_session", te.Op)
}

func TestSendMessage_UsesTextFieldAndMapsReply(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat/{id}", func(w http.ResponseWriter, r *http.Request) {
		var req backend.SendMessageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "s-1", r.PathValue("id"))
		assert.Equal(t, "hello", req.Text)
		writeJSON(w, http.StatusOK, backend.SendMessageResponse{Response: "hi there", MessageID: "m-1", Timestamp: "2026-01-01T00:00:00Z"})
	})
	c := newTestClient(t, mux, time.Second)

	reply, err := c.SendMessage(context.Background(), "s-1", backend.SendMessageRequest{Text: "hello", ClientMessageID: "u-1"})
	require.NoError(t, err)
	assert.Equal(t, session.AgentReply{ID: "m-1", Text: "hi there", Timestamp: "2026-01-01T00:00:00Z", ReplyTo: "u-1"}, reply)
}

func TestSendMessage_NotRetried(t *testing.T) {
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat/{id}", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusBadGateway, backend.ErrorResponse{Error: "agent unavailable"})
	})
	c := newTestClient(t, mux, time.Second)

	_, err := c.SendMessage(context.Background(), "s-1", backend.SendMessageRequest{Text: "hello"})
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusBadGateway, te.StatusCode)
	assert.Contains(t, te.Error(), "agent unavailable")
	assert.Equal(t, int32(1), hits.Load())
}

func TestGetChatHistory_RetriesOnce(t *testing.T) {
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/chat/{id}", func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, backend.HistoryResponse{Messages: []session.Message{
			{ID: "1", Sender: session.SenderUser, Text: "a"},
			{ID: "2", Sender: session.SenderAgent, Text: "b"},
		}})
	})
	c := newTestClient(t, mux, time.Second)

	msgs, err := c.GetChatHistory(context.Background(), "s-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "b", msgs[1].Text)
	assert.Equal(t, int32(2), hits.Load())
}

func TestGetChatHistory_GivesUpAfterSecondFailure(t *testing.T) {
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/chat/{id}", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	c := newTestClient(t, mux, time.Second)

	_, err := c.GetChatHistory(context.Background(), "s-1")
	require.Error(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestGetChatHistory_ClientErrorNotRetried(t *testing.T) {
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/chat/{id}", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusNotFound, backend.ErrorResponse{Error: "session not found"})
	})
	mux.HandleFunc("GET /api/status/{id}", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusNotFound, backend.ErrorResponse{Error: "session not found"})
	})
	c := newTestClient(t, mux, time.Second)

	_, err := c.GetChatHistory(context.Background(), "nope")
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusNotFound, te.StatusCode)
	assert.Equal(t, int32(1), hits.Load())

	_, err = c.GetAgentStatus(context.Background(), "nope")
	require.ErrorAs(t, err, &te)
	assert.Equal(t, int32(2), hits.Load())
}

func TestSendMessage_EmptyResponseRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{})
	})
	c := newTestClient(t, mux, time.Second)

	reply, err := c.SendMessage(context.Background(), "s-1", backend.SendMessageRequest{Text: "hello", ClientMessageID: "u-1"})
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "send_message", te.Op)
	assert.Empty(t, reply.Text)
}

func TestGetChatHistory_EmptyIsValid(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/chat/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{})
	})
	c := newTestClient(t, mux, time.Second)

	msgs, err := c.GetChatHistory(context.Background(), "s-1")
	require.NoError(t, err)
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)
}

func TestGetAgentStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, backend.StatusResponse{Agent: "VentureBot", Status: "thinking"})
	})
	c := newTestClient(t, mux, time.Second)

	st, err := c.GetAgentStatus(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, session.AgentStatus{Agent: "VentureBot", Status: session.StatusThinking}, st)
}

func TestGetAgentStatus_UnknownStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, backend.StatusResponse{Agent: "VentureBot", Status: "sleeping"})
	})
	c := newTestClient(t, mux, time.Second)

	_, err := c.GetAgentStatus(context.Background(), "s-1")
	var te *TransportError
	require.ErrorAs(t, err, &te)
}

func TestTimeoutSurfacesAsTransportError(t *testing.T) {
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat/{id}", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	c := newTestClient(t, mux, 50*time.Millisecond)
	defer close(release)

	_, err := c.SendMessage(context.Background(), "s-1", backend.SendMessageRequest{Text: "slow"})
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 0, te.StatusCode)
}

func TestNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c, err := NewHTTPClient(base, Options{Timeout: time.Second})
	require.NoError(t, err)

	_, err = c.CreateSession(context.Background())
	var te *TransportError
	require.ErrorAs(t, err, &te)
}
