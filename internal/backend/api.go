package backend

import "VentureChat/internal/session"

// HTTP routes served by the agent backend
const (
	PathSessions = "/api/sessions"
	PathChat     = "/api/chat/"   // + {sessionId}
	PathStatus   = "/api/status/" // + {sessionId}
	PathPush     = "/ws/"         // + {sessionId}
)

// CreateSessionResponse represents the response from POST /api/sessions
type CreateSessionResponse struct {
	SessionID string `json:"sessionId"`
}

// SendMessageRequest represents the request body for POST /api/chat/{sessionId}
type SendMessageRequest struct {
	Text            string `json:"text"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

// SendMessageResponse represents the response from POST /api/chat/{sessionId}
type SendMessageResponse struct {
	Response  string `json:"response"`
	MessageID string `json:"messageId,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// HistoryResponse represents the response from GET /api/chat/{sessionId}
type HistoryResponse struct {
	Messages []session.Message `json:"messages"`
}

// StatusResponse represents the response from GET /api/status/{sessionId}
type StatusResponse struct {
	Agent  string `json:"agent"`
	Status string `json:"status"`
}

// ErrorResponse is the body returned with non-2xx responses
type ErrorResponse struct {
	Error string `json:"error"`
}
