package session

import (
	"fmt"
	"time"
)

// Sender identifies who authored a message
type Sender string

const (
	SenderUser  Sender = "user"
	SenderAgent Sender = "agent"
)

// Message represents a single entry in the chat timeline
type Message struct {
	ID        string `json:"id,omitempty"`
	Sender    Sender `json:"sender"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"` // ISO-8601
}

// Status is the agent's activity state
type Status string

const (
	StatusIdle     Status = "idle"
	StatusActive   Status = "active"
	StatusThinking Status = "thinking"
	StatusWaiting  Status = "waiting"
)

// DefaultAgent is the display name shown before the backend reports one
const DefaultAgent = "VentureBot"

// ParseStatus validates a wire status string
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusIdle, StatusActive, StatusThinking, StatusWaiting:
		return st, nil
	default:
		return "", fmt.Errorf("unknown agent status %q", s)
	}
}

// AgentStatus is the latest known agent identity and activity
type AgentStatus struct {
	Agent  string `json:"agent"`
	Status Status `json:"status"`
}

// DefaultAgentStatus is the value held before any status event arrives
func DefaultAgentStatus() AgentStatus {
	return AgentStatus{Agent: DefaultAgent, Status: StatusIdle}
}

// AgentReply is a confirmed agent message delivered either by the send
// response or by a push event.
type AgentReply struct {
	ID        string // server-issued message id, the de-duplication key
	Text      string
	Timestamp string
	ReplyTo   string // local id of the user message this answers, if known
}

// Now returns the current time formatted the way timeline entries carry it
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
