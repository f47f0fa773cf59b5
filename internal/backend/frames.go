package backend

import (
	"encoding/json"
	"fmt"
)

// Push frame types sent by the backend
const (
	FrameAgentResponse = "agent_response"
	FrameAgentStatus   = "agent_status"
)

// Frame is the envelope of every push channel message
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// AgentResponsePayload is carried by agent_response frames
type AgentResponsePayload struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp,omitempty"`
	ReplyTo   string `json:"replyTo,omitempty"`
}

// AgentStatusPayload is carried by agent_status frames
type AgentStatusPayload struct {
	Agent  string `json:"agent"`
	Status string `json:"status"`
}

// EncodeFrame marshals a payload into a framed push message
func EncodeFrame(frameType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", frameType, err)
	}
	data, err := json.Marshal(Frame{Type: frameType, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal frame: %w", err)
	}
	return data, nil
}
