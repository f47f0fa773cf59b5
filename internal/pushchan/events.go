package pushchan

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"VentureChat/internal/backend"
	"VentureChat/internal/session"
)

// EventKind names a local event stream
type EventKind string

const (
	EventMessage EventKind = "message"
	EventStatus  EventKind = "status"
)

// Event is delivered to subscribers. Reply is set for EventMessage,
// Status for EventStatus.
type Event struct {
	Kind      EventKind
	SessionID string
	Reply     session.AgentReply
	Status    session.AgentStatus
}

// Handler receives events. Handlers run on the channel's reader goroutine
// and must not call Connect or Disconnect.
type Handler func(Event)

// Subscription is the handle returned by On. Cancel is idempotent.
type Subscription struct {
	id      string
	kind    EventKind
	handler Handler
	active  atomic.Bool
	ch      *Channel
}

// Kind returns the event kind this subscription receives
func (s *Subscription) Kind() EventKind { return s.kind }

// Cancel stops delivery to this subscription. Safe to call from a handler.
func (s *Subscription) Cancel() {
	if !s.active.CompareAndSwap(true, false) {
		return
	}
	s.ch.remove(s)
}

// ChannelError reports a push connection failure. The channel recovers
// from it by reconnecting.
type ChannelError struct {
	Op  string
	Err error
}

func (e *ChannelError) Error() string { return fmt.Sprintf("push channel %s: %v", e.Op, e.Err) }

func (e *ChannelError) Unwrap() error { return e.Err }

// MalformedEventError describes a frame that was dropped
type MalformedEventError struct {
	Reason string
	Raw    []byte
}

func (e *MalformedEventError) Error() string { return "malformed push frame: " + e.Reason }

func malformed(raw []byte, format string, args ...interface{}) error {
	return &MalformedEventError{Reason: fmt.Sprintf(format, args...), Raw: raw}
}

// decodeFrame turns a raw frame into a local event. Any frame that cannot
// be fully decoded yields a MalformedEventError.
func decodeFrame(sessionID string, raw []byte) (Event, error) {
	var frame backend.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Event{}, malformed(raw, "invalid json: %v", err)
	}
	if len(frame.Payload) == 0 {
		return Event{}, malformed(raw, "%q frame without payload", frame.Type)
	}

	switch frame.Type {
	case backend.FrameAgentResponse:
		var p backend.AgentResponsePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return Event{}, malformed(raw, "invalid agent_response payload: %v", err)
		}
		if p.Text == "" {
			return Event{}, malformed(raw, "agent_response without text")
		}
		return Event{
			Kind:      EventMessage,
			SessionID: sessionID,
			Reply: session.AgentReply{
				ID:        p.ID,
				Text:      p.Text,
				Timestamp: p.Timestamp,
				ReplyTo:   p.ReplyTo,
			},
		}, nil

	case backend.FrameAgentStatus:
		var p backend.AgentStatusPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return Event{}, malformed(raw, "invalid agent_status payload: %v", err)
		}
		if p.Agent == "" {
			return Event{}, malformed(raw, "agent_status without agent")
		}
		st, err := session.ParseStatus(p.Status)
		if err != nil {
			return Event{}, malformed(raw, "%v", err)
		}
		return Event{
			Kind:      EventStatus,
			SessionID: sessionID,
			Status:    session.AgentStatus{Agent: p.Agent, Status: st},
		}, nil

	default:
		return Event{}, malformed(raw, "unknown frame type %q", frame.Type)
	}
}
