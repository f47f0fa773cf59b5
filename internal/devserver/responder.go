package devserver

import (
	"context"
	"strings"

	"VentureChat/internal/session"
)

// Responder produces the agent's answer to a user message
type Responder interface {
	Respond(ctx context.Context, sessionID string, history []session.Message, text string) (string, error)
}

// ResponderFunc adapts a function to Responder
type ResponderFunc func(ctx context.Context, sessionID string, history []session.Message, text string) (string, error)

func (f ResponderFunc) Respond(ctx context.Context, sessionID string, history []session.Message, text string) (string, error) {
	return f(ctx, sessionID, history, text)
}

// ScriptedResponder answers greetings and echoes everything else. It is
// enough to drive the client end to end without a model behind it.
type ScriptedResponder struct{}

func (ScriptedResponder) Respond(_ context.Context, _ string, history []session.Message, text string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "hello", "hi", "hey":
		return "hi there", nil
	case "help":
		return "Tell me about the venture you are working on and I will help you shape it.", nil
	}
	turns := 0
	for _, m := range history {
		if m.Sender == session.SenderUser {
			turns++
		}
	}
	if turns <= 1 {
		return "Interesting. " + text, nil
	}
	return "Noted: " + text, nil
}
