package chatbot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"

	"VentureChat/internal/session"
)

// handleCommand handles slash commands. It reports whether the loop should
// exit.
func (cb *ChatBot) handleCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/status":
		if err := cb.RefreshStatus(ctx); err != nil {
			cb.logger.Warn("status refresh failed, showing last known", "error", err)
		}
		st := cb.status.Current()
		cb.printf("%s is %s\n", st.Agent, st.Status)
		return false, nil

	case "/history":
		msgs := cb.sessions.Messages()
		if len(msgs) == 0 {
			cb.printf("No messages yet.\n")
			return false, nil
		}
		agent := cb.status.Current().Agent
		for _, m := range msgs {
			cb.printf("%s\n", formatMessage(m, agent))
		}
		return false, nil

	case "/help":
		cb.printf("Available commands:\n")
		cb.printf("  /status   - Refresh and show the agent status\n")
		cb.printf("  /history  - Show the conversation so far\n")
		cb.printf("  /quit     - Exit\n")
		cb.printf("  /help     - Show this help message\n")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command: %s", parts[0])
	}
}

// Run drives an interactive session on the configured terminal streams.
// Agent replies are printed as they land in the timeline, whichever path
// delivered them.
func (cb *ChatBot) Run(ctx context.Context) error {
	agent := cb.status.Current().Agent
	cb.printf("=== VentureChat ===\n")
	cb.printf("Session: %s\n", cb.sessions.SessionID())
	cb.printf("Type /help for commands, /quit to exit\n\n")

	cb.renderMu.Lock()
	for _, m := range cb.sessions.Messages() {
		fmt.Fprintln(cb.out, formatMessage(m, agent))
		cb.printed++
	}
	cb.renderMu.Unlock()

	stopMessages := cb.sessions.Watch(cb.renderNew)
	defer stopMessages()
	stopStatus := cb.status.Watch(cb.renderStatus)
	defer stopStatus()

	scanner := bufio.NewScanner(cb.in)
	for ctx.Err() == nil {
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := cb.handleCommand(ctx, input)
			if err != nil {
				cb.printf("Error: %v\n", err)
				cb.logger.Error("command error", "error", err)
			}
			if shouldQuit {
				break
			}
			continue
		}

		if err := cb.Send(ctx, input); err != nil {
			switch {
			case errors.Is(err, ErrSendInFlight):
				cb.printf("Still waiting for the last reply.\n")
			default:
				cb.printf("Error: %v\n", err)
				cb.logger.Error("failed to send message", "error", err)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	cb.printf("Goodbye!\n")
	return nil
}

// renderNew prints agent messages appended since the last render. User
// messages were typed at the prompt and are not echoed.
func (cb *ChatBot) renderNew() {
	msgs := cb.sessions.Messages()
	agent := cb.status.Current().Agent

	cb.renderMu.Lock()
	defer cb.renderMu.Unlock()
	for ; cb.printed < len(msgs); cb.printed++ {
		m := msgs[cb.printed]
		if m.Sender == session.SenderAgent {
			fmt.Fprintf(cb.out, "%s\n\n", formatMessage(m, agent))
		}
	}
}

func (cb *ChatBot) renderStatus() {
	st := cb.status.Current()
	if st.Status == session.StatusIdle {
		return
	}
	cb.printf("[%s is %s]\n", st.Agent, st.Status)
}

func (cb *ChatBot) printf(format string, args ...any) {
	cb.renderMu.Lock()
	defer cb.renderMu.Unlock()
	fmt.Fprintf(cb.out, format, args...)
}

func formatMessage(m session.Message, agent string) string {
	if m.Sender == session.SenderAgent {
		return agent + ": " + m.Text
	}
	return "You: " + m.Text
}
