package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"VentureChat/internal/cache"
)

var (
	ErrNotReady      = errors.New("session is not ready")
	ErrSendInFlight  = errors.New("a message is already awaiting a reply")
	ErrEmptyMessage  = errors.New("message text is empty")
	ErrBadTransition = errors.New("invalid session state transition")
)

// State is the Session Store lifecycle
type State int

const (
	StateUninitialized State = iota
	StateBootstrapping
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateBootstrapping:
		return "bootstrapping"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Store owns the session identity, the append-only message timeline and
// the pending flag. Entries are never reordered or removed.
type Store struct {
	mu        sync.Mutex
	state     State
	sessionID string
	messages  []Message
	pending   bool
	pendingID string // local id of the user message awaiting a reply
	lastErr   error
	early     []AgentReply // push replies received while bootstrapping

	seen     *cache.SeenSet
	watchers watchers
	logger   *slog.Logger
	deduped  metric.Int64Counter
}

// NewStore creates an uninitialized store
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "session_store")

	counter, err := otel.Meter("venturechat/session").Int64Counter("session.replies.deduplicated",
		metric.WithDescription("Agent replies dropped because they were already applied"))
	if err != nil {
		logger.Warn("failed to create counter", "error", err)
	}

	return &Store{
		seen:    cache.NewSeenSet(),
		logger:  logger,
		deduped: counter,
	}
}

// Begin moves the store from uninitialized to bootstrapping
func (s *Store) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateUninitialized {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, s.state, StateBootstrapping)
	}
	s.state = StateBootstrapping
	s.logger.Debug("session bootstrapping")
	return nil
}

// SetSessionID records the server-assigned session id. It can be set once.
func (s *Store) SetSessionID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateBootstrapping {
		return fmt.Errorf("%w: session id set while %s", ErrBadTransition, s.state)
	}
	if s.sessionID != "" {
		return fmt.Errorf("%w: session id already set", ErrBadTransition)
	}
	if id == "" {
		return errors.New("empty session id")
	}
	s.sessionID = id
	return nil
}

// Hydrate appends history fetched during bootstrap. Agent messages with ids
// are marked as applied so a late push copy is not appended again.
func (s *Store) Hydrate(history []Message) error {
	s.mu.Lock()
	if s.state != StateBootstrapping {
		s.mu.Unlock()
		return fmt.Errorf("%w: hydrate while %s", ErrBadTransition, s.state)
	}
	for _, m := range history {
		if m.Sender == SenderAgent && m.ID != "" {
			s.seen.Mark(cache.IDKey(m.ID))
		}
		s.messages = append(s.messages, m)
	}
	s.mu.Unlock()

	if len(history) > 0 {
		s.watchers.notify()
	}
	return nil
}

// MarkReady moves the store from bootstrapping to ready
func (s *Store) MarkReady() error {
	s.mu.Lock()
	if s.state != StateBootstrapping || s.sessionID == "" {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, s.state, StateReady)
	}
	s.state = StateReady
	early := s.early
	s.early = nil
	for _, reply := range early {
		s.applyLocked(reply)
	}
	s.logger.Info("session ready", "session_id", s.sessionID, "history", len(s.messages), "held_replies", len(early))
	s.mu.Unlock()

	s.watchers.notify()
	return nil
}

// Close ends the session. Later mutations are ignored or rejected and all
// watchers are dropped.
func (s *Store) Close() {
	s.mu.Lock()
	s.state = StateClosed
	s.early = nil
	s.pending = false
	s.pendingID = ""
	s.mu.Unlock()
	s.watchers.clear()
}

// AppendOptimistic appends a local user message and raises the pending
// flag. Rejected unless the session is ready and no send is outstanding.
func (s *Store) AppendOptimistic(text string) (Message, error) {
	if text == "" {
		return Message{}, ErrEmptyMessage
	}

	s.mu.Lock()
	if s.state != StateReady {
		st := s.state
		s.mu.Unlock()
		return Message{}, fmt.Errorf("%w (state %s)", ErrNotReady, st)
	}
	if s.pending {
		s.mu.Unlock()
		return Message{}, ErrSendInFlight
	}
	msg := Message{
		ID:        uuid.New().String(),
		Sender:    SenderUser,
		Text:      text,
		Timestamp: Now(),
	}
	s.messages = append(s.messages, msg)
	s.pending = true
	s.pendingID = msg.ID
	s.lastErr = nil
	s.mu.Unlock()

	s.watchers.notify()
	return msg, nil
}

// Reconcile appends a confirmed agent reply unless the same reply was
// already applied through the other delivery path. Returns true if the
// timeline grew. Replies that arrive while bootstrapping are held and
// applied by MarkReady.
func (s *Store) Reconcile(reply AgentReply) bool {
	s.mu.Lock()
	switch s.state {
	case StateReady:
	case StateBootstrapping:
		s.early = append(s.early, reply)
		s.mu.Unlock()
		s.logger.Debug("holding agent reply until ready", "message_id", reply.ID)
		return false
	default:
		st := s.state
		s.mu.Unlock()
		s.logger.Warn("dropping agent reply", "state", st.String(), "message_id", reply.ID)
		return false
	}
	applied := s.applyLocked(reply)
	s.mu.Unlock()

	if applied {
		s.watchers.notify()
	}
	return applied
}

// applyLocked appends reply unless one of its keys was seen. Caller holds mu.
func (s *Store) applyLocked(reply AgentReply) bool {
	replyTo := reply.ReplyTo
	if replyTo == "" {
		replyTo = s.pendingID
	}
	keys := cache.ReplyKeys(reply.ID, reply.Text, replyTo)
	if len(keys) > 0 && s.seen.CheckAndMark(keys...) {
		if s.deduped != nil {
			s.deduped.Add(context.Background(), 1)
		}
		s.logger.Debug("dropping duplicate agent reply", "session_id", s.sessionID, "message_id", reply.ID)
		return false
	}

	ts := reply.Timestamp
	if ts == "" {
		ts = Now()
	}
	s.messages = append(s.messages, Message{
		ID:        reply.ID,
		Sender:    SenderAgent,
		Text:      reply.Text,
		Timestamp: ts,
	})
	if s.pending && replyTo == s.pendingID {
		s.pending = false
		s.pendingID = ""
	}
	return true
}

// FailSend clears the pending flag and records err. The optimistic user
// message stays in the timeline. Returns false when nothing was pending.
func (s *Store) FailSend(err error) bool {
	s.mu.Lock()
	return s.failLocked(s.pendingID, err)
}

// FailPending is FailSend for the send of user message id. It does nothing
// if that message was already answered, so a reply that arrived by push
// before the request failed is not reported as an error.
func (s *Store) FailPending(id string, err error) bool {
	s.mu.Lock()
	return s.failLocked(id, err)
}

// failLocked is entered with mu held and releases it
func (s *Store) failLocked(id string, err error) bool {
	if !s.pending || id != s.pendingID {
		sid := s.sessionID
		s.mu.Unlock()
		s.logger.Debug("send error after reply was applied", "session_id", sid, "message_id", id, "error", err)
		return false
	}
	s.pending = false
	s.pendingID = ""
	s.lastErr = err
	sid := s.sessionID
	s.mu.Unlock()

	s.logger.Warn("send failed", "session_id", sid, "error", err)
	s.watchers.notify()
	return true
}

// Watch registers fn to run after every change. The returned func
// unregisters it.
func (s *Store) Watch(fn func()) func() {
	return s.watchers.add(fn)
}

// State returns the lifecycle state
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID returns the session id, or "" before bootstrap sets it
func (s *Store) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Messages returns a copy of the timeline
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the timeline length
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Pending reports whether a send is awaiting its reply
func (s *Store) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// LastError returns the error of the most recent failed send, cleared by
// the next send.
func (s *Store) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}
