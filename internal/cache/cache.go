package cache

import (
	"crypto/sha256"
	"fmt"
	"sync"
)

// ReplyKeys returns the de-duplication keys for an agent reply. A reply
// carrying a server id is keyed by that id. Every reply is also keyed by a
// content hash scoped to the user message it answers, so a copy that lost
// its id on one delivery path still matches the other.
func ReplyKeys(id, text, replyTo string) []string {
	keys := make([]string, 0, 2)
	if id != "" {
		keys = append(keys, IDKey(id))
	}
	if replyTo != "" {
		keys = append(keys, "content:"+GenerateContentKey(replyTo, text))
	}
	return keys
}

// IDKey is the key of a message with a server-issued id
func IDKey(id string) string {
	return "id:" + id
}

// GenerateContentKey hashes a reply text together with the id of the user
// message it answers.
func GenerateContentKey(replyTo, text string) string {
	h := sha256.New()
	h.Write([]byte(replyTo))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// SeenSet records reply keys already applied to a timeline. It lives as
// long as the session it guards and is never evicted.
type SeenSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewSeenSet creates an empty set
func NewSeenSet() *SeenSet {
	return &SeenSet{seen: make(map[string]struct{})}
}

// CheckAndMark reports whether any of keys was already seen. If none was,
// all keys are marked. Check and mark happen under one lock.
func (s *SeenSet) CheckAndMark(keys ...string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		if _, ok := s.seen[k]; ok {
			return true
		}
	}
	for _, k := range keys {
		s.seen[k] = struct{}{}
	}
	return false
}

// Mark records keys without checking them
func (s *SeenSet) Mark(keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		s.seen[k] = struct{}{}
	}
}

// Len returns the number of recorded keys
func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
