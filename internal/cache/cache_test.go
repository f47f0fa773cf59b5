package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReplyKeys_IDAndContent(t *testing.T) {
	keys := ReplyKeys("m-1", "hi there", "u-1")
	assert.Len(t, keys, 2)
	assert.Equal(t, "id:m-1", keys[0])
}

func TestReplyKeys_NoReplyTo(t *testing.T) {
	keys := ReplyKeys("m-1", "hi", "")
	assert.Equal(t, []string{"id:m-1"}, keys)

	assert.Empty(t, ReplyKeys("", "hi", ""))
}

func TestGenerateContentKey_ScopedToUserMessage(t *testing.T) {
	a := GenerateContentKey("u-1", "ok")
	b := GenerateContentKey("u-2", "ok")
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, GenerateContentKey("u-1", "ok"))
	// separator keeps boundaries distinct
	assert.NotEqual(t, GenerateContentKey("ab", "c"), GenerateContentKey("a", "bc"))
}

func TestSeenSet_CheckAndMark(t *testing.T) {
	s := NewSeenSet()

	assert.False(t, s.CheckAndMark("id:1", "content:x"))
	assert.True(t, s.CheckAndMark("id:1"))
	assert.True(t, s.CheckAndMark("id:2", "content:x"), "content key match counts as duplicate")
	assert.Equal(t, 2, s.Len(), "duplicates do not mark new keys")

	s.Mark("id:3")
	assert.True(t, s.CheckAndMark("id:3"))
}
