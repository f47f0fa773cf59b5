package devserver

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VentureChat/internal/session"
)

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chat.db")
	store, err := OpenStore(path)
	require.NoError(t, err)

	require.NoError(t, store.CreateSession(ctx, "s-1", session.DefaultAgentStatus()))
	ok, err := store.SessionExists(ctx, "s-1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.SessionExists(ctx, "s-2")
	require.NoError(t, err)
	assert.False(t, ok)

	msgs := []session.Message{
		{ID: "u-1", Sender: session.SenderUser, Text: "one", Timestamp: "2024-01-01T00:00:00Z"},
		{ID: "m-1", Sender: session.SenderAgent, Text: "two", Timestamp: "2024-01-01T00:00:01Z"},
		{ID: "u-2", Sender: session.SenderUser, Text: "three", Timestamp: "2024-01-01T00:00:02Z"},
	}
	require.NoError(t, store.AppendMessages(ctx, "s-1", msgs[:2]...))
	require.NoError(t, store.AppendMessages(ctx, "s-1", msgs[2]))

	got, err := store.History(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, msgs, got, "arrival order")

	require.NoError(t, store.SetStatus(ctx, "s-1", session.AgentStatus{Agent: "Scout", Status: session.StatusWaiting}))
	st, err := store.Status(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, session.AgentStatus{Agent: "Scout", Status: session.StatusWaiting}, st)

	_, err = store.Status(ctx, "s-2")
	assert.ErrorIs(t, err, ErrUnknownSession)

	// reopen keeps data
	require.NoError(t, store.Close())
	store, err = OpenStore(path)
	require.NoError(t, err)
	defer store.Close()
	got, err = store.History(ctx, "s-1")
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestStore_DuplicateSession(t *testing.T) {
	ctx := context.Background()
	store, err := OpenStore(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.CreateSession(ctx, "s-1", session.DefaultAgentStatus()))
	assert.Error(t, store.CreateSession(ctx, "s-1", session.DefaultAgentStatus()))
}

func TestScriptedResponder(t *testing.T) {
	r := ScriptedResponder{}
	out, err := r.Respond(context.Background(), "s-1", nil, "Hello")
	require.NoError(t, err)
	assert.Equal(t, "hi there", out)

	out, err = r.Respond(context.Background(), "s-1", []session.Message{{Sender: session.SenderUser, Text: "idea"}}, "idea")
	require.NoError(t, err)
	assert.Equal(t, "Interesting. idea", out)
}
