package memstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/networkmesh/meshchat/protocol"
	"github.com/networkmesh/meshchat/store"
)

func TestUsersUpsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewUsers()

	require.NoError(t, s.Upsert(ctx, store.User{ID: "alice", Username: "Alice", IsOnline: true, ConnectionID: 1001}))
	got, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.Username)
	assert.True(t, got.IsOnline)
	assert.NotZero(t, got.CreatedAt)
	assert.NotZero(t, got.UpdatedAt)

	// A second handshake rebinds the row but keeps the creation stamp.
	require.NoError(t, s.Upsert(ctx, store.User{ID: "alice", Username: "Alice2", ConnectionID: 1002}))
	again, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice2", again.Username)
	assert.Equal(t, uint64(1002), again.ConnectionID)
	assert.Equal(t, got.CreatedAt, again.CreatedAt)
}

func TestUsersGetUnknown(t *testing.T) {
	s := NewUsers()
	_, err := s.Get(context.Background(), "nobody")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUsersSetOnline(t *testing.T) {
	ctx := context.Background()
	s := NewUsers()
	require.NoError(t, s.Upsert(ctx, store.User{ID: "alice", Username: "Alice", IsOnline: true}))

	require.NoError(t, s.SetOnline(ctx, "alice", false, 1234))
	got, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, got.IsOnline)
	assert.EqualValues(t, 1234, got.LastSeen)

	// Unknown users are a no-op, not an error.
	assert.NoError(t, s.SetOnline(ctx, "ghost", false, 1))
}

func TestUsersListIsSortedAndCounted(t *testing.T) {
	ctx := context.Background()
	s := NewUsers()
	for _, id := range []string{"carol", "alice", "bob"} {
		require.NoError(t, s.Upsert(ctx, store.User{ID: id, Username: id}))
	}
	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "alice", list[0].ID)
	assert.Equal(t, "bob", list[1].ID)
	assert.Equal(t, "carol", list[2].ID)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestMessagesAppendAndRecent(t *testing.T) {
	ctx := context.Background()
	s := NewMessages()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(ctx, store.Message{
			ID:       fmt.Sprintf("m%d", i),
			Content:  fmt.Sprintf("message %d", i),
			SenderID: "alice",
			Type:     protocol.ChatText,
		}))
	}
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	recent, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "m4", recent[0].ID)
	assert.Equal(t, "m3", recent[1].ID)

	all, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	over, err := s.Recent(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, over, 5)
}
