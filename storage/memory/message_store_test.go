package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/koalafacts/heromessaging/message"
	"github.com/koalafacts/heromessaging/storage"
)

func TestMessageStoreCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMessageStore()
	msg := message.NewEvent("order.created", map[string]any{"id": 1})

	id, err := s.Store(ctx, "events", msg)
	require.NoError(t, err)

	got, err := s.Retrieve(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "events", got.Collection)

	exists, err := s.Exists(ctx, id)
	require.NoError(t, err)
	require.True(t, exists)

	updated := msg.WithMetadata("retried", true)
	ok, err := s.Update(ctx, id, updated)
	require.NoError(t, err)
	require.True(t, ok)

	deleted, err := s.Delete(ctx, id)
	require.NoError(t, err)
	require.True(t, deleted)

	_, err = s.Retrieve(ctx, id)
	require.Error(t, err)
}

func TestMessageStoreQueryRequiresLimit(t *testing.T) {
	ctx := context.Background()
	s := NewMessageStore()
	_, err := s.Query(ctx, storage.MessageFilter{})
	require.Error(t, err)
}

func TestMessageStoreQueryOrderingAndPaging(t *testing.T) {
	ctx := context.Background()
	s := NewMessageStore()
	for i := 0; i < 5; i++ {
		_, err := s.Store(ctx, "c", message.NewEvent("t", i))
		require.NoError(t, err)
	}

	cur, err := s.Query(ctx, storage.MessageFilter{Collection: "c", Limit: 2, Offset: 1})
	require.NoError(t, err)
	defer cur.Close()

	n := 0
	for cur.Next(ctx) {
		n++
	}
	require.Equal(t, 2, n)
	require.NoError(t, cur.Err())
}
