package sqlstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/koalafacts/heromessaging/message"
	"github.com/koalafacts/heromessaging/storage"
)

// testDB opens the database named by HM_TEST_DATABASE_URL, skipping the
// test when it is unset so the suite runs without a database.
func testDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("HM_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("HM_TEST_DATABASE_URL not set")
	}
	db, err := Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return db
}

func TestEnvelopeRoundTrip(t *testing.T) {
	msg := message.NewCommand("order.create", map[string]any{"sku": "a-1", "qty": float64(2)})
	msg = msg.WithMetadata("tenant", "acme")

	raw, err := encodeMessage(msg)
	require.NoError(t, err)

	got, err := decodeMessage(raw)
	require.NoError(t, err)
	require.Equal(t, msg.ID, got.ID)
	require.Equal(t, msg.Kind, got.Kind)
	require.Equal(t, msg.Type, got.Type)
	require.Equal(t, "acme", got.Metadata["tenant"])
	require.Equal(t, map[string]any{"sku": "a-1", "qty": float64(2)}, got.Payload)
}

func TestFilterSQL(t *testing.T) {
	where, args := filterSQL(storage.MessageFilter{})
	require.Empty(t, where)
	require.Empty(t, args)

	where, args = filterSQL(storage.MessageFilter{Collection: "orders", Contains: "sku"})
	require.Contains(t, where, "collection = $1")
	require.Contains(t, where, "payload::text LIKE $2")
	require.Len(t, args, 2)
}

func TestOutboxStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	store := db.Outbox()

	msg := message.NewCommand("order.create", "payload")
	id, err := store.Add(ctx, msg, storage.OutboxOptions{Destination: "svc-a", MaxRetries: 3})
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = db.db.ExecContext(ctx, `DELETE FROM hm_outbox WHERE id = $1`, id) })

	pending, err := store.GetPending(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, pending)

	ok, err := store.TryClaim(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	// Second claim loses the CAS.
	ok, err = store.TryClaim(ctx, id)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = store.MarkProcessed(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	// Terminal idempotency.
	ok, err = store.MarkProcessed(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	entry, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, storage.OutboxProcessed, entry.Status)
	require.NotNil(t, entry.ProcessedAt)
}

func TestInboxStoreDedup(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	store := db.Inbox()

	msg := message.NewEvent("user.registered", "payload")
	t.Cleanup(func() { _, _ = db.db.ExecContext(ctx, `DELETE FROM hm_inbox WHERE message_id = $1`, msg.ID.String()) })

	first, err := store.Add(ctx, msg, storage.InboxOptions{RequireIdempotency: true, DedupWindow: 24 * time.Hour})
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := store.Add(ctx, msg, storage.InboxOptions{RequireIdempotency: true, DedupWindow: 24 * time.Hour})
	require.NoError(t, err)
	require.Nil(t, second)

	dup, err := store.IsDuplicate(ctx, msg.ID.String(), 24*time.Hour)
	require.NoError(t, err)
	require.True(t, dup)
}

func TestWithTxRollsBackOutboxAdd(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	msg := message.NewCommand("order.create", "payload")
	r := require.New(t)
	err := db.WithTx(ctx, func(s *Stores) error {
		_, err := s.Outbox.Add(ctx, msg, storage.OutboxOptions{Destination: "svc-a", MaxRetries: 3})
		r.NoError(err)
		return context.Canceled
	})
	require.Error(t, err)

	_, err = db.Outbox().Get(ctx, msg.ID.String())
	require.Error(t, err)
}
