package redisidem

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func testChecker(t *testing.T) *Checker {
	t.Helper()
	addr := os.Getenv("HM_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("HM_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	return NewChecker(client, WithTTL(time.Minute))
}

func TestCheckAndMark(t *testing.T) {
	ctx := context.Background()
	c := testChecker(t)
	id := uuid.NewString()

	dup, err := c.CheckAndMark(ctx, id)
	require.NoError(t, err)
	require.False(t, dup)

	dup, err = c.CheckAndMark(ctx, id)
	require.NoError(t, err)
	require.True(t, dup)

	require.NoError(t, c.Forget(ctx, id))
	dup, err = c.IsDuplicate(ctx, id)
	require.NoError(t, err)
	require.False(t, dup)
}

func TestKeyNamespace(t *testing.T) {
	c := NewChecker(nil, WithPrefix("orders:seen:"))
	require.Equal(t, "orders:seen:abc", c.key("abc"))
}
