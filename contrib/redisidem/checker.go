// Package redisidem is a Redis-backed duplicate pre-check usable in
// front of the inbox engine: a SETNX fence answers "seen before?" in
// one round trip, letting a hot consumer acknowledge duplicates without
// touching the durable inbox store. The inbox remains the source of
// truth; this cache only short-circuits the common case.
package redisidem

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koalafacts/heromessaging/herrors"
)

// DefaultTTL bounds how long a seen marker lives; align it with the
// inbox dedup window.
const DefaultTTL = 24 * time.Hour

// Checker is the SETNX-based duplicate fence.
type Checker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// Option configures a Checker.
type Option func(*Checker)

// WithTTL overrides the marker lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *Checker) { c.ttl = ttl }
}

// WithPrefix overrides the key namespace.
func WithPrefix(prefix string) Option {
	return func(c *Checker) { c.prefix = prefix }
}

// NewChecker wraps client.
func NewChecker(client *redis.Client, opts ...Option) *Checker {
	c := &Checker{client: client, prefix: "hm:seen:", ttl: DefaultTTL}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Checker) key(messageID string) string { return c.prefix + messageID }

// CheckAndMark atomically marks messageID as seen and reports whether
// it already was: true means duplicate, skip processing.
func (c *Checker) CheckAndMark(ctx context.Context, messageID string) (bool, error) {
	set, err := c.client.SetNX(ctx, c.key(messageID), time.Now().Unix(), c.ttl).Result()
	if err != nil {
		return false, herrors.Transient("redisidem.CheckAndMark", "setnx", err)
	}
	return !set, nil
}

// IsDuplicate reports whether messageID has a live seen marker, without
// marking it.
func (c *Checker) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	n, err := c.client.Exists(ctx, c.key(messageID)).Result()
	if err != nil {
		return false, herrors.Transient("redisidem.IsDuplicate", "exists", err)
	}
	return n > 0, nil
}

// Forget removes the seen marker, e.g. after a processing failure that
// should allow a redelivery to try again.
func (c *Checker) Forget(ctx context.Context, messageID string) error {
	if err := c.client.Del(ctx, c.key(messageID)).Err(); err != nil {
		return herrors.Transient("redisidem.Forget", "del", err)
	}
	return nil
}

// Ping checks connectivity, usable as a health probe.
func (c *Checker) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
