// Package redis provides a Redis-backed CooldownStore for evalgate.
//
// Cooldown deadlines live in plain keys that expire at the deadline itself,
// so worker fleets sharing one pool id observe upstream rate limits together
// and stale state cleans itself up.
package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/evalgate/evalgate"
)

// Store is a Redis-backed CooldownStore.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
}

var _ evalgate.CooldownStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "evalgate:cooldown:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New creates a new Redis-backed CooldownStore.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "evalgate:cooldown:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// cooldownKey names the entry for one credential. The credential itself is
// hashed; API keys must not appear in the Redis keyspace.
func (s *Store) cooldownKey(poolID, key string) string {
	sum := sha256.Sum256([]byte(key))
	return s.keyPrefix + poolID + ":" + hex.EncodeToString(sum[:8])
}

// CooldownUntil returns the stored deadline for a key. A missing or expired
// entry means no cooldown.
func (s *Store) CooldownUntil(ctx context.Context, poolID, key string) (time.Time, error) {
	val, err := s.client.Get(ctx, s.cooldownKey(poolID, key)).Result()
	if err == goredis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("evalgate/redis: cooldown lookup: %w", err)
	}
	nanos, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("evalgate/redis: corrupt cooldown value %q", val)
	}
	return time.Unix(0, nanos), nil
}

// SetCooldown records a cooldown deadline. Deadlines in the past clear the
// entry instead of storing an already-expired one.
func (s *Store) SetCooldown(ctx context.Context, poolID, key string, until time.Time) error {
	k := s.cooldownKey(poolID, key)
	ttl := time.Until(until)
	if ttl <= 0 {
		if err := s.client.Del(ctx, k).Err(); err != nil {
			return fmt.Errorf("evalgate/redis: clear cooldown: %w", err)
		}
		return nil
	}
	if err := s.client.Set(ctx, k, strconv.FormatInt(until.UnixNano(), 10), ttl).Err(); err != nil {
		return fmt.Errorf("evalgate/redis: set cooldown: %w", err)
	}
	return nil
}
