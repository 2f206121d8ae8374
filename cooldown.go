package evalgate

import (
	"context"
	"sync"
	"time"
)

// CooldownStore holds per-key cooldown deadlines for a pool. Cooldowns come
// from upstream rate limits, so worker fleets sharing one pool id can share a
// store (see cooldownstore/redis); rotation cursors and spacing stay local to
// each process.
type CooldownStore interface {
	// CooldownUntil returns the deadline before which the key must not be
	// selected by non-forced rotation. The zero time means no cooldown.
	CooldownUntil(ctx context.Context, poolID, key string) (time.Time, error)

	// SetCooldown records a cooldown deadline for a key.
	SetCooldown(ctx context.Context, poolID, key string, until time.Time) error
}

// MemoryCooldowns is the in-process CooldownStore used by default.
type MemoryCooldowns struct {
	mu        sync.RWMutex
	deadlines map[string]time.Time
}

var _ CooldownStore = (*MemoryCooldowns)(nil)

// NewMemoryCooldowns creates an empty in-memory cooldown store.
func NewMemoryCooldowns() *MemoryCooldowns {
	return &MemoryCooldowns{deadlines: make(map[string]time.Time)}
}

func (s *MemoryCooldowns) CooldownUntil(_ context.Context, poolID, key string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deadlines[poolID+"\x00"+key], nil
}

func (s *MemoryCooldowns) SetCooldown(_ context.Context, poolID, key string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadlines[poolID+"\x00"+key] = until
	return nil
}
