package evalgate

import (
	"context"
	"sync"
	"time"
)

// RotationPolicy chooses between proactive and reactive key rotation.
type RotationPolicy int

const (
	// RotateManual rotates only when explicitly forced, after a confirmed
	// rate-limit signal or a hard call failure. Preserves session affinity
	// on backends where key reuse is cheap.
	RotateManual RotationPolicy = iota
	// RotateAuto rotates before every live call to spread load proactively
	// across keys with tight per-key windows.
	RotateAuto
)

// DefaultKeySpacing is the minimum inter-use spacing per key under auto
// rotation. It approximates common per-key request quotas; it is a policy
// default, not a protocol constant, and is tunable per pool.
const DefaultKeySpacing = 60 * time.Second

// SleepFunc waits for d or until the context is cancelled.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// KeyPool is the rotation-managed credential set for one provider instance.
// Keys are never shared across providers, even when the same backend type is
// configured twice under different ids.
//
// The scan-and-select body of rotation is one critical section; only the
// spacing and cooldown waits happen outside the lock, so unrelated rotation
// requests are not stalled. Safe for concurrent use from worker pools.
type KeyPool struct {
	id        string
	keys      []string
	policy    RotationPolicy
	spacing   time.Duration
	cooldowns CooldownStore
	meter     Meter
	now       func() time.Time
	sleep     SleepFunc

	mu       sync.Mutex
	cursor   int
	lastUsed map[string]time.Time
	firstUse bool
}

// PoolOption configures a KeyPool.
type PoolOption func(*KeyPool)

// WithPolicy sets the rotation policy. Default is RotateManual.
func WithPolicy(p RotationPolicy) PoolOption {
	return func(kp *KeyPool) { kp.policy = p }
}

// WithSpacing sets the minimum inter-use spacing per key. Zero or negative
// disables the spacing floor.
func WithSpacing(d time.Duration) PoolOption {
	return func(kp *KeyPool) { kp.spacing = d }
}

// WithCooldowns sets the cooldown store shared by replicas of this pool.
func WithCooldowns(cs CooldownStore) PoolOption {
	return func(kp *KeyPool) { kp.cooldowns = cs }
}

// WithPoolMeter sets the meter that observes waits.
func WithPoolMeter(m Meter) PoolOption {
	return func(kp *KeyPool) { kp.meter = m }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) PoolOption {
	return func(kp *KeyPool) { kp.now = now }
}

// WithSleep overrides the wait primitive, for tests.
func WithSleep(fn SleepFunc) PoolOption {
	return func(kp *KeyPool) { kp.sleep = fn }
}

// NewKeyPool creates a pool over the given keys in configuration order.
func NewKeyPool(id string, keys []string, opts ...PoolOption) *KeyPool {
	kp := &KeyPool{
		id:        id,
		keys:      append([]string(nil), keys...),
		policy:    RotateManual,
		spacing:   DefaultKeySpacing,
		cooldowns: NewMemoryCooldowns(),
		meter:     noopMeter{},
		now:       time.Now,
		sleep:     sleepContext,
		lastUsed:  make(map[string]time.Time, len(keys)),
		firstUse:  true,
	}
	for _, opt := range opts {
		opt(kp)
	}
	// Keys start as if used at construction time, so the spacing floor
	// paces the first pass through the pool (first live use excepted).
	start := kp.now()
	for _, k := range kp.keys {
		kp.lastUsed[k] = start
	}
	return kp
}

// ID returns the pool id used to namespace cooldown state.
func (kp *KeyPool) ID() string { return kp.id }

// Size returns the number of keys.
func (kp *KeyPool) Size() int { return len(kp.keys) }

// Current returns the key the cursor points at, without rotating.
func (kp *KeyPool) Current() string {
	if len(kp.keys) == 0 {
		return ""
	}
	kp.mu.Lock()
	defer kp.mu.Unlock()
	return kp.keys[kp.cursor]
}

// Acquire returns the key to use for the next call, rotating first when the
// pool's policy is RotateAuto.
func (kp *KeyPool) Acquire(ctx context.Context) (string, error) {
	if len(kp.keys) == 0 {
		return "", ErrNoUsableKey
	}
	if kp.policy != RotateAuto {
		return kp.Current(), nil
	}
	return kp.rotate(ctx, false, 0)
}

// Rotate advances the pool. A forced rotation moves exactly one position
// circularly regardless of cooldown or spacing; a non-forced rotation under
// RotateManual is a no-op and returns the current key.
func (kp *KeyPool) Rotate(ctx context.Context, force bool) (string, error) {
	if len(kp.keys) == 0 {
		return "", ErrNoUsableKey
	}
	if !force && kp.policy != RotateAuto {
		return kp.Current(), nil
	}
	return kp.rotate(ctx, force, 0)
}

// SetCooldown marks a key unusable for non-forced rotation for d from now.
func (kp *KeyPool) SetCooldown(ctx context.Context, key string, d time.Duration) error {
	return kp.cooldowns.SetCooldown(ctx, kp.id, key, kp.now().Add(d))
}

func (kp *KeyPool) rotate(ctx context.Context, force bool, depth int) (string, error) {
	kp.mu.Lock()
	now := kp.now()

	if force {
		kp.cursor = (kp.cursor + 1) % len(kp.keys)
		key := kp.keys[kp.cursor]
		kp.lastUsed[key] = now
		kp.mu.Unlock()
		return key, nil
	}

	var selected string
	var spacingWait time.Duration
	for i := 0; i < len(kp.keys); i++ {
		idx := (kp.cursor + 1 + i) % len(kp.keys)
		key := kp.keys[idx]
		until, err := kp.cooldowns.CooldownUntil(ctx, kp.id, key)
		if err != nil {
			kp.mu.Unlock()
			return "", err
		}
		if until.Sub(now) > 0 {
			continue
		}
		if kp.firstUse {
			kp.firstUse = false
		} else if since := now.Sub(kp.lastUsed[key]); since < kp.spacing {
			spacingWait = kp.spacing - since
		}
		kp.cursor = idx
		kp.lastUsed[key] = now
		selected = key
		break
	}

	if selected != "" {
		kp.mu.Unlock()
		if spacingWait > 0 {
			kp.meter.OnWait(WaitEvent{Provider: kp.id, Reason: "key-spacing", Duration: spacingWait})
			if err := kp.sleep(ctx, spacingWait); err != nil {
				return "", err
			}
		}
		return selected, nil
	}

	// Every key is cooling down: wait the smallest positive remaining
	// cooldown, then re-run the scan once.
	var minWait time.Duration
	for _, key := range kp.keys {
		until, err := kp.cooldowns.CooldownUntil(ctx, kp.id, key)
		if err != nil {
			kp.mu.Unlock()
			return "", err
		}
		if remaining := until.Sub(now); remaining > 0 && (minWait == 0 || remaining < minWait) {
			minWait = remaining
		}
	}
	kp.mu.Unlock()

	if depth > 0 || minWait <= 0 {
		return "", ErrNoUsableKey
	}
	kp.meter.OnWait(WaitEvent{Provider: kp.id, Reason: "cooldown", Duration: minWait})
	if err := kp.sleep(ctx, minWait); err != nil {
		return "", err
	}
	return kp.rotate(ctx, false, depth+1)
}
