package evalgate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func instantSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func TestRetrierSuccessFirstAttempt(t *testing.T) {
	pool := NewKeyPool("p", []string{"k1"})
	r := NewRetrier(pool, WithRetrySleep(instantSleep))

	out := r.Do(context.Background(), "p", "m", func(ctx context.Context, key string) (string, error) {
		assert.Equal(t, "k1", key)
		return `{"result": "是", "reason": "语义一致"}`, nil
	})

	assert.Equal(t, VerdictConsistent, out.Verdict)
	assert.Equal(t, "语义一致", out.Justification)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, "p", out.Provider)
	assert.Equal(t, "m", out.Model)
}

func TestRetrierRateLimitExhaustsBudget(t *testing.T) {
	store := NewMemoryCooldowns()
	pool := NewKeyPool("p", []string{"k1", "k2"}, WithCooldowns(store))
	r := NewRetrier(pool, WithMaxAttempts(3), WithRetrySleep(instantSleep))

	calls := 0
	out := r.Do(context.Background(), "p", "m", func(ctx context.Context, key string) (string, error) {
		calls++
		return "", &RateLimitError{RetryAfter: time.Second, Message: "slow down"}
	})

	assert.Equal(t, 3, calls)
	assert.Equal(t, VerdictError, out.Verdict)
	assert.Equal(t, 3, out.Attempts)
	assert.True(t, strings.HasPrefix(out.Justification, "retries exhausted: "), out.Justification)

	// The rate-limited key was put on cooldown.
	until, err := store.CooldownUntil(context.Background(), "p", "k1")
	require.NoError(t, err)
	assert.True(t, until.After(time.Now()))
}

func TestRetrierFatalStopsImmediately(t *testing.T) {
	pool := NewKeyPool("p", []string{"k1"})
	r := NewRetrier(pool, WithMaxAttempts(5), WithRetrySleep(instantSleep))

	calls := 0
	out := r.Do(context.Background(), "p", "m", func(ctx context.Context, key string) (string, error) {
		calls++
		return "", ErrAuthFailed
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, VerdictError, out.Verdict)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, ErrAuthFailed.Error(), out.Justification)
}

func TestRetrierTransientRotatesAndRetries(t *testing.T) {
	pool := NewKeyPool("p", []string{"k1", "k2"})
	m := &captureMeter{}
	r := NewRetrier(pool,
		WithMaxAttempts(3),
		WithRetryDelay(5*time.Millisecond),
		WithRetryMeter(m),
		WithRetrySleep(instantSleep),
	)

	var keys []string
	out := r.Do(context.Background(), "p", "m", func(ctx context.Context, key string) (string, error) {
		keys = append(keys, key)
		if key == "k1" {
			return "", errors.New("connection reset")
		}
		return `{"result": "否", "reason": "答案与文档矛盾"}`, nil
	})

	assert.Equal(t, []string{"k1", "k2"}, keys)
	assert.Equal(t, VerdictInconsistent, out.Verdict)
	assert.Equal(t, 2, out.Attempts)
	assert.Contains(t, m.waitReasons(), "retry-delay")
}

func TestRetrierNoUsableKey(t *testing.T) {
	pool := NewKeyPool("p", nil)
	r := NewRetrier(pool, WithMaxAttempts(2), WithRetrySleep(instantSleep))

	out := r.Do(context.Background(), "p", "m", func(ctx context.Context, key string) (string, error) {
		t.Fatal("attempt must not run without a key")
		return "", nil
	})

	assert.Equal(t, VerdictError, out.Verdict)
	assert.Equal(t, "no available client", out.Justification)
}

func TestRetrierCancelledContext(t *testing.T) {
	pool := NewKeyPool("p", []string{"k1"})
	r := NewRetrier(pool, WithRetrySleep(instantSleep))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := r.Do(ctx, "p", "m", func(ctx context.Context, key string) (string, error) {
		t.Fatal("attempt must not run after cancellation")
		return "", nil
	})

	assert.Equal(t, VerdictError, out.Verdict)
	assert.Contains(t, out.Justification, context.Canceled.Error())
}

func TestRetrierEmitsOutcomeEvent(t *testing.T) {
	pool := NewKeyPool("p", []string{"k1"})
	m := &captureMeter{}
	r := NewRetrier(pool, WithRetryMeter(m), WithRetrySleep(instantSleep))

	r.Do(context.Background(), "p", "m", func(ctx context.Context, key string) (string, error) {
		return `{"result": "是", "reason": "ok"}`, nil
	})

	require.Len(t, m.outcomes, 1)
	ev := m.outcomes[0]
	assert.NotEmpty(t, ev.EvalID)
	assert.Equal(t, VerdictConsistent, ev.Verdict)
	assert.Empty(t, ev.Err)

	require.Len(t, m.attempts, 1)
	assert.Equal(t, ev.EvalID, m.attempts[0].EvalID)
	assert.NotEqual(t, "k1", m.attempts[0].Key, "raw key must not reach the meter")
}
