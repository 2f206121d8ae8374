package evalgate

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	defaultMaxAttempts = 5
	defaultRetryDelay  = 2 * time.Second
	defaultCooldown    = 60 * time.Second
	// cooldownBuffer pads backend-suggested delays; quotas are enforced with
	// some clock skew upstream.
	cooldownBuffer = 5 * time.Second
)

// AttemptFunc performs one backend call with the given credential and
// returns the raw response text.
type AttemptFunc func(ctx context.Context, key string) (string, error)

// Retrier wraps backend calls in a bounded retry loop. Failure kinds drive
// the backoff: rate limits cool the used key down and force-rotate, transient
// failures wait a fixed delay and force-rotate, fatal failures stop
// immediately. The loop never lets an error escape; everything terminates in
// a VerdictError outcome.
type Retrier struct {
	pool        *KeyPool
	maxAttempts int
	retryDelay  time.Duration
	cooldown    time.Duration
	meter       Meter
	sleep       SleepFunc
}

// RetryOption configures a Retrier.
type RetryOption func(*Retrier)

// WithMaxAttempts bounds the retry loop.
func WithMaxAttempts(n int) RetryOption {
	return func(r *Retrier) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithRetryDelay sets the fixed wait after transient failures.
func WithRetryDelay(d time.Duration) RetryOption {
	return func(r *Retrier) {
		if d > 0 {
			r.retryDelay = d
		}
	}
}

// WithDefaultCooldown sets the cooldown applied when a rate-limit payload
// carries no usable delay hint.
func WithDefaultCooldown(d time.Duration) RetryOption {
	return func(r *Retrier) {
		if d > 0 {
			r.cooldown = d
		}
	}
}

// WithRetryMeter sets the meter that observes attempts, waits and outcomes.
func WithRetryMeter(m Meter) RetryOption {
	return func(r *Retrier) { r.meter = m }
}

// WithRetrySleep overrides the wait primitive, for tests.
func WithRetrySleep(fn SleepFunc) RetryOption {
	return func(r *Retrier) { r.sleep = fn }
}

// NewRetrier creates a Retrier over the given pool.
func NewRetrier(pool *KeyPool, opts ...RetryOption) *Retrier {
	r := &Retrier{
		pool:        pool,
		maxAttempts: defaultMaxAttempts,
		retryDelay:  defaultRetryDelay,
		cooldown:    defaultCooldown,
		meter:       noopMeter{},
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Do runs the attempt loop for one evaluation and normalizes the final
// payload into an Outcome.
func (r *Retrier) Do(ctx context.Context, providerID, model string, fn AttemptFunc) Outcome {
	evalID := uuid.New().String()
	start := time.Now()
	var lastErr error

attempts:
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		key, err := r.pool.Acquire(ctx)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			// No obtainable client is a soft failure: wait and retry.
			r.meter.OnWait(WaitEvent{Provider: providerID, Reason: "no-client", Duration: r.retryDelay})
			if serr := r.sleep(ctx, r.retryDelay); serr != nil {
				lastErr = serr
				break
			}
			continue
		}

		r.meter.OnAttempt(AttemptEvent{
			EvalID:   evalID,
			Provider: providerID,
			Model:    model,
			Attempt:  attempt,
			Key:      RedactKey(key),
		})

		raw, err := fn(ctx, key)
		if err == nil {
			verdict, justification := Normalize(raw)
			out := Outcome{
				Verdict:       verdict,
				Justification: justification,
				Provider:      providerID,
				Model:         model,
				Attempts:      attempt,
			}
			return r.finish(evalID, start, out, "")
		}
		lastErr = err

		var rle *RateLimitError
		switch {
		case errors.As(err, &rle):
			delay := rle.RetryAfter
			if delay <= 0 {
				delay = r.cooldown
			}
			_ = r.pool.SetCooldown(ctx, key, delay+cooldownBuffer)
			if _, rerr := r.pool.Rotate(ctx, true); rerr != nil {
				lastErr = rerr
				break attempts
			}

		case IsFatal(err):
			out := Outcome{
				Verdict:       VerdictError,
				Justification: err.Error(),
				Provider:      providerID,
				Model:         model,
				Attempts:      attempt,
			}
			return r.finish(evalID, start, out, err.Error())

		default:
			// Transient: give a different key/connection a chance.
			r.meter.OnWait(WaitEvent{Provider: providerID, Reason: "retry-delay", Duration: r.retryDelay})
			if serr := r.sleep(ctx, r.retryDelay); serr != nil {
				lastErr = serr
				break attempts
			}
			if _, rerr := r.pool.Rotate(ctx, true); rerr != nil {
				lastErr = rerr
				break attempts
			}
		}
	}

	reason := "retries exhausted"
	switch {
	case errors.Is(lastErr, ErrNoUsableKey):
		reason = "no available client"
	case lastErr != nil:
		reason = "retries exhausted: " + lastErr.Error()
	}
	out := Outcome{
		Verdict:       VerdictError,
		Justification: reason,
		Provider:      providerID,
		Model:         model,
		Attempts:      r.maxAttempts,
	}
	return r.finish(evalID, start, out, reason)
}

func (r *Retrier) finish(evalID string, start time.Time, out Outcome, errMsg string) Outcome {
	r.meter.OnOutcome(OutcomeEvent{
		EvalID:   evalID,
		Provider: out.Provider,
		Model:    out.Model,
		Verdict:  out.Verdict,
		Attempts: out.Attempts,
		Duration: time.Since(start),
		Err:      errMsg,
	})
	return out
}
