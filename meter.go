package evalgate

import "time"

// Meter observes evaluation events for monitoring/logging. Implementations
// must be cheap and non-blocking; meters are advisory only and never required
// for correctness.
type Meter interface {
	// OnAttempt is called before each backend call.
	OnAttempt(event AttemptEvent)

	// OnWait is called before any deliberate wait (key spacing, cooldown,
	// retry delay). The wait itself is cancellable via the caller's context.
	OnWait(event WaitEvent)

	// OnOutcome is called once per evaluation with the terminal outcome.
	OnOutcome(event OutcomeEvent)
}

// AttemptEvent describes one backend call attempt.
type AttemptEvent struct {
	EvalID   string
	Provider string
	Model    string
	Attempt  int
	Key      string // redacted key hint, never the full credential
}

// WaitEvent describes a deliberate delay and why it happens.
type WaitEvent struct {
	Provider string
	Reason   string // "key-spacing", "cooldown", "retry-delay", "no-client"
	Duration time.Duration
}

// OutcomeEvent describes the terminal result of one evaluation.
type OutcomeEvent struct {
	EvalID   string
	Provider string
	Model    string
	Verdict  Verdict
	Attempts int
	Duration time.Duration
	Err      string // last failure reason, empty on clean success
}

// noopMeter is the default meter; it discards everything.
type noopMeter struct{}

func (noopMeter) OnAttempt(AttemptEvent) {}
func (noopMeter) OnWait(WaitEvent)       {}
func (noopMeter) OnOutcome(OutcomeEvent) {}

// RedactKey returns a short non-sensitive hint for a credential, for logs.
func RedactKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "…" + key[len(key)-4:]
}
