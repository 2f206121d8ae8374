package meter

import "github.com/evalgate/evalgate"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ evalgate.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnAttempt(evalgate.AttemptEvent) {}
func (m *NoopMeter) OnWait(evalgate.WaitEvent)       {}
func (m *NoopMeter) OnOutcome(evalgate.OutcomeEvent) {}
