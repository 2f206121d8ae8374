package meter

import (
	"log/slog"

	"github.com/evalgate/evalgate"
)

// LogMeter logs evaluation events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ evalgate.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnAttempt(e evalgate.AttemptEvent) {
	m.Logger.Info("attempt",
		"eval", e.EvalID,
		"provider", e.Provider,
		"model", e.Model,
		"attempt", e.Attempt,
		"key", e.Key,
	)
}

func (m *LogMeter) OnWait(e evalgate.WaitEvent) {
	m.Logger.Info("wait",
		"provider", e.Provider,
		"reason", e.Reason,
		"duration_ms", e.Duration.Milliseconds(),
	)
}

func (m *LogMeter) OnOutcome(e evalgate.OutcomeEvent) {
	if e.Err == "" {
		m.Logger.Info("outcome",
			"eval", e.EvalID,
			"provider", e.Provider,
			"model", e.Model,
			"verdict", e.Verdict.String(),
			"attempts", e.Attempts,
			"duration_ms", e.Duration.Milliseconds(),
		)
	} else {
		m.Logger.Warn("outcome_error",
			"eval", e.EvalID,
			"provider", e.Provider,
			"model", e.Model,
			"verdict", e.Verdict.String(),
			"attempts", e.Attempts,
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Err,
		)
	}
}
