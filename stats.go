package evalgate

import (
	"sync"
	"time"
)

// ProviderStats counts evaluation outcomes for one provider since the last
// daily reset.
type ProviderStats struct {
	Evaluations  int64
	Consistent   int64
	Inconsistent int64
	Uncertain    int64
	Errors       int64
}

// StatsTracker accumulates per-provider outcome counts in memory, resetting
// at local midnight. Counts are advisory; losing them on restart is fine.
type StatsTracker struct {
	mu    sync.Mutex
	byID  map[string]*ProviderStats
	day   int
	year  int
	now   func() time.Time
}

// NewStatsTracker creates an empty tracker.
func NewStatsTracker() *StatsTracker {
	t := &StatsTracker{byID: make(map[string]*ProviderStats), now: time.Now}
	n := t.now()
	t.year, t.day = n.Year(), n.YearDay()
	return t
}

// Record counts one evaluation outcome for a provider.
func (t *StatsTracker) Record(providerID string, v Verdict) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeReset()

	s := t.byID[providerID]
	if s == nil {
		s = &ProviderStats{}
		t.byID[providerID] = s
	}
	s.Evaluations++
	switch v {
	case VerdictConsistent:
		s.Consistent++
	case VerdictInconsistent:
		s.Inconsistent++
	case VerdictUncertain:
		s.Uncertain++
	default:
		s.Errors++
	}
}

// Snapshot returns a copy of the current counts.
func (t *StatsTracker) Snapshot() map[string]ProviderStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeReset()

	out := make(map[string]ProviderStats, len(t.byID))
	for id, s := range t.byID {
		out[id] = *s
	}
	return out
}

func (t *StatsTracker) maybeReset() {
	n := t.now()
	if n.Year() != t.year || n.YearDay() != t.day {
		t.byID = make(map[string]*ProviderStats)
		t.year, t.day = n.Year(), n.YearDay()
	}
}
