// Package postgres provides a PostgreSQL-backed evaluation journal for
// evalgate.
//
// Every terminal outcome is appended as one row, giving audits and verdict
// statistics durability across restarts and across a worker fleet.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/evalgate/evalgate"
)

// Journal is a PostgreSQL-backed outcome log.
type Journal struct {
	pool  *pgxpool.Pool
	table string
}

// Option configures Journal.
type Option func(*Journal)

// WithTable sets the table name (default "evalgate_evaluations").
func WithTable(table string) Option {
	return func(j *Journal) { j.table = table }
}

// New creates a new PostgreSQL-backed Journal.
func New(pool *pgxpool.Pool, opts ...Option) *Journal {
	j := &Journal{
		pool:  pool,
		table: "evalgate_evaluations",
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// EnsureSchema creates the journal table if it does not exist.
func (j *Journal) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			verdict TEXT NOT NULL,
			attempts INT NOT NULL DEFAULT 0,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS %s_provider_created_idx
			ON %s (provider, created_at);
	`, j.table, j.table, j.table)
	if _, err := j.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("evalgate/postgres: ensure schema: %w", err)
	}
	return nil
}

// Entry is one journaled evaluation.
type Entry struct {
	ID        string
	Provider  string
	Model     string
	Verdict   evalgate.Verdict
	Attempts  int
	Duration  time.Duration
	Err       string
	CreatedAt time.Time
}

// Record appends one outcome event and returns its id. Events without an
// eval id get a fresh one.
func (j *Journal) Record(ctx context.Context, ev evalgate.OutcomeEvent) (string, error) {
	id := ev.EvalID
	if id == "" {
		id = uuid.New().String()
	}
	_, err := j.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, provider, model, verdict, attempts, duration_ms, error)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING`, j.table),
		id, ev.Provider, ev.Model, ev.Verdict.String(), ev.Attempts, ev.Duration.Milliseconds(), ev.Err,
	)
	if err != nil {
		return "", fmt.Errorf("evalgate/postgres: record: %w", err)
	}
	return id, nil
}

// Recent returns the newest entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, provider, model, verdict, attempts, duration_ms, error, created_at
			FROM %s ORDER BY created_at DESC LIMIT $1`, j.table),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("evalgate/postgres: recent: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var verdict string
		var durationMS int64
		if err := rows.Scan(&e.ID, &e.Provider, &e.Model, &verdict, &e.Attempts, &durationMS, &e.Err, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("evalgate/postgres: scan entry: %w", err)
		}
		e.Verdict = parseVerdict(verdict)
		e.Duration = time.Duration(durationMS) * time.Millisecond
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("evalgate/postgres: recent: %w", err)
	}
	return entries, nil
}

// VerdictCounts returns per-verdict counts for a provider since the given
// time. An empty provider counts across all providers.
func (j *Journal) VerdictCounts(ctx context.Context, provider string, since time.Time) (map[string]int64, error) {
	rows, err := j.pool.Query(ctx,
		fmt.Sprintf(`SELECT verdict, count(*) FROM %s
			WHERE ($1 = '' OR provider = $1) AND created_at >= $2
			GROUP BY verdict`, j.table),
		provider, since,
	)
	if err != nil {
		return nil, fmt.Errorf("evalgate/postgres: verdict counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var verdict string
		var n int64
		if err := rows.Scan(&verdict, &n); err != nil {
			return nil, fmt.Errorf("evalgate/postgres: scan count: %w", err)
		}
		counts[verdict] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("evalgate/postgres: verdict counts: %w", err)
	}
	return counts, nil
}

// Meter wraps the journal as an evalgate.Meter that records outcomes and
// forwards every event to next. Recording is best effort; a journal write
// failure must not fail the evaluation.
func (j *Journal) Meter(next evalgate.Meter) evalgate.Meter {
	return &recordingMeter{journal: j, next: next}
}

type recordingMeter struct {
	journal *Journal
	next    evalgate.Meter
}

func (m *recordingMeter) OnAttempt(e evalgate.AttemptEvent) {
	if m.next != nil {
		m.next.OnAttempt(e)
	}
}

func (m *recordingMeter) OnWait(e evalgate.WaitEvent) {
	if m.next != nil {
		m.next.OnWait(e)
	}
}

func (m *recordingMeter) OnOutcome(e evalgate.OutcomeEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = m.journal.Record(ctx, e)
	if m.next != nil {
		m.next.OnOutcome(e)
	}
}

func parseVerdict(s string) evalgate.Verdict {
	switch s {
	case "consistent":
		return evalgate.VerdictConsistent
	case "inconsistent":
		return evalgate.VerdictInconsistent
	case "uncertain":
		return evalgate.VerdictUncertain
	default:
		return evalgate.VerdictError
	}
}
