package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/nonce-validator/internal/db"
	"github.com/sells-group/nonce-validator/internal/model"
)

// PostgresStore implements Store using pgxpool. Per-target results live in
// their own table and are written with COPY.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	total       INTEGER NOT NULL DEFAULT 0,
	matches     INTEGER NOT NULL DEFAULT 0,
	mismatches  INTEGER NOT NULL DEFAULT 0,
	errors      INTEGER NOT NULL DEFAULT 0,
	elapsed_ms  BIGINT NOT NULL DEFAULT 0,
	exit_code   INTEGER NOT NULL DEFAULT 0,
	alerts_sent INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS run_results (
	run_id         TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	position       INTEGER NOT NULL,
	process_id     TEXT NOT NULL,
	target         TEXT NOT NULL,
	status         TEXT NOT NULL,
	source_a_value TEXT,
	source_b_value TEXT,
	difference     BIGINT,
	source_a_url   TEXT NOT NULL,
	source_b_url   TEXT NOT NULL,
	error          TEXT NOT NULL DEFAULT '',
	duration_ms    BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, position)
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_run_results_process ON run_results(process_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const pgRunColumns = `id, status, total, matches, mismatches, errors, elapsed_ms, exit_code, alerts_sent, error, started_at, finished_at`

var resultColumns = []string{
	"run_id", "position", "process_id", "target", "status",
	"source_a_value", "source_b_value", "difference",
	"source_a_url", "source_b_url", "error", "duration_ms",
}

func (s *PostgresStore) SaveRun(ctx context.Context, run *model.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}

	rows := make([][]any, 0, len(run.Results))
	for i, r := range run.Results {
		var diff *int64
		if r.HasDifference {
			d := r.Difference
			diff = &d
		}
		rows = append(rows, []any{
			run.ID, i, r.ID, r.Host, string(r.Status),
			r.SourceAValue, r.SourceBValue, diff,
			r.SourceAURL, r.SourceBURL, r.Error, r.Duration.Milliseconds(),
		})
	}

	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO runs (`+pgRunColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status,
				total = EXCLUDED.total,
				matches = EXCLUDED.matches,
				mismatches = EXCLUDED.mismatches,
				errors = EXCLUDED.errors,
				elapsed_ms = EXCLUDED.elapsed_ms,
				exit_code = EXCLUDED.exit_code,
				alerts_sent = EXCLUDED.alerts_sent,
				error = EXCLUDED.error,
				finished_at = EXCLUDED.finished_at`,
			run.ID, string(run.Status),
			run.Stats.Total, run.Stats.Matches, run.Stats.Mismatches, run.Stats.Errors,
			run.Stats.Elapsed.Milliseconds(), run.ExitCode, run.AlertsSent, run.Error,
			run.StartedAt.UTC(), optionalTime(run.FinishedAt),
		)
		if err != nil {
			return eris.Wrap(err, "upsert run")
		}
		if _, err := tx.Exec(ctx, `DELETE FROM run_results WHERE run_id = $1`, run.ID); err != nil {
			return eris.Wrap(err, "clear results")
		}
		_, err = db.CopyFrom(ctx, tx, "run_results", resultColumns, rows)
		return err
	})
	return eris.Wrapf(err, "postgres: save run %s", run.ID)
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgRunColumns+` FROM runs WHERE id = $1`, runID)
	r, err := scanPgRun(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT process_id, target, status, source_a_value, source_b_value, difference,
		       source_a_url, source_b_url, error, duration_ms
		FROM run_results WHERE run_id = $1 ORDER BY position`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get results %s", runID)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			res        model.ComparisonResult
			diff       *int64
			durationMs int64
		)
		if err := rows.Scan(
			&res.ID, &res.Host, &res.Status, &res.SourceAValue, &res.SourceBValue, &diff,
			&res.SourceAURL, &res.SourceBURL, &res.Error, &durationMs,
		); err != nil {
			return nil, eris.Wrap(err, "postgres: scan result")
		}
		if diff != nil {
			res.Difference, res.HasDifference = *diff, true
		}
		res.Duration = time.Duration(durationMs) * time.Millisecond
		r.Results = append(r.Results, res)
	}
	return r, eris.Wrap(rows.Err(), "postgres: iterate results")
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + pgRunColumns + ` FROM runs WHERE 1=1`
	var args []any
	n := 0
	next := func() string {
		n++
		return fmt.Sprintf("$%d", n)
	}

	if filter.Status != "" {
		query += ` AND status = ` + next()
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		query += ` AND started_at >= ` + next()
		args = append(args, filter.Since.UTC())
	}
	query += ` ORDER BY started_at DESC LIMIT ` + next()
	args = append(args, limitOrDefault(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ` + next()
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: list runs")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func scanPgRun(row pgx.Row) (*model.Run, error) {
	var (
		r         model.Run
		elapsedMs int64
		finished  *time.Time
	)
	err := row.Scan(
		&r.ID, &r.Status,
		&r.Stats.Total, &r.Stats.Matches, &r.Stats.Mismatches, &r.Stats.Errors,
		&elapsedMs, &r.ExitCode, &r.AlertsSent, &r.Error,
		&r.StartedAt, &finished,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan run")
	}
	r.Stats.Elapsed = time.Duration(elapsedMs) * time.Millisecond
	if finished != nil {
		r.FinishedAt = *finished
	}
	return &r, nil
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
