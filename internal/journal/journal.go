// Package journal records batch runs and per-unit outcomes in SQLite so a
// merge pass can be audited independently of the record pass that staged
// its input.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nthree/aozorastation/internal/config"
	_ "modernc.org/sqlite"
)

// Run kinds.
const (
	KindRecord = "record"
	KindMerge  = "merge"
)

// Unit kinds within a run.
const (
	UnitDocument = "document"
	UnitSegment  = "segment"
	UnitChunk    = "chunk"
)

// Outcome statuses.
const (
	StatusOK       = "ok"
	StatusFailed   = "failed"
	StatusRejected = "rejected"
	StatusSkipped  = "skipped"
)

// Outcome is one unit result within a run.
type Outcome struct {
	ID         int64
	RunID      string
	DocumentID string
	Unit       string
	UnitRef    string
	Status     string
	Detail     string
	CreatedAt  time.Time
}

// Journal wraps the SQLite-backed run journal. In ephemeral mode every
// operation is a no-op, which keeps tests and minimal deployments free of
// on-disk state.
type Journal struct {
	db    *sql.DB
	cfg   config.JournalConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the journal according to config.
func Open(ctx context.Context, cfg config.JournalConfig, log *slog.Logger) (*Journal, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Journal{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	j := &Journal{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := j.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("journal vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := j.Prune(ctx); err != nil {
		log.Warn("journal prune on start failed", slog.String("error", err.Error()))
	}

	return j, nil
}

func (j *Journal) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    started_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS outcomes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    document_id TEXT,
    unit TEXT NOT NULL,
    unit_ref TEXT,
    status TEXT NOT NULL,
    detail TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_outcomes_run_created ON outcomes(run_id, created_at);
`
	_, err := j.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

// BeginRun records the start of a record or merge pass.
func (j *Journal) BeginRun(ctx context.Context, runID, kind string) error {
	if j.db == nil {
		return nil
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO runs(run_id, kind, started_at) VALUES(?, ?, ?)
		 ON CONFLICT(run_id) DO NOTHING`,
		runID, kind, j.clock().UTC())
	return err
}

// AppendOutcome writes one unit outcome.
func (j *Journal) AppendOutcome(ctx context.Context, o Outcome) error {
	if j.db == nil {
		return nil
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = j.clock().UTC()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO outcomes(run_id, document_id, unit, unit_ref, status, detail, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		o.RunID, o.DocumentID, o.Unit, o.UnitRef, o.Status, o.Detail, o.CreatedAt)
	return err
}

// ListRunOutcomes returns up to limit outcomes for a run, oldest first.
func (j *Journal) ListRunOutcomes(ctx context.Context, runID string, limit int) ([]Outcome, error) {
	if j.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, run_id, document_id, unit, unit_ref, status, detail, created_at
		 FROM outcomes WHERE run_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []Outcome
	for rows.Next() {
		var o Outcome
		var created string
		if err := rows.Scan(&o.ID, &o.RunID, &o.DocumentID, &o.Unit, &o.UnitRef, &o.Status, &o.Detail, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			o.CreatedAt = ts
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

// Prune applies the configured retention.
func (j *Journal) Prune(ctx context.Context) error {
	if j.db == nil {
		return nil
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if j.cfg.RetentionDays > 0 {
		cutoff := j.clock().Add(-time.Duration(j.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM outcomes WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if j.cfg.MaxRuns > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id IN (
			SELECT run_id FROM runs ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, j.cfg.MaxRuns)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
