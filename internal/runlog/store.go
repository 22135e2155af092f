// Package runlog journals training runs and their progress reports in SQLite.
package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-dnn/internal/config"
	"github.com/loqalabs/loqa-dnn/internal/protocol"
	_ "modernc.org/sqlite"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Report kinds.
const (
	KindStep  = "step"
	KindEpoch = "epoch"
)

// Run is one invocation of the trainer.
type Run struct {
	ID         string
	Name       string
	Status     string
	Error      string
	Config     []byte
	StartedAt  time.Time
	FinishedAt time.Time
}

// Report is one journaled progress message.
type Report struct {
	ID        int64
	RunID     string
	Kind      string
	Epoch     int
	Step      int
	Payload   []byte
	CreatedAt time.Time
}

// Store wraps the SQLite journal. In ephemeral mode every call is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.RunLogConfig
	log   *slog.Logger
	clock func() time.Time
	newID func() string
}

// Open initializes the journal according to config.
func Open(ctx context.Context, cfg config.RunLogConfig, log *slog.Logger) (*Store, error) {
	s := &Store{cfg: cfg, log: log.With(slog.String("component", "runlog")), clock: time.Now, newID: uuid.NewString}
	if cfg.RetentionMode == "ephemeral" {
		return s, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create run log dir: %w", err)
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
	s.db = db

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.Prune(ctx); err != nil {
		s.log.Warn("run log prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    status TEXT NOT NULL,
    error TEXT,
    config BLOB,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS reports (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    epoch INTEGER NOT NULL,
    step INTEGER NOT NULL,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_reports_run_created ON reports(run_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginRun records a new running run and returns its id. The id is
// generated even when the journal is disabled.
func (s *Store) BeginRun(ctx context.Context, name string, cfg []byte) (string, error) {
	id := s.newID()
	if s.disabled() {
		return id, nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(run_id, name, status, config, started_at) VALUES(?, ?, ?, ?, ?)`,
		id, name, StatusRunning, cfg, s.clock().UTC())
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// FinishRun marks a run succeeded, or failed with runErr.
func (s *Store) FinishRun(ctx context.Context, runID string, runErr error) error {
	if s.disabled() {
		return nil
	}
	status, msg := StatusSucceeded, ""
	if runErr != nil {
		status, msg = StatusFailed, runErr.Error()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE run_id = ?`,
		status, msg, s.clock().UTC(), runID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// GetRun loads one run.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	if s.disabled() {
		return Run{}, errors.New("run log is disabled")
	}
	var (
		r        Run
		errMsg   sql.NullString
		started  string
		finished sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, name, status, error, config, started_at, finished_at FROM runs WHERE run_id = ?`, runID).
		Scan(&r.ID, &r.Name, &r.Status, &errMsg, &r.Config, &started, &finished)
	if err != nil {
		return Run{}, err
	}
	r.Error = errMsg.String
	if ts, err := time.Parse(time.RFC3339Nano, started); err == nil {
		r.StartedAt = ts
	}
	if finished.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, finished.String); err == nil {
			r.FinishedAt = ts
		}
	}
	return r, nil
}

// ListRuns returns up to limit runs, most recent first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, name, status, error, started_at, finished_at
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r        Run
			errMsg   sql.NullString
			started  string
			finished sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Status, &errMsg, &started, &finished); err != nil {
			return nil, err
		}
		r.Error = errMsg.String
		if ts, err := time.Parse(time.RFC3339Nano, started); err == nil {
			r.StartedAt = ts
		}
		if finished.Valid {
			if ts, err := time.Parse(time.RFC3339Nano, finished.String); err == nil {
				r.FinishedAt = ts
			}
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ReportStep journals a step report; it satisfies progress.Reporter.
func (s *Store) ReportStep(ctx context.Context, r protocol.StepReport) error {
	return s.append(ctx, r.RunID, KindStep, r.Epoch, r.Step, r, r.Timestamp)
}

// ReportEpoch journals an epoch report.
func (s *Store) ReportEpoch(ctx context.Context, r protocol.EpochReport) error {
	return s.append(ctx, r.RunID, KindEpoch, r.Epoch, 0, r, r.Timestamp)
}

func (s *Store) append(ctx context.Context, runID, kind string, epoch, step int, v any, at time.Time) error {
	if s.disabled() {
		return nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s report: %w", kind, err)
	}
	if at.IsZero() {
		at = s.clock()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reports(run_id, kind, epoch, step, payload, created_at) VALUES(?, ?, ?, ?, ?, ?)`,
		runID, kind, epoch, step, payload, at.UTC())
	return err
}

// ListReports retrieves up to limit reports of a run, oldest first. An empty
// kind matches every kind.
func (s *Store) ListReports(ctx context.Context, runID, kind string, limit int) ([]Report, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, kind, epoch, step, payload, created_at
		 FROM reports WHERE run_id = ? AND (? = '' OR kind = ?)
		 ORDER BY created_at ASC, id ASC LIMIT ?`, runID, kind, kind, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []Report
	for rows.Next() {
		var r Report
		var created string
		if err := rows.Scan(&r.ID, &r.RunID, &r.Kind, &r.Epoch, &r.Step, &r.Payload, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			r.CreatedAt = ts
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// Prune applies configured retention (called on startup).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return tx.Commit()
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM reports WHERE run_id IN (SELECT run_id FROM runs WHERE started_at < ?)`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxRuns > 0 {
		stale := `SELECT run_id FROM runs ORDER BY started_at DESC LIMIT -1 OFFSET ?`
		if _, err = tx.ExecContext(ctx, `DELETE FROM reports WHERE run_id IN (`+stale+`)`, s.cfg.MaxRuns); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id IN (`+stale+`)`, s.cfg.MaxRuns); err != nil {
			return err
		}
	}
	return tx.Commit()
}
