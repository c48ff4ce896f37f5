// Package runstore persists agent run and step bookkeeping.
package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/martinemde/agentrt/agentloop"
)

// ErrRunNotFound is returned for unknown run ids.
var ErrRunNotFound = errors.New("run not found")

// SQLiteStore stores runs and steps in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ agentloop.RunStore = (*SQLiteStore)(nil)

// Open returns a SQLiteStore for path, or an in-memory store when path is
// empty.
func Open(path string) (agentloop.RunStore, func() error, error) {
	if path == "" {
		return agentloop.NewMemoryStore(), func() error { return nil }, nil
	}
	store, err := NewSQLiteStore(path)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

// NewSQLiteStore opens (and if needed creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Parallel children write concurrently; serialize on one connection.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		agent_type TEXT NOT NULL,
		parent_run_id TEXT,
		ancestor_run_ids TEXT NOT NULL,
		status TEXT NOT NULL,
		credits_used INTEGER NOT NULL DEFAULT 0,
		direct_credits_used INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at DATETIME NOT NULL,
		finished_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS steps (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		step_number INTEGER NOT NULL,
		status TEXT NOT NULL,
		credits INTEGER NOT NULL DEFAULT 0,
		child_run_ids TEXT NOT NULL,
		message_id TEXT,
		error TEXT,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id);
	CREATE INDEX IF NOT EXISTS idx_runs_parent ON runs(parent_run_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) StartRun(ctx context.Context, run agentloop.RunRecord) (string, error) {
	if run.RunID == "" {
		run.RunID = uuid.NewString()
	}
	ancestors, err := json.Marshal(nonNil(run.AncestorRunIDs))
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, agent_id, agent_type, parent_run_id, ancestor_run_ids, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.RunID, run.AgentID, run.AgentType, nullString(run.ParentRunID), string(ancestors),
		string(agentloop.RunRunning), time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to start run: %w", err)
	}
	return run.RunID, nil
}

func (s *SQLiteStore) AddStep(ctx context.Context, step agentloop.StepRecord) (string, error) {
	if step.StepID == "" {
		step.StepID = uuid.NewString()
	}
	children, err := json.Marshal(nonNil(step.ChildRunIDs))
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO steps (id, run_id, step_number, status, credits, child_run_ids, message_id, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, step.StepID, step.RunID, step.StepNumber, string(step.Status), step.Credits, string(children),
		nullString(step.MessageID), nullString(step.ErrorMessage), time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to add step: %w", err)
	}
	return step.StepID, nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status agentloop.RunStatus, totals agentloop.RunTotals) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, credits_used = ?, direct_credits_used = ?, error = ?, finished_at = ?
		WHERE id = ?
	`, string(status), totals.CreditsUsed, totals.DirectCreditsUsed, nullString(totals.ErrorMessage),
		time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// Run loads one run.
func (s *SQLiteStore) Run(ctx context.Context, runID string) (*agentloop.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, agent_type, parent_run_id, ancestor_run_ids, status,
			credits_used, direct_credits_used, error, started_at, finished_at
		FROM runs WHERE id = ?
	`, runID)

	var (
		run               agentloop.RunRecord
		parent, errMsg    sql.NullString
		ancestors, status string
		finishedAt        sql.NullTime
	)
	err := row.Scan(&run.RunID, &run.AgentID, &run.AgentType, &parent, &ancestors, &status,
		&run.CreditsUsed, &run.DirectCreditsUsed, &errMsg, &run.StartedAt, &finishedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	run.ParentRunID = parent.String
	run.ErrorMessage = errMsg.String
	run.Status = agentloop.RunStatus(status)
	if finishedAt.Valid {
		run.FinishedAt = finishedAt.Time
	}
	if err := json.Unmarshal([]byte(ancestors), &run.AncestorRunIDs); err != nil {
		return nil, fmt.Errorf("failed to decode ancestors: %w", err)
	}
	return &run, nil
}

// Steps loads the steps of a run in step order.
func (s *SQLiteStore) Steps(ctx context.Context, runID string) ([]agentloop.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, step_number, status, credits, child_run_ids, message_id, error, created_at
		FROM steps WHERE run_id = ? ORDER BY step_number, created_at
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load steps: %w", err)
	}
	defer rows.Close()

	var steps []agentloop.StepRecord
	for rows.Next() {
		var (
			step              agentloop.StepRecord
			status, children  string
			messageID, errMsg sql.NullString
		)
		if err := rows.Scan(&step.StepID, &step.RunID, &step.StepNumber, &status, &step.Credits,
			&children, &messageID, &errMsg, &step.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		step.Status = agentloop.StepStatus(status)
		step.MessageID = messageID.String
		step.ErrorMessage = errMsg.String
		if err := json.Unmarshal([]byte(children), &step.ChildRunIDs); err != nil {
			return nil, fmt.Errorf("failed to decode child runs: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// Children returns the ids of runs started directly under runID.
func (s *SQLiteStore) Children(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM runs WHERE parent_run_id = ? ORDER BY started_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load child runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
