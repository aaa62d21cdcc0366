// Package history archives AttemptRecords to a SQLite database that
// survives plan deletion, so completed and deleted plans remain queryable
// after their live PlanInstance is gone (spec.md section 4.7, "durable
// attempt archive").
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/harrison/conductor/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// Store archives attempt records in a SQLite database.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if necessary) the SQLite database at dbPath and
// applies the schema.
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply history schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordAttempt archives one AttemptRecord for a plan/node pair. Records
// are never updated once written, mirroring the in-memory append-only
// history in models.NodeExecutionState.AttemptHistory.
func (s *Store) RecordAttempt(ctx context.Context, planID, planName, nodeID, nodeName string, rec models.AttemptRecord) error {
	stepStatusesJSON, err := json.Marshal(rec.StepStatuses)
	if err != nil {
		return fmt.Errorf("marshal step statuses: %w", err)
	}
	metricsJSON, err := json.Marshal(rec.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}

	query := `INSERT INTO attempts
		(plan_id, plan_name, node_id, node_name, attempt_number, trigger, success, failed_phase, error_message, base_commit, completed_commit, started_at, ended_at, step_statuses, metrics)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		planID,
		planName,
		nodeID,
		nodeName,
		rec.AttemptNumber,
		string(rec.TriggerType),
		rec.Status == models.StatusSucceeded,
		string(rec.FailedPhase),
		rec.Error,
		rec.BaseCommit,
		rec.CompletedCommit,
		rec.StartedAt,
		rec.EndedAt,
		string(stepStatusesJSON),
		string(metricsJSON),
	)
	if err != nil {
		return fmt.Errorf("insert attempt record: %w", err)
	}
	return nil
}

// ArchivedAttempt is one row read back from the archive.
type ArchivedAttempt struct {
	PlanID          string
	PlanName        string
	NodeID          string
	NodeName        string
	AttemptNumber   int
	Trigger         string
	Success         bool
	FailedPhase     string
	ErrorMessage    string
	BaseCommit      string
	CompletedCommit string
}

// ListForNode returns every archived attempt for a given plan/node pair,
// most recent first.
func (s *Store) ListForNode(ctx context.Context, planID, nodeID string) ([]ArchivedAttempt, error) {
	query := `SELECT plan_id, plan_name, node_id, node_name, attempt_number, trigger, success, failed_phase, error_message, base_commit, completed_commit
		FROM attempts
		WHERE plan_id = ? AND node_id = ?
		ORDER BY id DESC`

	rows, err := s.db.QueryContext(ctx, query, planID, nodeID)
	if err != nil {
		return nil, fmt.Errorf("query attempts for node: %w", err)
	}
	defer rows.Close()

	return scanAttempts(rows)
}

// ListForPlan returns every archived attempt for a plan, most recent first.
func (s *Store) ListForPlan(ctx context.Context, planID string) ([]ArchivedAttempt, error) {
	query := `SELECT plan_id, plan_name, node_id, node_name, attempt_number, trigger, success, failed_phase, error_message, base_commit, completed_commit
		FROM attempts
		WHERE plan_id = ?
		ORDER BY id DESC`

	rows, err := s.db.QueryContext(ctx, query, planID)
	if err != nil {
		return nil, fmt.Errorf("query attempts for plan: %w", err)
	}
	defer rows.Close()

	return scanAttempts(rows)
}

func scanAttempts(rows *sql.Rows) ([]ArchivedAttempt, error) {
	var out []ArchivedAttempt
	for rows.Next() {
		var a ArchivedAttempt
		var planName, nodeName, failedPhase, errorMessage, baseCommit, completedCommit sql.NullString
		if err := rows.Scan(
			&a.PlanID,
			&planName,
			&a.NodeID,
			&nodeName,
			&a.AttemptNumber,
			&a.Trigger,
			&a.Success,
			&failedPhase,
			&errorMessage,
			&baseCommit,
			&completedCommit,
		); err != nil {
			return nil, fmt.Errorf("scan attempt row: %w", err)
		}
		a.PlanName = planName.String
		a.NodeName = nodeName.String
		a.FailedPhase = failedPhase.String
		a.ErrorMessage = errorMessage.String
		a.BaseCommit = baseCommit.String
		a.CompletedCommit = completedCommit.String
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempt rows: %w", err)
	}
	return out, nil
}
