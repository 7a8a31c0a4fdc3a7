package jobregistry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// GetHypothesis returns the job's current hypothesis record. A job with no
// record yet reports NotStarted rather than an error, so clients can poll
// before any submission.
func (s *Store) GetHypothesis(ctx context.Context, jobID string) (*HypothesisRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT job_id, status, started_at, completed_at, error_message, results
		 FROM hypothesis_tests WHERE job_id = ?`, jobID)

	var rec HypothesisRecord
	var startedAt, completedAt, errorMessage, results sql.NullString
	err := row.Scan(&rec.JobID, &rec.Status, &startedAt, &completedAt, &errorMessage, &results)
	if errors.Is(err, sql.ErrNoRows) {
		return &HypothesisRecord{JobID: jobID, Status: HypothesisNotStarted}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get hypothesis record: %w", err)
	}

	if rec.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if rec.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	rec.ErrorMessage = errorMessage.String
	if results.Valid && results.String != "" {
		if err := json.Unmarshal([]byte(results.String), &rec.Results); err != nil {
			return nil, fmt.Errorf("decode hypothesis results for %s: %w", jobID, err)
		}
	}
	return &rec, nil
}

// StartHypothesis replaces the job's hypothesis record with a fresh
// running one. Any previous outcome is overwritten: a resubmission always
// restarts from a clean record.
func (s *Store) StartHypothesis(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO hypothesis_tests (job_id, status, started_at, completed_at, error_message, results)
		 VALUES (?, ?, ?, NULL, '', NULL)
		 ON CONFLICT(job_id) DO UPDATE SET
		   status = excluded.status,
		   started_at = excluded.started_at,
		   completed_at = NULL,
		   error_message = '',
		   results = NULL`,
		jobID, HypothesisRunning, formatTime(now))
	if err != nil {
		return fmt.Errorf("start hypothesis record: %w", err)
	}
	return nil
}

// FinishHypothesis records the terminal outcome of a hypothesis run.
func (s *Store) FinishHypothesis(ctx context.Context, jobID string, status HypothesisStatus, rows []ResultRow, errorMessage string) error {
	if status != HypothesisCompleted && status != HypothesisFailed {
		return fmt.Errorf("finish requires a terminal hypothesis status, got %s", status)
	}

	var results any
	if len(rows) > 0 {
		b, err := json.Marshal(rows)
		if err != nil {
			return fmt.Errorf("encode hypothesis results: %w", err)
		}
		results = string(b)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE hypothesis_tests
		 SET status = ?, completed_at = ?, error_message = ?, results = ?
		 WHERE job_id = ? AND status = ?`,
		status, formatTime(now), errorMessage, results, jobID, HypothesisRunning)
	if err != nil {
		return fmt.Errorf("finish hypothesis record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish hypothesis record: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotRunning
	}
	return nil
}
