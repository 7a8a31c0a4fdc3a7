package jobregistry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a job id has no record.
var ErrNotFound = errors.New("job not found")

// ErrNotRunning is returned by terminal transitions when the record is
// already terminal: status transitions are monotone and a finished job can
// never lose its outcome to a late writer.
var ErrNotRunning = errors.New("job is not running")

// Insert persists a new record. The record must carry status running:
// submission writes the registry entry before spawn confirmation so an
// accepted submission is always discoverable.
func (s *Store) Insert(ctx context.Context, rec *JobRecord) error {
	if rec == nil {
		return fmt.Errorf("job record is nil")
	}
	if rec.JobID == "" {
		return fmt.Errorf("job_id is required")
	}
	if rec.Status != StatusRunning {
		return fmt.Errorf("new records must be running, got %s", rec.Status)
	}

	parameters, err := marshalJSON(rec.Parameters)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	invocation, err := marshalJSON(rec.Invocation)
	if err != nil {
		return fmt.Errorf("encode invocation: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs
		 (job_id, owner, session_id, status, parameters, invocation, pid,
		  created_at, started_at, last_heartbeat)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.JobID, rec.Owner, rec.SessionID, rec.Status, parameters, invocation,
		rec.PID, formatTime(rec.CreatedAt), formatTimePtr(rec.StartedAt),
		formatTimePtr(rec.LastHeartbeat))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get retrieves a record by id.
func (s *Store) Get(ctx context.Context, jobID string) (*JobRecord, error) {
	row := s.db.QueryRowContext(ctx, selectJobs+` WHERE job_id = ?`, jobID)
	rec, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// ListByOwner returns an owner's records, newest first.
func (s *Store) ListByOwner(ctx context.Context, owner string) ([]JobRecord, error) {
	return s.list(ctx, selectJobs+` WHERE owner = ? ORDER BY created_at DESC`, owner)
}

// ListByStatus returns every record in the given state.
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]JobRecord, error) {
	return s.list(ctx, selectJobs+` WHERE status = ? ORDER BY created_at DESC`, string(status))
}

// List returns every record, newest first.
func (s *Store) List(ctx context.Context) ([]JobRecord, error) {
	return s.list(ctx, selectJobs + ` ORDER BY created_at DESC`)
}

// CountRunning returns the number of running jobs, the admission-control
// input at submit time.
func (s *Store) CountRunning(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = ?`, StatusRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count running jobs: %w", err)
	}
	return n, nil
}

// CountBySession returns how many jobs reference a session id, used to
// decide whether deleting a job may also remove its session directory.
func (s *Store) CountBySession(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count session jobs: %w", err)
	}
	return n, nil
}

// Finalize transitions a running record to a terminal state, recording the
// exit observation. The WHERE clause enforces monotonicity in the store
// itself: a record that is already terminal is left untouched and
// ErrNotRunning is returned.
func (s *Store) Finalize(ctx context.Context, jobID string, status Status, exitCode *int, termSignal string, errorMessage string) error {
	if !status.Terminal() {
		return fmt.Errorf("finalize requires a terminal status, got %s", status)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = ?, completed_at = ?, exit_code = ?, term_signal = ?,
		     error_message = ?, pid = 0
		 WHERE job_id = ? AND status = ?`,
		status, formatTime(now), exitCode, termSignal, errorMessage,
		jobID, StatusRunning)
	if err != nil {
		return fmt.Errorf("finalize job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize job: rows affected: %w", err)
	}
	if n == 0 {
		if _, getErr := s.Get(ctx, jobID); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrNotRunning
	}
	return nil
}

// SetPID records the spawned process id on a still-running record.
func (s *Store) SetPID(ctx context.Context, jobID string, pid int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET pid = ? WHERE job_id = ? AND status = ?`,
		pid, jobID, StatusRunning)
	if err != nil {
		return fmt.Errorf("set job pid: %w", err)
	}
	return nil
}

// Heartbeat refreshes a running record's liveness timestamp.
func (s *Store) Heartbeat(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET last_heartbeat = ? WHERE job_id = ? AND status = ?`,
		formatTime(time.Now().UTC()), jobID, StatusRunning)
	if err != nil {
		return fmt.Errorf("heartbeat job: %w", err)
	}
	return nil
}

// Delete removes a job record and its hypothesis record.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM hypothesis_tests WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("delete hypothesis record: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("delete job record: %w", err)
	}
	return tx.Commit()
}

const selectJobs = `SELECT job_id, owner, session_id, status, parameters,
	invocation, pid, created_at, started_at, completed_at, last_heartbeat,
	exit_code, term_signal, error_message FROM jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*JobRecord, error) {
	var rec JobRecord
	var parameters, invocation sql.NullString
	var createdAt string
	var startedAt, completedAt, lastHeartbeat sql.NullString
	var pid sql.NullInt64
	var exitCode sql.NullInt64
	var termSignal, errorMessage sql.NullString

	err := row.Scan(&rec.JobID, &rec.Owner, &rec.SessionID, &rec.Status,
		&parameters, &invocation, &pid, &createdAt, &startedAt, &completedAt,
		&lastHeartbeat, &exitCode, &termSignal, &errorMessage)
	if err != nil {
		return nil, err
	}

	if parameters.Valid && parameters.String != "" {
		if err := json.Unmarshal([]byte(parameters.String), &rec.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters for %s: %w", rec.JobID, err)
		}
	}
	if invocation.Valid && invocation.String != "" {
		if err := json.Unmarshal([]byte(invocation.String), &rec.Invocation); err != nil {
			return nil, fmt.Errorf("decode invocation for %s: %w", rec.JobID, err)
		}
	}
	rec.PID = int(pid.Int64)
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if rec.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if rec.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	if rec.LastHeartbeat, err = parseTimePtr(lastHeartbeat); err != nil {
		return nil, err
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		rec.ExitCode = &v
	}
	rec.TermSignal = termSignal.String
	rec.ErrorMessage = errorMessage.String
	return &rec, nil
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
