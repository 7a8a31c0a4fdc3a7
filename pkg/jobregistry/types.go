package jobregistry

import "time"

// Status is the lifecycle state of a job.
//
// NOTE: These values are persisted in the registry database and are part
// of the stable on-disk contract.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// Terminal reports whether s is a terminal state. Terminal records never
// change status again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// JobRecord is the durable record of one submitted computation. It is the
// single source of truth across process restarts; live process handles are
// held separately by the supervisor and are never persisted.
type JobRecord struct {
	JobID     string `json:"job_id"`
	Owner     string `json:"owner"`
	SessionID string `json:"session_id"`
	Status    Status `json:"status"`

	// Parameters is the allow-listed submitted parameter set (JSON).
	Parameters map[string]any `json:"parameters,omitempty"`

	// Invocation is the literal argument vector used to spawn the engine.
	Invocation []string `json:"invocation,omitempty"`

	PID int `json:"pid,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`

	ExitCode     *int   `json:"exit_code,omitempty"`
	TermSignal   string `json:"term_signal,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// HypothesisStatus is the lifecycle state of a job's hypothesis test.
type HypothesisStatus string

const (
	HypothesisNotStarted HypothesisStatus = "not_started"
	HypothesisRunning    HypothesisStatus = "running"
	HypothesisCompleted  HypothesisStatus = "completed"
	HypothesisFailed     HypothesisStatus = "failed"
)

// ResultRow is one metric's hypothesis-test outcome.
type ResultRow struct {
	Metric     string  `json:"metric"`
	EntireArea float64 `json:"entire_area"`
	Reference  float64 `json:"reference"`
	Test       float64 `json:"test"`
}

// HypothesisRecord is the current hypothesis test for a job. At most one
// is current per job; a resubmission replaces it after clearing prior
// result files.
type HypothesisRecord struct {
	JobID        string           `json:"job_id"`
	Status       HypothesisStatus `json:"status"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	Results      []ResultRow      `json:"results,omitempty"`
}
