// Package lifecycle coordinates the full life of a job: admission,
// session resolution, registry bookkeeping, process supervision, and the
// post-exit reconciliation of engine artifacts.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/verdantlab/phyloforge/internal/errors"
	"github.com/verdantlab/phyloforge/pkg/jobregistry"
	"github.com/verdantlab/phyloforge/pkg/params"
	"github.com/verdantlab/phyloforge/pkg/reconcile"
	"github.com/verdantlab/phyloforge/pkg/session"
	"github.com/verdantlab/phyloforge/pkg/supervisor"
)

const (
	runnerLogName = "runner.log"
	polygonName   = "polygon.geojson"
	logsDirName   = "logs"
)

// Options configures a Manager.
type Options struct {
	// JobsDir is where per-job directories (runner log, staged polygon,
	// reconciled stage logs) live.
	JobsDir string

	// Engine is the launcher argv prefix for primary runs.
	Engine []string

	// MaxRunning is the admission ceiling for concurrently running jobs.
	MaxRunning int

	// HeartbeatInterval controls how often a running record's liveness
	// stamp is refreshed. Zero picks a sane default.
	HeartbeatInterval time.Duration

	// DeleteWait bounds how long Delete waits for a signalled process to
	// exit before removing the record anyway. Zero picks a sane default.
	DeleteWait time.Duration
}

// Submission is the accepted-job acknowledgment returned by Submit.
type Submission struct {
	JobID     string `json:"job_id"`
	SessionID string `json:"session_id"`
}

// StatusView merges the persisted record with live-handle recency.
type StatusView struct {
	Record *jobregistry.JobRecord `json:"record"`
	Live   bool                   `json:"live"`
	// LogPath points at the rolling runner log for `jobs logs`.
	LogPath string `json:"log_path,omitempty"`
}

// Manager owns job admission and the running-to-terminal state machine.
type Manager struct {
	registry   *jobregistry.Store
	procs      *supervisor.Supervisor
	sessions   *session.Resolver
	reconciler *reconcile.Reconciler
	logger     *zap.Logger
	opts       Options

	mu sync.Mutex
	// abortIntent marks jobs whose next exit must resolve to aborted
	// regardless of the process's exit code.
	abortIntent map[string]bool
	// leases serializes submissions per session: the engine cannot share a
	// resumable working directory between two concurrent runs.
	leases map[string]string
}

func NewManager(registry *jobregistry.Store, procs *supervisor.Supervisor, sessions *session.Resolver, reconciler *reconcile.Reconciler, logger *zap.Logger, opts Options) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxRunning <= 0 {
		opts.MaxRunning = 4
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.DeleteWait <= 0 {
		opts.DeleteWait = 10 * time.Second
	}
	return &Manager{
		registry:    registry,
		procs:       procs,
		sessions:    sessions,
		reconciler:  reconciler,
		logger:      logger,
		opts:        opts,
		abortIntent: make(map[string]bool),
		leases:      make(map[string]string),
	}
}

// JobDir returns the per-job directory path.
func (m *Manager) JobDir(jobID string) string {
	return filepath.Join(m.opts.JobsDir, jobID)
}

// Submit validates the raw parameters, resolves the session, and launches
// the engine. The running record is written before the spawn so every
// accepted submission is discoverable; a failed spawn flips it to failed.
func (m *Manager) Submit(ctx context.Context, owner string, raw map[string]any) (*Submission, error) {
	if owner == "" {
		return nil, apperrors.New(apperrors.CodeUnauthorized, "owner identity is required")
	}

	p, err := params.Parse(raw)
	if err != nil {
		return nil, err
	}

	sessionID, sessionDir, err := m.sessions.Resolve(p.Core())
	if err != nil {
		return nil, err
	}

	running, err := m.registry.CountRunning(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, err, "count running jobs")
	}
	if running >= m.opts.MaxRunning {
		return nil, apperrors.New(apperrors.CodeResourceUnavailable,
			"job capacity reached (%d running)", running)
	}

	jobID := uuid.NewString()
	if !m.acquireLease(sessionID, jobID) {
		return nil, apperrors.New(apperrors.CodeResourceUnavailable,
			"session %s is busy with another job", sessionID)
	}

	sub, err := m.launch(ctx, owner, jobID, sessionID, sessionDir, p, raw)
	if err != nil {
		m.releaseLease(sessionID, jobID)
		return nil, err
	}
	return sub, nil
}

func (m *Manager) launch(ctx context.Context, owner, jobID, sessionID, sessionDir string, p *params.Params, raw map[string]any) (*Submission, error) {
	jobDir := m.JobDir(jobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeResourceUnavailable, err, "create job directory")
	}

	polygonPath := ""
	if geo, err := p.Core().PolygonJSON(); err != nil {
		return nil, err
	} else if geo != nil {
		polygonPath = filepath.Join(jobDir, polygonName)
		if err := os.WriteFile(polygonPath, geo, 0o644); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeResourceUnavailable, err, "stage polygon")
		}
	}

	argv := params.BuildArgv(m.opts.Engine, p, sessionDir, polygonPath)

	now := time.Now().UTC()
	rec := &jobregistry.JobRecord{
		JobID:      jobID,
		Owner:      owner,
		SessionID:  sessionID,
		Status:     jobregistry.StatusRunning,
		Parameters: raw,
		Invocation: argv,
		CreatedAt:  now,
		StartedAt:  &now,
	}
	if err := m.registry.Insert(ctx, rec); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, err, "persist job record")
	}

	h, err := m.procs.Spawn(jobID, argv, sessionDir, filepath.Join(jobDir, runnerLogName), m.onExit)
	if err != nil {
		if ferr := m.registry.Finalize(ctx, jobID, jobregistry.StatusFailed, nil, "", err.Error()); ferr != nil {
			m.logger.Error("mark spawn failure", zap.String("job_id", jobID), zap.Error(ferr))
		}
		return nil, err
	}

	if err := m.registry.SetPID(ctx, jobID, h.PID); err != nil {
		m.logger.Warn("record pid", zap.String("job_id", jobID), zap.Error(err))
	}
	go m.heartbeatLoop(jobID, h)

	m.logger.Info("job submitted",
		zap.String("job_id", jobID),
		zap.String("owner", owner),
		zap.String("session_id", sessionID),
		zap.Int("pid", h.PID))

	return &Submission{JobID: jobID, SessionID: sessionID}, nil
}

// Status returns the merged registry and live-handle view. An empty owner
// (local CLI use) skips the ownership check.
func (m *Manager) Status(ctx context.Context, owner, jobID string) (*StatusView, error) {
	rec, err := m.getOwned(ctx, owner, jobID)
	if err != nil {
		return nil, err
	}
	_, live := m.procs.Lookup(jobID)
	return &StatusView{
		Record:  rec,
		Live:    live,
		LogPath: filepath.Join(m.JobDir(jobID), runnerLogName),
	}, nil
}

// List returns the owner's jobs, or every job when owner is empty.
func (m *Manager) List(ctx context.Context, owner string) ([]jobregistry.JobRecord, error) {
	if owner == "" {
		return m.registry.List(ctx)
	}
	return m.registry.ListByOwner(ctx, owner)
}

// AbortOutcome reports how an abort request resolved.
type AbortOutcome string

const (
	// AbortSignaled means a live process received the termination signal.
	AbortSignaled AbortOutcome = "signaled"
	// AbortNotRunning means the job had nothing left to signal: it is
	// already terminal, or its record has no live process.
	AbortNotRunning AbortOutcome = "not_running"
)

// Abort requests cooperative termination. The abort intent is recorded
// before signalling so the exit, whatever its code, resolves to aborted.
// A job with no live process is not an error; the outcome says so.
func (m *Manager) Abort(ctx context.Context, owner, jobID string) (AbortOutcome, error) {
	rec, err := m.getOwned(ctx, owner, jobID)
	if err != nil {
		return "", err
	}
	if rec.Status.Terminal() {
		return AbortNotRunning, nil
	}

	m.mu.Lock()
	m.abortIntent[jobID] = true
	m.mu.Unlock()

	if !m.procs.Signal(jobID) {
		m.mu.Lock()
		delete(m.abortIntent, jobID)
		m.mu.Unlock()
		return AbortNotRunning, nil
	}

	m.logger.Info("job abort signalled", zap.String("job_id", jobID))
	return AbortSignaled, nil
}

// Delete removes a job and everything it owns: the process if still
// running, the job directory, the registry record, and the session
// directory when no other job references it.
func (m *Manager) Delete(ctx context.Context, owner, jobID string) error {
	rec, err := m.getOwned(ctx, owner, jobID)
	if err != nil {
		return err
	}

	if h, live := m.procs.Lookup(jobID); live {
		m.mu.Lock()
		m.abortIntent[jobID] = true
		m.mu.Unlock()
		m.procs.Signal(jobID)

		select {
		case <-h.Done():
		case <-time.After(m.opts.DeleteWait):
			m.logger.Warn("process did not exit before delete deadline",
				zap.String("job_id", jobID), zap.Int("pid", h.PID))
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := m.registry.Delete(ctx, jobID); err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, err, "delete job record")
	}
	if err := os.RemoveAll(m.JobDir(jobID)); err != nil {
		m.logger.Warn("remove job directory", zap.String("job_id", jobID), zap.Error(err))
	}

	remaining, err := m.registry.CountBySession(ctx, rec.SessionID)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, err, "count session references")
	}
	if remaining == 0 {
		if err := os.RemoveAll(m.sessions.Dir(rec.SessionID)); err != nil {
			m.logger.Warn("remove session directory",
				zap.String("session_id", rec.SessionID), zap.Error(err))
		}
	}

	m.logger.Info("job deleted", zap.String("job_id", jobID), zap.String("owner", rec.Owner))
	return nil
}

// StartupRecover reconciles persisted running records against reality
// after a restart. Handles do not survive the process, so every such
// record is an orphan: still-live pids get a TERM, and the record is
// marked failed either way.
func (m *Manager) StartupRecover(ctx context.Context) (int, error) {
	orphans, err := m.registry.ListByStatus(ctx, jobregistry.StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("list running jobs: %w", err)
	}

	recovered := 0
	for _, rec := range orphans {
		if supervisor.IsProcessAlive(rec.PID) {
			if err := supervisor.TerminatePID(rec.PID); err != nil {
				m.logger.Warn("terminate orphaned process",
					zap.String("job_id", rec.JobID), zap.Int("pid", rec.PID), zap.Error(err))
			}
		}
		err := m.registry.Finalize(ctx, rec.JobID, jobregistry.StatusFailed, nil, "",
			"orphaned by server restart")
		if err != nil {
			m.logger.Error("finalize orphaned job",
				zap.String("job_id", rec.JobID), zap.Error(err))
			continue
		}
		recovered++
		m.logger.Warn("orphaned job marked failed",
			zap.String("job_id", rec.JobID), zap.Int("pid", rec.PID))
	}
	return recovered, nil
}

// onExit is the single terminal-transition point for supervised runs.
func (m *Manager) onExit(jobID string, exit supervisor.ExitInfo) {
	ctx := context.Background()

	m.mu.Lock()
	aborted := m.abortIntent[jobID]
	delete(m.abortIntent, jobID)
	m.mu.Unlock()

	rec, err := m.registry.Get(ctx, jobID)
	if err != nil {
		// Deleted while exiting; nothing left to finalize, but the session
		// lease must still be released or the session stays busy forever.
		m.releaseLeaseByJob(jobID)
		m.logger.Warn("exited job has no record", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	defer m.releaseLease(rec.SessionID, jobID)

	status, exitCode, termSignal, message := classifyExit(aborted, exit)
	err = m.registry.Finalize(ctx, jobID, status, exitCode, termSignal, message)
	if err != nil {
		m.logger.Error("finalize job", zap.String("job_id", jobID), zap.Error(err))
		return
	}

	m.logger.Info("job finished",
		zap.String("job_id", jobID),
		zap.String("status", string(status)),
		zap.Int("exit_code", exit.Code),
		zap.String("signal", exit.Signal))

	// Artifact reconciliation is bookkeeping after the fact; its failures
	// never touch the terminal status recorded above. It runs before the
	// handle's done channel closes so Delete never races a late writer.
	m.finishArtifacts(jobID, rec)
}

func classifyExit(aborted bool, exit supervisor.ExitInfo) (jobregistry.Status, *int, string, string) {
	switch {
	case aborted:
		sig := exit.Signal
		if sig == "" {
			sig = "SIGTERM"
		}
		return jobregistry.StatusAborted, nil, sig, "aborted by owner request"
	case exit.Code == 0:
		code := 0
		return jobregistry.StatusCompleted, &code, "", ""
	case exit.Signal != "":
		return jobregistry.StatusFailed, nil, exit.Signal,
			fmt.Sprintf("engine terminated by %s", exit.Signal)
	default:
		code := exit.Code
		return jobregistry.StatusFailed, &code, "",
			fmt.Sprintf("engine exited with code %d", exit.Code)
	}
}

func (m *Manager) finishArtifacts(jobID string, rec *jobregistry.JobRecord) {
	jobDir := m.JobDir(jobID)
	logsDir := filepath.Join(jobDir, logsDirName)

	trace, err := os.Open(filepath.Join(jobDir, runnerLogName))
	if err != nil {
		m.logger.Warn("open runner log for reconcile",
			zap.String("job_id", jobID), zap.Error(err))
	} else {
		defer func() { _ = trace.Close() }()
		_, _, err := m.reconciler.Reconcile(jobID, trace, m.sessions.Dir(rec.SessionID), logsDir)
		if err != nil {
			m.logger.Warn("reconcile stage logs", zap.String("job_id", jobID), zap.Error(err))
		}
	}

	err = reconcile.WriteAudit(logsDir, reconcile.Audit{
		JobID:      jobID,
		SessionID:  rec.SessionID,
		Parameters: rec.Parameters,
		Invocation: rec.Invocation,
	})
	if err != nil {
		m.logger.Warn("write audit snapshot", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (m *Manager) heartbeatLoop(jobID string, h *supervisor.Handle) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.Done():
			return
		case <-ticker.C:
			if err := m.registry.Heartbeat(context.Background(), jobID); err != nil {
				m.logger.Warn("heartbeat", zap.String("job_id", jobID), zap.Error(err))
			}
		}
	}
}

func (m *Manager) getOwned(ctx context.Context, owner, jobID string) (*jobregistry.JobRecord, error) {
	rec, err := m.registry.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, jobregistry.ErrNotFound) {
			return nil, apperrors.New(apperrors.CodeNotFound, "job %s not found", jobID)
		}
		return nil, apperrors.Wrap(apperrors.CodeInternal, err, "load job record")
	}
	if owner != "" && rec.Owner != owner {
		return nil, apperrors.New(apperrors.CodeUnauthorized, "job %s belongs to another owner", jobID)
	}
	return rec, nil
}

func (m *Manager) acquireLease(sessionID, jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.leases[sessionID]; held {
		return false
	}
	m.leases[sessionID] = jobID
	return true
}

func (m *Manager) releaseLease(sessionID, jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leases[sessionID] == jobID {
		delete(m.leases, sessionID)
	}
}

// releaseLeaseByJob releases whichever lease the job holds, for exit paths
// where the record (and with it the session id) is already gone.
func (m *Manager) releaseLeaseByJob(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sessionID, holder := range m.leases {
		if holder == jobID {
			delete(m.leases, sessionID)
			return
		}
	}
}
