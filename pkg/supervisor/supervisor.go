// Package supervisor owns the in-memory handles to live engine processes:
// it spawns them, streams their combined output to a per-job rolling log,
// and delivers exactly one exit notification per process.
//
// Handles are ephemeral by design. After a host restart the table is
// empty; reconciling persisted running records against reality is the
// lifecycle manager's startup job, not the supervisor's.
package supervisor

import (
	"fmt"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	apperrors "github.com/verdantlab/phyloforge/internal/errors"
)

// ExitInfo describes how a process terminated.
type ExitInfo struct {
	// Code is the exit code, or -1 when the process died to a signal.
	Code int
	// Signal is the terminating signal name (e.g. "SIGTERM"), empty on a
	// normal exit.
	Signal string
}

// OnExit is invoked exactly once when the process terminates.
type OnExit func(handleID string, exit ExitInfo)

// Handle is the in-memory state for one live process.
type Handle struct {
	ID        string
	PID       int
	StartedAt time.Time
	LogPath   string

	cmd        *exec.Cmd
	signalOnce sync.Once
	done       chan struct{}
}

// Done is closed when the process has exited and its exit notification
// has been delivered.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Supervisor maintains the live handle table, keyed by handle id (the job
// id for primary runs, a derived id for hypothesis runs). The table is
// deliberately separate from the job registry.
type Supervisor struct {
	mu      sync.Mutex
	handles map[string]*Handle
	logger  *zap.Logger

	// rollSizeMB bounds each runner log file before rotation.
	rollSizeMB int
}

func New(logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		handles:    make(map[string]*Handle),
		logger:     logger,
		rollSizeMB: 50,
	}
}

// Spawn starts argv in workdir, streaming combined stdout/stderr into a
// rolling log at logPath. onExit fires exactly once from the wait
// goroutine. A launch failure surfaces as ProcessSpawnError and leaves no
// handle behind.
func (s *Supervisor) Spawn(handleID string, argv []string, workdir string, logPath string, onExit OnExit) (*Handle, error) {
	if len(argv) == 0 {
		return nil, apperrors.New(apperrors.CodeProcessSpawn, "empty invocation")
	}

	h := &Handle{
		ID:      handleID,
		LogPath: logPath,
		done:    make(chan struct{}),
	}

	// Reserve the key before starting so two racing spawns for the same
	// id cannot both launch a process.
	s.mu.Lock()
	if _, exists := s.handles[handleID]; exists {
		s.mu.Unlock()
		return nil, apperrors.New(apperrors.CodeProcessSpawn, "handle already exists: %s", handleID)
	}
	s.handles[handleID] = h
	s.mu.Unlock()

	sink := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    s.rollSizeMB,
		MaxBackups: 3,
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workdir
	cmd.Stdout = sink
	cmd.Stderr = sink
	configureProcess(cmd)

	if err := cmd.Start(); err != nil {
		_ = sink.Close()
		s.mu.Lock()
		delete(s.handles, handleID)
		s.mu.Unlock()
		return nil, apperrors.Wrap(apperrors.CodeProcessSpawn, err, "launch engine %q", argv[0])
	}

	h.cmd = cmd
	h.PID = cmd.Process.Pid
	h.StartedAt = time.Now().UTC()

	go s.wait(h, sink, onExit)

	s.logger.Info("spawned engine process",
		zap.String("handle_id", handleID),
		zap.Int("pid", h.PID),
		zap.String("workdir", workdir))

	return h, nil
}

func (s *Supervisor) wait(h *Handle, sink *lumberjack.Logger, onExit OnExit) {
	err := h.cmd.Wait()
	_ = sink.Close()

	exit := exitInfoFrom(h.cmd, err)

	s.mu.Lock()
	delete(s.handles, h.ID)
	s.mu.Unlock()

	s.logger.Info("engine process exited",
		zap.String("handle_id", h.ID),
		zap.Int("exit_code", exit.Code),
		zap.String("signal", exit.Signal))

	if onExit != nil {
		onExit(h.ID, exit)
	}
	close(h.done)
}

// Signal delivers a cooperative termination request to the handle's
// process group. It does not wait for the process to exit and is
// idempotent: repeated calls deliver at most one signal. Returns false
// when no live handle exists.
func (s *Supervisor) Signal(handleID string) bool {
	s.mu.Lock()
	h, ok := s.handles[handleID]
	s.mu.Unlock()
	if !ok {
		return false
	}

	h.signalOnce.Do(func() {
		if err := terminateProcess(h.cmd); err != nil {
			s.logger.Warn("signal delivery failed",
				zap.String("handle_id", handleID),
				zap.Error(err))
		}
	})
	return true
}

// Lookup returns the live handle for an id, if any.
func (s *Supervisor) Lookup(handleID string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[handleID]
	return h, ok
}

// Len reports the number of live handles.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

func (s *Supervisor) String() string {
	return fmt.Sprintf("supervisor(%d live)", s.Len())
}
