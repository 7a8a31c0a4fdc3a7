// Package hypothesis runs the comparison analysis between two areas of a
// completed job. A hypothesis run reuses the parent job's session
// artifacts, so it is cheap relative to the primary run, and its results
// live with the parent job.
package hypothesis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/verdantlab/phyloforge/internal/errors"
	"github.com/verdantlab/phyloforge/pkg/jobregistry"
	"github.com/verdantlab/phyloforge/pkg/session"
	"github.com/verdantlab/phyloforge/pkg/supervisor"
)

const (
	handlePrefix  = "hyp-"
	referenceName = "reference.geojson"
	testName      = "test.geojson"
	resultsName   = "results.tsv"
)

// Manager owns hypothesis-test submission and result retrieval.
type Manager struct {
	registry *jobregistry.Store
	procs    *supervisor.Supervisor
	sessions *session.Resolver
	logger   *zap.Logger

	jobsDir string
	engine  []string

	// submitMu serializes submissions so the already-running check and the
	// output clearing that follows cannot interleave across callers.
	submitMu sync.Mutex
}

func NewManager(registry *jobregistry.Store, procs *supervisor.Supervisor, sessions *session.Resolver, logger *zap.Logger, jobsDir string, engine []string) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		registry: registry,
		procs:    procs,
		sessions: sessions,
		logger:   logger,
		jobsDir:  jobsDir,
		engine:   engine,
	}
}

// Dir returns the hypothesis working directory inside the parent job's
// directory.
func (m *Manager) Dir(jobID string) string {
	return filepath.Join(m.jobsDir, jobID, "hypothesis")
}

// Submit starts a hypothesis run against a completed parent job. Any
// previous run's outputs are cleared first, so a resubmission always
// starts from a clean slate.
func (m *Manager) Submit(ctx context.Context, owner, jobID string, refGeom, testGeom map[string]any) error {
	m.submitMu.Lock()
	defer m.submitMu.Unlock()

	rec, err := m.parentFor(ctx, owner, jobID)
	if err != nil {
		return err
	}
	if rec.Status != jobregistry.StatusCompleted {
		return apperrors.New(apperrors.CodeValidation,
			"hypothesis tests require a completed job, %s is %s", jobID, rec.Status)
	}
	if len(refGeom) == 0 || len(testGeom) == 0 {
		return apperrors.New(apperrors.CodeValidation,
			"reference and test geometries are required")
	}
	if _, live := m.procs.Lookup(handlePrefix + jobID); live {
		return apperrors.New(apperrors.CodeResourceUnavailable,
			"a hypothesis test is already running for job %s", jobID)
	}

	hypDir := m.Dir(jobID)
	if err := os.RemoveAll(hypDir); err != nil {
		return apperrors.Wrap(apperrors.CodeResourceUnavailable, err, "clear previous hypothesis outputs")
	}
	if err := os.MkdirAll(hypDir, 0o755); err != nil {
		return apperrors.Wrap(apperrors.CodeResourceUnavailable, err, "create hypothesis directory")
	}

	refPath := filepath.Join(hypDir, referenceName)
	testPath := filepath.Join(hypDir, testName)
	if err := stageGeometry(refPath, refGeom); err != nil {
		return err
	}
	if err := stageGeometry(testPath, testGeom); err != nil {
		return err
	}

	argv := append(append([]string{}, m.engine...),
		"-work-dir", m.sessions.Dir(rec.SessionID),
		"--reference", refPath,
		"--test", testPath)

	if err := m.registry.StartHypothesis(ctx, jobID); err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, err, "persist hypothesis record")
	}

	_, err = m.procs.Spawn(handlePrefix+jobID, argv, hypDir,
		filepath.Join(hypDir, "runner.log"), m.onExit)
	if err != nil {
		if ferr := m.registry.FinishHypothesis(ctx, jobID, jobregistry.HypothesisFailed, nil, err.Error()); ferr != nil {
			m.logger.Error("mark hypothesis spawn failure",
				zap.String("job_id", jobID), zap.Error(ferr))
		}
		return err
	}

	m.logger.Info("hypothesis test submitted",
		zap.String("job_id", jobID), zap.String("owner", owner))
	return nil
}

// Status returns the job's current hypothesis record.
func (m *Manager) Status(ctx context.Context, owner, jobID string) (*jobregistry.HypothesisRecord, error) {
	if _, err := m.parentFor(ctx, owner, jobID); err != nil {
		return nil, err
	}
	rec, err := m.registry.GetHypothesis(ctx, jobID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, err, "load hypothesis record")
	}
	return rec, nil
}

// Results returns the parsed comparison table of a completed hypothesis
// run. Anything short of completed is an error, never a partial table.
func (m *Manager) Results(ctx context.Context, owner, jobID string) ([]jobregistry.ResultRow, error) {
	rec, err := m.Status(ctx, owner, jobID)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case jobregistry.HypothesisCompleted:
		return rec.Results, nil
	case jobregistry.HypothesisFailed:
		return nil, apperrors.New(apperrors.CodeResultsUnreadable,
			"hypothesis test for job %s failed: %s", jobID, rec.ErrorMessage)
	default:
		return nil, apperrors.New(apperrors.CodeValidation,
			"job %s has no completed hypothesis test", jobID)
	}
}

// onExit resolves the run's outcome. A clean exit still fails the run
// when the results table is missing or malformed: a completed record
// always carries a full table.
func (m *Manager) onExit(handleID string, exit supervisor.ExitInfo) {
	ctx := context.Background()
	jobID := strings.TrimPrefix(handleID, handlePrefix)

	if exit.Code != 0 {
		msg := fmt.Sprintf("engine exited with code %d", exit.Code)
		if exit.Signal != "" {
			msg = fmt.Sprintf("engine terminated by %s", exit.Signal)
		}
		m.finish(ctx, jobID, jobregistry.HypothesisFailed, nil, msg)
		return
	}

	rows, err := ParseResults(filepath.Join(m.Dir(jobID), resultsName))
	if err != nil {
		m.finish(ctx, jobID, jobregistry.HypothesisFailed, nil, err.Error())
		return
	}
	m.finish(ctx, jobID, jobregistry.HypothesisCompleted, rows, "")
}

func (m *Manager) finish(ctx context.Context, jobID string, status jobregistry.HypothesisStatus, rows []jobregistry.ResultRow, msg string) {
	if err := m.registry.FinishHypothesis(ctx, jobID, status, rows, msg); err != nil {
		m.logger.Error("finish hypothesis record",
			zap.String("job_id", jobID), zap.Error(err))
		return
	}
	m.logger.Info("hypothesis test finished",
		zap.String("job_id", jobID),
		zap.String("status", string(status)),
		zap.String("detail", msg))
}

func (m *Manager) parentFor(ctx context.Context, owner, jobID string) (*jobregistry.JobRecord, error) {
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

func stageGeometry(path string, geom map[string]any) error {
	b, err := json.Marshal(geom)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeValidation, err, "serialize geometry")
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return apperrors.Wrap(apperrors.CodeResourceUnavailable, err, "stage geometry")
	}
	return nil
}
