package lifecycle

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
)

// PruneResult summarizes one job-history prune.
type PruneResult struct {
	Scanned   int      `json:"scanned"`
	Removed   int      `json:"removed"`
	RemovedID []string `json:"removed_ids,omitempty"`
	DryRun    bool     `json:"dry_run"`
}

// PruneJobs removes terminal jobs (record plus job directory) whose
// completion predates maxAge. Running jobs are never touched. Session
// directories are left to the session sweeper.
func (m *Manager) PruneJobs(ctx context.Context, maxAge time.Duration, dryRun bool) (*PruneResult, error) {
	recs, err := m.registry.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	cutoff := time.Now().UTC().Add(-maxAge)
	res := &PruneResult{DryRun: dryRun}
	for _, rec := range recs {
		if !rec.Status.Terminal() {
			continue
		}
		res.Scanned++
		if rec.CompletedAt == nil || !rec.CompletedAt.Before(cutoff) {
			continue
		}

		if !dryRun {
			if err := m.registry.Delete(ctx, rec.JobID); err != nil {
				m.logger.Warn("prune job record", zap.String("job_id", rec.JobID), zap.Error(err))
				continue
			}
			if err := os.RemoveAll(m.JobDir(rec.JobID)); err != nil {
				m.logger.Warn("prune job directory", zap.String("job_id", rec.JobID), zap.Error(err))
			}
		}
		res.Removed++
		res.RemovedID = append(res.RemovedID, rec.JobID)
	}

	m.logger.Info("job prune finished",
		zap.Int("scanned", res.Scanned),
		zap.Int("removed", res.Removed),
		zap.Bool("dry_run", dryRun))
	return res, nil
}
