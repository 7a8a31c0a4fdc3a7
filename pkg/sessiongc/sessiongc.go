// Package sessiongc prunes idle session directories. A session is idle
// when its directory mtime is older than the retention window; the policy
// is mtime-only, so a session kept warm by reads alone can still be
// collected and will simply be rebuilt on the next cache miss.
package sessiongc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Result summarizes one sweep.
type Result struct {
	Scanned   int      `json:"scanned"`
	Removed   int      `json:"removed"`
	RemovedID []string `json:"removed_ids,omitempty"`
	DryRun    bool     `json:"dry_run"`
}

// Sweeper deletes expired session directories under a single root.
type Sweeper struct {
	root      string
	retention time.Duration
	logger    *zap.Logger

	// now is swapped in tests to pin the clock.
	now func() time.Time
}

func NewSweeper(root string, retention time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{root: root, retention: retention, now: time.Now, logger: logger}
}

// Sweep removes every session directory whose mtime predates the
// retention cutoff. With dryRun set it only reports what would be
// removed. A missing root is an empty sweep, not an error.
func (s *Sweeper) Sweep(ctx context.Context, dryRun bool) (*Result, error) {
	res := &Result{DryRun: dryRun}

	entries, err := os.ReadDir(s.root)
	if os.IsNotExist(err) {
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session root: %w", err)
	}

	cutoff := s.now().Add(-s.retention)
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !e.IsDir() {
			continue
		}
		res.Scanned++

		info, err := e.Info()
		if err != nil {
			s.logger.Warn("stat session dir failed",
				zap.String("session_id", e.Name()), zap.Error(err))
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}

		if !dryRun {
			if err := os.RemoveAll(filepath.Join(s.root, e.Name())); err != nil {
				s.logger.Warn("remove session dir failed",
					zap.String("session_id", e.Name()), zap.Error(err))
				continue
			}
		}
		res.Removed++
		res.RemovedID = append(res.RemovedID, e.Name())
	}

	s.logger.Info("session sweep finished",
		zap.Int("scanned", res.Scanned),
		zap.Int("removed", res.Removed),
		zap.Bool("dry_run", dryRun))
	return res, nil
}

// RunPeriodic sweeps on the given interval until ctx is cancelled. Sweep
// errors are logged and the loop keeps going.
func (s *Sweeper) RunPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx, false); err != nil && ctx.Err() == nil {
				s.logger.Error("periodic session sweep failed", zap.Error(err))
			}
		}
	}
}
