package cmd

import (
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/verdantlab/phyloforge/pkg/jobregistry"
	"github.com/verdantlab/phyloforge/pkg/supervisor"
)

// runJobsStop signals a running job's recorded pid directly. The serving
// process observes the exit through its wait loop; this command only
// delivers the signal.
func runJobsStop(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	sigStr, _ := cmd.Flags().GetString("signal")
	sigStr = strings.TrimSpace(strings.ToLower(sigStr))
	if sigStr == "" {
		sigStr = "term"
	}

	_, store, err := openRegistry(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	jobID, err := resolveJobID(ctx, store, strings.TrimSpace(args[0]))
	if err != nil {
		return err
	}
	rec, err := store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if rec.Status != jobregistry.StatusRunning {
		return fmt.Errorf("job is not running (status=%s)", rec.Status)
	}
	if rec.PID <= 0 {
		return fmt.Errorf("job has no pid recorded")
	}
	if !supervisor.IsProcessAlive(rec.PID) {
		return fmt.Errorf("recorded pid %d is not alive; the server will mark the job on its next recovery pass", rec.PID)
	}

	switch sigStr {
	case "term":
		err = supervisor.TerminatePID(rec.PID)
	case "kill":
		err = syscall.Kill(rec.PID, syscall.SIGKILL)
	default:
		return fmt.Errorf("invalid --signal %q (expected term or kill)", sigStr)
	}
	if err != nil {
		return fmt.Errorf("signal %s: %w", sigStr, err)
	}

	_, _ = fmt.Fprintf(os.Stderr, "Sent SIG%s to job %s (pid %d)\n",
		strings.ToUpper(sigStr), shortID(jobID), rec.PID)

	// Give the process a moment and report whether it is gone yet.
	time.Sleep(500 * time.Millisecond)
	if supervisor.IsProcessAlive(rec.PID) {
		_, _ = fmt.Fprintln(os.Stderr, "Process still running; check again with 'phyloforge jobs status'")
	} else {
		_, _ = fmt.Fprintln(os.Stderr, "Process exited")
	}
	return nil
}
