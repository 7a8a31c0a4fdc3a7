package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/verdantlab/phyloforge/internal/config"
	"github.com/verdantlab/phyloforge/pkg/jobregistry"
	"github.com/verdantlab/phyloforge/pkg/lifecycle"
	"github.com/verdantlab/phyloforge/pkg/reconcile"
	"github.com/verdantlab/phyloforge/pkg/session"
	"github.com/verdantlab/phyloforge/pkg/supervisor"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage pipeline jobs",
	Long: `Inspect and manage job records on the local data root.

This command group is designed to be script-friendly:

- stable job ids (unique prefixes accepted)
- predictable on-disk locations
- optional JSON output for machine parsing`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show status for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsStopCmd = &cobra.Command{
	Use:   "stop <job_id>",
	Short: "Stop a running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStop,
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs <job_id>",
	Short: "Show the engine runner log for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsLogs,
}

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Garbage collect old terminal jobs",
	RunE:  runJobsGC,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsStopCmd)
	jobsCmd.AddCommand(jobsLogsCmd)
	jobsCmd.AddCommand(jobsGCCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsListCmd.Flags().String("status", "", "Filter by status: running, completed, failed, aborted")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobsStopCmd.Flags().String("signal", "term", "Signal to send: term or kill")
	jobsLogsCmd.Flags().Int("tail", 200, "Show last N lines (0 = whole log)")
	jobsLogsCmd.Flags().Bool("follow", false, "Follow log output")
	jobsGCCmd.Flags().String("max-age", "168h", "Delete terminal jobs older than this duration")
	jobsGCCmd.Flags().Bool("dry-run", false, "Preview what would be deleted without deleting")
	jobsGCCmd.Flags().Bool("json", false, "Output as JSON")
}

// openRegistry loads config and opens the local registry for one-shot
// commands.
func openRegistry(ctx context.Context) (*config.Config, *jobregistry.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if err := initCLILogging(cfg); err != nil {
		return nil, nil, err
	}
	store, err := jobregistry.Open(ctx, cfg.Data.RegistryPath())
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

// resolveJobID accepts a full job id or a unique prefix.
func resolveJobID(ctx context.Context, store *jobregistry.Store, idOrPrefix string) (string, error) {
	if _, err := store.Get(ctx, idOrPrefix); err == nil {
		return idOrPrefix, nil
	}

	recs, err := store.List(ctx)
	if err != nil {
		return "", err
	}
	var matches []string
	for _, rec := range recs {
		if strings.HasPrefix(rec.JobID, idOrPrefix) {
			matches = append(matches, rec.JobID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no job matches %q", idOrPrefix)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%q is ambiguous (%d matches)", idOrPrefix, len(matches))
	}
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")
	statusFilter, _ := cmd.Flags().GetString("status")

	_, store, err := openRegistry(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	var jobs []jobregistry.JobRecord
	if statusFilter != "" {
		jobs, err = store.ListByStatus(ctx, jobregistry.Status(strings.ToLower(statusFilter)))
	} else {
		jobs, err = store.List(ctx)
	}
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No jobs found")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tOWNER\tSTATUS\tSESSION\tCREATED\tCOMPLETED\tHEARTBEAT")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(j.JobID), j.Owner, j.Status, shortID(j.SessionID),
			j.CreatedAt.Format(time.RFC3339),
			formatOptionalTime(j.CompletedAt),
			formatOptionalTime(j.LastHeartbeat))
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")

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

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintf(w, "Job ID:\t%s\n", rec.JobID)
	_, _ = fmt.Fprintf(w, "Owner:\t%s\n", rec.Owner)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", rec.Status)
	_, _ = fmt.Fprintf(w, "Session:\t%s\n", rec.SessionID)
	_, _ = fmt.Fprintf(w, "PID:\t%d\n", rec.PID)
	_, _ = fmt.Fprintf(w, "Created:\t%s\n", rec.CreatedAt.Format(time.RFC3339))
	_, _ = fmt.Fprintf(w, "Completed:\t%s\n", formatOptionalTime(rec.CompletedAt))
	if rec.ExitCode != nil {
		_, _ = fmt.Fprintf(w, "Exit code:\t%d\n", *rec.ExitCode)
	}
	if rec.TermSignal != "" {
		_, _ = fmt.Fprintf(w, "Signal:\t%s\n", rec.TermSignal)
	}
	if rec.ErrorMessage != "" {
		_, _ = fmt.Fprintf(w, "Error:\t%s\n", rec.ErrorMessage)
	}
	if len(rec.Invocation) > 0 {
		_, _ = fmt.Fprintf(w, "Invocation:\t%s\n", strings.Join(rec.Invocation, " "))
	}
	return nil
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	maxAgeStr, _ := cmd.Flags().GetString("max-age")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	maxAge, err := time.ParseDuration(maxAgeStr)
	if err != nil {
		return fmt.Errorf("invalid --max-age: %w", err)
	}

	cfg, store, err := openRegistry(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	// A minimal manager: the prune path only touches the registry and the
	// per-job directories.
	mgr := lifecycle.NewManager(store, supervisor.New(nil),
		session.NewResolver(cfg.Data.SessionsDir()), reconcile.New(nil), nil,
		lifecycle.Options{JobsDir: cfg.Data.JobsDir(), Engine: cfg.Engine.Command, MaxRunning: cfg.Lifecycle.MaxRunning})

	result, err := mgr.PruneJobs(ctx, maxAge, dryRun)
	if err != nil {
		return fmt.Errorf("garbage collect jobs: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	verb := "Deleted"
	if dryRun {
		verb = "Would delete"
	}
	_, _ = fmt.Fprintf(os.Stderr, "%s %d of %d terminal jobs\n", verb, result.Removed, result.Scanned)
	for _, id := range result.RemovedID {
		_, _ = fmt.Fprintln(os.Stdout, id)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
