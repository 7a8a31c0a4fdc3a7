package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/verdantlab/phyloforge/internal/observability"
	"github.com/verdantlab/phyloforge/pkg/sessiongc"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage cached session directories",
}

var sessionsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Garbage collect idle session directories",
	Long: `Delete session working directories whose last modification is older
than the retention window. The next job with matching core parameters
rebuilds the session from scratch.

Examples:
  # Preview what would be deleted
  phyloforge sessions gc --dry-run

  # Delete sessions idle for more than 30 days
  phyloforge sessions gc --retention 720h`,
	RunE: runSessionsGC,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsGCCmd)

	sessionsGCCmd.Flags().String("retention", "", "Override the configured retention window (e.g. 720h)")
	sessionsGCCmd.Flags().Bool("dry-run", false, "Preview what would be deleted without deleting")
	sessionsGCCmd.Flags().Bool("json", false, "Output as JSON")
}

func runSessionsGC(cmd *cobra.Command, _ []string) error {
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	jsonOutput, _ := cmd.Flags().GetBool("json")
	retentionStr, _ := cmd.Flags().GetString("retention")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := initCLILogging(cfg); err != nil {
		return err
	}

	retention := cfg.GC.SessionRetention
	if retentionStr != "" {
		retention, err = time.ParseDuration(retentionStr)
		if err != nil {
			return fmt.Errorf("invalid --retention: %w", err)
		}
	}

	sweeper := sessiongc.NewSweeper(cfg.Data.SessionsDir(), retention, observability.CLILogger)
	result, err := sweeper.Sweep(cmd.Context(), dryRun)
	if err != nil {
		return fmt.Errorf("sweep sessions: %w", err)
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
	_, _ = fmt.Fprintf(os.Stderr, "%s %d of %d sessions\n", verb, result.Removed, result.Scanned)
	for _, id := range result.RemovedID {
		_, _ = fmt.Fprintln(os.Stdout, id)
	}
	return nil
}
