// Package cmd implements the phyloforge command tree.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/verdantlab/phyloforge/internal/config"
	"github.com/verdantlab/phyloforge/internal/observability"
)

type buildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var versionInfo = buildInfo{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo is called from main with ldflags-injected build metadata.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	flagDataRoot string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "phyloforge",
	Short: "Orchestrator for long-running biodiversity pipeline jobs",
	Long: `phyloforge runs and supervises external pipeline-engine jobs, caches
their expensive early stages in content-addressed session directories, and
serves a small HTTP API for submission and monitoring.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command tree.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDataRoot, "data-root", "", "Data root directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
}

// loadConfig resolves configuration with flag overrides applied on top.
func loadConfig() (*config.Config, error) {
	overrides := map[string]any{}
	if flagDataRoot != "" {
		overrides["data"] = map[string]any{"root": flagDataRoot}
	}
	if flagLogLevel != "" {
		overrides["logging"] = map[string]any{"level": flagLogLevel}
	}
	return config.Load(overrides)
}

// initCLILogging configures the console logger for one-shot commands.
func initCLILogging(cfg *config.Config) error {
	return observability.Init(cfg.Logging.Level, "CONSOLE")
}
