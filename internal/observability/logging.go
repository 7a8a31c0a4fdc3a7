// Package observability owns logger construction for the CLI and the
// server. Commands log human-oriented output to stderr; the server logs
// structured JSON.
package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is used by cobra commands. Defaults to a no-op logger until
// Init is called so package-level use is always safe.
var CLILogger = zap.NewNop()

// ServerLogger is used by the HTTP server and background workers.
var ServerLogger = zap.NewNop()

// Init builds both loggers from the configured level and profile.
//
// Profile "STRUCTURED" emits JSON (production encoder); "CONSOLE" emits
// human-readable output for local development.
func Init(level string, profile string) error {
	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}

	var cfg zap.Config
	switch strings.ToUpper(strings.TrimSpace(profile)) {
	case "", "STRUCTURED":
		cfg = zap.NewProductionConfig()
	case "CONSOLE":
		cfg = zap.NewDevelopmentConfig()
	default:
		return fmt.Errorf("unknown logging profile: %s", profile)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	server, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("build server logger: %w", err)
	}

	// CLI output goes to stderr so stdout stays clean for data.
	cliCfg := cfg
	cliCfg.OutputPaths = []string{"stderr"}
	cli, err := cliCfg.Build()
	if err != nil {
		return fmt.Errorf("build cli logger: %w", err)
	}

	ServerLogger = server
	CLILogger = cli
	return nil
}

// Sync flushes both loggers. Errors are ignored; stderr sync failures on
// some platforms are expected.
func Sync() {
	_ = CLILogger.Sync()
	_ = ServerLogger.Sync()
}

func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level: %s", level)
	}
}
