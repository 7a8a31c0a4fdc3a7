package reconcile

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Audit is the post-run snapshot written next to the reconciled logs so a
// finished job stays reproducible after its session is collected.
type Audit struct {
	JobID      string         `yaml:"job_id"`
	SessionID  string         `yaml:"session_id"`
	Parameters map[string]any `yaml:"parameters"`
	Invocation []string       `yaml:"invocation"`
	WrittenAt  time.Time      `yaml:"written_at"`
}

// WriteAudit persists the audit snapshot as audit.yaml inside logsDir.
func WriteAudit(logsDir string, audit Audit) error {
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("create logs dir: %w", err)
	}
	if audit.WrittenAt.IsZero() {
		audit.WrittenAt = time.Now().UTC()
	}

	b, err := yaml.Marshal(&audit)
	if err != nil {
		return fmt.Errorf("encode audit: %w", err)
	}
	if err := os.WriteFile(filepath.Join(logsDir, "audit.yaml"), b, 0o644); err != nil {
		return fmt.Errorf("write audit: %w", err)
	}
	return nil
}
