package reconcile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestParseTraceLine(t *testing.T) {
	cases := []struct {
		line string
		ok   bool
		want Stage
	}{
		{
			line: "[ab/cdef12] process > OCCURRENCE_FILTER (1)",
			ok:   true,
			want: Stage{Outer: "ab", Inner: "cdef12", Name: "OCCURRENCE_FILTER (1)"},
		},
		{
			line: "Sep-01 12:00:01.123 [main] INFO  [f0/9a8b7c] process > DIVERSITY:ESTIMATE",
			ok:   true,
			want: Stage{Outer: "f0", Inner: "9a8b7c", Name: "DIVERSITY:ESTIMATE"},
		},
		{line: "executor >  local (4)", ok: false},
		{line: "[not/hex] process > X", ok: false},
		{line: "", ok: false},
	}

	for _, tc := range cases {
		got, ok := ParseTraceLine(tc.line)
		if ok != tc.ok {
			t.Fatalf("ParseTraceLine(%q) ok = %v, want %v", tc.line, ok, tc.ok)
		}
		if ok && got != tc.want {
			t.Fatalf("ParseTraceLine(%q) = %+v, want %+v", tc.line, got, tc.want)
		}
	}
}

// stageDir creates work/<outer>/<inner>/ under sessionDir, with the
// completion marker unless withMarker is false.
func stageDir(t *testing.T, sessionDir, outer, inner, logContent string, withMarker bool) {
	t.Helper()
	dir := filepath.Join(sessionDir, "work", outer, inner)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if withMarker {
		if err := os.WriteFile(filepath.Join(dir, markerFile), []byte(logContent), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestReconcile_CopiesResolvedStages(t *testing.T) {
	sessionDir := t.TempDir()
	logsDir := filepath.Join(t.TempDir(), "logs")

	stageDir(t, sessionDir, "ab", "cdef1234deadbeef", "filter output\n", true)
	stageDir(t, sessionDir, "f0", "9a8b7c6d5e4f", "estimate output\n", true)

	trace := strings.NewReader(strings.Join([]string{
		"N E X T F L O W  ~  version 24.04",
		"[ab/cdef12] process > OCCURRENCE_FILTER (1)",
		"[f0/9a8b7c] process > DIVERSITY:ESTIMATE",
		"[99/000000] process > NEVER_RAN",
		"executor >  local (3)",
	}, "\n"))

	copied, warnings, err := New(nil).Reconcile("job-1", trace, sessionDir, logsDir)
	if err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	if copied != 2 {
		t.Fatalf("expected 2 copies, got %d", copied)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "NEVER_RAN") {
		t.Fatalf("expected one warning for the unresolved stage, got %v", warnings)
	}

	b, err := os.ReadFile(filepath.Join(logsDir, "OCCURRENCE_FILTER_(1).log"))
	if err != nil {
		t.Fatalf("read copied log: %v", err)
	}
	if string(b) != "filter output\n" {
		t.Fatalf("copied log mismatch: %q", string(b))
	}
	if _, err := os.Stat(filepath.Join(logsDir, "DIVERSITY_ESTIMATE.log")); err != nil {
		t.Fatalf("colon stage name not flattened: %v", err)
	}
}

func TestReconcile_SkipsIncompleteStage(t *testing.T) {
	sessionDir := t.TempDir()
	stageDir(t, sessionDir, "ab", "cdef1234", "", false)

	trace := strings.NewReader("[ab/cdef12] process > HALF_DONE\n")
	copied, warnings, err := New(nil).Reconcile("job-1", trace, sessionDir, filepath.Join(t.TempDir(), "logs"))
	if err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	if copied != 0 || len(warnings) != 1 {
		t.Fatalf("expected 0 copies and 1 warning, got %d / %v", copied, warnings)
	}
}

func TestReconcile_AmbiguousPrefixWarns(t *testing.T) {
	sessionDir := t.TempDir()
	stageDir(t, sessionDir, "ab", "cdef12aa", "a\n", true)
	stageDir(t, sessionDir, "ab", "cdef12bb", "b\n", true)

	trace := strings.NewReader("[ab/cdef12] process > AMBIGUOUS\n")
	copied, warnings, err := New(nil).Reconcile("job-1", trace, sessionDir, filepath.Join(t.TempDir(), "logs"))
	if err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	if copied != 0 {
		t.Fatalf("ambiguous reference must not copy, got %d", copied)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "ambiguous") {
		t.Fatalf("expected ambiguity warning, got %v", warnings)
	}
}

func TestWriteAudit(t *testing.T) {
	logsDir := t.TempDir()
	err := WriteAudit(logsDir, Audit{
		JobID:      "job-1",
		SessionID:  "sess-a",
		Parameters: map[string]any{"tree": "OTT-2024", "resolution": 4},
		Invocation: []string{"nextflow", "run", "main.nf"},
	})
	if err != nil {
		t.Fatalf("WriteAudit() error: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(logsDir, "audit.yaml"))
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	var got Audit
	if err := yaml.Unmarshal(b, &got); err != nil {
		t.Fatalf("decode audit: %v", err)
	}
	if got.JobID != "job-1" || got.Parameters["tree"] != "OTT-2024" {
		t.Fatalf("audit roundtrip mismatch: %+v", got)
	}
	if got.WrittenAt.IsZero() {
		t.Fatal("written_at not defaulted")
	}
}
