// Package reconcile maps engine trace output back to on-disk stage
// artifacts. The engine logs one line per completed stage referencing an
// abbreviated content hash; the matching work directory holds the stage's
// own log, which we copy next to the job so it survives session GC.
//
// Reconciliation is best-effort bookkeeping. A stage that cannot be
// resolved produces a warning, never a job failure.
package reconcile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
)

// markerFile is present in every completed stage directory.
const markerFile = ".command.log"

// traceLinePattern matches lines like:
//
//	[ab/cdef12] process > OCCURRENCE_FILTER (1)
//
// where ab/cdef12 abbreviates the stage's work directory under
// work/ab/cdef12*/.
var traceLinePattern = regexp.MustCompile(`\[([0-9a-f]{2})/([0-9a-f]+)\] process > (\S[^\r\n]*)`)

// Stage is one parsed trace reference.
type Stage struct {
	Outer string // two-character shard directory
	Inner string // abbreviated directory-name prefix inside the shard
	Name  string // engine stage name, used for the copied log's filename
}

// ParseTraceLine extracts a stage reference from one line of engine
// output. ok is false for lines that are not trace lines.
func ParseTraceLine(line string) (Stage, bool) {
	m := traceLinePattern.FindStringSubmatch(line)
	if m == nil {
		return Stage{}, false
	}
	return Stage{Outer: m[1], Inner: m[2], Name: strings.TrimSpace(m[3])}, true
}

// Reconciler copies completed-stage logs out of a session work tree.
type Reconciler struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{logger: logger}
}

// Reconcile scans the engine trace and copies each resolvable stage's
// marker log into logsDir as <stage>.log. It returns the number of copies
// made plus one warning per line it could not resolve; it never fails the
// caller for an unresolvable stage.
func (r *Reconciler) Reconcile(jobID string, trace io.Reader, sessionDir, logsDir string) (int, []string, error) {
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return 0, nil, fmt.Errorf("create logs dir: %w", err)
	}

	copied := 0
	var warnings []string
	scanner := bufio.NewScanner(trace)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		stage, ok := ParseTraceLine(scanner.Text())
		if !ok {
			continue
		}

		stageDir, err := r.resolveShard(sessionDir, stage)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("stage %q (%s/%s): %v", stage.Name, stage.Outer, stage.Inner, err))
			continue
		}

		dst := filepath.Join(logsDir, stageFileName(stage.Name)+".log")
		if err := copyFile(filepath.Join(stageDir, markerFile), dst); err != nil {
			warnings = append(warnings, fmt.Sprintf("stage %q: copy log: %v", stage.Name, err))
			continue
		}
		copied++
	}
	if err := scanner.Err(); err != nil {
		return copied, warnings, fmt.Errorf("read trace: %w", err)
	}

	for _, w := range warnings {
		r.logger.Warn("stage log not reconciled",
			zap.String("job_id", jobID),
			zap.String("detail", w))
	}
	r.logger.Info("reconciled stage logs",
		zap.String("job_id", jobID),
		zap.Int("copied", copied),
		zap.Int("warnings", len(warnings)))

	return copied, warnings, nil
}

// resolveShard finds the unique completed stage directory for a trace
// reference. The fast path reads only the outer shard; when that yields
// zero or several candidates a recursive glob over the whole work tree is
// tried before giving up.
func (r *Reconciler) resolveShard(sessionDir string, stage Stage) (string, error) {
	shard := filepath.Join(sessionDir, "work", stage.Outer)
	entries, err := os.ReadDir(shard)
	if err == nil {
		var candidates []string
		for _, e := range entries {
			if !e.IsDir() || !strings.HasPrefix(e.Name(), stage.Inner) {
				continue
			}
			dir := filepath.Join(shard, e.Name())
			if fileExists(filepath.Join(dir, markerFile)) {
				candidates = append(candidates, dir)
			}
		}
		if len(candidates) == 1 {
			return candidates[0], nil
		}
	}

	return r.resolveByGlob(sessionDir, stage)
}

func (r *Reconciler) resolveByGlob(sessionDir string, stage Stage) (string, error) {
	pattern := "work/**/" + stage.Inner + "*/" + markerFile
	matches, err := doublestar.Glob(os.DirFS(sessionDir), pattern)
	if err != nil {
		return "", fmt.Errorf("glob work tree: %w", err)
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no completed stage directory matches")
	case 1:
		return filepath.Join(sessionDir, filepath.Dir(matches[0])), nil
	default:
		return "", fmt.Errorf("%d stage directories match, ambiguous", len(matches))
	}
}

// stageFileName flattens an engine stage name into a safe filename.
// Nextflow-style names can carry colons and an invocation suffix like
// "(1)".
func stageFileName(name string) string {
	name = strings.ReplaceAll(name, ":", "_")
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
