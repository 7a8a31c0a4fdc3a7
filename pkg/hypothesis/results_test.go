package hypothesis

import (
	"os"
	"path/filepath"
	"testing"

	apperrors "github.com/verdantlab/phyloforge/internal/errors"
)

func writeTable(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "results.tsv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseResults_ColumnOrderIndependent(t *testing.T) {
	path := writeTable(t, "test\tmetric\treference\tentire_area\n6.3\tpd\t4.2\t10.5\n")

	rows, err := ParseResults(path)
	if err != nil {
		t.Fatalf("ParseResults() error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	r := rows[0]
	if r.Metric != "pd" || r.EntireArea != 10.5 || r.Reference != 4.2 || r.Test != 6.3 {
		t.Fatalf("columns mismapped: %+v", r)
	}
}

func TestParseResults_Unreadable(t *testing.T) {
	cases := map[string]string{
		"missing file":     filepath.Join(t.TempDir(), "absent.tsv"),
		"header only":      writeTable(t, "metric\tentire_area\treference\ttest\n"),
		"missing column":   writeTable(t, "metric\tentire_area\treference\npd\t1\t2\n"),
		"non-numeric cell": writeTable(t, "metric\tentire_area\treference\ttest\npd\tNA\t2\t3\n"),
		"ragged row":       writeTable(t, "metric\tentire_area\treference\ttest\npd\t1\t2\n"),
		"empty metric":     writeTable(t, "metric\tentire_area\treference\ttest\n\t1\t2\t3\n"),
	}

	for name, path := range cases {
		if _, err := ParseResults(path); apperrors.CodeOf(err) != apperrors.CodeResultsUnreadable {
			t.Errorf("%s: expected RESULTS_UNREADABLE, got %v", name, err)
		}
	}
}
