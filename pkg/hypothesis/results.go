package hypothesis

import (
	"encoding/csv"
	"os"
	"strconv"
	"strings"

	apperrors "github.com/verdantlab/phyloforge/internal/errors"
	"github.com/verdantlab/phyloforge/pkg/jobregistry"
)

// ParseResults reads the engine's tab-separated comparison table. The
// expected header is metric/entire_area/reference/test in any column
// order; anything the parser cannot account for makes the whole table
// unreadable rather than a partial result.
func ParseResults(path string) ([]jobregistry.ResultRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeResultsUnreadable, err, "open results table")
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.Comma = '\t'
	r.TrimLeadingSpace = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeResultsUnreadable, err, "parse results table")
	}
	if len(records) < 2 {
		return nil, apperrors.New(apperrors.CodeResultsUnreadable, "results table is empty")
	}

	cols := map[string]int{}
	for i, name := range records[0] {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"metric", "entire_area", "reference", "test"} {
		if _, ok := cols[required]; !ok {
			return nil, apperrors.New(apperrors.CodeResultsUnreadable,
				"results table is missing column %q", required)
		}
	}

	rows := make([]jobregistry.ResultRow, 0, len(records)-1)
	for _, record := range records[1:] {
		row := jobregistry.ResultRow{Metric: strings.TrimSpace(record[cols["metric"]])}
		if row.Metric == "" {
			return nil, apperrors.New(apperrors.CodeResultsUnreadable, "results row without a metric")
		}

		var parseErr error
		row.EntireArea, parseErr = parseCell(record, cols["entire_area"], parseErr)
		row.Reference, parseErr = parseCell(record, cols["reference"], parseErr)
		row.Test, parseErr = parseCell(record, cols["test"], parseErr)
		if parseErr != nil {
			return nil, apperrors.Wrap(apperrors.CodeResultsUnreadable, parseErr,
				"results row for metric %q", row.Metric)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseCell(record []string, idx int, prev error) (float64, error) {
	if prev != nil {
		return 0, prev
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(record[idx]), 64)
	if err != nil {
		return 0, err
	}
	return v, nil
}
