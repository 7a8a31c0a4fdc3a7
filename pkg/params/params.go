// Package params models a job's submitted parameters.
//
// Submissions arrive as loosely typed JSON objects. Parsing enforces an
// explicit allow-list: unknown fields are rejected rather than forwarded
// into the engine invocation, which is the safety boundary preventing
// arbitrary argument injection.
package params

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/go-viper/mapstructure/v2"

	apperrors "github.com/verdantlab/phyloforge/internal/errors"
)

// CoreParams is the subset of parameters that determines early-stage,
// expensive computation and therefore the session cache key.
type CoreParams struct {
	// Tree selects the reference phylogeny dataset.
	Tree string `mapstructure:"tree" json:"tree"`

	// Resolution is the spatial grid resolution.
	Resolution int `mapstructure:"resolution" json:"resolution"`

	// Country restricts the analysis to a set of ISO country codes.
	Country []string `mapstructure:"country" json:"country,omitempty"`

	// Polygon is an optional GeoJSON geometry restricting the analysis
	// area. It participates in the session hash as-is: two geometries that
	// differ only in coordinate order or float precision hash differently
	// and miss the cache. Known limitation, kept deliberately.
	Polygon map[string]any `mapstructure:"polygon" json:"polygon,omitempty"`
}

// Params is the full allow-listed parameter set for a submission.
type Params struct {
	CoreParams `mapstructure:",squash"`

	// Metrics selects which diversity indices the late pipeline stages
	// compute. Cheap to change; not part of the cache key.
	Metrics []string `mapstructure:"metrics" json:"metrics,omitempty"`

	// Iterations for the randomization stages.
	Iterations int `mapstructure:"iterations" json:"iterations,omitempty"`

	// Randomizations selects the null-model scheme.
	Randomizations string `mapstructure:"randomizations" json:"randomizations,omitempty"`
}

// Parse validates raw submitted parameters against the allow-list and
// returns the typed set. Unknown fields fail with a validation error.
func Parse(raw map[string]any) (*Params, error) {
	if len(raw) == 0 {
		return nil, apperrors.New(apperrors.CodeValidation, "parameters are required")
	}

	var p Params
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      &p,
		ErrorUnused: true,
	})
	if err != nil {
		return nil, fmt.Errorf("build parameter decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeValidation, err, "unrecognized or malformed parameters")
	}

	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Params) validate() error {
	if strings.TrimSpace(p.Tree) == "" {
		return apperrors.New(apperrors.CodeValidation, "tree is required")
	}
	if p.Resolution <= 0 {
		return apperrors.New(apperrors.CodeValidation, "resolution must be > 0")
	}
	if len(p.Country) == 0 && len(p.Polygon) == 0 {
		return apperrors.New(apperrors.CodeValidation, "a spatial filter (country or polygon) is required")
	}
	if p.Iterations < 0 {
		return apperrors.New(apperrors.CodeValidation, "iterations must be >= 0")
	}
	for _, c := range p.Country {
		if strings.TrimSpace(c) == "" {
			return apperrors.New(apperrors.CodeValidation, "country codes must be non-empty")
		}
	}
	return nil
}

// Core returns the cache-relevant parameter subset.
func (p *Params) Core() CoreParams {
	return p.CoreParams
}

// PolygonJSON returns the polygon as canonical JSON bytes (map keys are
// serialized sorted), or nil when no polygon was submitted.
func (c CoreParams) PolygonJSON() ([]byte, error) {
	if len(c.Polygon) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(c.Polygon)
	if err != nil {
		return nil, fmt.Errorf("serialize polygon: %w", err)
	}
	return b, nil
}

// BuildArgv expands the engine launcher plus the allow-listed parameters
// into the literal argument vector used to spawn the process. Flag order
// is fixed so the recorded invocation is stable across submissions.
// polygonPath is the staged GeoJSON file, empty when no polygon was
// submitted.
func BuildArgv(engine []string, p *Params, sessionDir string, polygonPath string) []string {
	argv := make([]string, 0, len(engine)+16)
	argv = append(argv, engine...)

	argv = append(argv, "-work-dir", sessionDir, "-resume")
	argv = append(argv, "--tree", p.Tree)
	argv = append(argv, "--resolution", strconv.Itoa(p.Resolution))

	if len(p.Country) > 0 {
		countries := append([]string(nil), p.Country...)
		sort.Strings(countries)
		argv = append(argv, "--country", strings.Join(countries, ","))
	}
	if polygonPath != "" {
		argv = append(argv, "--polygon", polygonPath)
	}
	if len(p.Metrics) > 0 {
		argv = append(argv, "--div", strings.Join(p.Metrics, ","))
	}
	if p.Iterations > 0 {
		argv = append(argv, "--iterations", strconv.Itoa(p.Iterations))
	}
	if p.Randomizations != "" {
		argv = append(argv, "--randomizations", p.Randomizations)
	}

	return argv
}
