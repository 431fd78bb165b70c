package geocoder

import (
	"strings"

	"go.uber.org/zap"

	"github.com/wehubfusion/Atlas/pkg/errors"
	"github.com/wehubfusion/Atlas/pkg/structure"
)

// DuplicatePolicy decides what happens when a geocoded output column name
// collides with an input column name.
type DuplicatePolicy string

const (
	// DuplicateError fails the run before any row is processed
	DuplicateError DuplicatePolicy = "error"

	// DuplicateReplace drops the colliding input columns; the geocoded
	// columns take their place at the end of the row.
	DuplicateReplace DuplicatePolicy = "replace"

	// DuplicateAppend keeps both; the output may then contain
	// duplicate-named columns, which is permitted.
	DuplicateAppend DuplicatePolicy = "append"
)

// ParseDuplicatePolicy parses a duplicate-column policy from its flag value
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch s {
	case "error":
		return DuplicateError, nil
	case "replace":
		return DuplicateReplace, nil
	case "append":
		return DuplicateAppend, nil
	default:
		return "", errors.Newf(errors.CodeConfig, "unknown duplicate-column policy %q", s)
	}
}

// headerPlan is the once-per-run decision about the output table shape: the
// final header, and the keep-mask applied to every input row before it goes
// any further. Computed before the first batch is assembled, because the
// resolved header is baked into every batch's shared metadata.
type headerPlan struct {
	// outHeader is the masked input header followed by the geocoded
	// columns, grouped by prefix in ascending prefix order
	outHeader []string

	// maskedHeader is the input header with dropped columns removed
	maskedHeader []string

	// keep marks the input columns that survive; nil when all do
	keep []bool
}

// planHeader resolves output-column collisions according to policy.
func planHeader(inHeader []string, prefixes []string, st *structure.Structure, policy DuplicatePolicy, logger *zap.Logger) (*headerPlan, error) {
	added := make([]string, 0, len(prefixes)*st.ColumnCount())
	for _, prefix := range prefixes {
		added = append(added, st.HeaderColumns(prefix)...)
	}

	addedSet := make(map[string]struct{}, len(added))
	for _, name := range added {
		addedSet[name] = struct{}{}
	}

	var conflicts []string
	keep := make([]bool, len(inHeader))
	clean := true
	for i, name := range inHeader {
		if _, clash := addedSet[name]; clash {
			conflicts = append(conflicts, name)
			keep[i] = false
			clean = false
		} else {
			keep[i] = true
		}
	}

	plan := &headerPlan{}
	switch {
	case clean:
		plan.maskedHeader = inHeader

	case policy == DuplicateError:
		return nil, errors.Newf(errors.CodeColumnConflict,
			"input columns collide with geocoded output columns: %s (use --duplicate-columns=replace or append)",
			strings.Join(conflicts, ", "))

	case policy == DuplicateReplace:
		logger.Warn("replacing input columns that collide with geocoded output columns",
			zap.Strings("columns", conflicts))
		plan.keep = keep
		plan.maskedHeader = plan.apply(inHeader)

	case policy == DuplicateAppend:
		logger.Warn("output will contain duplicate column names",
			zap.Strings("columns", conflicts))
		plan.maskedHeader = inHeader
	}

	plan.outHeader = make([]string, 0, len(plan.maskedHeader)+len(added))
	plan.outHeader = append(plan.outHeader, plan.maskedHeader...)
	plan.outHeader = append(plan.outHeader, added...)
	return plan, nil
}

// apply returns row with the dropped columns removed. When nothing is
// dropped the row passes through untouched.
func (p *headerPlan) apply(row []string) []string {
	if p.keep == nil {
		return row
	}
	kept := make([]string, 0, len(p.maskedHeader))
	for i, keep := range p.keep {
		if keep && i < len(row) {
			kept = append(kept, row[i])
		}
	}
	return kept
}
