package tracker

import "fmt"

// Comparison selects how a tracking score is tested against the threshold.
type Comparison int

const (
	// CompareLess fails tracking when score < threshold (a score equal to the
	// threshold keeps tracking).
	CompareLess Comparison = iota
	// CompareLessOrEqual fails tracking when score ≤ threshold.
	CompareLessOrEqual
)

// String returns a human-readable name of the comparison
func (c Comparison) String() string {
	switch c {
	case CompareLess:
		return "less"
	case CompareLessOrEqual:
		return "less_or_equal"
	default:
		return fmt.Sprintf("comparison(%d)", int(c))
	}
}

// ParseComparison maps "less"/"<" and "less_or_equal"/"<=" to a Comparison.
func ParseComparison(s string) (Comparison, error) {
	switch s {
	case "", "less", "<":
		return CompareLess, nil
	case "less_or_equal", "<=":
		return CompareLessOrEqual, nil
	default:
		return 0, fmt.Errorf("tracker: unknown comparison %q", s)
	}
}

// Policy decides tracking validity.
//
// A frame whose score fails the threshold counts as a failure. Up to
// Tolerance consecutive failures keep the previous ROI; the next failure
// resets tracking so the following frame runs the detector.
type Policy struct {
	Threshold  float64
	Tolerance  int
	Comparison Comparison
}

// Fails reports whether score fails the threshold.
func (p Policy) Fails(score float64) bool {
	if p.Comparison == CompareLessOrEqual {
		return score <= p.Threshold
	}
	return score < p.Threshold
}

// Next returns the failure count after observing score and whether tracking
// must be reset.
func (p Policy) Next(failures int, score float64) (int, bool) {
	if !p.Fails(score) {
		return 0, false
	}
	failures++
	return failures, failures > p.Tolerance
}
