package definition

import "math"

// Progress returns the percent complete after the stage at stageIndex has
// finished. Every method returns exactly 100 at the final stage index;
// fractional results are floored then clamped so rounding can never produce
// 99 at the end or a value above 100.
func Progress(d *Definition, stageIndex int) int {
	n := len(d.Stages)
	if n == 0 || stageIndex < 0 {
		return 0
	}
	if stageIndex >= n-1 {
		return 100
	}

	var pct float64
	switch d.ProgressMethod {
	case ProgressLinear:
		pct = float64(stageIndex+1) / float64(n) * 100
	case ProgressExponential:
		pct = math.Pow(float64(stageIndex+1)/float64(n), 0.8) * 100
	default: // weighted
		total := 0
		cumulative := 0
		for i, stage := range d.Stages {
			total += stage.Weight
			if i <= stageIndex {
				cumulative += stage.Weight
			}
		}
		if total == 0 {
			return 0
		}
		pct = float64(cumulative) / float64(total) * 100
	}

	p := int(math.Floor(pct))
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
