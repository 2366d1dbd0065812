// Package risk maps a crowd count onto a risk tier relative to the operator threshold.
package risk

import "crowdguard/internal/model"

// Classify returns the tier for count against threshold. Comparisons are strict, so a count
// sitting exactly on a boundary belongs to the lower tier. A non-positive threshold is
// treated as zero: every positive count is then over every boundary.
func Classify(count int, threshold float64) model.RiskTier {
	if threshold < 0 {
		threshold = 0
	}
	c := float64(count)
	switch {
	case c > threshold*2:
		return model.RiskCritical
	case c > threshold*1.5:
		return model.RiskHigh
	case c > threshold:
		return model.RiskMedium
	default:
		return model.RiskSafe
	}
}

// Density is the dashboard's people-per-unit figure.
func Density(count int) float64 {
	if count <= 0 {
		return 0
	}
	return float64(count) / 100
}
