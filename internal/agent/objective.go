package agent

import "math"

// PenaltyUnplaced is charged per item a level should have placed but did not.
const PenaltyUnplaced = 1000.0

// Deviation is the sum of absolute deviations of values from their mean.
func Deviation(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var total float64
	for _, v := range values {
		total += math.Abs(v - mean)
	}
	return total
}

// Accept is the acceptance rule shared by every level.
func Accept(candidate, current, tolerance float64) bool {
	return candidate <= current+tolerance
}
