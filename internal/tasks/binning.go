package tasks

import "math"

const (
	maxIntegerBinning    = 29
	maxPowerOfTwoBinning = 32
)

// OptimalIntegerBinning returns the factor in 1..29 whose binned pixel size
// is closest to target. Ties go to the smaller factor.
func OptimalIntegerBinning(srcPixelSize, targetPixelSize float64) int {
	factors := make([]int, 0, maxIntegerBinning)
	for f := 1; f <= maxIntegerBinning; f++ {
		factors = append(factors, f)
	}
	return closestBinning(factors, srcPixelSize, targetPixelSize)
}

// OptimalPowerOfTwoBinning returns the factor in 1, 2, 4, ..., 32 whose
// binned pixel size is closest to target.
func OptimalPowerOfTwoBinning(srcPixelSize, targetPixelSize float64) int {
	var factors []int
	for f := 1; f <= maxPowerOfTwoBinning; f *= 2 {
		factors = append(factors, f)
	}
	return closestBinning(factors, srcPixelSize, targetPixelSize)
}

func closestBinning(factors []int, src, target float64) int {
	best := factors[0]
	bestDelta := math.Inf(1)
	for _, f := range factors {
		delta := math.Abs(src*float64(f) - target)
		if delta < bestDelta {
			best, bestDelta = f, delta
		}
	}
	return best
}
