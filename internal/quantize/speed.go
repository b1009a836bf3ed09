package quantize

import (
	"fmt"
	"math"

	"github.com/nerrad567/treeow-bridge/internal/attribute"
)

// LevelOf maps percentage p in [0,100] onto one of n ordered levels.
//
// The result is round(p/100*(n-1)) clamped to [0, n-1]. A percentage of 0
// always maps to index 0; callers that own a power attribute treat 0 as
// "off" rather than as the lowest speed.
func LevelOf(p float64, n int) (int, error) {
	if n < 1 {
		return 0, fmt.Errorf("%w: %d speed levels", attribute.ErrInvalidValue, n)
	}
	if math.IsNaN(p) || p < 0 || p > 100 {
		return 0, fmt.Errorf("%w: percentage %v outside [0, 100]", attribute.ErrInvalidValue, p)
	}
	idx := int(math.Round(p / 100 * float64(n-1)))
	return clamp(idx, 0, n-1), nil
}

// Percentage maps level index i of n back to a percentage.
//
// Returns round(i/(n-1)*100) for n > 1, else 100. Indices outside [0, n-1]
// are clamped first.
func Percentage(i, n int) int {
	if n <= 1 {
		return 100
	}
	i = clamp(i, 0, n-1)
	return int(math.Round(float64(i) / float64(n-1) * 100))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
