package playback

import (
	"fmt"
	"math"
)

// FormatTime formats a number of seconds as minutes:seconds. Unknown values
// (negative, NaN or infinite) are formatted as 0:00.
func FormatTime(seconds float64) string {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds <= 0 {
		return "0:00"
	}
	total := int64(seconds)
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}

// isKnownDuration returns true if d can be used to compute positions.
func isKnownDuration(d float64) bool {
	return d > 0 && !math.IsNaN(d) && !math.IsInf(d, 0)
}

// clamp01 limits v to the range [0, 1].
func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
