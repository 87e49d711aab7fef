package notify

import (
	"fmt"
	"math"
)

// FormatScore formats a health score in [0, 1] as a percentage string.
// Example: 0.873 -> "87%"
func FormatScore(score float64) string {
	pct := int(math.Round(score * 100))
	return fmt.Sprintf("%d%%", pct)
}
