package schedule

import "fmt"

// FormatPeriod renders a number of seconds as "45s", "5m 30s" or "2h 15m".
// Leftover seconds are dropped once the period reaches an hour.
func FormatPeriod(seconds int64) string {
	switch {
	case seconds < 60:
		return fmt.Sprintf("%ds", seconds)
	case seconds < 3600:
		if rem := seconds % 60; rem != 0 {
			return fmt.Sprintf("%dm %ds", seconds/60, rem)
		}
		return fmt.Sprintf("%dm", seconds/60)
	default:
		hours, minutes := seconds/3600, (seconds%3600)/60
		if minutes != 0 {
			return fmt.Sprintf("%dh %dm", hours, minutes)
		}
		return fmt.Sprintf("%dh", hours)
	}
}
