package humanize

import "fmt"

// Size scales a byte count to the largest unit that keeps it above one.
func Size(i int64) (float64, string) {
	switch {
	case i < 1024:
		return float64(i), "B"
	case i < 1024*1024:
		return float64(i) / 1024, "KB"
	case i < 1024*1024*1024:
		return float64(i) / (1024 * 1024), "MB"
	default:
		return float64(i) / (1024 * 1024 * 1024), "GB"
	}
}

// Format renders a byte count for log lines, e.g. 1.5KB.
func Format(i int64) string {
	n, unit := Size(i)

	if unit == "B" {
		return fmt.Sprintf("%d%s", i, unit)
	}

	return fmt.Sprintf("%.1f%s", n, unit)
}
