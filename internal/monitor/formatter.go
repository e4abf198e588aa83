package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/taskgraph/internal/task"
)

// FormatPercentage formats a ratio (0-1) as percentage
func FormatPercentage(ratio float64) string {
	return fmt.Sprintf("%.1f%%", ratio*100)
}

// FormatDuration formats d as "Xh Ym", "Xm" or "Xs".
func FormatDuration(d time.Duration) string {
	seconds := int64(d / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm", minutes)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

// FormatAge formats how long ago at was relative to now.
func FormatAge(at, now time.Time) string {
	if at.IsZero() {
		return "-"
	}
	return FormatDuration(now.Sub(at)) + " ago"
}

// FormatCounts renders per-status counts in display order, e.g.
// "todo 3 · doing 1 · blocked 0 · done 2 · skipped 0".
func FormatCounts(counts map[task.Status]int) string {
	parts := make([]string, 0, len(task.Statuses))
	for _, st := range task.Statuses {
		parts = append(parts, fmt.Sprintf("%s %d", st, counts[st]))
	}
	return strings.Join(parts, " · ")
}

// Truncate shortens s to at most n runes, marking the cut with an ellipsis.
func Truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(r[:n-1]) + "…"
}
