package mcp

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// formatNumber adds comma separators to integers.
func formatNumber[T ~int | ~int64 | ~uint64](n T) string {
	s := strconv.FormatInt(int64(n), 10)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	if len(s) <= 3 {
		if neg {
			return "-" + s
		}
		return s
	}

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	head := len(s) % 3
	if head > 0 {
		b.WriteString(s[:head])
	}
	for i := head; i < len(s); i += 3 {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// kv formats a key-value pair with aligned values (20 char key width).
func kv(key string, value any) string {
	return fmt.Sprintf("%-20s %v", key+":", value)
}

// section returns a markdown section header.
func section(title string) string {
	return "## " + title
}

// joinLines joins non-empty lines with newlines.
func joinLines(lines ...string) string {
	var result []string
	for _, l := range lines {
		if l != "" {
			result = append(result, l)
		}
	}
	return strings.Join(result, "\n")
}

// formatRate formats a 0..1 ratio as a percentage, or "n/a" when absent.
func formatRate(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.1f%%", *v*100)
}

// formatSlots formats a latency in slots, or "n/a" when absent.
func formatSlots(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.2f slots", *v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

// formatSlotList prints at most limit slots followed by a remainder count.
func formatSlotList(slots []uint64, limit int) string {
	if len(slots) == 0 {
		return "none"
	}
	shown := slots
	if len(shown) > limit {
		shown = shown[:limit]
	}
	parts := make([]string, len(shown))
	for i, s := range shown {
		parts[i] = strconv.FormatUint(s, 10)
	}
	out := strings.Join(parts, ", ")
	if rest := len(slots) - len(shown); rest > 0 {
		out += fmt.Sprintf(" ... and %d more", rest)
	}
	return out
}
