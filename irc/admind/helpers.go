package admind

import (
	"strconv"
	"time"
)

// parseDuration accepts IRC style durations like "30m", "2h", "1d" or "1w",
// plain seconds, and anything time.ParseDuration understands. An empty
// string is zero, a permanent line.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	if len(s) > 1 {
		if val, err := strconv.Atoi(s[:len(s)-1]); err == nil {
			switch s[len(s)-1] {
			case 'd':
				return time.Duration(val) * 24 * time.Hour, nil
			case 'w':
				return time.Duration(val) * 7 * 24 * time.Hour, nil
			case 'y':
				return time.Duration(val) * 365 * 24 * time.Hour, nil
			}
		}
	}
	return time.ParseDuration(s)
}
