package parser

import (
	"strconv"
	"strings"
	"time"
)

// ParseDurationSeconds parses the daemon's duration strings ("500ms",
// "1m37.535505102s", "2h15m30s500ms") into seconds. Strings that are not a
// unit-suffixed duration fall back to being read as a bare number of
// seconds. The second return value is false when nothing could be parsed.
func ParseDurationSeconds(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}

	if d, err := time.ParseDuration(s); err == nil {
		return d.Seconds(), true
	}

	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, true
	}

	return 0, false
}
