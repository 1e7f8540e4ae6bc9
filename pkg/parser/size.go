package parser

import (
	"strconv"
	"strings"
	"sync"
)

var unitExponents = map[byte]int{
	'K': 1,
	'M': 2,
	'G': 3,
	'T': 4,
	'P': 5,
}

// ParseSize converts size strings like "100 MB", "1 GiB" or "2048" to
// bytes. Units containing an "i" are binary (1024-based), all others are
// decimal (1000-based). Unknown units are treated as bytes of the numeric
// portion; unparseable input yields 0.
func ParseSize(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}

	// Split the numeric prefix from the unit suffix.
	split := len(s)
	for i, r := range s {
		if (r >= '0' && r <= '9') || r == '.' || r == '-' || r == '+' || r == 'e' || r == 'E' {
			continue
		}
		split = i
		break
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(s[:split]), 64)
	if err != nil {
		return 0
	}

	unit := strings.ToUpper(strings.TrimSpace(s[split:]))
	if unit == "" || unit == "B" {
		return int64(value)
	}

	exp, ok := unitExponents[unit[0]]
	if !ok {
		return int64(value)
	}

	base := 1000.0
	if strings.Contains(unit, "I") {
		base = 1024.0
	}

	for i := 0; i < exp; i++ {
		value *= base
	}
	return int64(value)
}

// Size bucket boundaries, power-of-two thresholds in bytes.
var (
	bucketThresholds = []int64{1 << 10, 4 << 10, 16 << 10, 64 << 10, 256 << 10, 1 << 20}
	bucketLabels     = []string{"<1 KB", "1-4 KB", "4-16 KB", "16-64 KB", "64-256 KB", "256 KB - 1 MB", ">1 MB"}
)

const bucketCacheCap = 10000

var (
	bucketMu    sync.Mutex
	bucketCache = make(map[int64]string)
)

// SizeBucket maps a transfer size onto its fixed display bucket. Negative
// sizes clamp to the smallest bucket. Results are memoized per distinct
// size up to a fixed cap.
func SizeBucket(size int64) string {
	bucketMu.Lock()
	if label, ok := bucketCache[size]; ok {
		bucketMu.Unlock()
		return label
	}
	bucketMu.Unlock()

	label := bucketLabels[len(bucketLabels)-1]
	for i, threshold := range bucketThresholds {
		if size < threshold {
			label = bucketLabels[i]
			break
		}
	}

	bucketMu.Lock()
	if len(bucketCache) < bucketCacheCap {
		bucketCache[size] = label
	}
	bucketMu.Unlock()
	return label
}
