package store

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseQuota parses a daily sending quota: a number of bytes with an optional
// suffix B, KB, MB or GB (multiples of 1024), e.g. "500MB" or "1.5 GB". An
// empty string or "unlimited" means no limit.
func ParseQuota(s string) (limit int64, unlimited bool, err error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "unlimited") {
		return 0, true, nil
	}

	u := strings.ToUpper(s)
	mult := int64(1)
	for _, x := range []struct {
		suffix string
		mult   int64
	}{
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	} {
		if strings.HasSuffix(u, x.suffix) {
			u = strings.TrimSpace(strings.TrimSuffix(u, x.suffix))
			mult = x.mult
			break
		}
	}
	v, err := strconv.ParseFloat(u, 64)
	if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false, fmt.Errorf("invalid quota %q", s)
	}
	// float64(math.MaxInt64) is 2^63, the first value that does not fit.
	n := v * float64(mult)
	if n >= float64(math.MaxInt64) {
		return 0, false, fmt.Errorf("quota %q too large", s)
	}
	return int64(n), false, nil
}
