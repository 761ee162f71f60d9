package core

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ParseBandwidth parses a data rate such as "100Mbps", "1.5 Gbps" or
// "64kb/s" into bits per second. The value must be at least 1bps.
func ParseBandwidth(s string) (uint64, error) {
	v := strings.TrimSpace(s)
	if v == "" {
		return 0, fmt.Errorf("bandwidth is required")
	}
	value, unit, err := humanize.ParseSI(v)
	if err != nil {
		return 0, fmt.Errorf("parse bandwidth %q: %w", s, err)
	}
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "bps", "b/s", "bit/s":
	default:
		return 0, fmt.Errorf("parse bandwidth %q: unit must be bps, got %q", s, unit)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) || value < 1 {
		return 0, fmt.Errorf("bandwidth %q must be positive", s)
	}
	return uint64(math.Round(value)), nil
}

// ParseLatency parses a one-way delay such as "1ms" or "250us". A bare
// number is read as milliseconds. The value must be positive.
func ParseLatency(s string) (time.Duration, error) {
	v := strings.TrimSpace(s)
	if v == "" {
		return 0, fmt.Errorf("latency is required")
	}
	var d time.Duration
	if ms, err := strconv.ParseFloat(v, 64); err == nil {
		d = time.Duration(ms * float64(time.Millisecond))
	} else {
		d, err = time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("parse latency %q: %w", s, err)
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("latency %q must be positive", s)
	}
	return d, nil
}
