package core

import (
	"testing"
	"time"
)

func TestParseBandwidth(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
	}{
		{"100Mbps", 100_000_000},
		{"1.5 Gbps", 1_500_000_000},
		{"64kb/s", 64_000},
		{"9600bps", 9600},
		{" 10Mbit/s ", 10_000_000},
	}
	for _, tt := range tests {
		got, err := ParseBandwidth(tt.in)
		if err != nil {
			t.Fatalf("ParseBandwidth(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParseBandwidth(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}

	for _, bad := range []string{"", "fast", "100MB", "0bps", "-5Mbps", "10mbps"} {
		if _, err := ParseBandwidth(bad); err == nil {
			t.Fatalf("ParseBandwidth(%q) succeeded, want error", bad)
		}
	}
}

func TestParseLatency(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"1ms", time.Millisecond},
		{"250us", 250 * time.Microsecond},
		{"5", 5 * time.Millisecond},
		{"0.5", 500 * time.Microsecond},
		{"1.5s", 1500 * time.Millisecond},
	}
	for _, tt := range tests {
		got, err := ParseLatency(tt.in)
		if err != nil {
			t.Fatalf("ParseLatency(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParseLatency(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	for _, bad := range []string{"", "0", "-1ms", "soon", "0s"} {
		if _, err := ParseLatency(bad); err == nil {
			t.Fatalf("ParseLatency(%q) succeeded, want error", bad)
		}
	}
}
