package procpipe

import (
	"testing"
	"time"
)

func TestParseProgressLine(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		position time.Duration
		hasPos   bool
		end      bool
	}{
		{"out_time_us", "out_time_us=1500000", 1500 * time.Millisecond, true, false},
		{"out_time_ms is microseconds", "out_time_ms=1500000", 1500 * time.Millisecond, true, false},
		{"out_time clock format", "out_time=00:01:05.500000", time.Minute + 5*time.Second + 500*time.Millisecond, true, false},
		{"out_time with hours", "out_time=02:00:00.000000", 2 * time.Hour, true, false},
		{"progress end", "progress=end", 0, false, true},
		{"progress continue", "progress=continue", 0, false, false},
		{"zero position", "out_time_us=0", 0, true, false},
		{"negative position ignored", "out_time_us=-9223372036854775808", 0, false, false},
		{"unparsable value ignored", "out_time_us=N/A", 0, false, false},
		{"malformed clock ignored", "out_time=05.500000", 0, false, false},
		{"unrelated key ignored", "frame=120", 0, false, false},
		{"no separator ignored", "frame 120", 0, false, false},
		{"empty line ignored", "", 0, false, false},
		{"surrounding whitespace", "  out_time_us=250000  ", 250 * time.Millisecond, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			update := parseProgressLine(tt.line)
			if update.hasPosition != tt.hasPos {
				t.Errorf("hasPosition = %v, want %v", update.hasPosition, tt.hasPos)
			}
			if update.hasPosition && update.position != tt.position {
				t.Errorf("position = %v, want %v", update.position, tt.position)
			}
			if update.end != tt.end {
				t.Errorf("end = %v, want %v", update.end, tt.end)
			}
		})
	}
}

func TestParseClockTimeRejectsOutOfRange(t *testing.T) {
	tests := []string{
		"00:65:00.000000",
		"00:00:75.000000",
		"-1:00:00.000000",
		"aa:bb:cc",
		"00:00",
	}
	for _, input := range tests {
		if _, ok := parseClockTime(input); ok {
			t.Errorf("parseClockTime(%q) should be rejected", input)
		}
	}
}
