package procpipe

import (
	"strconv"
	"strings"
	"time"
)

// progressUpdate is the result of feeding one stdout line to the parser.
type progressUpdate struct {
	position    time.Duration
	hasPosition bool
	end         bool
}

// parseProgressLine interprets one line of ffmpeg -progress output.
// Lines are key=value pairs, one per line, terminated by a progress=...
// record. out_time_ms is microseconds despite the name, matching
// out_time_us on every ffmpeg release that emits both.
func parseProgressLine(line string) progressUpdate {
	line = strings.TrimSpace(line)
	key, value, found := strings.Cut(line, "=")
	if !found {
		return progressUpdate{}
	}
	value = strings.TrimSpace(value)

	switch key {
	case "out_time_us", "out_time_ms":
		us, err := strconv.ParseInt(value, 10, 64)
		if err != nil || us < 0 {
			return progressUpdate{}
		}
		return progressUpdate{position: time.Duration(us) * time.Microsecond, hasPosition: true}
	case "out_time":
		d, ok := parseClockTime(value)
		if !ok {
			return progressUpdate{}
		}
		return progressUpdate{position: d, hasPosition: true}
	case "progress":
		return progressUpdate{end: value == "end"}
	}
	return progressUpdate{}
}

// parseClockTime parses ffmpeg's HH:MM:SS.micros clock format.
func parseClockTime(s string) (time.Duration, bool) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, false
	}
	hours, err := strconv.Atoi(parts[0])
	if err != nil || hours < 0 {
		return 0, false
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil || minutes < 0 || minutes > 59 {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(parts[2], 64)
	if err != nil || seconds < 0 || seconds >= 60 {
		return 0, false
	}
	d := time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds*float64(time.Second))
	return d, true
}
