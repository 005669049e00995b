package config

import (
	"strconv"
	"strings"
	"time"
)

// parseDuration accepts Go durations ("5s") and bare numbers of seconds ("5").
func parseDuration(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	if seconds, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return time.Duration(seconds * float64(time.Second)), nil
	}
	return time.ParseDuration(trimmed)
}
