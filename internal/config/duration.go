package config

import (
	"fmt"
	"strings"
	"time"
)

func parseDuration(path, raw string, allowNegative bool) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 && !allowNegative {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationField parses a non-negative duration; empty is 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	return parseDuration(path, raw, false)
}

// ParseSignedDuration also accepts negative values (used as "disabled").
func ParseSignedDuration(path, raw string) (time.Duration, error) {
	return parseDuration(path, raw, true)
}

// ParseDurationOrDefault returns def for empty or zero values.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// MustDuration is for values already checked by Validate.
func MustDuration(raw string) time.Duration {
	d, _ := parseDuration("", raw, true)
	return d
}
