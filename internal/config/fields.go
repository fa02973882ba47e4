package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string at path (used in error
// messages). Blank means zero; negative values are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	d, _, err := parseDuration(path, raw)
	return d, err
}

// ParseDurationOrDefault is ParseDurationField with def standing in for
// blank or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, set, err := parseDuration(path, raw)
	switch {
	case err != nil:
		return 0, err
	case !set || d == 0:
		return def, nil
	}
	return d, nil
}

func parseDuration(path, raw string) (time.Duration, bool, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, false, fmt.Errorf("%s: invalid duration %q", path, raw)
	}
	if d < 0 {
		return 0, false, fmt.Errorf("%s: must not be negative, got %s", path, s)
	}
	return d, true, nil
}
