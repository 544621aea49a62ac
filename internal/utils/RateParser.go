package utils

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseRate turns a transmission rate into messages per second. It accepts a
// bare number ("5", "0.5") or a count over a window ("10/2s", "30/m", "1/1h").
func ParseRate(s string) (float64, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, "/")
	if len(parts) > 2 {
		return 0, fmt.Errorf("unexpected rate format: %s", s)
	}
	count, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected rate format: %s", s)
	}
	if len(parts) == 1 {
		return positiveRate(count, s)
	}

	timeStr := parts[1]
	if timeStr == "" {
		return 0, fmt.Errorf("unexpected time format: %s", timeStr)
	}
	unit := timeStr[len(timeStr)-1]
	numPart := timeStr[:len(timeStr)-1]
	value := 1.0
	if numPart != "" {
		value, err = strconv.ParseFloat(numPart, 64)
		if err != nil || value <= 0 {
			return 0, fmt.Errorf("unexpected time format: %s", timeStr)
		}
	}
	var seconds float64
	switch unit {
	case 's':
		seconds = value
	case 'm':
		seconds = value * 60
	case 'h':
		seconds = value * 3600
	default:
		return 0, fmt.Errorf("unexpected time unit: %s", string(unit))
	}
	return positiveRate(count/seconds, s)
}

func positiveRate(r float64, s string) (float64, error) {
	if !(r > 0) || r > 1e6 {
		return 0, fmt.Errorf("rate out of range: %s", s)
	}
	return r, nil
}
