package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseBarSize converts a bar size such as "1 min", "5 mins", "1 hour" or
// "1 day" into the interval it covers.
func ParseBarSize(s string) (time.Duration, error) {
	n, unit, err := splitQuantity(s)
	if err != nil {
		return 0, fmt.Errorf("parsing bar size %q: %w", s, err)
	}
	switch strings.TrimSuffix(strings.ToLower(unit), "s") {
	case "sec":
		return time.Duration(n) * time.Second, nil
	case "min":
		return time.Duration(n) * time.Minute, nil
	case "hour":
		return time.Duration(n) * time.Hour, nil
	case "day":
		return time.Duration(n) * 24 * time.Hour, nil
	case "week":
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("parsing bar size %q: unknown unit %q", s, unit)
}

// ParseDuration converts a lookback such as "3600 S", "1 D", "2 W", "1 M" or
// "1 Y" into a time span. Months count as 30 days and years as 365.
func ParseDuration(s string) (time.Duration, error) {
	n, unit, err := splitQuantity(s)
	if err != nil {
		return 0, fmt.Errorf("parsing duration %q: %w", s, err)
	}
	day := 24 * time.Hour
	switch strings.ToUpper(unit) {
	case "S":
		return time.Duration(n) * time.Second, nil
	case "D":
		return time.Duration(n) * day, nil
	case "W":
		return time.Duration(n) * 7 * day, nil
	case "M":
		return time.Duration(n) * 30 * day, nil
	case "Y":
		return time.Duration(n) * 365 * day, nil
	}
	return 0, fmt.Errorf("parsing duration %q: unknown unit %q", s, unit)
}

func splitQuantity(s string) (int, string, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return 0, "", fmt.Errorf("want \"<n> <unit>\"")
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, "", err
	}
	if n <= 0 {
		return 0, "", fmt.Errorf("quantity must be positive")
	}
	return n, fields[1], nil
}
