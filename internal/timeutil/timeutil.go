// Package timeutil parses the human timeout strings accepted by task
// submission and fetch (eta_max).
package timeutil

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	separators = regexp.MustCompile(`[:,\s]+`)
	valueUnit  = regexp.MustCompile(`(\d+\.?\d*)([a-z]+)`)

	unitSeconds = map[string]float64{
		"h": 3600, "hour": 3600, "hours": 3600,
		"m": 60, "min": 60, "minute": 60, "minutes": 60,
		"s": 1, "sec": 1, "second": 1, "seconds": 1,
	}
)

// ParseTimeout converts a timeout string to a positive number of seconds.
//
// Accepted forms: bare seconds ("90"), single units ("1.5h", "30m"),
// compound units ("1h30m", "5m30s") and spelled-out units
// ("1 hour, 30 minutes"). Days are not accepted. The result is rounded to
// the nearest integer and must be positive.
func ParseTimeout(s string) (int, error) {
	cleaned := separators.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "")
	if cleaned == "" {
		return 0, fmt.Errorf("timeout must be a non-empty string")
	}

	if n, err := strconv.Atoi(cleaned); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("timeout must be positive, got %d", n)
		}
		return n, nil
	}

	matches := valueUnit.FindAllStringSubmatch(cleaned, -1)
	var joined strings.Builder
	for _, m := range matches {
		joined.WriteString(m[0])
	}
	if len(matches) == 0 || joined.String() != cleaned {
		return 0, fmt.Errorf("invalid timeout format: %q", s)
	}

	total := 0.0
	for _, m := range matches {
		value, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number %q in timeout", m[1])
		}
		mult, ok := unitSeconds[m[2]]
		if !ok {
			return 0, fmt.Errorf("invalid unit %q in timeout", m[2])
		}
		total += value * mult
	}

	seconds := int(math.Round(total))
	if seconds <= 0 {
		return 0, fmt.Errorf("timeout must be positive, got %q", s)
	}
	return seconds, nil
}
