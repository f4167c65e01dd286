package timeutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseTimeout(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"90", 90},
		{" 90 ", 90},
		{"30s", 30},
		{"30sec", 30},
		{"45 seconds", 45},
		{"5m", 300},
		{"5min", 300},
		{"2 minutes", 120},
		{"1h", 3600},
		{"1 hour", 3600},
		{"2hours", 7200},
		{"1.5h", 5400},
		{"0.5m", 30},
		{"1h30m", 5400},
		{"5m30s", 330},
		{"1h 30m", 5400},
		{"1 hour, 30 minutes", 5400},
		{"1:30m", 7800}, // separators are stripped, so this reads as 130 minutes
		{"1H30M", 5400}, // case-insensitive
	}
	for _, tc := range cases {
		got, err := ParseTimeout(tc.in)
		require.NoError(t, err, "input %q", tc.in)
		require.Equal(t, tc.want, got, "input %q", tc.in)
	}
}

func TestParseTimeoutRejects(t *testing.T) {
	for _, in := range []string{
		"",
		"   ",
		"0",
		"-5",
		"abc",
		"1d",      // days are not a unit
		"2 days",  // spelled-out days either
		"1h30",    // trailing bare number
		"h",       // unit without value
		"1.5",     // fractional bare seconds
		"5 m 3 x", // unknown unit
	} {
		_, err := ParseTimeout(in)
		require.Error(t, err, "input %q", in)
	}
}

func TestParseTimeoutRounds(t *testing.T) {
	got, err := ParseTimeout("0.0166667h") // ~60.00012 seconds
	require.NoError(t, err)
	require.Equal(t, 60, got)
}
