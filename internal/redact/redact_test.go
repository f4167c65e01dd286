package redact

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScrubRegistered(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	Register("hunter2")
	Register("hunter2") // duplicate registration is a no-op
	Register("")        // empty strings are ignored

	require.Equal(t, "auth with "+Placeholder+" failed", Scrub("auth with hunter2 failed"))
	require.Equal(t, "nothing to hide", Scrub("nothing to hide"))
}

func TestScrubKeyValuePatterns(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	cases := []struct {
		in   string
		want string
	}{
		{`password=swordfish`, `password=` + Placeholder},
		{`PASSWORD: swordfish`, `PASSWORD: ` + Placeholder},
		{`secret = "multi word"`, `secret = ` + Placeholder},
		{`api_key: 'abc123'`, `api_key: ` + Placeholder},
		{`api-key=abc123`, `api-key=` + Placeholder},
		{`Authorization: Basic`, `Authorization: ` + Placeholder},
		{`passwd=x rest of line`, `passwd=` + Placeholder + ` rest of line`},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Scrub(tc.in), "input %q", tc.in)
	}
}

func TestScrubCombined(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	Register("s3cr3t")
	got := Scrub("connecting with s3cr3t and api_key=abc")
	require.NotContains(t, got, "s3cr3t")
	require.Contains(t, got, Placeholder)
}
