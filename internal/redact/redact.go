// Package redact scrubs sensitive material from user-facing output.
// Credentials registered at config-load time are replaced wherever they
// appear, and key=value patterns with secret-looking keys are masked even
// when the value was never registered (tracebacks, command echoes, logs).
package redact

import (
	"regexp"
	"strings"
	"sync"
)

// Placeholder replaces redacted values.
const Placeholder = "*****"

// sensitivePattern matches `password=...`, `secret: "..."` and similar
// assignments, quoted or not.
var sensitivePattern = regexp.MustCompile(`(?i)(password|passwd|secret|authorization|api[_-]?key)(\s*[=:]\s*)("[^"]*"|'[^']*'|\S+)`)

var (
	mu         sync.RWMutex
	registered []string
)

// Register marks text as sensitive so Scrub removes it from any output.
// Empty strings are ignored.
func Register(text string) {
	if text == "" {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	for _, existing := range registered {
		if existing == text {
			return
		}
	}
	registered = append(registered, text)
}

// Reset clears the registry. Intended for tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	registered = nil
}

// Scrub returns s with all registered sensitive strings and secret-looking
// key=value assignments replaced by the placeholder.
func Scrub(s string) string {
	mu.RLock()
	for _, text := range registered {
		s = strings.ReplaceAll(s, text, Placeholder)
	}
	mu.RUnlock()

	return sensitivePattern.ReplaceAllString(s, "${1}${2}"+Placeholder)
}
