package ai

import (
	"context"
	"strings"
)

const (
	DefaultFallbackLines = 20
	fallbackHeader       = "📝 Raw output (AI unavailable):\n"
)

// Fallback returns the last n lines of output under a fixed header.
func Fallback(output string, n int) string {
	if n <= 0 {
		n = DefaultFallbackLines
	}
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return fallbackHeader + strings.Join(lines, "\n")
}

// FallbackBrain never calls out; it is used when no API key is set or in
// tests.
type FallbackBrain struct {
	Lines int
}

var _ Brain = FallbackBrain{}

func (f FallbackBrain) Summarize(_ context.Context, output string) string {
	return Fallback(output, f.Lines)
}

func (f FallbackBrain) Suggest(context.Context, string, SessionInfo) []Suggestion { return nil }
