package ai

import (
	"strings"
)

const (
	summaryInputLimit = 3000
	suggestInputLimit = 2000
)

const summarizeSystem = `You summarize raw terminal output from a developer's coding session.

Rules:
1. Summarize in 2-4 sentences maximum
2. Focus on what happened, what succeeded and what failed
3. Include specific numbers (test counts, error counts, file names)
4. Skip noise such as dependency installation details and irrelevant warnings
5. If there are errors, always mention the file name and error type
6. Use plain, simple English`

const suggestSystem = `You are a coding assistant. Based on terminal output and session context, suggest 1-3 logical next actions.

Rules:
1. Each suggestion must be actionable (a specific command or instruction)
2. Order by priority, most important first
3. Format each as {"label": "short button text", "command": "actual command to run"}
4. If tests failed, suggest viewing details or fixing
5. If a build succeeded, suggest the next task
6. If an error occurred, suggest a fix or how to debug
7. Return a JSON array only, no markdown fencing or explanation`

// SessionInfo is the context passed along with a suggestion request.
type SessionInfo struct {
	Alias   string
	Kind    string
	WorkDir string
}

func buildSummarizePrompt(output string) (system, user string) {
	var sb strings.Builder
	sb.WriteString("Summarize this terminal output:\n---\n")
	sb.WriteString(tail(output, summaryInputLimit))
	sb.WriteString("\n---")
	return summarizeSystem, sb.String()
}

func buildSuggestPrompt(output string, info SessionInfo) (system, user string) {
	var sb strings.Builder
	sb.WriteString("Session info:\n")
	sb.WriteString("- Project: " + info.Alias + "\n")
	sb.WriteString("- Session type: " + info.Kind + "\n")
	sb.WriteString("- Working directory: " + info.WorkDir + "\n\n")
	sb.WriteString("Terminal output:\n---\n")
	sb.WriteString(tail(output, suggestInputLimit))
	sb.WriteString("\n---")
	return suggestSystem, sb.String()
}

// tail keeps the last n bytes of s, moved forward to a rune boundary.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !isRuneStart(s[i]) {
		i++
	}
	return s[i:]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// stripFence removes a surrounding markdown code fence, if any.
func stripFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	if parts := strings.SplitN(text, "\n", 2); len(parts) > 1 {
		text = parts[1]
	}
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}
