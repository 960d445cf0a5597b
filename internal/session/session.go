// Package session owns supervised terminal sessions: their multiplexer
// panes, process ids, and authoritative status.
package session

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

var (
	ErrNotFound         = errors.New("session: not found")
	ErrCapacity         = errors.New("session: concurrency limit reached")
	ErrWorkDirMissing   = errors.New("session: working directory does not exist")
	ErrInvalidAlias     = errors.New("session: invalid alias")
	ErrMarkersExhausted = errors.New("session: no free marker")
	ErrInvalidKind      = errors.New("session: invalid kind")
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusRunning     Status = "running"
	StatusPaused      Status = "paused"
	StatusWaiting     Status = "waiting"
	StatusError       Status = "error"
	StatusExited      Status = "exited"
	StatusRateLimited Status = "rate_limited"
)

// Kind selects what runs inside a new pane.
type Kind string

const (
	KindAssistant Kind = "assistant"
	KindShell     Kind = "shell"
	KindOneOff    Kind = "one-off"
)

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindAssistant, KindShell, KindOneOff:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
}

// Markers is the fixed palette; at most one live session holds each.
var Markers = []string{"🔵", "🟣", "🟠", "🟢", "🔴", "🟤"}

// MaxAliasLen is the longest alias accepted by Create and Rename.
const MaxAliasLen = 50

// Session is a snapshot of one supervised workload. Values handed out by
// Manager are copies; mutate through Manager methods only.
type Session struct {
	ID           string
	Number       int
	Alias        string
	Kind         Kind
	WorkingDir   string
	TmuxSession  string
	PaneID       string
	PID          int
	Status       Status
	Marker       string
	TokenUsed    int
	TokenLimit   int
	LastActivity time.Time
	LastSummary  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Label is the short human form, e.g. "🔵 #2 Api-Server".
func (s Session) Label() string {
	if s.Marker == "" {
		return fmt.Sprintf("#%d %s", s.Number, s.Alias)
	}
	return fmt.Sprintf("%s #%d %s", s.Marker, s.Number, s.Alias)
}

// Live reports whether the session has not exited.
func (s Session) Live() bool { return s.Status != StatusExited }

func validateAlias(alias string) error {
	if strings.TrimSpace(alias) == "" {
		return fmt.Errorf("%w: alias cannot be empty", ErrInvalidAlias)
	}
	if utf8.RuneCountInString(alias) > MaxAliasLen {
		return fmt.Errorf("%w: alias too long (max %d chars)", ErrInvalidAlias, MaxAliasLen)
	}
	return nil
}

var aliasSplit = regexp.MustCompile(`[-_]`)

// AliasFromDir derives a display name from the last path element:
// "api_server" becomes "Api-Server".
func AliasFromDir(dir string) string {
	base := filepath.Base(strings.TrimRight(dir, "/"))
	if base == "." || base == "/" || base == "" {
		return "Session"
	}
	parts := aliasSplit.Split(base, -1)
	for i, p := range parts {
		parts[i] = capitalize(p)
	}
	return strings.Join(parts, "-")
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + strings.ToLower(s[size:])
}
