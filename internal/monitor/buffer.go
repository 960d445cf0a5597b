// Package monitor polls session panes, keeps a deduplicated view of their
// output and classifies new lines into detection events.
package monitor

import (
	"context"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"

	"github.com/asheshgoplani/conductor/internal/logging"
	"github.com/asheshgoplani/conductor/internal/tmux"
)

const (
	DefaultCaptureLines = 1000
	DefaultSeenCap      = 10000
	DefaultRollingCap   = 5000
)

// Buffer turns successive pane captures into the lines that are new since
// the previous capture.
//
// A line is new when it sits past the cursor (the cleaned line count of the
// previous capture) and its fingerprint has not been seen before. When a
// capture is shorter than the cursor the screen was cleared: the cursor
// restarts at zero but fingerprints are kept, so content that scrolls back
// into view is not reported twice. When the count stops growing but the
// screen changed, the pane's history is full and every line is a candidate.
type Buffer struct {
	mu sync.Mutex

	window     int
	seenCap    int
	rollingCap int

	cursor int
	screen uint64
	seen   map[uint64]struct{}
	order  []uint64
	lines  []string
	total  int
}

// NewBuffer returns a buffer reading window lines per capture. Non-positive
// arguments fall back to the defaults.
func NewBuffer(window, seenCap, rollingCap int) *Buffer {
	if window <= 0 {
		window = DefaultCaptureLines
	}
	if seenCap <= 0 {
		seenCap = DefaultSeenCap
	}
	if rollingCap <= 0 {
		rollingCap = DefaultRollingCap
	}
	return &Buffer{
		window:     window,
		seenCap:    seenCap,
		rollingCap: rollingCap,
		seen:       make(map[uint64]struct{}),
	}
}

// Capture reads the pane and returns the new lines. A failed read yields
// nil; deciding whether the session died is the health check's job.
func (b *Buffer) Capture(ctx context.Context, p tmux.Pane) []string {
	raw, err := p.Capture(ctx, b.window)
	if err != nil {
		logging.Aggregate(logging.CompMonitor, "capture_failed",
			slog.String("pane", p.ID()),
			slog.String("error", err.Error()))
		return nil
	}
	return b.Process(raw)
}

// Process runs the cursor and fingerprint logic over an already captured
// screen.
func (b *Buffer) Process(raw []string) []string {
	lines := make([]string, len(raw))
	for i, l := range raw {
		lines[i] = cleanLine(l)
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	screen := screenHash(lines)
	var candidates []string
	switch n := len(lines); {
	case n < b.cursor:
		b.cursor = 0
		candidates = lines
	case n >= b.window, n == b.cursor && screen != b.screen:
		// Saturated window or scrollback limit: the count stops growing, so
		// only the seen-set can tell old lines from new ones.
		candidates = lines
	default:
		candidates = lines[b.cursor:]
	}
	b.cursor = len(lines)
	b.screen = screen

	var fresh []string
	for _, l := range candidates {
		if strings.TrimSpace(l) == "" {
			continue
		}
		fp := fingerprint(l)
		if _, ok := b.seen[fp]; ok {
			continue
		}
		b.remember(fp)
		b.append(l)
		fresh = append(fresh, l)
	}
	return fresh
}

// Recent returns up to n of the most recently added lines, oldest first.
func (b *Buffer) Recent(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n > len(b.lines) {
		n = len(b.lines)
	}
	return append([]string(nil), b.lines[len(b.lines)-n:]...)
}

// Total is the number of lines ever added, including evicted ones.
func (b *Buffer) Total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Reset forgets everything, as after a session restart.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cursor = 0
	b.screen = 0
	b.seen = make(map[uint64]struct{})
	b.order = nil
	b.lines = nil
	b.total = 0
}

func (b *Buffer) remember(fp uint64) {
	b.seen[fp] = struct{}{}
	b.order = append(b.order, fp)
	if over := len(b.order) - b.seenCap; over > 0 {
		for _, old := range b.order[:over] {
			delete(b.seen, old)
		}
		b.order = append(b.order[:0], b.order[over:]...)
	}
}

func (b *Buffer) append(l string) {
	b.lines = append(b.lines, l)
	b.total++
	if over := len(b.lines) - b.rollingCap; over > 0 {
		b.lines = append(b.lines[:0], b.lines[over:]...)
	}
}

func fingerprint(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

func screenHash(lines []string) uint64 {
	h := fnv.New64a()
	for _, l := range lines {
		_, _ = h.Write([]byte(l))
		_, _ = h.Write([]byte{'\n'})
	}
	return h.Sum64()
}

// cleanLine strips escape sequences and any leftover C0 controls.
func cleanLine(s string) string {
	s = strings.TrimRight(s, "\r")
	if i := strings.LastIndexByte(s, '\r'); i >= 0 {
		s = s[i+1:]
	}
	s = ansi.Strip(s)
	return strings.Map(func(r rune) rune {
		if r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}
