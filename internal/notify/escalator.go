package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultEscalationThreshold = 5
	DefaultEscalationWindow    = 5 * time.Minute
)

// EscalateFunc is called once per kind per window when the threshold is
// reached.
type EscalateFunc func(ctx context.Context, kind string, count int)

type errorCounter struct {
	count     int
	since     time.Time
	escalated bool
}

// Escalator counts repeated errors by kind and escalates once when a kind
// reaches the threshold inside the reset window. Further errors of that
// kind are counted silently until the window resets.
type Escalator struct {
	mu         sync.Mutex
	threshold  int
	window     time.Duration
	counters   map[string]*errorCounter
	onEscalate EscalateFunc
	now        func() time.Time
}

func NewEscalator(threshold int, window time.Duration, onEscalate EscalateFunc) *Escalator {
	e := &Escalator{
		counters:   make(map[string]*errorCounter),
		onEscalate: onEscalate,
		now:        time.Now,
	}
	e.SetLimits(threshold, window)
	return e
}

// SetLimits replaces the threshold and window. Non-positive values use the
// defaults.
func (e *Escalator) SetLimits(threshold int, window time.Duration) {
	if threshold <= 0 {
		threshold = DefaultEscalationThreshold
	}
	if window <= 0 {
		window = DefaultEscalationWindow
	}
	e.mu.Lock()
	e.threshold = threshold
	e.window = window
	e.mu.Unlock()
}

// Record counts one error of kind and reports whether it triggered an
// escalation.
func (e *Escalator) Record(ctx context.Context, kind string) bool {
	now := e.now()
	e.mu.Lock()
	c, ok := e.counters[kind]
	if !ok || now.Sub(c.since) > e.window {
		c = &errorCounter{since: now}
		e.counters[kind] = c
	}
	c.count++
	fire := !c.escalated && c.count >= e.threshold
	if fire {
		c.escalated = true
	}
	count := c.count
	e.mu.Unlock()

	if !fire {
		return false
	}
	notifyLog.Warn("error_escalated", slog.String("kind", kind), slog.Int("count", count))
	if e.onEscalate != nil {
		e.onEscalate(ctx, kind, count)
	}
	return true
}

// Count returns the errors recorded for kind in the current window.
func (e *Escalator) Count(kind string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.counters[kind]
	if !ok || e.now().Sub(c.since) > e.window {
		return 0
	}
	return c.count
}
