// Package wake detects host suspend/resume from gaps in the wall clock.
package wake

import (
	"context"
	"log/slog"
	"time"

	"github.com/asheshgoplani/conductor/internal/logging"
)

var wakeLog = logging.ForComponent(logging.CompDaemon)

const (
	DefaultCheckInterval = 5 * time.Second
	DefaultThreshold     = 15 * time.Second
)

// Detector wakes every interval and compares wall-clock time against the
// previous check. A gap above threshold means the host slept.
type Detector struct {
	interval  time.Duration
	threshold time.Duration
	onWake    func(ctx context.Context, slept time.Duration)
	// now must return wall-clock time; the monotonic clock stops during
	// suspend on Linux.
	now  func() time.Time
	last time.Time
}

func New(interval, threshold time.Duration, onWake func(ctx context.Context, slept time.Duration)) *Detector {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	if threshold <= interval {
		threshold = max(DefaultThreshold, 3*interval)
	}
	return &Detector{
		interval:  interval,
		threshold: threshold,
		onWake:    onWake,
		now:       func() time.Time { return time.Now().Round(0) },
	}
}

// Run checks until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) error {
	d.last = d.now()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.check(ctx)
		}
	}
}

// check returns the estimated sleep duration, or zero when no wake was
// detected.
func (d *Detector) check(ctx context.Context) time.Duration {
	now := d.now()
	elapsed := now.Sub(d.last)
	d.last = now
	if elapsed <= d.threshold {
		return 0
	}
	slept := elapsed - d.interval
	wakeLog.Warn("host_wake_detected", slog.Duration("slept", slept))
	if d.onWake != nil {
		d.fire(ctx, slept)
	}
	return slept
}

func (d *Detector) fire(ctx context.Context, slept time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			wakeLog.Error("wake_callback_panic", slog.Any("panic", r))
		}
	}()
	d.onWake(ctx, slept)
}
