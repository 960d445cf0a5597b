package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/asheshgoplani/conductor/internal/config"
	"github.com/asheshgoplani/conductor/internal/detect"
	"github.com/asheshgoplani/conductor/internal/logging"
	"github.com/asheshgoplani/conductor/internal/session"
	"github.com/asheshgoplani/conductor/internal/tmux"
)

var monLog = logging.ForComponent(logging.CompMonitor)

// completionTail is how many buffered lines the idle completion check reads.
const completionTail = 10

// SessionView is the slice of the session manager a monitor needs.
// *session.Manager satisfies it.
type SessionView interface {
	Get(id string) (session.Session, bool)
	Touch(id string, at time.Time) error
}

var _ SessionView = (*session.Manager)(nil)

// EventFunc receives every non-none classification. Calls for one session
// are strictly ordered.
type EventFunc func(ctx context.Context, s session.Session, res detect.Result, lines []string)

// Settings holds the polling knobs.
type Settings struct {
	DefaultInterval time.Duration
	ActiveInterval  time.Duration
	IdleInterval    time.Duration
	PausedInterval  time.Duration
	CompletionIdle  time.Duration
	SlowIdle        time.Duration
	CaptureLines    int
	Cooldown        time.Duration
	Extras          *detect.RawPatterns
}

// SettingsFromConfig maps the [monitor] section onto Settings.
func SettingsFromConfig(c config.MonitorConfig) Settings {
	return Settings{
		DefaultInterval: c.DefaultInterval(),
		ActiveInterval:  c.ActiveInterval(),
		IdleInterval:    c.IdleInterval(),
		PausedInterval:  c.PausedInterval(),
		CompletionIdle:  c.CompletionIdle(),
		SlowIdle:        c.SlowIdle(),
		CaptureLines:    c.CaptureLines,
		Cooldown:        c.Debounce(),
		Extras: &detect.RawPatterns{
			Permission:  c.ExtraPatterns.Permission,
			Input:       c.ExtraPatterns.Input,
			RateLimit:   c.ExtraPatterns.RateLimit,
			Error:       c.ExtraPatterns.Error,
			Completion:  c.ExtraPatterns.Completion,
			Destructive: c.ExtraPatterns.Destructive,
		},
	}
}

func (s Settings) withDefaults() Settings {
	if s.DefaultInterval <= 0 {
		s.DefaultInterval = 500 * time.Millisecond
	}
	if s.ActiveInterval <= 0 {
		s.ActiveInterval = 300 * time.Millisecond
	}
	if s.IdleInterval <= 0 {
		s.IdleInterval = 2 * time.Second
	}
	if s.PausedInterval <= 0 {
		s.PausedInterval = 5 * time.Second
	}
	if s.CompletionIdle <= 0 {
		s.CompletionIdle = 30 * time.Second
	}
	if s.SlowIdle <= 0 {
		s.SlowIdle = 300 * time.Second
	}
	return s
}

// Monitor polls one session's pane. It owns its buffer and detector.
type Monitor struct {
	sessionID string
	pane      tmux.Pane
	view      SessionView
	onEvent   EventFunc
	cfg       Settings

	buf *Buffer
	det *detect.Detector
	now func() time.Time

	// Loop state, touched only by the goroutine running Run.
	idle     time.Duration
	active   bool
	interval time.Duration
	// lastCompletionTotal is Buffer.Total when completion was last
	// considered; the idle check only runs once output has grown past it.
	lastCompletionTotal int

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a monitor for one session. onEvent may be nil.
func New(sessionID string, pane tmux.Pane, view SessionView, cfg Settings, onEvent EventFunc) *Monitor {
	cfg = cfg.withDefaults()
	return &Monitor{
		sessionID: sessionID,
		pane:      pane,
		view:      view,
		onEvent:   onEvent,
		cfg:       cfg,
		buf:       NewBuffer(cfg.CaptureLines, DefaultSeenCap, DefaultRollingCap),
		det:       detect.New(cfg.Cooldown, cfg.Extras),
		now:       time.Now,
		interval:  cfg.DefaultInterval,
	}
}

// SessionID returns the monitored session.
func (m *Monitor) SessionID() string { return m.sessionID }

// Buffer exposes the output buffer for summaries and tests.
func (m *Monitor) Buffer() *Buffer { return m.buf }

// SetExtras swaps the user-supplied detection patterns.
func (m *Monitor) SetExtras(extras *detect.RawPatterns) { m.det.SetExtras(extras) }

// Start runs the loop in a goroutine. Calling Start on a running monitor
// is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		_ = m.Run(ctx)
	}(m.done)
}

// Stop interrupts the current wait and blocks until the loop has exited.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run polls until ctx is cancelled or the session leaves the live set.
func (m *Monitor) Run(ctx context.Context) error {
	monLog.Info("monitor_started", slog.String("session_id", m.sessionID))
	defer monLog.Info("monitor_stopped", slog.String("session_id", m.sessionID))

	timer := time.NewTimer(0)
	timer.Stop()
	defer timer.Stop()
	for {
		interval, done := m.safeTick(ctx)
		if done {
			return nil
		}
		timer.Reset(interval)
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
	}
}

func (m *Monitor) safeTick(ctx context.Context) (interval time.Duration, done bool) {
	defer func() {
		if rec := recover(); rec != nil {
			monLog.Error("tick_panic",
				slog.String("session_id", m.sessionID),
				slog.String("recover", fmt.Sprintf("%v", rec)))
			interval, done = m.interval, false
		}
	}()
	return m.tick(ctx)
}

// tick runs one poll and returns the wait before the next one.
func (m *Monitor) tick(ctx context.Context) (time.Duration, bool) {
	s, ok := m.view.Get(m.sessionID)
	if !ok || s.Status == session.StatusExited {
		return 0, true
	}

	lines := m.buf.Capture(ctx, m.pane)
	if len(lines) > 0 {
		m.idle = 0
		m.active = true
		m.process(ctx, s, lines)
	} else {
		m.idle += m.interval
		if m.active && m.idle >= m.cfg.CompletionIdle {
			m.active = false
			m.checkCompletion(ctx, s)
		}
	}

	m.interval = m.nextInterval(s.Status)
	return m.interval, false
}

func (m *Monitor) process(ctx context.Context, s session.Session, lines []string) {
	res := m.det.Classify(strings.Join(lines, "\n"))
	if res.IsNone() {
		return
	}
	m.emit(ctx, s, res, lines)
}

// checkCompletion looks for a completion phrase in the tail of the buffer
// after output has gone quiet.
func (m *Monitor) checkCompletion(ctx context.Context, s session.Session) {
	total := m.buf.Total()
	if total == m.lastCompletionTotal {
		return
	}
	m.lastCompletionTotal = total

	recent := m.buf.Recent(completionTail)
	if len(recent) == 0 {
		return
	}
	res := m.det.Match(strings.Join(recent, "\n"))
	if res.Type != detect.Completion {
		return
	}
	m.emit(ctx, s, res, recent)
}

func (m *Monitor) emit(ctx context.Context, s session.Session, res detect.Result, lines []string) {
	if res.Type == detect.Completion {
		m.lastCompletionTotal = m.buf.Total()
	}
	now := m.now()
	if err := m.view.Touch(m.sessionID, now); err == nil {
		s.LastActivity = now
	}
	monLog.Debug("detection",
		slog.String("session_id", m.sessionID),
		slog.String("type", string(res.Type)),
		slog.Int("lines", len(lines)))
	if m.onEvent != nil {
		m.onEvent(ctx, s, res, lines)
	}
}

// nextInterval applies the polling priority: paused, then long idle, then
// active output, then the default.
func (m *Monitor) nextInterval(status session.Status) time.Duration {
	switch {
	case status == session.StatusPaused:
		return m.cfg.PausedInterval
	case m.idle > m.cfg.SlowIdle:
		return m.cfg.IdleInterval
	case m.active:
		return m.cfg.ActiveInterval
	default:
		return m.cfg.DefaultInterval
	}
}
