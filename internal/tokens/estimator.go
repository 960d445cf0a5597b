// Package tokens estimates plan usage from observed assistant replies.
package tokens

import (
	"fmt"
	"sync"
	"time"

	"github.com/asheshgoplani/conductor/internal/config"
)

// Window is the length of a usage window.
const Window = 5 * time.Hour

// Plan is a subscription tier.
type Plan string

const (
	PlanPro    Plan = "pro"
	PlanMax5x  Plan = "max_5x"
	PlanMax20x Plan = "max_20x"
)

// Limits is the approximate message allowance per window for each plan.
var Limits = map[Plan]int{
	PlanPro:    45,
	PlanMax5x:  225,
	PlanMax20x: 900,
}

// LimitFor returns the allowance for plan, treating unknown plans as pro.
func LimitFor(plan Plan) int {
	if n, ok := Limits[plan]; ok {
		return n
	}
	return Limits[PlanPro]
}

// Level is a usage warning level.
type Level int

const (
	LevelNone Level = iota
	LevelWarning
	LevelDanger
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelDanger:
		return "danger"
	case LevelCritical:
		return "critical"
	}
	return "none"
}

// Usage is a usage snapshot.
type Usage struct {
	Used    int
	Limit   int
	Percent int
	ResetIn time.Duration
	Plan    Plan
}

func (u Usage) String() string {
	return fmt.Sprintf("%d/%d messages (%d%%)", u.Used, u.Limit, u.Percent)
}

// Thresholds are fractions of the limit.
type Thresholds struct {
	Warning  float64
	Danger   float64
	Critical float64
}

func (t Thresholds) level(used, limit int) Level {
	if limit <= 0 {
		return LevelNone
	}
	ratio := float64(used) / float64(limit)
	switch {
	case ratio >= t.Critical:
		return LevelCritical
	case ratio >= t.Danger:
		return LevelDanger
	case ratio >= t.Warning:
		return LevelWarning
	}
	return LevelNone
}

// Estimator counts replies per session within a window that opens on the
// first reply and lasts Window. Each warning level is reported at most
// once per window.
type Estimator struct {
	mu          sync.Mutex
	plan        Plan
	thresholds  Thresholds
	counts      map[string]int
	windowStart time.Time
	reported    Level
	now         func() time.Time
}

func New(plan Plan, th Thresholds) *Estimator {
	if th.Warning <= 0 {
		th.Warning = 0.80
	}
	if th.Danger <= 0 {
		th.Danger = 0.90
	}
	if th.Critical <= 0 {
		th.Critical = 0.95
	}
	return &Estimator{
		plan:       plan,
		thresholds: th,
		counts:     make(map[string]int),
		now:        time.Now,
	}
}

func NewFromConfig(c config.TokensConfig) *Estimator {
	return New(Plan(c.Plan), Thresholds{Warning: c.Warning, Danger: c.Danger, Critical: c.Critical})
}

// Limit is the per-window allowance for the configured plan.
func (e *Estimator) Limit() int { return LimitFor(e.plan) }

// Record counts one reply for sessionID. It returns the session's usage
// and the aggregate level when that level is newly reached in this window,
// LevelNone otherwise.
func (e *Estimator) Record(sessionID string) (Usage, Level) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	e.expireLocked(now)
	if e.windowStart.IsZero() {
		e.windowStart = now
	}
	e.counts[sessionID]++

	lvl := e.thresholds.level(e.totalLocked(), LimitFor(e.plan))
	crossed := LevelNone
	if lvl > e.reported {
		e.reported = lvl
		crossed = lvl
	}
	return e.usageLocked(now, e.counts[sessionID]), crossed
}

// Usage returns usage for one session, or the aggregate when sessionID is
// empty.
func (e *Estimator) Usage(sessionID string) Usage {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	e.expireLocked(now)
	used := e.counts[sessionID]
	if sessionID == "" {
		used = e.totalLocked()
	}
	return e.usageLocked(now, used)
}

// Forget drops a session's count, e.g. after it is killed.
func (e *Estimator) Forget(sessionID string) {
	e.mu.Lock()
	delete(e.counts, sessionID)
	e.mu.Unlock()
}

// Reset clears all counts and closes the window.
func (e *Estimator) Reset() {
	e.mu.Lock()
	e.resetLocked()
	e.mu.Unlock()
}

func (e *Estimator) expireLocked(now time.Time) {
	if !e.windowStart.IsZero() && now.Sub(e.windowStart) >= Window {
		e.resetLocked()
	}
}

func (e *Estimator) resetLocked() {
	clear(e.counts)
	e.windowStart = time.Time{}
	e.reported = LevelNone
}

func (e *Estimator) totalLocked() int {
	total := 0
	for _, n := range e.counts {
		total += n
	}
	return total
}

func (e *Estimator) usageLocked(now time.Time, used int) Usage {
	limit := LimitFor(e.plan)
	pct := 0
	if limit > 0 {
		pct = min(100, used*100/limit)
	}
	var resetIn time.Duration
	if !e.windowStart.IsZero() {
		resetIn = max(0, Window-now.Sub(e.windowStart))
	}
	plan := e.plan
	if _, ok := Limits[plan]; !ok {
		plan = PlanPro
	}
	return Usage{Used: used, Limit: limit, Percent: pct, ResetIn: resetIn, Plan: plan}
}
