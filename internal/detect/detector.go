// Package detect classifies terminal output into actionable event types.
package detect

import (
	"log/slog"
	"sync"
	"time"

	"github.com/asheshgoplani/conductor/internal/logging"
)

var detectLog = logging.ForComponent(logging.CompDetect)

// Type is the closed set of classification outcomes.
type Type string

const (
	PermissionPrompt Type = "permission_prompt"
	InputPrompt      Type = "input_prompt"
	RateLimit        Type = "rate_limit"
	Error            Type = "error"
	Completion       Type = "completion"
	None             Type = "none"
)

// priority is the classification order. Earlier entries win.
var priority = []Type{PermissionPrompt, InputPrompt, RateLimit, Error, Completion}

// debounced types fire at most once per cooldown window. Permission prompts
// and rate limits are never suppressed.
var debounced = map[Type]bool{
	InputPrompt: true,
	Error:       true,
	Completion:  true,
}

// DefaultCooldown is the per-type debounce window.
const DefaultCooldown = 10 * time.Second

// Result is the outcome of one classification.
type Result struct {
	Type        Type
	MatchedText string
	Pattern     string
	// Confidence is always 1.0 for pattern matches.
	Confidence float64
}

// IsNone reports whether nothing actionable was found.
func (r Result) IsNone() bool { return r.Type == None || r.Type == "" }

var noneResult = Result{Type: None}

// Detector classifies text with per-type debounce memory. One detector
// belongs to one session; it is safe for concurrent use.
type Detector struct {
	mu        sync.Mutex
	set       *patternSet
	cooldown  time.Duration
	lastFired map[Type]time.Time
	now       func() time.Time
}

// New returns a detector using the built-in groups plus extras. A zero
// cooldown disables debouncing.
func New(cooldown time.Duration, extras *RawPatterns) *Detector {
	return &Detector{
		set:       compileExtras(extras),
		cooldown:  cooldown,
		lastFired: make(map[Type]time.Time),
		now:       time.Now,
	}
}

// SetExtras swaps in a new set of user patterns. Debounce memory is kept.
func (d *Detector) SetExtras(extras *RawPatterns) {
	set := compileExtras(extras)
	d.mu.Lock()
	d.set = set
	d.mu.Unlock()
}

// Classify returns the highest-priority match. A match of a debounced type
// inside its cooldown window yields None; lower-priority groups are not
// consulted in that case.
func (d *Detector) Classify(text string) Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	res := classify(d.set, text)
	if res.IsNone() || !debounced[res.Type] || d.cooldown <= 0 {
		return res
	}
	now := d.now()
	if last, ok := d.lastFired[res.Type]; ok && now.Sub(last) < d.cooldown {
		detectLog.Debug("classification_debounced", slog.String("type", string(res.Type)))
		return noneResult
	}
	d.lastFired[res.Type] = now
	return res
}

// Match is Classify without debounce bookkeeping.
func (d *Detector) Match(text string) Result {
	d.mu.Lock()
	set := d.set
	d.mu.Unlock()
	return classify(set, text)
}

// HasDestructiveKeyword scans for destructive keywords, including extras.
func (d *Detector) HasDestructiveKeyword(text string) bool {
	d.mu.Lock()
	set := d.set
	d.mu.Unlock()
	return set.hasDestructive(text)
}

// HasPermissionPrompt reports whether any permission pattern matches.
func (d *Detector) HasPermissionPrompt(text string) bool {
	d.mu.Lock()
	set := d.set
	d.mu.Unlock()
	_, ok := set.match(text, PermissionPrompt)
	return ok
}

// ResetDebounce forgets all debounce memory.
func (d *Detector) ResetDebounce() {
	d.mu.Lock()
	d.lastFired = make(map[Type]time.Time)
	d.mu.Unlock()
}

func classify(set *patternSet, text string) Result {
	if text == "" {
		return noneResult
	}
	for _, typ := range priority {
		if res, ok := set.match(text, typ); ok {
			return res
		}
	}
	return noneResult
}

// HasDestructiveKeyword scans text against the built-in keyword list.
func HasDestructiveKeyword(text string) bool {
	return builtin.hasDestructive(text)
}

// HasPermissionPrompt checks text against the built-in permission patterns.
func HasPermissionPrompt(text string) bool {
	_, ok := builtin.match(text, PermissionPrompt)
	return ok
}

// Classify runs the built-in groups without debounce.
func Classify(text string) Result {
	return classify(builtin, text)
}
