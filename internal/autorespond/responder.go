package autorespond

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/asheshgoplani/conductor/internal/config"
	"github.com/asheshgoplani/conductor/internal/detect"
	"github.com/asheshgoplani/conductor/internal/logging"
	"github.com/asheshgoplani/conductor/internal/statedb"
)

var autoLog = logging.ForComponent(logging.CompAuto)

// Block reasons reported when a guard refuses to answer.
const (
	ReasonPermission  = "permission prompt requires manual approval"
	ReasonDestructive = "destructive keyword detected"
	ReasonDisabled    = "auto-responder disabled"
)

// Decision is the outcome of evaluating one prompt.
type Decision struct {
	ShouldRespond bool
	Response      string
	RuleID        int64
	BlockReason   string
}

// Blocked reports whether a guard refused the prompt.
func (d Decision) Blocked() bool { return d.BlockReason != "" }

// Guards are the checks run before any rule. *detect.Detector satisfies it.
type Guards interface {
	HasPermissionPrompt(text string) bool
	HasDestructiveKeyword(text string) bool
}

type builtinGuards struct{}

func (builtinGuards) HasPermissionPrompt(text string) bool   { return detect.HasPermissionPrompt(text) }
func (builtinGuards) HasDestructiveKeyword(text string) bool { return detect.HasDestructiveKeyword(text) }

// Evaluate decides whether text can be answered by rules, using the
// built-in guard patterns.
func Evaluate(text string, rules []Rule) Decision {
	return evaluate(builtinGuards{}, text, rules)
}

// evaluate has no side effects. Guards come first and cannot be bypassed;
// after that the first enabled matching rule wins.
func evaluate(g Guards, text string, rules []Rule) Decision {
	if g.HasPermissionPrompt(text) {
		return Decision{BlockReason: ReasonPermission}
	}
	if g.HasDestructiveKeyword(text) {
		return Decision{BlockReason: ReasonDestructive}
	}
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if r.matches(text) {
			return Decision{ShouldRespond: true, Response: r.Response, RuleID: r.ID}
		}
	}
	return Decision{}
}

// RuleStore is the persistence the responder reads rules from and reports
// hits to. *statedb.StateDB satisfies it.
type RuleStore interface {
	ListRules() ([]*statedb.RuleRow, error)
	AddRule(pattern, response, matchType string) (int64, error)
	IncrementRuleHit(id int64) error
	SeedRules(rules []statedb.SeedRule) (int, error)
}

var _ RuleStore = (*statedb.StateDB)(nil)

// Responder evaluates prompts against the stored rule table.
type Responder struct {
	store   RuleStore
	guards  Guards
	enabled atomic.Bool
}

// NewResponder returns an enabled responder. A nil guards uses the
// built-in patterns.
func NewResponder(store RuleStore, guards Guards) *Responder {
	if guards == nil {
		guards = builtinGuards{}
	}
	r := &Responder{store: store, guards: guards}
	r.enabled.Store(true)
	return r
}

// SetEnabled turns automatic replies on or off.
func (r *Responder) SetEnabled(on bool) { r.enabled.Store(on) }

// Enabled reports whether automatic replies are on.
func (r *Responder) Enabled() bool { return r.enabled.Load() }

// Evaluate runs the guards and the stored rules without recording a hit.
func (r *Responder) Evaluate(text string) (Decision, error) {
	rules, err := r.Rules()
	if err != nil {
		return Decision{}, err
	}
	return evaluate(r.guards, text, rules), nil
}

// CheckAndRecord evaluates text and, on a match, increments the rule's hit
// counter. A failed hit update is logged and the decision still stands.
func (r *Responder) CheckAndRecord(text string) (Decision, error) {
	if !r.Enabled() {
		return Decision{BlockReason: ReasonDisabled}, nil
	}
	d, err := r.Evaluate(text)
	if err != nil {
		return Decision{}, err
	}
	if d.Blocked() {
		autoLog.Info("auto_response_blocked", slog.String("reason", d.BlockReason))
		return d, nil
	}
	if !d.ShouldRespond {
		return d, nil
	}
	if err := r.store.IncrementRuleHit(d.RuleID); err != nil {
		autoLog.Warn("rule_hit_update_failed",
			slog.Int64("rule_id", d.RuleID),
			slog.String("error", err.Error()))
	}
	autoLog.Info("auto_response_matched",
		slog.Int64("rule_id", d.RuleID),
		slog.Int("response_len", len(d.Response)))
	return d, nil
}

// Rules returns the stored rules in evaluation order.
func (r *Responder) Rules() ([]Rule, error) {
	rows, err := r.store.ListRules()
	if err != nil {
		return nil, fmt.Errorf("autorespond: list rules: %w", err)
	}
	rules := make([]Rule, 0, len(rows))
	for _, row := range rows {
		rules = append(rules, RuleFromRow(row))
	}
	return rules, nil
}

// AddRule validates and stores a new enabled rule.
func (r *Responder) AddRule(pattern, response string, matchType MatchType) (int64, error) {
	mt, err := ParseMatchType(string(matchType))
	if err != nil {
		return 0, err
	}
	if err := ValidateRule(pattern, response, mt); err != nil {
		return 0, err
	}
	id, err := r.store.AddRule(pattern, response, string(mt))
	if err != nil {
		return 0, fmt.Errorf("autorespond: add rule: %w", err)
	}
	return id, nil
}

// SeedDefaults stores the configured rules when the table is empty.
// Invalid entries are logged and skipped.
func (r *Responder) SeedDefaults(defaults []config.DefaultRule) (int, error) {
	seeds := make([]statedb.SeedRule, 0, len(defaults))
	for i, d := range defaults {
		rule := RuleFromDefault(i, d)
		if err := ValidateRule(rule.Pattern, rule.Response, rule.MatchType); err != nil {
			autoLog.Warn("default_rule_skipped", slog.Int("index", i), slog.String("error", err.Error()))
			continue
		}
		seeds = append(seeds, statedb.SeedRule{
			Pattern:   rule.Pattern,
			Response:  rule.Response,
			MatchType: string(rule.MatchType),
		})
	}
	if len(seeds) == 0 {
		return 0, nil
	}
	n, err := r.store.SeedRules(seeds)
	if err != nil {
		return 0, fmt.Errorf("autorespond: seed: %w", err)
	}
	return n, nil
}
