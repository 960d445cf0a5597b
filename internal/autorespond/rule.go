// Package autorespond answers simple terminal prompts from a rule table,
// behind two guards that no rule can override.
package autorespond

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/asheshgoplani/conductor/internal/config"
	"github.com/asheshgoplani/conductor/internal/statedb"
)

// ErrInvalidRule is wrapped by every validation failure.
var ErrInvalidRule = errors.New("autorespond: invalid rule")

const (
	MaxPatternLen  = 500
	MaxResponseLen = 1000
)

// MatchType selects how a rule's pattern is applied.
type MatchType string

const (
	MatchContains MatchType = "contains"
	MatchRegex    MatchType = "regex"
	MatchExact    MatchType = "exact"
)

// ParseMatchType accepts the closed set of match types. Empty means contains.
func ParseMatchType(s string) (MatchType, error) {
	switch mt := MatchType(strings.ToLower(strings.TrimSpace(s))); mt {
	case "":
		return MatchContains, nil
	case MatchContains, MatchRegex, MatchExact:
		return mt, nil
	default:
		return "", fmt.Errorf("%w: match type %q (want contains, regex or exact)", ErrInvalidRule, s)
	}
}

// Rule is the single rule shape used for both persisted and configured
// rules.
type Rule struct {
	ID        int64
	Pattern   string
	Response  string
	MatchType MatchType
	Enabled   bool
	HitCount  int
}

// RuleFromRow builds a Rule from a stored row.
func RuleFromRow(r *statedb.RuleRow) Rule {
	return Rule{
		ID:        r.ID,
		Pattern:   r.Pattern,
		Response:  r.Response,
		MatchType: MatchType(r.MatchType),
		Enabled:   r.Enabled,
		HitCount:  r.HitCount,
	}
}

// RuleFromDefault builds a Rule from a config entry. Configured rules have
// no row id, so their position in the list stands in for it.
func RuleFromDefault(index int, d config.DefaultRule) Rule {
	mt := MatchType(d.MatchType)
	if mt == "" {
		mt = MatchContains
	}
	return Rule{
		ID:        int64(index),
		Pattern:   d.Pattern,
		Response:  d.Response,
		MatchType: mt,
		Enabled:   true,
	}
}

// ValidateRule rejects rules before they are stored.
func ValidateRule(pattern, response string, matchType MatchType) error {
	if strings.TrimSpace(pattern) == "" {
		return fmt.Errorf("%w: empty pattern", ErrInvalidRule)
	}
	if n := utf8.RuneCountInString(pattern); n > MaxPatternLen {
		return fmt.Errorf("%w: pattern is %d characters (max %d)", ErrInvalidRule, n, MaxPatternLen)
	}
	if n := utf8.RuneCountInString(response); n > MaxResponseLen {
		return fmt.Errorf("%w: response is %d characters (max %d)", ErrInvalidRule, n, MaxResponseLen)
	}
	mt, err := ParseMatchType(string(matchType))
	if err != nil {
		return err
	}
	if mt == MatchRegex {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("%w: bad regex: %v", ErrInvalidRule, err)
		}
	}
	return nil
}

// matches applies the rule literally. A regex that does not compile is a
// non-match, never an error.
func (r Rule) matches(text string) bool {
	switch r.MatchType {
	case MatchExact:
		return strings.TrimSpace(text) == r.Pattern
	case MatchRegex:
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			autoLog.Warn("invalid_rule_regex",
				slog.Int64("rule_id", r.ID),
				slog.String("error", err.Error()))
			return false
		}
		return re.MatchString(text)
	default:
		return strings.Contains(text, r.Pattern)
	}
}
