package detect

import (
	"log/slog"
	"regexp"
	"strings"
)

// Built-in pattern groups. All compile in multiline mode so ^ and $ anchor
// to individual lines of a multi-line capture.
var (
	permissionPatterns = []string{
		`Claude wants to (?:run|edit|use|write|read|delete)`,
		`Do you want to allow Claude to use`,
		`Allow Claude to use`,
		`Allow\?\s*\(?[yna]`,
		`\(y\)es\s*/\s*\(n\)o`,
		`\[y/n(?:/a)?\]`,
		`Yes \(y\)\s*\|\s*No \(n\)`,
		`Do you want to proceed`,
		`Would you like to continue`,
		`Press Enter to continue`,
		`Continue\?\s*\[`,
	}

	inputPatterns = []string{
		`(?:Choose|Select|Pick)\s+(?:one|an option|from)`,
		`^\s*\d+[\.\)]\s+\w+`,
		`\(\d+\)\s+\w+`,
		`\?\s*$`,
		`(?:Enter|Type|Provide|Input|Specify)\s+(?:a|the|your)`,
		`>\s*$`,
		`❯\s*$`,
	}

	rateLimitPatterns = []string{
		`(?i)rate\s*limit(?:ed)?`,
		`(?i)usage\s*limit\s*(?:reached|exceeded|hit)`,
		`(?i)too\s*many\s*requests`,
		`(?i)(?:please\s+)?wait\s+(?:\d+\s*(?:second|minute|hour)|\w+\s+before)`,
		`(?i)try\s*again\s*(?:in|after)\s*\d+`,
		`(?i)429\s*(?:error)?`,
		`(?i)capacity\s*(?:limit|exceeded)`,
		`(?i)cooldown`,
		`(?i)quota\s*(?:exceeded|reached)`,
		`(?i)you(?:'ve| have)\s+(?:reached|hit|exceeded)\s+(?:your|the)\s+(?:usage|message|token)\s+limit`,
		`(?i)limit\s+will\s+reset`,
	}

	errorPatterns = []string{
		`(?i)(?:error|err!|fatal|panic|exception|traceback|segfault)`,
		`(?i)process\s+exited\s+with\s+(?:code|status)\s+[^0]`,
		`(?i)command\s+(?:failed|not found)`,
		`(?i)killed|terminated|aborted`,
		`(?i)SIGTERM|SIGKILL|SIGSEGV`,
		`npm\s+ERR!`,
		`(?i)unhandled\s+(?:promise\s+)?rejection`,
		`(?i)cannot\s+find\s+module`,
		`Traceback \(most recent call last\)`,
		`(?:ModuleNotFoundError|ImportError|SyntaxError|TypeError|ValueError)`,
		`(?i)connection\s+(?:lost|reset|refused|timed?\s*out)`,
		`(?i)authentication\s+(?:failed|error|expired)`,
		`(?i)api\s+(?:error|unavailable)`,
	}

	completionPatterns = []string{
		`(?i)(?:task|job|build|test|deployment?)\s+(?:complete[d]?|finish(?:ed)?|done|success(?:ful)?)`,
		`(?i)all\s+(?:\d+\s+)?(?:tests?\s+)?pass(?:ed|ing)?`,
		`(?i)✓|✅|☑`,
		`(?i)successfully\s+(?:built|compiled|deployed|installed|created|updated)`,
		`(?i)compiled?\s+(?:successfully|with\s+\d+\s+warning)`,
		`(?i)build\s+succeeded`,
		`Done in \d+`,
		`\d+\s+passing`,
	}

	destructiveKeywords = []string{
		"delete", "remove", "drop", "truncate", "destroy", "overwrite",
		"replace all", "reset", "wipe", "purge", "force push", "hard reset",
		"rm -rf", "uninstall", "migrate", "rollback", "production", "deploy",
	}
)

// RawPatterns holds user-supplied extra patterns per group before
// compilation. Entries prefixed with "re:" are regular expressions;
// everything else is matched as literal text. Destructive entries are
// plain keywords matched case-insensitively.
type RawPatterns struct {
	Permission  []string
	Input       []string
	RateLimit   []string
	Error       []string
	Completion  []string
	Destructive []string
}

type pattern struct {
	raw string
	re  *regexp.Regexp
}

type group struct {
	typ      Type
	patterns []pattern
}

// patternSet is immutable once built; the detector swaps whole sets on reload.
type patternSet struct {
	groups      []group
	destructive []string
}

var builtin = buildBuiltin()

func buildBuiltin() *patternSet {
	must := func(typ Type, raws []string) group {
		g := group{typ: typ}
		for _, r := range raws {
			g.patterns = append(g.patterns, pattern{raw: r, re: regexp.MustCompile(`(?m)` + r)})
		}
		return g
	}
	return &patternSet{
		groups: []group{
			must(PermissionPrompt, permissionPatterns),
			must(InputPrompt, inputPatterns),
			must(RateLimit, rateLimitPatterns),
			must(Error, errorPatterns),
			must(Completion, completionPatterns),
		},
		destructive: destructiveKeywords,
	}
}

// compileExtras returns the built-in set with extras appended to each group.
// Invalid regexes are logged and skipped; they never affect built-ins.
func compileExtras(extras *RawPatterns) *patternSet {
	if extras == nil {
		return builtin
	}
	byType := map[Type][]string{
		PermissionPrompt: extras.Permission,
		InputPrompt:      extras.Input,
		RateLimit:        extras.RateLimit,
		Error:            extras.Error,
		Completion:       extras.Completion,
	}

	set := &patternSet{groups: make([]group, len(builtin.groups))}
	for i, g := range builtin.groups {
		ng := group{typ: g.typ, patterns: append([]pattern(nil), g.patterns...)}
		for _, raw := range byType[g.typ] {
			p, ok := compileExtra(g.typ, raw)
			if ok {
				ng.patterns = append(ng.patterns, p)
			}
		}
		set.groups[i] = ng
	}

	set.destructive = append([]string(nil), builtin.destructive...)
	for _, kw := range extras.Destructive {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			set.destructive = append(set.destructive, kw)
		}
	}
	return set
}

func compileExtra(typ Type, raw string) (pattern, bool) {
	if strings.TrimSpace(raw) == "" {
		return pattern{}, false
	}
	expr := regexp.QuoteMeta(raw)
	if strings.HasPrefix(raw, "re:") {
		expr = raw[3:]
	}
	re, err := regexp.Compile(`(?m)` + expr)
	if err != nil {
		detectLog.Warn("invalid_extra_pattern",
			slog.String("group", string(typ)),
			slog.String("pattern", raw),
			slog.String("error", err.Error()))
		return pattern{}, false
	}
	return pattern{raw: raw, re: re}, true
}

// MergeRawPatterns appends extras to base, copying so neither input is aliased.
func MergeRawPatterns(base, extras *RawPatterns) *RawPatterns {
	out := &RawPatterns{}
	for _, src := range []*RawPatterns{base, extras} {
		if src == nil {
			continue
		}
		out.Permission = append(out.Permission, src.Permission...)
		out.Input = append(out.Input, src.Input...)
		out.RateLimit = append(out.RateLimit, src.RateLimit...)
		out.Error = append(out.Error, src.Error...)
		out.Completion = append(out.Completion, src.Completion...)
		out.Destructive = append(out.Destructive, src.Destructive...)
	}
	return out
}

func (s *patternSet) match(text string, typ Type) (Result, bool) {
	for _, g := range s.groups {
		if g.typ != typ {
			continue
		}
		for _, p := range g.patterns {
			if loc := p.re.FindStringIndex(text); loc != nil {
				return Result{Type: typ, MatchedText: text[loc[0]:loc[1]], Pattern: p.raw, Confidence: 1.0}, true
			}
		}
	}
	return Result{}, false
}

func (s *patternSet) hasDestructive(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range s.destructive {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
