package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/asheshgoplani/conductor/internal/autorespond"
)

// cmdRules manages the auto-response rule table.
func cmdRules(env *cliEnv, args []string) error {
	if len(args) == 0 {
		args = []string{"list"}
	}
	switch args[0] {
	case "list", "ls":
		return rulesList(env, args[1:])
	case "add":
		return rulesAdd(env, args[1:])
	case "rm", "remove", "delete":
		return rulesRemove(env, args[1:])
	case "enable":
		return rulesToggle(env, args[1:], true)
	case "disable":
		return rulesToggle(env, args[1:], false)
	default:
		return fmt.Errorf("unknown rules subcommand %q (want list, add, rm, enable or disable)", args[0])
	}
}

func rulesList(env *cliEnv, args []string) error {
	fs := newFlagSet("rules list", "rules list [--json]", env.out)
	asJSON := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return err
	}
	db, err := env.store()
	if err != nil {
		return err
	}
	rules, err := autorespond.NewResponder(db, nil).Rules()
	if err != nil {
		return err
	}

	if *asJSON {
		type ruleJSON struct {
			ID        int64  `json:"id"`
			Pattern   string `json:"pattern"`
			Response  string `json:"response"`
			MatchType string `json:"match_type"`
			Enabled   bool   `json:"enabled"`
			HitCount  int    `json:"hit_count"`
		}
		out := make([]ruleJSON, 0, len(rules))
		for _, r := range rules {
			out = append(out, ruleJSON{r.ID, r.Pattern, r.Response, string(r.MatchType), r.Enabled, r.HitCount})
		}
		enc := json.NewEncoder(env.out)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	if len(rules) == 0 {
		env.printf("No rules. Add one with: conductor rules add <pattern> <response>\n")
		return nil
	}
	env.printf("%s\n", env.style(headerStyle, fmt.Sprintf("%-5s %-8s %-4s %s %s %s",
		"ID", "MATCH", "ON", pad("PATTERN", 30), pad("RESPONSE", 16), "HITS")))
	for _, r := range rules {
		on := "yes"
		if !r.Enabled {
			on = "no"
		}
		env.printf("%-5d %-8s %-4s %s %s %d\n", r.ID, r.MatchType, on,
			pad(r.Pattern, 30), pad(strconv.Quote(r.Response), 16), r.HitCount)
	}
	return nil
}

func rulesAdd(env *cliEnv, args []string) error {
	fs := newFlagSet("rules add", "rules add <pattern> <response> [--match contains|regex|exact]", env.out)
	match := fs.String("match", string(autorespond.MatchContains), "How the pattern is applied")
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		fs.Usage()
		return errors.New("pattern and response are required")
	}
	db, err := env.store()
	if err != nil {
		return err
	}
	id, err := autorespond.NewResponder(db, nil).AddRule(fs.Arg(0), fs.Arg(1), autorespond.MatchType(*match))
	if err != nil {
		return err
	}
	env.printf("%s Added rule %d\n", env.style(okStyle, "✓"), id)
	return nil
}

func parseRuleID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid rule id %q", s)
	}
	return id, nil
}

func rulesRemove(env *cliEnv, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: conductor rules rm <id>")
	}
	id, err := parseRuleID(args[0])
	if err != nil {
		return err
	}
	db, err := env.store()
	if err != nil {
		return err
	}
	if err := db.DeleteRule(id); err != nil {
		return err
	}
	env.printf("%s Removed rule %d\n", env.style(okStyle, "✓"), id)
	return nil
}

func rulesToggle(env *cliEnv, args []string, enabled bool) error {
	verb := "enable"
	if !enabled {
		verb = "disable"
	}
	if len(args) != 1 {
		return fmt.Errorf("usage: conductor rules %s <id>", verb)
	}
	id, err := parseRuleID(args[0])
	if err != nil {
		return err
	}
	db, err := env.store()
	if err != nil {
		return err
	}
	if err := db.SetRuleEnabled(id, enabled); err != nil {
		return err
	}
	env.printf("%s Rule %d %sd\n", env.style(okStyle, "✓"), id, verb)
	return nil
}
