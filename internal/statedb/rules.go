package statedb

import (
	"fmt"
	"time"
)

// RuleRow is a persisted auto-response rule.
type RuleRow struct {
	ID        int64
	Pattern   string
	Response  string
	MatchType string
	Enabled   bool
	HitCount  int
	CreatedAt time.Time
}

// ListRules returns all rules in creation order. Evaluation order follows
// this order.
func (s *StateDB) ListRules() ([]*RuleRow, error) {
	rows, err := s.db.Query(`
		SELECT id, pattern, response, match_type, enabled, hit_count, created_at
		FROM auto_rules ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("statedb: list rules: %w", err)
	}
	defer rows.Close()

	var out []*RuleRow
	for rows.Next() {
		r := &RuleRow{}
		var enabled int
		var created int64
		if err := rows.Scan(&r.ID, &r.Pattern, &r.Response, &r.MatchType, &enabled, &r.HitCount, &created); err != nil {
			return nil, fmt.Errorf("statedb: scan rule: %w", err)
		}
		r.Enabled = enabled != 0
		r.CreatedAt = timeOrZero(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// AddRule inserts an enabled rule and returns its id.
func (s *StateDB) AddRule(pattern, response, matchType string) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO auto_rules (pattern, response, match_type, enabled, hit_count, created_at)
		VALUES (?, ?, ?, 1, 0, ?)
	`, pattern, response, matchType, s.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("statedb: add rule: %w", err)
	}
	return res.LastInsertId()
}

// DeleteRule removes a rule. Returns ErrNotFound if it did not exist.
func (s *StateDB) DeleteRule(id int64) error {
	return s.execOne("delete rule", "DELETE FROM auto_rules WHERE id = ?", id)
}

// IncrementRuleHit bumps a rule's hit counter.
func (s *StateDB) IncrementRuleHit(id int64) error {
	return s.execOne("increment rule hit", "UPDATE auto_rules SET hit_count = hit_count + 1 WHERE id = ?", id)
}

// SetRuleEnabled pauses or resumes a rule.
func (s *StateDB) SetRuleEnabled(id int64, enabled bool) error {
	return s.execOne("set rule enabled", "UPDATE auto_rules SET enabled = ? WHERE id = ?", boolInt(enabled), id)
}

// SeedRule is one entry for SeedRules.
type SeedRule struct {
	Pattern   string
	Response  string
	MatchType string
}

// SeedRules inserts rules only when the table is empty, so operator edits
// survive restarts. It reports how many rows were inserted.
func (s *StateDB) SeedRules(rules []SeedRule) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("statedb: begin seed: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	if err := tx.QueryRow("SELECT COUNT(*) FROM auto_rules").Scan(&count); err != nil {
		return 0, fmt.Errorf("statedb: count rules: %w", err)
	}
	if count > 0 {
		return 0, nil
	}

	now := s.now().Unix()
	for _, r := range rules {
		if _, err := tx.Exec(`
			INSERT INTO auto_rules (pattern, response, match_type, enabled, hit_count, created_at)
			VALUES (?, ?, ?, 1, 0, ?)
		`, r.Pattern, r.Response, r.MatchType, now); err != nil {
			return 0, fmt.Errorf("statedb: seed rule: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("statedb: commit seed: %w", err)
	}
	return len(rules), nil
}

func (s *StateDB) execOne(op, query string, args ...any) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("statedb: %s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
