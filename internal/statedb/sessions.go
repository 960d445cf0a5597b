package statedb

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// SessionRow is the persisted form of a supervised session.
type SessionRow struct {
	ID           string
	Number       int
	Alias        string
	Kind         string
	WorkingDir   string
	TmuxSession  string
	PaneID       string
	PID          int
	Status       string
	Marker       string
	TokenUsed    int
	TokenLimit   int
	LastActivity time.Time
	LastSummary  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Columns UpdateSession accepts. Anything else is rejected so that caller
// supplied field names never reach the SQL text.
const (
	ColAlias        = "alias"
	ColStatus       = "status"
	ColLastActivity = "last_activity"
	ColLastSummary  = "last_summary"
	ColTokenUsed    = "token_used"
	ColTokenLimit   = "token_limit"
	ColUpdatedAt    = "updated_at"
)

var updatableColumns = map[string]bool{
	ColAlias:        true,
	ColStatus:       true,
	ColLastActivity: true,
	ColLastSummary:  true,
	ColTokenUsed:    true,
	ColTokenLimit:   true,
	ColUpdatedAt:    true,
}

const sessionColumns = `id, number, alias, kind, working_dir, tmux_session, pane_id, pid,
	status, marker, token_used, token_limit, last_activity, last_summary, created_at, updated_at`

// CreateSession inserts a new session row.
func (s *StateDB) CreateSession(r *SessionRow) error {
	now := s.now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	_, err := s.db.Exec(`INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Number, r.Alias, r.Kind, r.WorkingDir, r.TmuxSession, r.PaneID, r.PID,
		r.Status, r.Marker, r.TokenUsed, r.TokenLimit, unixOrZero(r.LastActivity), r.LastSummary,
		r.CreatedAt.Unix(), r.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("statedb: create session %s: %w", r.ID, err)
	}
	return nil
}

// GetSession returns the row with the given id or ErrNotFound.
func (s *StateDB) GetSession(id string) (*SessionRow, error) {
	return s.getSessionWhere("id = ?", id)
}

// GetSessionByNumber returns the newest row with the given number.
func (s *StateDB) GetSessionByNumber(n int) (*SessionRow, error) {
	return s.getSessionWhere("number = ? ORDER BY created_at DESC", n)
}

// GetSessionByAlias matches aliases case-insensitively, preferring live rows.
func (s *StateDB) GetSessionByAlias(alias string) (*SessionRow, error) {
	return s.getSessionWhere(
		"alias = ? COLLATE NOCASE ORDER BY (status = 'exited'), created_at DESC", alias)
}

func (s *StateDB) getSessionWhere(where string, arg any) (*SessionRow, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE `+where+` LIMIT 1`, arg)
	r, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("statedb: get session: %w", err)
	}
	return r, nil
}

// ListSessions returns sessions ordered by number. Exited rows are included
// only when includeExited is set.
func (s *StateDB) ListSessions(includeExited bool) ([]*SessionRow, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions`
	if !includeExited {
		q += ` WHERE status != 'exited'`
	}
	q += ` ORDER BY number`

	rows, err := s.db.Query(q)
	if err != nil {
		return nil, fmt.Errorf("statedb: list sessions: %w", err)
	}
	defer rows.Close()

	var out []*SessionRow
	for rows.Next() {
		r, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("statedb: scan session: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MaxSessionNumber returns the highest number ever assigned (0 when empty).
func (s *StateDB) MaxSessionNumber() (int, error) {
	var n sql.NullInt64
	if err := s.db.QueryRow("SELECT MAX(number) FROM sessions").Scan(&n); err != nil {
		return 0, fmt.Errorf("statedb: max number: %w", err)
	}
	return int(n.Int64), nil
}

// UpdateSession sets the given columns on one row. Only the Col* columns
// are accepted; time.Time values are stored as unix seconds. updated_at is
// stamped automatically when not supplied.
func (s *StateDB) UpdateSession(id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	cols := make([]string, 0, len(fields)+1)
	for col := range fields {
		if !updatableColumns[col] {
			return fmt.Errorf("statedb: column %q is not updatable", col)
		}
		cols = append(cols, col)
	}
	if _, ok := fields[ColUpdatedAt]; !ok {
		cols = append(cols, ColUpdatedAt)
	}
	sort.Strings(cols)

	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, col := range cols {
		sets[i] = col + " = ?"
		v, ok := fields[col]
		if !ok {
			v = s.now()
		}
		if t, isTime := v.(time.Time); isTime {
			v = unixOrZero(t)
		}
		args = append(args, v)
	}
	args = append(args, id)

	res, err := s.db.Exec("UPDATE sessions SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("statedb: update session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes a row by id.
func (s *StateDB) DeleteSession(id string) error {
	_, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(sc rowScanner) (*SessionRow, error) {
	r := &SessionRow{}
	var lastActivity, created, updated int64
	if err := sc.Scan(
		&r.ID, &r.Number, &r.Alias, &r.Kind, &r.WorkingDir, &r.TmuxSession, &r.PaneID, &r.PID,
		&r.Status, &r.Marker, &r.TokenUsed, &r.TokenLimit, &lastActivity, &r.LastSummary,
		&created, &updated,
	); err != nil {
		return nil, err
	}
	r.LastActivity = timeOrZero(lastActivity)
	r.CreatedAt = timeOrZero(created)
	r.UpdatedAt = timeOrZero(updated)
	return r, nil
}
