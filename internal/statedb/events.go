package statedb

import (
	"fmt"
	"strings"
	"time"
)

// Event types stored in the events table.
const (
	EventInputRequired = "input_required"
	EventTokenWarning  = "token_warning"
	EventError         = "error"
	EventCompleted     = "completed"
	EventRateLimit     = "rate_limit"
	EventAutoResponse  = "auto_response"
	EventSystem        = "system"
)

// Command sources stored in the commands table.
const (
	SourceUser   = "user"
	SourceAuto   = "auto"
	SourceSystem = "system"
)

// EventRow is one entry of the event log.
type EventRow struct {
	ID           int64
	SessionID    string
	Type         string
	Message      string
	Acknowledged bool
	CreatedAt    time.Time
}

// EventFilter narrows ListEvents. Zero values mean "any".
type EventFilter struct {
	SessionID      string
	Type           string
	Unacknowledged bool
	Limit          int
}

// LogEvent appends an event and returns its id.
func (s *StateDB) LogEvent(sessionID, eventType, message string) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO events (session_id, event_type, message, acknowledged, created_at)
		VALUES (?, ?, ?, 0, ?)
	`, sessionID, eventType, message, s.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("statedb: log event: %w", err)
	}
	return res.LastInsertId()
}

// ListEvents returns events newest first.
func (s *StateDB) ListEvents(f EventFilter) ([]*EventRow, error) {
	var (
		where []string
		args  []any
	)
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Type != "" {
		where = append(where, "event_type = ?")
		args = append(args, f.Type)
	}
	if f.Unacknowledged {
		where = append(where, "acknowledged = 0")
	}
	q := "SELECT id, session_id, event_type, message, acknowledged, created_at FROM events"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("statedb: list events: %w", err)
	}
	defer rows.Close()

	var out []*EventRow
	for rows.Next() {
		e := &EventRow{}
		var ack int
		var created int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Message, &ack, &created); err != nil {
			return nil, fmt.Errorf("statedb: scan event: %w", err)
		}
		e.Acknowledged = ack != 0
		e.CreatedAt = timeOrZero(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// AcknowledgeEvent marks an event as seen.
func (s *StateDB) AcknowledgeEvent(id int64) error {
	return s.execOne("acknowledge event", "UPDATE events SET acknowledged = 1 WHERE id = ?", id)
}

// CommandRow is one entry of the command log.
type CommandRow struct {
	ID        int64
	SessionID string
	Source    string
	Input     string
	Context   string
	CreatedAt time.Time
}

// LogCommand records input sent to a session. Callers pass redacted text.
func (s *StateDB) LogCommand(sessionID, source, input, context string) error {
	_, err := s.db.Exec(`
		INSERT INTO commands (session_id, source, input, context, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, sessionID, source, input, context, s.now().Unix())
	if err != nil {
		return fmt.Errorf("statedb: log command: %w", err)
	}
	return nil
}

// ListCommands returns the newest commands for a session.
func (s *StateDB) ListCommands(sessionID string, limit int) ([]*CommandRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, session_id, source, input, context, created_at
		FROM commands WHERE session_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("statedb: list commands: %w", err)
	}
	defer rows.Close()

	var out []*CommandRow
	for rows.Next() {
		c := &CommandRow{}
		var created int64
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Source, &c.Input, &c.Context, &created); err != nil {
			return nil, fmt.Errorf("statedb: scan command: %w", err)
		}
		c.CreatedAt = timeOrZero(created)
		out = append(out, c)
	}
	return out, rows.Err()
}
