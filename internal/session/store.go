package session

import (
	"github.com/asheshgoplani/conductor/internal/statedb"
)

// Store is the persistence contract the manager writes through.
// *statedb.StateDB satisfies it.
type Store interface {
	CreateSession(r *statedb.SessionRow) error
	UpdateSession(id string, fields map[string]any) error
	ListSessions(includeExited bool) ([]*statedb.SessionRow, error)
	MaxSessionNumber() (int, error)
}

var _ Store = (*statedb.StateDB)(nil)

func toRow(s *Session) *statedb.SessionRow {
	return &statedb.SessionRow{
		ID:           s.ID,
		Number:       s.Number,
		Alias:        s.Alias,
		Kind:         string(s.Kind),
		WorkingDir:   s.WorkingDir,
		TmuxSession:  s.TmuxSession,
		PaneID:       s.PaneID,
		PID:          s.PID,
		Status:       string(s.Status),
		Marker:       s.Marker,
		TokenUsed:    s.TokenUsed,
		TokenLimit:   s.TokenLimit,
		LastActivity: s.LastActivity,
		LastSummary:  s.LastSummary,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

func fromRow(r *statedb.SessionRow) *Session {
	return &Session{
		ID:           r.ID,
		Number:       r.Number,
		Alias:        r.Alias,
		Kind:         Kind(r.Kind),
		WorkingDir:   r.WorkingDir,
		TmuxSession:  r.TmuxSession,
		PaneID:       r.PaneID,
		PID:          r.PID,
		Status:       Status(r.Status),
		Marker:       r.Marker,
		TokenUsed:    r.TokenUsed,
		TokenLimit:   r.TokenLimit,
		LastActivity: r.LastActivity,
		LastSummary:  r.LastSummary,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

// FromRow converts a stored row for read-only callers such as the CLI.
func FromRow(r *statedb.SessionRow) Session { return *fromRow(r) }
