package web

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/asheshgoplani/conductor/internal/session"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

// sessionView is the JSON shape of a session.
type sessionView struct {
	ID           string     `json:"id"`
	Number       int        `json:"number"`
	Alias        string     `json:"alias"`
	Label        string     `json:"label"`
	Kind         string     `json:"kind"`
	Status       string     `json:"status"`
	WorkingDir   string     `json:"workingDir"`
	TmuxSession  string     `json:"tmuxSession"`
	PID          int        `json:"pid,omitempty"`
	Marker       string     `json:"marker,omitempty"`
	TokenUsed    int        `json:"tokenUsed"`
	TokenLimit   int        `json:"tokenLimit"`
	LastActivity *time.Time `json:"lastActivity,omitempty"`
	LastSummary  string     `json:"lastSummary,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

type sessionsResponse struct {
	Sessions []sessionView `json:"sessions"`
	Count    int           `json:"count"`
}

func toSessionView(s session.Session) sessionView {
	v := sessionView{
		ID:          s.ID,
		Number:      s.Number,
		Alias:       s.Alias,
		Label:       s.Label(),
		Kind:        string(s.Kind),
		Status:      string(s.Status),
		WorkingDir:  s.WorkingDir,
		TmuxSession: s.TmuxSession,
		PID:         s.PID,
		Marker:      s.Marker,
		TokenUsed:   s.TokenUsed,
		TokenLimit:  s.TokenLimit,
		LastSummary: s.LastSummary,
		CreatedAt:   s.CreatedAt,
	}
	if !s.LastActivity.IsZero() {
		at := s.LastActivity
		v.LastActivity = &at
	}
	return v
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if s.cfg.Sessions == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "NOT_CONFIGURED", "session manager is not available")
		return
	}
	list := s.cfg.Sessions.List()
	sort.Slice(list, func(i, j int) bool { return list[i].Number < list[j].Number })
	resp := sessionsResponse{Sessions: make([]sessionView, 0, len(list))}
	for _, sess := range list {
		resp.Sessions = append(resp.Sessions, toSessionView(sess))
	}
	resp.Count = len(resp.Sessions)
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{Error: apiError{Code: code, Message: message}})
}
