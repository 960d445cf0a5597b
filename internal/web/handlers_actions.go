package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/asheshgoplani/conductor/internal/confirm"
	"github.com/asheshgoplani/conductor/internal/session"
)

type actionRequest struct {
	User    string `json:"user"`
	Action  string `json:"action"`
	Session string `json:"session"`
}

type actionPendingResponse struct {
	Token     string    `json:"token"`
	Action    string    `json:"action"`
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type actionDoneResponse struct {
	OK      bool         `json:"ok"`
	Action  string       `json:"action"`
	Session *sessionView `json:"session,omitempty"`
}

const maxActionBody = 4 << 10

func (s *Server) decodeAction(w http.ResponseWriter, r *http.Request) (actionRequest, bool) {
	var req actionRequest
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return req, false
	}
	if s.cfg.Actions == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "NOT_CONFIGURED", "actions are not available")
		return req, false
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxActionBody)).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid action payload")
		return req, false
	}
	req.Action = strings.ToLower(strings.TrimSpace(req.Action))
	req.Session = strings.TrimSpace(req.Session)
	if req.Action == "" || req.Session == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "action and session are required")
		return req, false
	}
	return req, true
}

func (s *Server) handleActionRequest(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAction(w, r)
	if !ok {
		return
	}
	p, err := s.cfg.Actions.RequestAction(req.User, req.Action, req.Session)
	if err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, actionPendingResponse{
		Token:     p.Token,
		Action:    p.Action,
		SessionID: p.Session,
		ExpiresAt: p.ExpiresAt(),
	})
}

func (s *Server) handleActionConfirm(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAction(w, r)
	if !ok {
		return
	}
	sess, err := s.cfg.Actions.ConfirmAction(r.Context(), req.User, req.Action, req.Session)
	if err != nil {
		writeActionError(w, err)
		return
	}
	resp := actionDoneResponse{OK: true, Action: req.Action}
	if sess != nil {
		v := toSessionView(*sess)
		resp.Session = &v
	}
	webLog.Info("action_confirmed", slog.String("action", req.Action))
	writeJSON(w, http.StatusOK, resp)
}

func writeActionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, confirm.ErrUnauthorized):
		writeAPIError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
	case errors.Is(err, session.ErrNotFound):
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, confirm.ErrUnknownAction):
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, confirm.ErrNotPending):
		writeAPIError(w, http.StatusConflict, "NOT_PENDING", err.Error())
	default:
		webLog.Error("action_failed", slog.String("error", err.Error()))
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "action failed")
	}
}
