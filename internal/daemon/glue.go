package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/asheshgoplani/conductor/internal/ai"
	"github.com/asheshgoplani/conductor/internal/confirm"
	"github.com/asheshgoplani/conductor/internal/detect"
	"github.com/asheshgoplani/conductor/internal/notify"
	"github.com/asheshgoplani/conductor/internal/session"
	"github.com/asheshgoplani/conductor/internal/statedb"
	"github.com/asheshgoplani/conductor/internal/tokens"
)

// completionContext is how many buffered lines feed the summary.
const completionContext = 60

const (
	ActionKill    = "kill"
	ActionRestart = "restart"
)

// onEvent reacts to one classified event. Calls for one session arrive in
// order from that session's monitor.
func (d *Daemon) onEvent(ctx context.Context, s session.Session, res detect.Result, lines []string) {
	switch res.Type {
	case detect.PermissionPrompt:
		d.handlePermission(ctx, s, res)
	case detect.InputPrompt:
		d.handleInput(ctx, s, res, lines)
	case detect.RateLimit:
		d.handleRateLimit(ctx, s, res)
	case detect.Error:
		d.handleError(ctx, s, res)
	case detect.Completion:
		d.handleCompletion(ctx, s, lines)
	}
}

func (d *Daemon) handlePermission(ctx context.Context, s session.Session, res detect.Result) {
	d.setStatus(s.ID, session.StatusWaiting)
	d.notifier.SendImmediate(ctx, notify.Message{
		Title:     s.Label(),
		Text:      fmt.Sprintf("🔐 %s needs permission\n\n%s", s.Label(), res.MatchedText),
		SessionID: s.ID,
		Controls: []notify.Control{
			{Label: "✅ Approve", Action: controlAction("approve", s.ID, "")},
			{Label: "❌ Deny", Action: controlAction("deny", s.ID, "")},
		},
	})
	d.logEvent(s.ID, statedb.EventInputRequired, "permission: "+res.MatchedText)
}

func (d *Daemon) handleInput(ctx context.Context, s session.Session, res detect.Result, lines []string) {
	text := strings.Join(lines, "\n")
	if text == "" {
		text = res.MatchedText
	}
	decision, err := d.responder.CheckAndRecord(text)
	if err != nil {
		daemonLog.Warn("auto_response_check_failed", slog.String("session_id", s.ID), slog.String("error", err.Error()))
	}

	if err == nil && decision.ShouldRespond && d.sessions.SendInput(ctx, s.ID, decision.Response) {
		if err := d.db.LogCommand(s.ID, statedb.SourceAuto, notify.Redact(decision.Response), notify.Redact(res.MatchedText)); err != nil {
			daemonLog.Warn("command_log_failed", slog.String("session_id", s.ID), slog.String("error", err.Error()))
		}
		d.logEvent(s.ID, statedb.EventAutoResponse, fmt.Sprintf("rule %d replied to %q", decision.RuleID, res.MatchedText))
		d.notifier.Send(ctx, notify.Message{
			Title:     s.Label(),
			Text:      fmt.Sprintf("🤖 %s auto-replied %q", s.Label(), decision.Response),
			SessionID: s.ID,
			Silent:    true,
		})
		return
	}

	d.setStatus(s.ID, session.StatusWaiting)
	d.notifier.SendImmediate(ctx, notify.Message{
		Title:     s.Label(),
		Text:      fmt.Sprintf("⌨️ %s is waiting for input\n\n%s", s.Label(), res.MatchedText),
		SessionID: s.ID,
		Controls: []notify.Control{
			{Label: "Yes", Action: controlAction("send", s.ID, "y")},
			{Label: "No", Action: controlAction("send", s.ID, "n")},
		},
	})
	d.logEvent(s.ID, statedb.EventInputRequired, res.MatchedText)
}

func (d *Daemon) handleRateLimit(ctx context.Context, s session.Session, res detect.Result) {
	d.setStatus(s.ID, session.StatusRateLimited)
	paused := false
	if p, err := d.sessions.Pause(s.ID); err != nil {
		daemonLog.Warn("rate_limit_pause_failed", slog.String("session_id", s.ID), slog.String("error", err.Error()))
	} else if p != nil && p.Status == session.StatusPaused {
		paused = true
	}

	text := fmt.Sprintf("⏳ %s hit a rate limit", s.Label())
	if paused {
		text += " and was paused"
	}
	d.notifier.SendImmediate(ctx, notify.Message{
		Title:     s.Label(),
		Text:      text + "\n\n" + res.MatchedText,
		SessionID: s.ID,
		Controls:  []notify.Control{{Label: "▶️ Resume", Action: controlAction("resume", s.ID, "")}},
	})
	d.logEvent(s.ID, statedb.EventRateLimit, res.MatchedText)
}

func (d *Daemon) handleError(ctx context.Context, s session.Session, res detect.Result) {
	d.setStatus(s.ID, session.StatusError)
	d.notifier.SendImmediate(ctx, notify.Message{
		Title:     s.Label(),
		Text:      fmt.Sprintf("❌ %s reported an error\n\n%s", s.Label(), res.MatchedText),
		SessionID: s.ID,
	})
	d.escalator.Record(ctx, "session_error")
	d.logEvent(s.ID, statedb.EventError, res.MatchedText)
}

func (d *Daemon) handleCompletion(ctx context.Context, s session.Session, lines []string) {
	recent := d.pool.Recent(s.ID, completionContext)
	if len(recent) == 0 {
		recent = lines
	}
	output := strings.Join(recent, "\n")

	summary := d.brain.Summarize(ctx, output)
	suggestions := d.brain.Suggest(ctx, output, ai.SessionInfo{
		Alias:   s.Alias,
		Kind:    string(s.Kind),
		WorkDir: s.WorkingDir,
	})
	if err := d.sessions.UpdateSummary(s.ID, summary); err != nil && !errors.Is(err, session.ErrNotFound) {
		daemonLog.Warn("summary_update_failed", slog.String("session_id", s.ID), slog.String("error", err.Error()))
	}

	controls := make([]notify.Control, 0, len(suggestions))
	for _, sg := range suggestions {
		controls = append(controls, notify.Control{Label: sg.Label, Action: controlAction("send", s.ID, sg.Command)})
	}
	d.notifier.Send(ctx, notify.Message{
		Title:     s.Label(),
		Text:      fmt.Sprintf("✅ %s finished\n\n%s", s.Label(), summary),
		SessionID: s.ID,
		Controls:  controls,
	})
	d.logEvent(s.ID, statedb.EventCompleted, summary)
	d.recordUsage(ctx, s)
}

// recordUsage counts one reply and warns once per level per window.
func (d *Daemon) recordUsage(ctx context.Context, s session.Session) {
	usage, level := d.tokens.Record(s.ID)
	if err := d.sessions.UpdateTokens(s.ID, usage.Used, usage.Limit); err != nil && !errors.Is(err, session.ErrNotFound) {
		daemonLog.Warn("token_update_failed", slog.String("session_id", s.ID), slog.String("error", err.Error()))
	}
	if level == tokens.LevelNone {
		return
	}
	total := d.tokens.Usage("")
	text := fmt.Sprintf("📊 Usage %s: %s", level, total)
	d.notifier.SendImmediate(ctx, notify.Message{Title: "conductor", Text: text, Urgent: level == tokens.LevelCritical})
	d.logEvent(s.ID, statedb.EventTokenWarning, text)
}

// onDetach runs when a session leaves the live set.
func (d *Daemon) onDetach(id string) {
	d.pool.Detach(id)
	d.tokens.Forget(id)
}

// onWake re-checks panes after the host slept.
func (d *Daemon) onWake(ctx context.Context, slept time.Duration) {
	changes := d.sessions.Revalidate(ctx)
	text := fmt.Sprintf("💤 Woke after %s", slept.Round(time.Second))
	if len(changes) > 0 {
		labels := make([]string, len(changes))
		for i, c := range changes {
			labels[i] = c.Session.Label()
		}
		text += fmt.Sprintf("; %d session(s) gone: %s", len(changes), strings.Join(labels, ", "))
	}
	d.notifier.Send(ctx, notify.Message{Title: "conductor", Text: text})
	d.logEvent("", statedb.EventSystem, text)
}

func (d *Daemon) onEscalate(ctx context.Context, kind string, count int) {
	window := d.config().Errors.ResetWindow()
	text := fmt.Sprintf("🚨 %d %s events within %s", count, strings.ReplaceAll(kind, "_", " "), window)
	d.notifier.SendImmediate(ctx, notify.Message{Title: "conductor", Text: text, Urgent: true})
	d.logEvent("", statedb.EventSystem, text)
}

// healthPass adopts sessions created by other processes, then notifies
// about sessions whose process died or whose multiplexer session vanished.
func (d *Daemon) healthPass(ctx context.Context) {
	if _, err := d.sessions.LoadFromStore(ctx); err != nil {
		daemonLog.Warn("health_load_failed", slog.String("error", err.Error()))
	}
	if _, err := d.sessions.Recover(ctx); err != nil {
		daemonLog.Warn("health_recover_failed", slog.String("error", err.Error()))
	}
	for _, c := range d.sessions.HealthCheck(ctx) {
		s := c.Session
		switch s.Status {
		case session.StatusError:
			text := fmt.Sprintf("💀 %s process is no longer running", s.Label())
			d.notifier.SendImmediate(ctx, notify.Message{Title: s.Label(), Text: text, SessionID: s.ID})
			d.escalator.Record(ctx, "session_error")
			d.logEvent(s.ID, statedb.EventError, text)
		case session.StatusExited:
			text := fmt.Sprintf("👋 %s exited", s.Label())
			d.notifier.Send(ctx, notify.Message{Title: s.Label(), Text: text, SessionID: s.ID, Silent: true})
			d.logEvent(s.ID, statedb.EventSystem, text)
		}
	}
}

// RequestAction records a pending confirmation for a destructive action
// on the session named by identifier.
func (d *Daemon) RequestAction(user, action, identifier string) (confirm.Pending, error) {
	if err := d.authorize(user); err != nil {
		return confirm.Pending{}, err
	}
	if err := validateAction(action); err != nil {
		return confirm.Pending{}, err
	}
	s := d.sessions.Resolve(identifier)
	if s == nil {
		return confirm.Pending{}, fmt.Errorf("%w: %s", session.ErrNotFound, identifier)
	}
	p := d.confirms.Request(user, action, s.ID)
	daemonLog.Info("confirmation_requested",
		slog.String("action", action),
		slog.String("session_id", s.ID),
		slog.Time("expires_at", p.ExpiresAt()))
	return p, nil
}

// ConfirmAction consumes a pending confirmation and performs the action.
// It returns the affected session: the killed one, or the replacement
// after a restart.
func (d *Daemon) ConfirmAction(ctx context.Context, user, action, identifier string) (*session.Session, error) {
	if err := d.authorize(user); err != nil {
		return nil, err
	}
	if err := validateAction(action); err != nil {
		return nil, err
	}
	s := d.sessions.Resolve(identifier)
	if s == nil {
		return nil, fmt.Errorf("%w: %s", session.ErrNotFound, identifier)
	}
	if !d.confirms.Confirm(user, action, s.ID) {
		return nil, confirm.ErrNotPending
	}

	if err := d.db.LogCommand(s.ID, statedb.SourceUser, action, ""); err != nil {
		daemonLog.Warn("command_log_failed", slog.String("session_id", s.ID), slog.String("error", err.Error()))
	}

	killed, err := d.sessions.Kill(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	if action == ActionKill {
		d.logEvent(s.ID, statedb.EventSystem, fmt.Sprintf("%s killed", s.Label()))
		return killed, nil
	}

	fresh, err := d.sessions.Create(ctx, session.CreateRequest{Kind: s.Kind, WorkDir: s.WorkingDir, Alias: s.Alias})
	if err != nil {
		return nil, fmt.Errorf("daemon: restart %s: %w", s.Label(), err)
	}
	d.logEvent(fresh.ID, statedb.EventSystem, fmt.Sprintf("%s restarted as %s", s.Label(), fresh.Label()))
	return &fresh, nil
}

// authorize allows everyone when no authorized user is configured.
func (d *Daemon) authorize(user string) error {
	want := d.config().Security.AuthorizedUser
	if want == "" || user == want {
		return nil
	}
	daemonLog.Warn("unauthorized_action", slog.String("user", user))
	return confirm.ErrUnauthorized
}

func validateAction(action string) error {
	switch action {
	case ActionKill, ActionRestart:
		return nil
	}
	return fmt.Errorf("%w: %q", confirm.ErrUnknownAction, action)
}

func (d *Daemon) setStatus(id string, status session.Status) {
	if err := d.sessions.SetStatus(id, status); err != nil && !errors.Is(err, session.ErrNotFound) {
		daemonLog.Warn("status_update_failed", slog.String("session_id", id), slog.String("error", err.Error()))
	}
}

// logEvent stores a redacted copy of msg.
func (d *Daemon) logEvent(sessionID, eventType, msg string) {
	if _, err := d.db.LogEvent(sessionID, eventType, notify.Redact(msg)); err != nil {
		daemonLog.Warn("event_log_failed", slog.String("type", eventType), slog.String("error", err.Error()))
	}
}

// controlAction encodes a control as verb:session[:arg].
func controlAction(verb, sessionID, arg string) string {
	if arg == "" {
		return verb + ":" + sessionID
	}
	return verb + ":" + sessionID + ":" + arg
}
