package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/conductor/internal/ai"
	"github.com/asheshgoplani/conductor/internal/autorespond"
	"github.com/asheshgoplani/conductor/internal/config"
	"github.com/asheshgoplani/conductor/internal/confirm"
	"github.com/asheshgoplani/conductor/internal/detect"
	"github.com/asheshgoplani/conductor/internal/notify"
	"github.com/asheshgoplani/conductor/internal/session"
	"github.com/asheshgoplani/conductor/internal/statedb"
	"github.com/asheshgoplani/conductor/internal/tmux/tmuxtest"
)

type recordingTransport struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *recordingTransport) Name() string { return "recording" }

func (r *recordingTransport) Send(_ context.Context, m notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return nil
}

func (r *recordingTransport) Probe(context.Context) error { return nil }

func (r *recordingTransport) Sent() []notify.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Message(nil), r.msgs...)
}

type stubBrain struct {
	mu          sync.Mutex
	summary     string
	suggestions []ai.Suggestion
	outputs     []string
}

func (b *stubBrain) Summarize(_ context.Context, output string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outputs = append(b.outputs, output)
	return b.summary
}

func (b *stubBrain) Suggest(context.Context, string, ai.SessionInfo) []ai.Suggestion {
	return b.suggestions
}

type testEnv struct {
	d     *Daemon
	mux   *tmuxtest.Mux
	db    *statedb.StateDB
	tr    *recordingTransport
	brain *stubBrain
	ctx   context.Context
}

func newTestEnv(t *testing.T, tweak func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Home = t.TempDir()
	cfg.Web.Enabled = false
	cfg.Notifications.BatchWindowS = 0
	cfg.AutoResponder.DefaultRules = nil
	if tweak != nil {
		tweak(cfg)
	}

	db, err := statedb.Open(filepath.Join(cfg.Home, "state.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	env := &testEnv{
		mux:   tmuxtest.NewMux(),
		db:    db,
		tr:    &recordingTransport{},
		brain: &stubBrain{summary: "All green"},
		ctx:   ctx,
	}
	env.d, err = New(ctx, cfg, Options{Mux: env.mux, DB: db, Transport: env.tr, Brain: env.brain})
	require.NoError(t, err)
	t.Cleanup(func() { env.d.Close() })
	return env
}

// adopt registers a multiplexer session with no tracked pid and lets the
// manager recover it.
func (e *testEnv) adopt(t *testing.T, number int) session.Session {
	t.Helper()
	e.mux.AddSession(fmt.Sprintf("conductor-%d", number), 0)
	_, err := e.d.sessions.Recover(e.ctx)
	require.NoError(t, err)
	s := e.d.sessions.Resolve(strconv.Itoa(number))
	require.NotNil(t, s)
	return *s
}

func (e *testEnv) status(t *testing.T, id string) session.Status {
	t.Helper()
	s, ok := e.d.sessions.Get(id)
	require.True(t, ok)
	return s.Status
}

func (e *testEnv) eventTypes(t *testing.T, sessionID string) []string {
	t.Helper()
	rows, err := e.db.ListEvents(statedb.EventFilter{SessionID: sessionID})
	require.NoError(t, err)
	types := make([]string, len(rows))
	for i, r := range rows {
		types[i] = r.Type
	}
	return types
}

func result(typ detect.Type, text string) detect.Result {
	return detect.Result{Type: typ, MatchedText: text, Confidence: 1}
}

func TestPermissionPromptWaitsAndNotifies(t *testing.T) {
	e := newTestEnv(t, nil)
	s := e.adopt(t, 1)

	e.d.onEvent(e.ctx, s, result(detect.PermissionPrompt, "Allow Claude to use Bash?"), []string{"Allow Claude to use Bash?"})

	assert.Equal(t, session.StatusWaiting, e.status(t, s.ID))
	sent := e.tr.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Text, "needs permission")
	require.Len(t, sent[0].Controls, 2)
	assert.Equal(t, "approve:"+s.ID, sent[0].Controls[0].Action)
	assert.Equal(t, []string{statedb.EventInputRequired}, e.eventTypes(t, s.ID))
}

func TestInputPromptAutoResponds(t *testing.T) {
	e := newTestEnv(t, nil)
	s := e.adopt(t, 1)
	_, err := e.d.responder.AddRule("Which branch", "main", autorespond.MatchContains)
	require.NoError(t, err)

	e.d.onEvent(e.ctx, s, result(detect.InputPrompt, "Which branch should I use?"), []string{"Which branch should I use?"})

	assert.Equal(t, []string{"main\n"}, e.mux.Pane("conductor-1").Sent())
	assert.Equal(t, session.StatusRunning, e.status(t, s.ID))
	sent := e.tr.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Text, "auto-replied")
	assert.Equal(t, []string{statedb.EventAutoResponse}, e.eventTypes(t, s.ID))

	cmds, err := e.db.ListCommands(s.ID, 10)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, statedb.SourceAuto, cmds[0].Source)
	assert.Equal(t, "main", cmds[0].Input)
}

func TestInputPromptWithoutRuleWaits(t *testing.T) {
	e := newTestEnv(t, nil)
	s := e.adopt(t, 1)

	e.d.onEvent(e.ctx, s, result(detect.InputPrompt, "Which branch should I use?"), []string{"Which branch should I use?"})

	assert.Empty(t, e.mux.Pane("conductor-1").Sent())
	assert.Equal(t, session.StatusWaiting, e.status(t, s.ID))
	sent := e.tr.Sent()
	require.Len(t, sent, 1)
	assert.True(t, sent[0].HasControls())
	assert.Equal(t, []string{statedb.EventInputRequired}, e.eventTypes(t, s.ID))
}

func TestInputPromptDestructiveContextBlocksRule(t *testing.T) {
	e := newTestEnv(t, nil)
	s := e.adopt(t, 1)
	_, err := e.d.responder.AddRule("Which branch", "main", autorespond.MatchContains)
	require.NoError(t, err)

	lines := []string{"I will delete the old branch.", "Which branch should I use?"}
	e.d.onEvent(e.ctx, s, result(detect.InputPrompt, "Which branch should I use?"), lines)

	assert.Empty(t, e.mux.Pane("conductor-1").Sent())
	assert.Equal(t, session.StatusWaiting, e.status(t, s.ID))
}

func TestInputPromptDisabledResponder(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) { c.AutoResponder.Enabled = false })
	s := e.adopt(t, 1)
	_, err := e.d.responder.AddRule("Which branch", "main", autorespond.MatchContains)
	require.NoError(t, err)

	e.d.onEvent(e.ctx, s, result(detect.InputPrompt, "Which branch should I use?"), []string{"Which branch should I use?"})

	assert.Empty(t, e.mux.Pane("conductor-1").Sent())
	assert.Equal(t, session.StatusWaiting, e.status(t, s.ID))
}

func TestRateLimitWithoutPidStaysRateLimited(t *testing.T) {
	e := newTestEnv(t, nil)
	s := e.adopt(t, 1)

	e.d.onEvent(e.ctx, s, result(detect.RateLimit, "Rate limit reached"), []string{"Rate limit reached"})

	assert.Equal(t, session.StatusRateLimited, e.status(t, s.ID))
	sent := e.tr.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Text, "hit a rate limit")
	assert.NotContains(t, sent[0].Text, "paused")
	assert.Equal(t, []string{statedb.EventRateLimit}, e.eventTypes(t, s.ID))
}

func TestRepeatedErrorsEscalateOnce(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) { c.Errors.EscalationThreshold = 2 })
	s := e.adopt(t, 1)

	for range 3 {
		e.d.onEvent(e.ctx, s, result(detect.Error, "fatal: boom"), []string{"fatal: boom"})
	}

	assert.Equal(t, session.StatusError, e.status(t, s.ID))
	urgent := 0
	for _, m := range e.tr.Sent() {
		if m.Urgent {
			urgent++
			assert.Contains(t, m.Text, "session error")
		}
	}
	assert.Equal(t, 1, urgent)
	assert.Len(t, e.tr.Sent(), 4)
}

func TestCompletionSummarizesAndSuggests(t *testing.T) {
	e := newTestEnv(t, nil)
	e.brain.suggestions = []ai.Suggestion{{Label: "Run lint", Command: "make lint"}}
	s := e.adopt(t, 1)

	e.d.onEvent(e.ctx, s, result(detect.Completion, "build succeeded"), []string{"build succeeded"})

	got, ok := e.d.sessions.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, "All green", got.LastSummary)
	assert.Equal(t, 1, got.TokenUsed)
	assert.Equal(t, 45, got.TokenLimit)

	sent := e.tr.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Text, "All green")
	require.Len(t, sent[0].Controls, 1)
	assert.Equal(t, "send:"+s.ID+":make lint", sent[0].Controls[0].Action)
	assert.Equal(t, []string{"build succeeded"}, e.brain.outputs)
	assert.Equal(t, []string{statedb.EventCompleted}, e.eventTypes(t, s.ID))
}

func TestCompletionCrossingThresholdWarnsOnce(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) {
		c.Tokens.Warning = 0.01
		c.Tokens.Danger = 0.5
		c.Tokens.Critical = 0.9
	})
	s := e.adopt(t, 1)

	e.d.onEvent(e.ctx, s, result(detect.Completion, "build succeeded"), nil)
	e.d.onEvent(e.ctx, s, result(detect.Completion, "build succeeded"), nil)

	warnings := 0
	for _, m := range e.tr.Sent() {
		if strings.Contains(m.Text, "Usage warning") {
			warnings++
		}
	}
	assert.Equal(t, 1, warnings)
	assert.Contains(t, e.eventTypes(t, s.ID), statedb.EventTokenWarning)
}

func TestWakeRevalidatesSessions(t *testing.T) {
	e := newTestEnv(t, nil)
	s := e.adopt(t, 1)
	require.NoError(t, e.mux.KillSession(e.ctx, "conductor-1"))

	e.d.onWake(e.ctx, 2*time.Minute)

	_, ok := e.d.sessions.Get(s.ID)
	assert.False(t, ok)
	sent := e.tr.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Text, "Woke after 2m0s")
	assert.Contains(t, sent[0].Text, s.Label())
}

func TestHealthPassReportsExited(t *testing.T) {
	e := newTestEnv(t, nil)
	s := e.adopt(t, 1)
	require.NoError(t, e.mux.KillSession(e.ctx, "conductor-1"))

	e.d.healthPass(e.ctx)

	sent := e.tr.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Text, "exited")
	assert.Equal(t, []string{statedb.EventSystem}, e.eventTypes(t, s.ID))
}

func TestHealthPassAdoptsNewSessions(t *testing.T) {
	e := newTestEnv(t, nil)
	e.mux.AddSession("conductor-4", 0)

	e.d.healthPass(e.ctx)

	s := e.d.Sessions().Resolve("4")
	require.NotNil(t, s)
	assert.Equal(t, session.StatusRunning, s.Status)
	assert.Empty(t, e.tr.Sent())
}

func TestActionsRequireAuthorizedUser(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) { c.Security.AuthorizedUser = "ops" })
	e.adopt(t, 1)

	_, err := e.d.RequestAction("eve", ActionKill, "1")
	assert.ErrorIs(t, err, confirm.ErrUnauthorized)
	_, err = e.d.RequestAction("ops", "nuke", "1")
	assert.ErrorIs(t, err, confirm.ErrUnknownAction)
	_, err = e.d.RequestAction("ops", ActionKill, "9")
	assert.ErrorIs(t, err, session.ErrNotFound)
	_, err = e.d.ConfirmAction(e.ctx, "ops", ActionKill, "1")
	assert.ErrorIs(t, err, confirm.ErrNotPending)
}

func TestConfirmKill(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) { c.Security.AuthorizedUser = "ops" })
	s := e.adopt(t, 1)

	p, err := e.d.RequestAction("ops", ActionKill, "#1")
	require.NoError(t, err)
	assert.Equal(t, s.ID, p.Session)
	assert.NotEmpty(t, p.Token)

	killed, err := e.d.ConfirmAction(e.ctx, "ops", ActionKill, "1")
	require.NoError(t, err)
	require.NotNil(t, killed)
	assert.Equal(t, session.StatusExited, killed.Status)
	assert.False(t, e.mux.HasSession(e.ctx, "conductor-1"))

	_, err = e.d.ConfirmAction(e.ctx, "ops", ActionKill, "1")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestConfirmRestartCreatesReplacement(t *testing.T) {
	e := newTestEnv(t, nil)
	s, err := e.d.sessions.Create(e.ctx, session.CreateRequest{Kind: session.KindShell, WorkDir: t.TempDir(), Alias: "Api"})
	require.NoError(t, err)

	_, err = e.d.RequestAction("", ActionRestart, "Api")
	require.NoError(t, err)
	fresh, err := e.d.ConfirmAction(e.ctx, "", ActionRestart, "Api")
	require.NoError(t, err)

	assert.NotEqual(t, s.ID, fresh.ID)
	assert.Equal(t, "Api", fresh.Alias)
	assert.Equal(t, s.WorkingDir, fresh.WorkingDir)
	assert.False(t, e.mux.HasSession(e.ctx, s.TmuxSession))
	assert.True(t, e.mux.HasSession(e.ctx, fresh.TmuxSession))
}

func TestApplyConfigUpdatesLiveSettings(t *testing.T) {
	e := newTestEnv(t, nil)
	home := e.d.config().Home

	next := config.Default()
	next.AutoResponder.Enabled = false
	next.Security.AuthorizedUser = "ops"
	e.d.applyConfig(next)

	assert.False(t, e.d.responder.Enabled())
	assert.Equal(t, home, e.d.config().Home)
	_, err := e.d.RequestAction("eve", ActionKill, "1")
	assert.ErrorIs(t, err, confirm.ErrUnauthorized)
}

func TestRunRefusesWhenAnotherDaemonIsPrimary(t *testing.T) {
	e := newTestEnv(t, nil)
	now := time.Now().Unix()
	_, err := e.db.DB().Exec(
		"INSERT INTO daemon_heartbeats (pid, started, heartbeat, is_primary) VALUES (?, ?, ?, 1)",
		os.Getpid()+100000, now, now)
	require.NoError(t, err)

	err = e.d.Run(e.ctx)
	assert.ErrorIs(t, err, ErrNotPrimary)
}

func TestRunStopsOnCancel(t *testing.T) {
	e := newTestEnv(t, nil)
	e.mux.AddSession("conductor-4", 0)

	ctx, cancel := context.WithCancel(e.ctx)
	done := make(chan error, 1)
	go func() { done <- e.d.Run(ctx) }()

	require.Eventually(t, func() bool { return e.d.sessions.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Contains(t, e.eventTypes(t, ""), statedb.EventSystem)
}

func TestControlAction(t *testing.T) {
	assert.Equal(t, "approve:abc", controlAction("approve", "abc", ""))
	assert.Equal(t, "send:abc:make test", controlAction("send", "abc", "make test"))
}

// TestSessionLifecycleThroughMonitor drives a real monitor pool against the
// fake multiplexer: permission prompt, operator reply, then one completion
// after the session has been quiet.
func TestSessionLifecycleThroughMonitor(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) {
		c.Monitor.PollDefaultMs = 10
		c.Monitor.PollActiveMs = 10
		c.Monitor.PollIdleMs = 10
		c.Monitor.CompletionIdleS = 1
	})
	_, err := e.d.responder.AddRule("Allow", "y", autorespond.MatchContains)
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "build")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	s, err := e.d.sessions.Create(e.ctx, session.CreateRequest{Kind: session.KindShell, WorkDir: dir})
	require.NoError(t, err)
	assert.Equal(t, session.StatusRunning, s.Status)
	pane := e.mux.Pane(s.TmuxSession)
	require.NotNil(t, pane)

	pane.Write("Allow? [y/n/a]")
	require.Eventually(t, func() bool {
		got, ok := e.d.sessions.Get(s.ID)
		return ok && got.Status == session.StatusWaiting
	}, 2*time.Second, 10*time.Millisecond)

	decision, err := e.d.responder.Evaluate("Allow? [y/n/a]")
	require.NoError(t, err)
	assert.False(t, decision.ShouldRespond)
	assert.Equal(t, autorespond.ReasonPermission, decision.BlockReason)
	assert.Empty(t, pane.Sent())
	assert.NotContains(t, e.eventTypes(t, s.ID), statedb.EventAutoResponse)

	require.True(t, e.d.sessions.SendInput(e.ctx, s.ID, "y"))
	assert.Equal(t, session.StatusRunning, e.status(t, s.ID))
	assert.Equal(t, []string{"y\n"}, pane.Sent())

	// Let the monitor go quiet past the idle threshold before output resumes.
	time.Sleep(1500 * time.Millisecond)
	pane.Write("✓ Build succeeded")

	completions := func() int {
		n := 0
		for _, typ := range e.eventTypes(t, s.ID) {
			if typ == statedb.EventCompleted {
				n++
			}
		}
		return n
	}
	require.Eventually(t, func() bool { return completions() == 1 }, 2*time.Second, 10*time.Millisecond)

	// A second quiet period must not report the same completion again.
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, 1, completions())
	finished := 0
	for _, m := range e.tr.Sent() {
		if strings.Contains(m.Text, "finished") {
			finished++
		}
	}
	assert.Equal(t, 1, finished)
	assert.Equal(t, session.StatusRunning, e.status(t, s.ID))
}
