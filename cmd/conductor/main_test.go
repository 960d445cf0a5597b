package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/conductor/internal/config"
	"github.com/asheshgoplani/conductor/internal/session"
	"github.com/asheshgoplani/conductor/internal/statedb"
	"github.com/asheshgoplani/conductor/internal/tmux"
	"github.com/asheshgoplani/conductor/internal/tmux/tmuxtest"
)

type cliHarness struct {
	env *cliEnv
	out *bytes.Buffer
	mux *tmuxtest.Mux
}

func newHarness(t *testing.T, input string) *cliHarness {
	t.Helper()
	home := t.TempDir()
	cfg := config.Default()
	cfg.Home = home

	h := &cliHarness{out: &bytes.Buffer{}, mux: tmuxtest.NewMux()}
	h.env = &cliEnv{
		cfg:        cfg,
		configPath: filepath.Join(home, "config.toml"),
		out:        h.out,
		in:         strings.NewReader(input),
		openDB: func(path string) (*statedb.StateDB, error) {
			db, err := statedb.Open(path)
			if err != nil {
				return nil, err
			}
			return db, db.Migrate()
		},
		newMux: func() (tmux.Multiplexer, error) { return h.mux, nil },
	}
	t.Cleanup(h.env.Close)
	return h
}

func (h *cliHarness) run(t *testing.T, cmd command, args ...string) error {
	t.Helper()
	h.out.Reset()
	return cmd(h.env, args)
}

func TestExtractConfigFlag(t *testing.T) {
	cases := []struct {
		args     []string
		wantPath string
		wantRest []string
	}{
		{[]string{"list"}, "", []string{"list"}},
		{[]string{"--config", "/tmp/c.toml", "list", "--json"}, "/tmp/c.toml", []string{"list", "--json"}},
		{[]string{"kill", "-c", "x.toml", "2"}, "x.toml", []string{"kill", "2"}},
		{[]string{"--config=/etc/c.toml", "run"}, "/etc/c.toml", []string{"run"}},
	}
	for _, tc := range cases {
		path, rest := extractConfigFlag(tc.args)
		assert.Equal(t, tc.wantPath, path, "args %v", tc.args)
		assert.Equal(t, tc.wantRest, rest, "args %v", tc.args)
	}
}

func TestNormalizeArgsMovesFlagsFirst(t *testing.T) {
	fs := newFlagSet("x", "x", &bytes.Buffer{})
	fs.Bool("yes", false, "")
	fs.String("kind", "", "")

	assert.Equal(t, []string{"--yes", "3"}, normalizeArgs(fs, []string{"3", "--yes"}))
	assert.Equal(t, []string{"--kind", "shell", "/src"}, normalizeArgs(fs, []string{"/src", "--kind", "shell"}))
	assert.Equal(t, []string{"--kind=shell", "a", "-b"}, normalizeArgs(fs, []string{"a", "--kind=shell", "--", "-b"}))
}

func TestTruncateAndPad(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "hello...", truncate("hello world", 8))
	assert.Equal(t, "ab", truncate("abcdef", 2))
	assert.Equal(t, "日本...", truncate("日本語のテキスト", 7))
	assert.Equal(t, "ab   ", pad("ab", 5))
	assert.Equal(t, "second", firstLine("\n  second\nthird"))
}

func TestNewAndList(t *testing.T) {
	h := newHarness(t, "")
	dir := t.TempDir()

	require.NoError(t, h.run(t, cmdNew, dir, "--kind", "shell", "--alias", "Api"))
	assert.Contains(t, h.out.String(), "Created")
	assert.Contains(t, h.out.String(), "Api")

	require.NoError(t, h.run(t, cmdList))
	assert.Contains(t, h.out.String(), "Api")
	assert.Contains(t, h.out.String(), "running")

	require.NoError(t, h.run(t, cmdList, "--json"))
	var got []sessionJSON
	require.NoError(t, json.Unmarshal(h.out.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "shell", got[0].Kind)
	assert.Equal(t, "Api", got[0].Alias)
}

func TestNewRejectsOneOffWithoutCommand(t *testing.T) {
	h := newHarness(t, "")
	err := h.run(t, cmdNew, t.TempDir(), "--kind", "one-off")
	assert.ErrorContains(t, err, "--cmd")

	err = h.run(t, cmdNew, t.TempDir(), "--kind", "robot")
	assert.ErrorIs(t, err, session.ErrInvalidKind)
}

func TestListEmpty(t *testing.T) {
	h := newHarness(t, "")
	require.NoError(t, h.run(t, cmdList))
	assert.Contains(t, h.out.String(), "No sessions")
}

func TestSendTypesAndLogs(t *testing.T) {
	h := newHarness(t, "")
	pane := h.mux.AddSession("conductor-2", 0)

	require.NoError(t, h.run(t, cmdSend, "#2", "run", "tests"))
	assert.Equal(t, []string{"run tests\n"}, pane.Sent())

	s, _, err := h.env.resolve(t.Context(), "2")
	require.NoError(t, err)
	db, err := h.env.store()
	require.NoError(t, err)
	cmds, err := db.ListCommands(s.ID, 5)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, statedb.SourceUser, cmds[0].Source)
	assert.Equal(t, "run tests", cmds[0].Input)
}

func TestSendUnknownSession(t *testing.T) {
	h := newHarness(t, "")
	err := h.run(t, cmdSend, "7", "hi")
	assert.ErrorIs(t, err, session.ErrNotFound)

	err = h.run(t, cmdSend, "7")
	assert.Error(t, err)
}

func TestKillPromptsUnlessYes(t *testing.T) {
	h := newHarness(t, "n\n")
	h.mux.AddSession("conductor-1", 0)

	err := h.run(t, cmdKill, "1")
	assert.ErrorIs(t, err, errAborted)
	assert.True(t, h.mux.HasSession(t.Context(), "conductor-1"))

	require.NoError(t, h.run(t, cmdKill, "1", "--yes"))
	assert.Contains(t, h.out.String(), "Killed")
	assert.False(t, h.mux.HasSession(t.Context(), "conductor-1"))
}

func TestKillConfirmedByPrompt(t *testing.T) {
	h := newHarness(t, "y\n")
	h.mux.AddSession("conductor-1", 0)

	require.NoError(t, h.run(t, cmdKill, "1"))
	assert.False(t, h.mux.HasSession(t.Context(), "conductor-1"))
}

func TestPauseWithoutProcess(t *testing.T) {
	h := newHarness(t, "")
	h.mux.AddSession("conductor-1", 0)

	require.NoError(t, h.run(t, cmdPause, "1"))
	assert.Contains(t, h.out.String(), "(running)")
}

func TestRename(t *testing.T) {
	h := newHarness(t, "")
	h.mux.AddSession("conductor-3", 0)

	require.NoError(t, h.run(t, cmdRename, "3", "Web", "Ui"))
	assert.Contains(t, h.out.String(), "Renamed #3 to Web Ui")

	s, _, err := h.env.resolve(t.Context(), "Web Ui")
	require.NoError(t, err)
	assert.Equal(t, 3, s.Number)
}

func TestRulesLifecycle(t *testing.T) {
	h := newHarness(t, "")

	require.NoError(t, h.run(t, cmdRules))
	assert.Contains(t, h.out.String(), "No rules")

	require.NoError(t, h.run(t, cmdRules, "add", "Continue?", "y", "--match", "contains"))
	assert.Contains(t, h.out.String(), "Added rule 1")

	assert.Error(t, h.run(t, cmdRules, "add", "x", "y", "--match", "glob"))

	require.NoError(t, h.run(t, cmdRules, "disable", "1"))
	require.NoError(t, h.run(t, cmdRules, "list", "--json"))
	var rules []struct {
		ID      int64 `json:"id"`
		Enabled bool  `json:"enabled"`
	}
	require.NoError(t, json.Unmarshal(h.out.Bytes(), &rules))
	require.Len(t, rules, 1)
	assert.False(t, rules[0].Enabled)

	require.NoError(t, h.run(t, cmdRules, "rm", "1"))
	assert.ErrorIs(t, h.run(t, cmdRules, "rm", "1"), statedb.ErrNotFound)
	assert.Error(t, h.run(t, cmdRules, "rm", "abc"))
	assert.Error(t, h.run(t, cmdRules, "frobnicate"))
}

func TestEventsAndAck(t *testing.T) {
	h := newHarness(t, "")
	db, err := h.env.store()
	require.NoError(t, err)
	id, err := db.LogEvent("", statedb.EventSystem, "daemon started\nsecond line")
	require.NoError(t, err)
	require.Equal(t, int64(1), id)

	require.NoError(t, h.run(t, cmdEvents))
	assert.Contains(t, h.out.String(), "daemon started")
	assert.NotContains(t, h.out.String(), "second line")
	assert.True(t, strings.HasPrefix(h.out.String(), "*"))

	require.NoError(t, h.run(t, cmdAck, "1"))
	require.NoError(t, h.run(t, cmdEvents, "--unacked"))
	assert.Contains(t, h.out.String(), "No events")

	assert.Error(t, h.run(t, cmdAck, "99"))
	assert.Error(t, h.run(t, cmdEvents, "--session", "nope"))
}

func TestEventsForSession(t *testing.T) {
	h := newHarness(t, "")
	h.mux.AddSession("conductor-1", 0)
	s, _, err := h.env.resolve(t.Context(), "1")
	require.NoError(t, err)

	db, err := h.env.store()
	require.NoError(t, err)
	_, err = db.LogEvent(s.ID, statedb.EventError, "boom")
	require.NoError(t, err)
	_, err = db.LogEvent("", statedb.EventSystem, "unrelated")
	require.NoError(t, err)

	require.NoError(t, h.run(t, cmdEvents, "--session", "#1", "--json"))
	var got []struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(h.out.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "boom", got[0].Message)
}

func TestPrune(t *testing.T) {
	h := newHarness(t, "")
	require.NoError(t, h.run(t, cmdPrune, "--days", "7"))
	assert.Contains(t, h.out.String(), "Pruned 0 events and 0 commands older than 7 days")
	assert.Error(t, h.run(t, cmdPrune, "--days", "0"))
}

func TestConfigInit(t *testing.T) {
	h := newHarness(t, "")

	require.NoError(t, h.run(t, cmdConfig, "init"))
	_, err := os.Stat(h.env.configPath)
	require.NoError(t, err)
	_, err = config.Load(h.env.configPath)
	require.NoError(t, err)

	assert.ErrorContains(t, h.run(t, cmdConfig, "init"), "already exists")
	require.NoError(t, h.run(t, cmdConfig, "init", "--force"))

	require.NoError(t, h.run(t, cmdConfig, "path"))
	assert.Equal(t, h.env.configPath+"\n", h.out.String())
}

func TestPushKeys(t *testing.T) {
	h := newHarness(t, "")

	require.NoError(t, h.run(t, cmdPushKeys))
	first := h.out.String()
	assert.Contains(t, first, "Generated")

	require.NoError(t, h.run(t, cmdPushKeys))
	assert.NotContains(t, h.out.String(), "Generated")
	assert.True(t, strings.HasSuffix(first, h.out.String()))
}
