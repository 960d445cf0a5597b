package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/asheshgoplani/conductor/internal/notify"
	"github.com/asheshgoplani/conductor/internal/session"
	"github.com/asheshgoplani/conductor/internal/statedb"
)

// cmdNew creates a session in dir (default: [sessions] default_dir, then
// the current directory).
func cmdNew(env *cliEnv, args []string) error {
	fs := newFlagSet("new", "new [dir] [--kind assistant|shell|one-off] [--alias name] [--cmd command]", env.out)
	kind := fs.String("kind", env.cfg.Sessions.DefaultKind, "Session kind")
	alias := fs.String("alias", "", "Display name (default: derived from the directory)")
	command := fs.String("cmd", "", "Command to run in a one-off session")
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return err
	}

	k, err := session.ParseKind(*kind)
	if err != nil {
		return err
	}
	if k == session.KindOneOff && strings.TrimSpace(*command) == "" {
		return errors.New("one-off sessions need --cmd")
	}

	dir := fs.Arg(0)
	if dir == "" {
		dir = env.cfg.Sessions.DefaultDir
	}
	if dir == "" {
		if dir, err = os.Getwd(); err != nil {
			return err
		}
	}

	ctx := context.Background()
	m, err := env.sessions(ctx)
	if err != nil {
		return err
	}
	s, err := m.Create(ctx, session.CreateRequest{Kind: k, WorkDir: dir, Alias: *alias, Command: *command})
	if err != nil {
		return err
	}
	env.printf("%s Created %s in %s\n", env.style(okStyle, "✓"), s.Label(), s.WorkingDir)
	env.printf("  attach: tmux attach -t %s\n", s.TmuxSession)
	return nil
}

type sessionJSON struct {
	ID           string    `json:"id"`
	Number       int       `json:"number"`
	Alias        string    `json:"alias"`
	Kind         string    `json:"kind"`
	Status       string    `json:"status"`
	Marker       string    `json:"marker"`
	WorkingDir   string    `json:"working_dir"`
	TmuxSession  string    `json:"tmux_session"`
	PID          int       `json:"pid"`
	TokenUsed    int       `json:"token_used"`
	TokenLimit   int       `json:"token_limit"`
	LastActivity time.Time `json:"last_activity,omitempty"`
	LastSummary  string    `json:"last_summary,omitempty"`
}

// cmdList prints live sessions, or every stored session with --all.
func cmdList(env *cliEnv, args []string) error {
	fs := newFlagSet("list", "list [--json] [--all]", env.out)
	asJSON := fs.Bool("json", false, "Output as JSON")
	all := fs.Bool("all", false, "Include exited sessions")
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return err
	}

	ctx := context.Background()
	m, err := env.sessions(ctx)
	if err != nil {
		return err
	}
	list := m.List()
	if *all {
		db, err := env.store()
		if err != nil {
			return err
		}
		rows, err := db.ListSessions(true)
		if err != nil {
			return err
		}
		live := make(map[string]bool, len(list))
		for _, s := range list {
			live[s.ID] = true
		}
		for _, r := range rows {
			if !live[r.ID] {
				list = append(list, session.FromRow(r))
			}
		}
	}

	if *asJSON {
		out := make([]sessionJSON, 0, len(list))
		for _, s := range list {
			out = append(out, sessionJSON{
				ID:           s.ID,
				Number:       s.Number,
				Alias:        s.Alias,
				Kind:         string(s.Kind),
				Status:       string(s.Status),
				Marker:       s.Marker,
				WorkingDir:   s.WorkingDir,
				TmuxSession:  s.TmuxSession,
				PID:          s.PID,
				TokenUsed:    s.TokenUsed,
				TokenLimit:   s.TokenLimit,
				LastActivity: s.LastActivity,
				LastSummary:  s.LastSummary,
			})
		}
		enc := json.NewEncoder(env.out)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	if len(list) == 0 {
		env.printf("No sessions. Create one with: conductor new [dir]\n")
		return nil
	}
	env.printf("%s\n", env.style(headerStyle, fmt.Sprintf("%-4s %-3s %s %s %-9s %s",
		"#", "", pad("ALIAS", 20), pad("STATUS", 12), "TOKENS", "DIRECTORY")))
	for _, s := range list {
		marker := s.Marker
		if marker == "" {
			marker = "  "
		}
		env.printf("%-4d %s  %s %s %-9s %s\n",
			s.Number,
			marker,
			pad(s.Alias, 20),
			env.statusText(s.Status, 12),
			fmt.Sprintf("%d/%d", s.TokenUsed, s.TokenLimit),
			truncate(s.WorkingDir, 40))
		if s.LastSummary != "" {
			env.printf("     %s\n", env.style(dimStyle, truncate(firstLine(s.LastSummary), 70)))
		}
	}
	return nil
}

// cmdSend types text into a session and records it in the command log.
func cmdSend(env *cliEnv, args []string) error {
	fs := newFlagSet("send", "send <session> <text...>", env.out)
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		fs.Usage()
		return errors.New("session and text are required")
	}
	text := strings.Join(fs.Args()[1:], " ")

	ctx := context.Background()
	s, m, err := env.resolve(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	if !m.SendInput(ctx, s.ID, text) {
		return fmt.Errorf("could not send input to %s", s.Label())
	}
	if db, err := env.store(); err == nil {
		_ = db.LogCommand(s.ID, statedb.SourceUser, notify.Redact(text), "cli")
	}
	env.printf("%s Sent to %s\n", env.style(okStyle, "✓"), s.Label())
	return nil
}

// cmdKill terminates a session after a [y/N] prompt unless --yes is given.
func cmdKill(env *cliEnv, args []string) error {
	fs := newFlagSet("kill", "kill <session> [--yes]", env.out)
	yes := fs.Bool("yes", false, "Skip confirmation")
	fs.BoolVar(yes, "y", false, "Skip confirmation (short)")
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return errors.New("session is required")
	}

	ctx := context.Background()
	s, m, err := env.resolve(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	if !*yes && !env.confirm(fmt.Sprintf("Kill %s?", s.Label())) {
		env.printf("Cancelled.\n")
		return errAborted
	}
	if _, err := m.Kill(ctx, s.ID); err != nil {
		return err
	}
	if db, err := env.store(); err == nil {
		_ = db.LogCommand(s.ID, statedb.SourceUser, "kill", "cli")
	}
	env.printf("%s Killed %s\n", env.style(okStyle, "✓"), s.Label())
	return nil
}

func cmdPause(env *cliEnv, args []string) error {
	return signalCommand(env, "pause", args, (*session.Manager).Pause, "Paused")
}

func cmdResume(env *cliEnv, args []string) error {
	return signalCommand(env, "resume", args, (*session.Manager).Resume, "Resumed")
}

func signalCommand(env *cliEnv, name string, args []string,
	op func(*session.Manager, string) (*session.Session, error), done string) error {
	fs := newFlagSet(name, name+" <session>", env.out)
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return errors.New("session is required")
	}

	ctx := context.Background()
	s, m, err := env.resolve(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	updated, err := op(m, s.ID)
	if err != nil {
		return fmt.Errorf("%s %s: %w", name, s.Label(), err)
	}
	if updated == nil {
		return fmt.Errorf("%w: %s", session.ErrNotFound, fs.Arg(0))
	}
	env.printf("%s %s %s (%s)\n", env.style(okStyle, "✓"), done, updated.Label(), updated.Status)
	return nil
}

func cmdRename(env *cliEnv, args []string) error {
	fs := newFlagSet("rename", "rename <session> <alias>", env.out)
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		fs.Usage()
		return errors.New("session and alias are required")
	}

	ctx := context.Background()
	s, m, err := env.resolve(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	alias := strings.Join(fs.Args()[1:], " ")
	updated, err := m.Rename(s.ID, alias)
	if err != nil {
		return err
	}
	if updated == nil {
		return fmt.Errorf("%w: %s", session.ErrNotFound, fs.Arg(0))
	}
	env.printf("%s Renamed #%d to %s\n", env.style(okStyle, "✓"), updated.Number, updated.Alias)
	return nil
}
