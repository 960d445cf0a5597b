package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/asheshgoplani/conductor/internal/config"
	"github.com/asheshgoplani/conductor/internal/session"
	"github.com/asheshgoplani/conductor/internal/statedb"
	"github.com/asheshgoplani/conductor/internal/tmux"
	"github.com/asheshgoplani/conductor/internal/tokens"
)

// errAborted is returned when the operator declines a prompt.
var errAborted = errors.New("aborted")

// cliEnv holds what a command needs. The database and multiplexer open
// lazily so commands like "config init" work without either.
type cliEnv struct {
	cfg        *config.Config
	configPath string
	out        io.Writer
	in         io.Reader
	styled     bool

	openDB func(path string) (*statedb.StateDB, error)
	newMux func() (tmux.Multiplexer, error)

	db  *statedb.StateDB
	mgr *session.Manager
}

func (e *cliEnv) store() (*statedb.StateDB, error) {
	if e.db != nil {
		return e.db, nil
	}
	db, err := e.openDB(e.cfg.DBPath())
	if err != nil {
		return nil, err
	}
	e.db = db
	return db, nil
}

// sessions returns a manager that has picked up stored and orphaned
// multiplexer sessions, so it sees what the daemon sees.
func (e *cliEnv) sessions(ctx context.Context) (*session.Manager, error) {
	if e.mgr != nil {
		return e.mgr, nil
	}
	db, err := e.store()
	if err != nil {
		return nil, err
	}
	mux, err := e.newMux()
	if err != nil {
		return nil, err
	}
	limit := tokens.NewFromConfig(e.cfg.Tokens).Limit()
	m := session.NewManager(mux, db, session.OptionsFromConfig(e.cfg.Sessions, limit))
	if _, err := m.LoadFromStore(ctx); err != nil {
		return nil, err
	}
	if _, err := m.Recover(ctx); err != nil {
		return nil, err
	}
	e.mgr = m
	return m, nil
}

// resolve finds a live session or explains the miss with suggestions.
func (e *cliEnv) resolve(ctx context.Context, identifier string) (*session.Session, *session.Manager, error) {
	m, err := e.sessions(ctx)
	if err != nil {
		return nil, nil, err
	}
	if s := m.Resolve(identifier); s != nil {
		return s, m, nil
	}
	if hints := m.Suggest(identifier); len(hints) > 0 {
		return nil, nil, fmt.Errorf("%w: %q (did you mean %s?)", session.ErrNotFound, identifier, strings.Join(hints, ", "))
	}
	return nil, nil, fmt.Errorf("%w: %q", session.ErrNotFound, identifier)
}

func (e *cliEnv) Close() {
	if e.db != nil {
		_ = e.db.Close()
		e.db = nil
	}
}

func (e *cliEnv) printf(format string, a ...any) {
	fmt.Fprintf(e.out, format, a...)
}

// confirm asks a [y/N] question; anything but y/yes declines.
func (e *cliEnv) confirm(question string) bool {
	e.printf("%s [y/N]: ", question)
	line, _ := bufio.NewReader(e.in).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// normalizeArgs moves flags ahead of positional arguments; the flag
// package stops at the first positional one.
func normalizeArgs(fs *flag.FlagSet, args []string) []string {
	boolFlags := make(map[string]bool)
	fs.VisitAll(func(f *flag.Flag) {
		if bf, ok := f.Value.(interface{ IsBoolFlag() bool }); ok && bf.IsBoolFlag() {
			boolFlags[f.Name] = true
		}
	})

	var flags, positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			positional = append(positional, args[i+1:]...)
			break
		}
		if strings.HasPrefix(arg, "-") && arg != "-" {
			flags = append(flags, arg)
			name := strings.TrimLeft(arg, "-")
			if strings.Contains(name, "=") {
				continue
			}
			if !boolFlags[name] && i+1 < len(args) {
				i++
				flags = append(flags, args[i])
			}
			continue
		}
		positional = append(positional, arg)
	}
	return append(flags, positional...)
}

func newFlagSet(name, usage string, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	fs.Usage = func() {
		fmt.Fprintf(out, "Usage: conductor %s\n", usage)
		fs.PrintDefaults()
	}
	return fs
}

// truncate shortens s to at most width display cells.
func truncate(s string, width int) string {
	if runewidth.StringWidth(s) <= width {
		return s
	}
	if width <= 3 {
		return runewidth.Truncate(s, width, "")
	}
	return runewidth.Truncate(s, width, "...")
}

// pad right-pads s to width display cells.
func pad(s string, width int) string {
	return runewidth.FillRight(truncate(s, width), width)
}

// firstLine returns the first non-empty line of s.
func firstLine(s string) string {
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			return l
		}
	}
	return ""
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("245"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))

	statusStyles = map[session.Status]lipgloss.Style{
		session.StatusRunning:     lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		session.StatusWaiting:     lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
		session.StatusPaused:      lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
		session.StatusRateLimited: lipgloss.NewStyle().Foreground(lipgloss.Color("208")),
		session.StatusError:       lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		session.StatusExited:      lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	}
)

// style renders text only when writing to a terminal; padding is applied
// first so colors do not disturb column widths.
func (e *cliEnv) style(st lipgloss.Style, text string) string {
	if !e.styled {
		return text
	}
	return st.Render(text)
}

func (e *cliEnv) statusText(s session.Status, width int) string {
	text := pad(string(s), width)
	st, ok := statusStyles[s]
	if !ok {
		return text
	}
	return e.style(st, text)
}
