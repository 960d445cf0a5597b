package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/asheshgoplani/conductor/internal/logging"
)

var tmuxLog = logging.ForComponent(logging.CompSession)

var (
	// ErrCaptureTimeout is returned when capture-pane exceeds its timeout.
	// Callers should treat it as "no new output" rather than a dead pane.
	ErrCaptureTimeout = errors.New("tmux: capture-pane timed out")

	// ErrNoPane is returned when the named session or pane does not exist.
	ErrNoPane = errors.New("tmux: no such session or pane")
)

const (
	captureTimeout = 3 * time.Second
	commandTimeout = 5 * time.Second

	// enterDelay separates literal text from the Enter key. tmux 3.2+ wraps
	// send-keys -l in bracketed paste and TUI apps swallow an Enter that
	// arrives in the same read as the paste-end marker.
	enterDelay = 100 * time.Millisecond

	// historyLimit backs a full 1000-line capture window with room to spare.
	historyLimit = 10000

	sendChunkSize  = 4096
	sendChunkDelay = 50 * time.Millisecond
)

// Multiplexer is the process-control surface the session manager drives.
type Multiplexer interface {
	NewSession(ctx context.Context, name, dir string) (Pane, error)
	ListSessions(ctx context.Context) ([]string, error)
	FindPane(ctx context.Context, name string) (Pane, error)
	HasSession(ctx context.Context, name string) bool
	KillSession(ctx context.Context, name string) error
}

// Pane is one addressable terminal surface.
type Pane interface {
	ID() string
	PID() int
	SessionName() string
	// Capture returns up to the last n lines of visible and scrollback text.
	Capture(ctx context.Context, n int) ([]string, error)
	// SendKeys writes text literally, optionally followed by Enter.
	SendKeys(ctx context.Context, text string, enter bool) error
	CurrentPath(ctx context.Context) (string, error)
}

type runFunc func(ctx context.Context, args ...string) ([]byte, error)

// Client runs tmux as a subprocess. The zero value is not usable; call New.
type Client struct {
	run runFunc
}

// New returns a Client that executes the tmux binary found on PATH.
func New() *Client {
	return &Client{run: execTmux}
}

// Available checks that tmux is installed and runnable.
func Available() error {
	out, err := exec.Command("tmux", "-V").CombinedOutput()
	if err != nil {
		return fmt.Errorf("tmux not found or not working: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func execTmux(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "tmux", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%w: %s", err, msg)
		}
		return out, err
	}
	return out, nil
}

// paneFormat is shared by new-session -P and list-panes so both parse the same way.
const paneFormat = "#{pane_id} #{pane_pid}"

// NewSession creates a detached session rooted at dir and returns its first pane.
func (c *Client) NewSession(ctx context.Context, name, dir string) (Pane, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	// history-limit is read when a window is created, so it has to be set
	// globally in the same command list, ahead of new-session.
	out, err := c.run(ctx,
		"set-option", "-g", "history-limit", strconv.Itoa(historyLimit), ";",
		"new-session", "-d", "-s", name, "-c", dir, "-P", "-F", paneFormat)
	if err != nil {
		return nil, fmt.Errorf("tmux: new-session %s: %w", name, err)
	}
	p, err := c.parsePane(name, string(out))
	if err != nil {
		return nil, err
	}
	tmuxLog.Info("tmux_session_created", slog.String("session", name), slog.String("pane", p.id), slog.Int("pid", p.pid))
	return p, nil
}

// ListSessions returns all session names. A missing server means no sessions.
func (c *Client) ListSessions(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	out, err := c.run(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if isNoServer(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("tmux: list-sessions: %w", err)
	}
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// FindPane returns the first pane of the named session or ErrNoPane.
func (c *Client) FindPane(ctx context.Context, name string) (Pane, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	out, err := c.run(ctx, "list-panes", "-t", name+":", "-F", paneFormat)
	if err != nil {
		if isNoServer(err) || isMissingTarget(err) {
			return nil, ErrNoPane
		}
		return nil, fmt.Errorf("tmux: list-panes %s: %w", name, err)
	}
	return c.parsePane(name, string(out))
}

// HasSession reports whether the named session exists.
func (c *Client) HasSession(ctx context.Context, name string) bool {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	_, err := c.run(ctx, "has-session", "-t", name)
	return err == nil
}

// KillSession terminates the named session. Killing a session that is
// already gone is not an error.
func (c *Client) KillSession(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if _, err := c.run(ctx, "kill-session", "-t", name); err != nil {
		if isNoServer(err) || isMissingTarget(err) {
			return nil
		}
		return fmt.Errorf("tmux: kill-session %s: %w", name, err)
	}
	return nil
}

func (c *Client) parsePane(session, out string) (*pane, error) {
	// Take only the first line; multi-pane sessions are addressed by their first pane.
	line := strings.TrimSpace(out)
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return nil, fmt.Errorf("tmux: unexpected pane format %q", line)
	}
	pid, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("tmux: bad pane pid %q: %w", fields[1], err)
	}
	return &pane{client: c, id: fields[0], pid: pid, session: session}, nil
}

func isNoServer(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "no server running") ||
		strings.Contains(msg, "error connecting to") ||
		strings.Contains(msg, "no sessions")
}

func isMissingTarget(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "can't find session") ||
		strings.Contains(msg, "can't find pane") ||
		strings.Contains(msg, "session not found")
}

// splitIntoChunks splits content at newline boundaries so that no chunk
// exceeds maxSize, hard-splitting lines longer than maxSize.
func splitIntoChunks(content string, maxSize int) []string {
	if content == "" {
		return nil
	}
	var chunks []string
	remaining := content
	for len(remaining) > maxSize {
		cut := strings.LastIndex(remaining[:maxSize], "\n")
		if cut > 0 {
			chunks = append(chunks, remaining[:cut+1])
			remaining = remaining[cut+1:]
			continue
		}
		chunks = append(chunks, remaining[:maxSize])
		remaining = remaining[maxSize:]
	}
	return append(chunks, remaining)
}
