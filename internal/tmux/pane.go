package tmux

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

type pane struct {
	client  *Client
	id      string
	pid     int
	session string

	captureSf singleflight.Group
}

func (p *pane) ID() string          { return p.id }
func (p *pane) PID() int            { return p.pid }
func (p *pane) SessionName() string { return p.session }

// Capture runs capture-pane with -J so wrapped lines come back joined.
// Concurrent captures of the same window share one subprocess.
func (p *pane) Capture(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		n = 1000
	}
	v, err, _ := p.captureSf.Do(strconv.Itoa(n), func() (any, error) {
		cctx, cancel := context.WithTimeout(ctx, captureTimeout)
		defer cancel()

		out, err := p.client.run(cctx, "capture-pane", "-p", "-J", "-t", p.id, "-S", "-"+strconv.Itoa(n))
		if err != nil {
			if errors.Is(cctx.Err(), context.DeadlineExceeded) {
				return nil, ErrCaptureTimeout
			}
			if isNoServer(err) || isMissingTarget(err) {
				return nil, ErrNoPane
			}
			return nil, fmt.Errorf("tmux: capture-pane %s: %w", p.id, err)
		}
		return splitCapture(string(out)), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func splitCapture(out string) []string {
	out = strings.TrimSuffix(out, "\n")
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

// SendKeys uses -l so tmux treats text literally and never as key names.
// Large inputs are sent in newline-aligned chunks.
func (p *pane) SendKeys(ctx context.Context, text string, enter bool) error {
	chunks := splitIntoChunks(text, sendChunkSize)
	for i, chunk := range chunks {
		if i > 0 {
			if err := sleepCtx(ctx, sendChunkDelay); err != nil {
				return err
			}
		}
		if _, err := p.client.run(ctx, "send-keys", "-l", "-t", p.id, "--", chunk); err != nil {
			return fmt.Errorf("tmux: send-keys chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	if !enter {
		return nil
	}
	if len(chunks) > 0 {
		if err := sleepCtx(ctx, enterDelay); err != nil {
			return err
		}
	}
	if _, err := p.client.run(ctx, "send-keys", "-t", p.id, "Enter"); err != nil {
		return fmt.Errorf("tmux: send-keys enter: %w", err)
	}
	return nil
}

// CurrentPath returns the pane's working directory as tmux reports it.
func (p *pane) CurrentPath(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	out, err := p.client.run(ctx, "display-message", "-p", "-t", p.id, "#{pane_current_path}")
	if err != nil {
		return "", fmt.Errorf("tmux: current path %s: %w", p.id, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
