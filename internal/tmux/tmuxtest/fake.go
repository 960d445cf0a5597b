// Package tmuxtest provides in-memory Multiplexer and Pane fakes.
package tmuxtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/asheshgoplani/conductor/internal/tmux"
)

// Mux is an in-memory tmux.Multiplexer.
type Mux struct {
	mu       sync.Mutex
	sessions map[string]*Pane
	nextPane int
	nextPID  int

	// NewSessionErr, when set, is returned by NewSession.
	NewSessionErr error
	// BeforeNewSession, when set, runs at the start of NewSession without
	// the fake's lock held. Tests use it to hold a create in flight.
	BeforeNewSession func(name string)
}

// NewMux returns an empty fake multiplexer.
func NewMux() *Mux {
	return &Mux{sessions: make(map[string]*Pane), nextPID: 1000}
}

var _ tmux.Multiplexer = (*Mux)(nil)

func (m *Mux) NewSession(_ context.Context, name, dir string) (tmux.Pane, error) {
	if m.BeforeNewSession != nil {
		m.BeforeNewSession(name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.NewSessionErr != nil {
		return nil, m.NewSessionErr
	}
	if _, ok := m.sessions[name]; ok {
		return nil, fmt.Errorf("duplicate session: %s", name)
	}
	m.nextPane++
	m.nextPID++
	p := &Pane{id: fmt.Sprintf("%%%d", m.nextPane), pid: m.nextPID, session: name, path: dir}
	m.sessions[name] = p
	return p, nil
}

// AddSession registers a pre-existing session, as if another process had
// created it before the supervisor started.
func (m *Mux) AddSession(name string, pid int) *Pane {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextPane++
	p := &Pane{id: fmt.Sprintf("%%%d", m.nextPane), pid: pid, session: name}
	m.sessions[name] = p
	return p
}

func (m *Mux) ListSessions(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.sessions))
	for name := range m.sessions {
		names = append(names, name)
	}
	return names, nil
}

func (m *Mux) FindPane(_ context.Context, name string) (tmux.Pane, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.sessions[name]
	if !ok {
		return nil, tmux.ErrNoPane
	}
	return p, nil
}

func (m *Mux) HasSession(_ context.Context, name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[name]
	return ok
}

func (m *Mux) KillSession(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.sessions[name]; ok {
		p.markGone()
		delete(m.sessions, name)
	}
	return nil
}

// Pane returns the fake pane for a session, or nil.
func (m *Mux) Pane(name string) *Pane {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[name]
}

// Pane is an in-memory tmux.Pane whose screen content is set by the test.
type Pane struct {
	mu      sync.Mutex
	id      string
	pid     int
	session string
	path    string
	lines   []string
	sent    []string
	gone    bool

	// CaptureErr, when set, is returned by Capture.
	CaptureErr error
}

var _ tmux.Pane = (*Pane)(nil)

// NewPane returns a standalone pane not registered with any Mux.
func NewPane(id string, pid int) *Pane {
	return &Pane{id: id, pid: pid, session: id}
}

func (p *Pane) ID() string          { return p.id }
func (p *Pane) PID() int            { return p.pid }
func (p *Pane) SessionName() string { return p.session }

// Write appends lines to the pane's screen.
func (p *Pane) Write(lines ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines = append(p.lines, lines...)
}

// SetScreen replaces the pane's screen content.
func (p *Pane) SetScreen(lines ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines = append([]string(nil), lines...)
}

// Clear empties the screen, like the clear command.
func (p *Pane) Clear() { p.SetScreen() }

func (p *Pane) Capture(_ context.Context, n int) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CaptureErr != nil {
		return nil, p.CaptureErr
	}
	if p.gone {
		return nil, tmux.ErrNoPane
	}
	lines := p.lines
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return append([]string(nil), lines...), nil
}

func (p *Pane) SendKeys(_ context.Context, text string, enter bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gone {
		return tmux.ErrNoPane
	}
	if enter {
		text += "\n"
	}
	p.sent = append(p.sent, text)
	return nil
}

// Sent returns everything written through SendKeys, Enter shown as "\n".
func (p *Pane) Sent() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent...)
}

func (p *Pane) CurrentPath(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.path, nil
}

func (p *Pane) markGone() {
	p.mu.Lock()
	p.gone = true
	p.mu.Unlock()
}
