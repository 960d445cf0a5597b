package monitor

import (
	"context"
	"sync"

	"github.com/asheshgoplani/conductor/internal/detect"
	"github.com/asheshgoplani/conductor/internal/session"
	"github.com/asheshgoplani/conductor/internal/tmux"
)

// Pool keeps one running Monitor per live session. Its Attach and Detach
// methods match session.Manager's hook signatures.
type Pool struct {
	ctx     context.Context
	view    SessionView
	onEvent EventFunc

	mu       sync.Mutex
	cfg      Settings
	monitors map[string]*Monitor
}

// NewPool returns a pool whose monitors run under ctx.
func NewPool(ctx context.Context, view SessionView, cfg Settings, onEvent EventFunc) *Pool {
	return &Pool{
		ctx:      ctx,
		view:     view,
		onEvent:  onEvent,
		cfg:      cfg,
		monitors: make(map[string]*Monitor),
	}
}

// Attach starts monitoring s, replacing any monitor already bound to it.
func (p *Pool) Attach(s session.Session, pane tmux.Pane) {
	m := New(s.ID, pane, p.view, p.settings(), p.onEvent)

	p.mu.Lock()
	old := p.monitors[s.ID]
	p.monitors[s.ID] = m
	p.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	m.Start(p.ctx)
}

// Detach stops the session's monitor, if any. It does not wait for the
// loop to exit, so it is safe to reach from inside an EventFunc.
func (p *Pool) Detach(id string) {
	p.mu.Lock()
	m := p.monitors[id]
	delete(p.monitors, id)
	p.mu.Unlock()
	if m != nil {
		go m.Stop()
	}
}

// Get returns the monitor for a session.
func (p *Pool) Get(id string) (*Monitor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.monitors[id]
	return m, ok
}

// Recent returns the session's last n buffered lines.
func (p *Pool) Recent(id string, n int) []string {
	m, ok := p.Get(id)
	if !ok {
		return nil
	}
	return m.Buffer().Recent(n)
}

// Len reports how many monitors are registered.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.monitors)
}

// SetExtras applies new user patterns to current and future monitors.
func (p *Pool) SetExtras(extras *detect.RawPatterns) {
	p.mu.Lock()
	p.cfg.Extras = extras
	ms := make([]*Monitor, 0, len(p.monitors))
	for _, m := range p.monitors {
		ms = append(ms, m)
	}
	p.mu.Unlock()
	for _, m := range ms {
		m.SetExtras(extras)
	}
}

// StopAll stops every monitor and empties the pool.
func (p *Pool) StopAll() {
	p.mu.Lock()
	ms := p.monitors
	p.monitors = make(map[string]*Monitor)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, m := range ms {
		wg.Add(1)
		go func(m *Monitor) {
			defer wg.Done()
			m.Stop()
		}(m)
	}
	wg.Wait()
}

func (p *Pool) settings() Settings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}
