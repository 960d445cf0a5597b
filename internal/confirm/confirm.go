// Package confirm gates destructive actions behind a short-lived,
// single-use confirmation.
package confirm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnauthorized  = errors.New("confirm: user is not authorized")
	ErrUnknownAction = errors.New("confirm: unknown action")
	ErrNotPending    = errors.New("confirm: no pending confirmation")
)

// DefaultTTL is how long a pending confirmation stays valid.
const DefaultTTL = 30 * time.Second

// Key identifies a pending confirmation. Entries for different users,
// actions or sessions never interfere.
type Key struct {
	User    string
	Action  string
	Session string
}

// Pending is an outstanding confirmation.
type Pending struct {
	Key
	Token     string
	CreatedAt time.Time
	TTL       time.Duration
}

// ExpiresAt is when the confirmation stops being accepted.
func (p Pending) ExpiresAt() time.Time { return p.CreatedAt.Add(p.TTL) }

func (p Pending) expired(now time.Time) bool { return now.Sub(p.CreatedAt) > p.TTL }

// Manager holds pending confirmations. It is safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	ttl     time.Duration
	pending map[Key]Pending
	now     func() time.Time
}

// New returns a manager. A non-positive ttl uses DefaultTTL.
func New(ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		ttl:     ttl,
		pending: make(map[Key]Pending),
		now:     time.Now,
	}
}

// Request records a pending confirmation with the default TTL, replacing
// any earlier one for the same key.
func (m *Manager) Request(user, action, session string) Pending {
	return m.RequestWithTTL(user, action, session, m.ttl)
}

// RequestWithTTL is Request with an explicit TTL.
func (m *Manager) RequestWithTTL(user, action, session string, ttl time.Duration) Pending {
	p := Pending{
		Key:       Key{User: user, Action: action, Session: session},
		Token:     uuid.NewString(),
		CreatedAt: m.now(),
		TTL:       ttl,
	}
	m.mu.Lock()
	m.pending[p.Key] = p
	m.mu.Unlock()
	return p
}

// Confirm consumes the pending entry. It fails when none exists or it has
// expired; an expired entry is removed either way.
func (m *Manager) Confirm(user, action, session string) bool {
	k := Key{User: user, Action: action, Session: session}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[k]
	if !ok {
		return false
	}
	delete(m.pending, k)
	return !p.expired(m.now())
}

// Cancel drops a pending entry without acting on it.
func (m *Manager) Cancel(user, action, session string) bool {
	k := Key{User: user, Action: action, Session: session}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[k]; !ok {
		return false
	}
	delete(m.pending, k)
	return true
}

// Sweep removes and returns every expired entry.
func (m *Manager) Sweep() []Pending {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []Pending
	for k, p := range m.pending {
		if p.expired(now) {
			expired = append(expired, p)
			delete(m.pending, k)
		}
	}
	return expired
}

// Len reports how many confirmations are pending.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Run sweeps every interval until ctx is done. onExpired, if set, sees each
// swept batch.
func (m *Manager) Run(ctx context.Context, interval time.Duration, onExpired func([]Pending)) error {
	if interval <= 0 {
		interval = DefaultTTL
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if expired := m.Sweep(); len(expired) > 0 && onExpired != nil {
				onExpired(expired)
			}
		}
	}
}
