package confirm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestManager returns a manager on a controllable clock.
func newTestManager(ttl time.Duration) (*Manager, *time.Time) {
	m := New(ttl)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestConfirmIsSingleUse(t *testing.T) {
	m, _ := newTestManager(0)
	p := m.Request("alice", "kill", "s1")
	assert.NotEmpty(t, p.Token)
	assert.Equal(t, DefaultTTL, p.TTL)

	assert.True(t, m.Confirm("alice", "kill", "s1"))
	assert.False(t, m.Confirm("alice", "kill", "s1"))
}

func TestConfirmWithoutRequest(t *testing.T) {
	m, _ := newTestManager(0)
	assert.False(t, m.Confirm("alice", "kill", "s1"))
}

func TestConfirmExpired(t *testing.T) {
	m, now := newTestManager(0)
	m.RequestWithTTL("alice", "kill", "s1", time.Millisecond)
	*now = now.Add(5 * time.Millisecond)

	assert.False(t, m.Confirm("alice", "kill", "s1"))
	assert.Zero(t, m.Len(), "expired entry is removed on attempt")
}

func TestConfirmExpiredRealClock(t *testing.T) {
	m := New(0)
	m.RequestWithTTL("alice", "restart", "s1", time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.False(t, m.Confirm("alice", "restart", "s1"))
}

func TestConfirmAtExactTTLStillValid(t *testing.T) {
	m, now := newTestManager(10 * time.Second)
	m.Request("alice", "kill", "s1")
	*now = now.Add(10 * time.Second)
	assert.True(t, m.Confirm("alice", "kill", "s1"))
}

func TestKeysAreIndependent(t *testing.T) {
	m, _ := newTestManager(0)
	m.Request("alice", "kill", "s1")
	m.Request("alice", "kill", "s2")
	m.Request("alice", "restart", "s1")
	m.Request("bob", "kill", "s1")

	assert.True(t, m.Confirm("alice", "kill", "s2"))
	assert.False(t, m.Confirm("alice", "kill", "s2"))
	assert.True(t, m.Confirm("alice", "kill", "s1"))
	assert.True(t, m.Confirm("alice", "restart", "s1"))
	assert.True(t, m.Confirm("bob", "kill", "s1"))
}

func TestRequestReplacesEarlier(t *testing.T) {
	m, now := newTestManager(10 * time.Second)
	first := m.Request("alice", "kill", "s1")
	*now = now.Add(8 * time.Second)
	second := m.Request("alice", "kill", "s1")
	assert.NotEqual(t, first.Token, second.Token)
	assert.Equal(t, 1, m.Len())

	*now = now.Add(8 * time.Second)
	assert.True(t, m.Confirm("alice", "kill", "s1"), "TTL restarts with the new request")
}

func TestCancel(t *testing.T) {
	m, _ := newTestManager(0)
	m.Request("alice", "kill", "s1")

	assert.True(t, m.Cancel("alice", "kill", "s1"))
	assert.False(t, m.Cancel("alice", "kill", "s1"))
	assert.False(t, m.Confirm("alice", "kill", "s1"))
}

func TestSweep(t *testing.T) {
	m, now := newTestManager(10 * time.Second)
	m.Request("alice", "kill", "old")
	*now = now.Add(6 * time.Second)
	m.Request("alice", "kill", "new")
	*now = now.Add(6 * time.Second)

	expired := m.Sweep()
	require.Len(t, expired, 1)
	assert.Equal(t, "old", expired[0].Session)
	assert.Equal(t, 1, m.Len())
	assert.Empty(t, m.Sweep())
}

func TestExpiresAt(t *testing.T) {
	m, now := newTestManager(30 * time.Second)
	p := m.Request("alice", "kill", "s1")
	assert.Equal(t, now.Add(30*time.Second), p.ExpiresAt())
}

func TestRunSweepsPeriodically(t *testing.T) {
	m := New(time.Millisecond)
	m.Request("alice", "kill", "s1")

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	var swept []Pending
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx, 5*time.Millisecond, func(p []Pending) {
			mu.Lock()
			swept = append(swept, p...)
			mu.Unlock()
		})
	}()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(swept) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestConcurrentUse(t *testing.T) {
	m := New(0)
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	m.Request("alice", "kill", "s1")
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Confirm("alice", "kill", "s1") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
