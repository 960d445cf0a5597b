package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEscalatorFiresOncePerWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var fired []int
	e := NewEscalator(5, 5*time.Minute, func(_ context.Context, kind string, count int) {
		assert.Equal(t, "session_error", kind)
		fired = append(fired, count)
	})
	e.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		assert.False(t, e.Record(ctx, "session_error"))
	}
	assert.True(t, e.Record(ctx, "session_error"))
	assert.False(t, e.Record(ctx, "session_error"))
	assert.Equal(t, 6, e.Count("session_error"))
	assert.Equal(t, []int{5}, fired)

	now = now.Add(5*time.Minute + time.Second)
	assert.Zero(t, e.Count("session_error"))
	for i := 0; i < 4; i++ {
		assert.False(t, e.Record(ctx, "session_error"))
	}
	assert.True(t, e.Record(ctx, "session_error"))
	assert.Equal(t, []int{5, 5}, fired)
}

func TestEscalatorCountsKindsSeparately(t *testing.T) {
	e := NewEscalator(2, time.Minute, nil)
	ctx := context.Background()

	assert.False(t, e.Record(ctx, "a"))
	assert.False(t, e.Record(ctx, "b"))
	assert.True(t, e.Record(ctx, "a"))
	assert.True(t, e.Record(ctx, "b"))
}

func TestEscalatorSetLimits(t *testing.T) {
	e := NewEscalator(0, 0, nil)
	assert.Equal(t, DefaultEscalationThreshold, e.threshold)
	assert.Equal(t, DefaultEscalationWindow, e.window)

	e.SetLimits(1, time.Second)
	assert.True(t, e.Record(context.Background(), "x"))
}
