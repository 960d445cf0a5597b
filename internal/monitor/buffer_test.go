package monitor

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/conductor/internal/tmux/tmuxtest"
)

func TestBufferSameScreenTwiceYieldsNothing(t *testing.T) {
	b := NewBuffer(100, 0, 0)
	screen := []string{"alpha", "beta", "gamma"}

	assert.Equal(t, screen, b.Process(screen))
	assert.Empty(t, b.Process(screen))
}

func TestBufferSeenLinesAreDropped(t *testing.T) {
	b := NewBuffer(100, 0, 0)
	require.Len(t, b.Process([]string{"one", "two"}), 2)

	// Two fresh lines followed by three repeats of earlier content.
	got := b.Process([]string{"one", "two", "three", "four", "one", "two", "three"})
	assert.Equal(t, []string{"three", "four"}, got)
}

func TestBufferClearTreatsScreenAsNew(t *testing.T) {
	b := NewBuffer(100, 0, 0)
	b.Process([]string{"a", "b", "c"})

	assert.Equal(t, []string{"d"}, b.Process([]string{"d"}))

	// Fingerprints survive the clear.
	assert.Empty(t, b.Process([]string{"d", "a"}))
	assert.Equal(t, []string{"e"}, b.Process([]string{"d", "a", "e"}))
}

func TestBufferSaturatedWindow(t *testing.T) {
	b := NewBuffer(3, 0, 0)
	assert.Equal(t, []string{"a", "b", "c"}, b.Process([]string{"a", "b", "c"}))
	assert.Equal(t, []string{"d"}, b.Process([]string{"b", "c", "d"}))
	assert.Equal(t, []string{"e", "f"}, b.Process([]string{"d", "e", "f"}))
}

func TestBufferHistoryShorterThanWindow(t *testing.T) {
	b := NewBuffer(1000, 0, 0)
	var screen []string
	for i := 0; i < 524; i++ {
		screen = append(screen, fmt.Sprintf("line %d", i))
	}
	require.Len(t, b.Process(screen), 524)

	// The pane's scrollback is full: one line scrolls in, one drops off.
	scrolled := append(append([]string(nil), screen[1:]...), "line 524")
	assert.Equal(t, []string{"line 524"}, b.Process(scrolled))
	assert.Empty(t, b.Process(scrolled))

	scrolled = append(append([]string(nil), scrolled[2:]...), "line 525", "line 526")
	assert.Equal(t, []string{"line 525", "line 526"}, b.Process(scrolled))
}

func TestBufferStripsEscapes(t *testing.T) {
	b := NewBuffer(100, 0, 0)
	got := b.Process([]string{"\x1b[31mError: boom\x1b[0m", "plain\x07", "progress 10%\rprogress 100%"})
	assert.Equal(t, []string{"Error: boom", "plain", "progress 100%"}, got)
}

func TestBufferSkipsBlankLines(t *testing.T) {
	b := NewBuffer(100, 0, 0)
	got := b.Process([]string{"x", "", "   ", "y", "", ""})
	assert.Equal(t, []string{"x", "y"}, got)

	// Trailing blanks were trimmed, so the next line is past the cursor.
	assert.Equal(t, []string{"z"}, b.Process([]string{"x", "", "   ", "y", "z"}))
}

func TestBufferSeenSetEviction(t *testing.T) {
	b := NewBuffer(100, 2, 0)
	b.Process([]string{"a", "b", "c"})
	assert.Len(t, b.seen, 2)
	assert.Len(t, b.order, 2)

	// "a" was evicted and is reported again after a clear.
	assert.Equal(t, []string{"a"}, b.Process([]string{"a"}))
}

func TestBufferRollingCap(t *testing.T) {
	b := NewBuffer(100, 0, 3)
	var screen []string
	for i := 0; i < 5; i++ {
		screen = append(screen, fmt.Sprintf("line %d", i))
	}
	b.Process(screen)

	assert.Equal(t, []string{"line 2", "line 3", "line 4"}, b.Recent(10))
	assert.Equal(t, []string{"line 4"}, b.Recent(1))
	assert.Equal(t, 5, b.Total())

	b.Reset()
	assert.Empty(t, b.Recent(10))
	assert.Zero(t, b.Total())
}

func TestBufferCaptureFromPane(t *testing.T) {
	p := tmuxtest.NewPane("%1", 100)
	b := NewBuffer(100, 0, 0)
	ctx := context.Background()

	p.Write("hello", "world")
	assert.Equal(t, []string{"hello", "world"}, b.Capture(ctx, p))

	p.Write("again")
	assert.Equal(t, []string{"again"}, b.Capture(ctx, p))
	assert.Empty(t, b.Capture(ctx, p))
}

func TestBufferCaptureFailureIsEmpty(t *testing.T) {
	p := tmuxtest.NewPane("%1", 100)
	p.Write("content")
	p.CaptureErr = errors.New("pane vanished")

	b := NewBuffer(100, 0, 0)
	assert.Nil(t, b.Capture(context.Background(), p))

	p.CaptureErr = nil
	assert.Equal(t, []string{"content"}, b.Capture(context.Background(), p))
}
