package detect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestDetector returns a detector with a controllable clock.
func newTestDetector(extras *RawPatterns) (*Detector, *time.Time) {
	d := New(DefaultCooldown, extras)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	return d, &now
}

func TestClassifyPermissionPrompts(t *testing.T) {
	cases := []string{
		"Claude wants to run: rm -rf node_modules\nAllow? (y/n/a)",
		"Do you want to allow Claude to use Bash(npm install)?\n  Yes (y)  |  No (n)",
		"Claude wants to edit src/main.py\n  Allow? [y/n/a]",
		"Allow Claude to use the \"Write\" tool?\n  (y)es / (n)o / (a)lways allow",
		"Claude wants to delete old-config.json",
		"Do you want to proceed with this change?",
		"Would you like to continue with the operation?",
	}
	for _, text := range cases {
		d, _ := newTestDetector(nil)
		assert.Equal(t, PermissionPrompt, d.Classify(text).Type, text)
	}
}

func TestClassifyNotPermission(t *testing.T) {
	cases := []string{
		"Running npm install...\ninstalled 234 packages",
		"Tests passed: 42/42",
		"Building project...",
		"Downloading dependencies",
	}
	for _, text := range cases {
		d, _ := newTestDetector(nil)
		assert.NotEqual(t, PermissionPrompt, d.Classify(text).Type, text)
	}
}

func TestClassifyInputPrompts(t *testing.T) {
	cases := []string{
		"Choose one of the following:",
		"  1. Create a new project",
		"What is the name of your project?",
		"Enter your API key:",
	}
	for _, text := range cases {
		d, _ := newTestDetector(nil)
		assert.Equal(t, InputPrompt, d.Classify(text).Type, text)
	}
}

func TestClassifyRateLimits(t *testing.T) {
	cases := []string{
		"Rate limit exceeded. Please wait 30 seconds.",
		"You've reached your usage limit",
		"Error 429: Too many requests",
		"Usage limit reached. Limit will reset in 2 hours.",
		"Rate limited. Try again in 60 seconds.",
		"Quota exceeded for this billing period.",
	}
	for _, text := range cases {
		d, _ := newTestDetector(nil)
		assert.Equal(t, RateLimit, d.Classify(text).Type, text)
	}
}

func TestClassifyErrors(t *testing.T) {
	cases := []string{
		"npm ERR! ENOENT: no such file",
		"Traceback (most recent call last):\n  File \"main.py\"",
		"FATAL: password authentication failed",
		"process exited with code 1",
		"ModuleNotFoundError: No module named 'foo'",
		"Connection refused to localhost:5432",
	}
	for _, text := range cases {
		d, _ := newTestDetector(nil)
		assert.Equal(t, Error, d.Classify(text).Type, text)
	}
}

func TestClassifyCompletions(t *testing.T) {
	cases := []string{
		"✓ Build succeeded",
		"All 42 tests passed",
		"Successfully deployed to production",
		"Done in 34.2s",
		"Task completed successfully",
		"42 passing",
	}
	for _, text := range cases {
		d, _ := newTestDetector(nil)
		assert.Equal(t, Completion, d.Classify(text).Type, text)
	}
}

func TestClassifyNone(t *testing.T) {
	d, _ := newTestDetector(nil)
	assert.Equal(t, None, d.Classify("").Type)
	assert.Equal(t, None, d.Classify("compiling module graph").Type)
	assert.True(t, d.Classify("just some log output").IsNone())
}

func TestErrorBeatsCompletion(t *testing.T) {
	d, _ := newTestDetector(nil)
	res := d.Classify("✓ Build succeeded\nError: lint step crashed")
	assert.Equal(t, Error, res.Type)
}

func TestPermissionBeatsInput(t *testing.T) {
	d, _ := newTestDetector(nil)
	res := d.Classify("1. Yes\n2. No\nDo you want to proceed?")
	assert.Equal(t, PermissionPrompt, res.Type)
}

func TestResultCarriesMatch(t *testing.T) {
	d, _ := newTestDetector(nil)
	res := d.Classify("all good\nnpm ERR! missing script")
	require.Equal(t, Error, res.Type)
	assert.NotEmpty(t, res.MatchedText)
	assert.NotEmpty(t, res.Pattern)
	assert.Equal(t, 1.0, res.Confidence)
}

func TestDebounceCompletion(t *testing.T) {
	d, now := newTestDetector(nil)

	assert.Equal(t, Completion, d.Classify("Done in 3.1s").Type)
	*now = now.Add(5 * time.Second)
	assert.Equal(t, None, d.Classify("Done in 3.1s").Type)
	*now = now.Add(6 * time.Second)
	assert.Equal(t, Completion, d.Classify("Done in 3.1s").Type)
}

func TestDebouncedMatchDoesNotFallThrough(t *testing.T) {
	d, _ := newTestDetector(nil)

	require.Equal(t, Error, d.Classify("fatal: bad object").Type)
	// Matches error first; the debounce suppresses it and completion is not consulted.
	assert.Equal(t, None, d.Classify("fatal: again\nBuild succeeded").Type)
}

func TestDebounceIsPerType(t *testing.T) {
	d, _ := newTestDetector(nil)

	assert.Equal(t, Error, d.Classify("panic: nil map").Type)
	assert.Equal(t, Completion, d.Classify("Done in 1s").Type)
	assert.Equal(t, InputPrompt, d.Classify("Pick one option?").Type)
}

func TestPermissionAndRateLimitNeverDebounced(t *testing.T) {
	d, _ := newTestDetector(nil)
	for i := 0; i < 3; i++ {
		assert.Equal(t, PermissionPrompt, d.Classify("Allow? [y/n]").Type)
		assert.Equal(t, RateLimit, d.Classify("Too many requests").Type)
	}
}

func TestZeroCooldownDisablesDebounce(t *testing.T) {
	d := New(0, nil)
	assert.Equal(t, Completion, d.Classify("42 passing").Type)
	assert.Equal(t, Completion, d.Classify("42 passing").Type)
}

func TestMatchSkipsDebounce(t *testing.T) {
	d, _ := newTestDetector(nil)
	assert.Equal(t, Completion, d.Classify("Done in 1s").Type)
	assert.Equal(t, Completion, d.Match("Done in 1s").Type)
	assert.Equal(t, None, d.Classify("Done in 1s").Type)
}

func TestResetDebounce(t *testing.T) {
	d, _ := newTestDetector(nil)
	assert.Equal(t, Completion, d.Classify("Done in 1s").Type)
	d.ResetDebounce()
	assert.Equal(t, Completion, d.Classify("Done in 1s").Type)
}

func TestDestructiveKeywords(t *testing.T) {
	for _, text := range []string{
		"Delete all data?",
		"rm -rf /tmp/stuff",
		"force push to main?",
		"Drop table users?",
		"Deploy to production?",
	} {
		assert.True(t, HasDestructiveKeyword(text), text)
	}
	for _, text := range []string{"Run tests", "Build succeeded"} {
		assert.False(t, HasDestructiveKeyword(text), text)
	}
}

func TestPackageLevelHelpers(t *testing.T) {
	assert.True(t, HasPermissionPrompt("Allow? (y/n)"))
	assert.False(t, HasPermissionPrompt("hello"))
	assert.Equal(t, RateLimit, Classify("cooldown active").Type)
}

func TestExtraPatterns(t *testing.T) {
	d, _ := newTestDetector(&RawPatterns{
		Permission:  []string{"Approve plan (a.b)"},
		Completion:  []string{`re:^deploy #\d+ finished$`},
		Destructive: []string{"  Nuke "},
	})

	res := d.Classify("Approve plan (a.b)")
	assert.Equal(t, PermissionPrompt, res.Type)
	assert.Equal(t, "Approve plan (a.b)", res.Pattern)

	// Literal patterns are quoted, so regex metacharacters are inert.
	assert.False(t, d.HasPermissionPrompt("Approve plan (aXb)"))

	assert.Equal(t, Completion, d.Classify("deploy #12 finished").Type)
	assert.True(t, d.HasDestructiveKeyword("please NUKE the cache"))
	assert.False(t, HasDestructiveKeyword("please nuke the cache"))
}

func TestInvalidExtraPatternSkipped(t *testing.T) {
	d, _ := newTestDetector(&RawPatterns{Error: []string{"re:([unclosed", "re:boom\\d+"}})

	// Built-ins are unaffected and the valid extra still works.
	assert.Equal(t, Error, d.Match("Traceback (most recent call last)").Type)
	assert.Equal(t, Error, d.Match("boom42").Type)
}

func TestSetExtras(t *testing.T) {
	d, _ := newTestDetector(nil)
	assert.Equal(t, None, d.Match("shipit ok").Type)

	d.SetExtras(&RawPatterns{Completion: []string{"shipit ok"}})
	assert.Equal(t, Completion, d.Match("shipit ok").Type)

	d.SetExtras(nil)
	assert.Equal(t, None, d.Match("shipit ok").Type)
}

func TestMergeRawPatterns(t *testing.T) {
	base := &RawPatterns{Input: []string{"a"}}
	extra := &RawPatterns{Input: []string{"b"}, Error: []string{"c"}}

	merged := MergeRawPatterns(base, extra)
	assert.Equal(t, []string{"a", "b"}, merged.Input)
	assert.Equal(t, []string{"c"}, merged.Error)

	merged.Input[0] = "z"
	assert.Equal(t, "a", base.Input[0])

	assert.Empty(t, MergeRawPatterns(nil, nil).Input)
}
