package tokens

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/conductor/internal/config"
)

func newTestEstimator(plan Plan) (*Estimator, *time.Time) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	e := New(plan, Thresholds{})
	e.now = func() time.Time { return now }
	return e, &now
}

func TestLimits(t *testing.T) {
	assert.Equal(t, 45, LimitFor(PlanPro))
	assert.Equal(t, 225, LimitFor(PlanMax5x))
	assert.Equal(t, 900, LimitFor(PlanMax20x))
	assert.Equal(t, 45, LimitFor("enterprise"))
}

func TestRecordCountsPerSession(t *testing.T) {
	e, _ := newTestEstimator(PlanPro)

	u, _ := e.Record("a")
	assert.Equal(t, 1, u.Used)
	e.Record("a")
	u, _ = e.Record("b")
	assert.Equal(t, 1, u.Used)

	assert.Equal(t, 2, e.Usage("a").Used)
	total := e.Usage("")
	assert.Equal(t, 3, total.Used)
	assert.Equal(t, 45, total.Limit)
	assert.Equal(t, 6, total.Percent)
	assert.Equal(t, Window, total.ResetIn)
}

func TestEachLevelReportedOncePerWindow(t *testing.T) {
	e, now := newTestEstimator(PlanPro)

	var crossed []Level
	for i := 0; i < 45; i++ {
		if _, lvl := e.Record("s"); lvl != LevelNone {
			crossed = append(crossed, lvl)
		}
	}
	// 36/45 = 0.80, 41/45 > 0.90, 43/45 > 0.95
	assert.Equal(t, []Level{LevelWarning, LevelDanger, LevelCritical}, crossed)

	_, lvl := e.Record("s")
	assert.Equal(t, LevelNone, lvl)
	assert.Equal(t, 100, e.Usage("s").Percent)

	*now = now.Add(Window)
	u, lvl := e.Record("s")
	assert.Equal(t, LevelNone, lvl)
	assert.Equal(t, 1, u.Used)
}

func TestWindowExpiryResetsUsage(t *testing.T) {
	e, now := newTestEstimator(PlanMax5x)
	e.Record("s")
	*now = now.Add(2 * time.Hour)
	assert.Equal(t, 3*time.Hour, e.Usage("s").ResetIn)

	*now = now.Add(3 * time.Hour)
	u := e.Usage("s")
	assert.Zero(t, u.Used)
	assert.Zero(t, u.ResetIn)
}

func TestForgetAndReset(t *testing.T) {
	e, _ := newTestEstimator(PlanPro)
	e.Record("a")
	e.Record("b")

	e.Forget("a")
	assert.Zero(t, e.Usage("a").Used)
	assert.Equal(t, 1, e.Usage("").Used)

	e.Reset()
	assert.Zero(t, e.Usage("").Used)
}

func TestNewFromConfig(t *testing.T) {
	e := NewFromConfig(config.TokensConfig{Plan: "max_20x", Warning: 0.5, Danger: 0.6, Critical: 0.7})
	require.Equal(t, 900, e.Limit())
	assert.Equal(t, LevelWarning, e.thresholds.level(450, 900))
	assert.Equal(t, LevelCritical, e.thresholds.level(700, 900))
	assert.Equal(t, "critical", LevelCritical.String())
	assert.Equal(t, "none", LevelNone.String())
}
