package risk

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultLimits() Limits {
	return Limits{
		MaxDailyLossFraction: 0.05,
		MaxDailyTrades:       50,
		DrawdownCeiling:      0.2,
		CooldownCrypto:       5 * time.Minute,
		CooldownEquity:       15 * time.Minute,
	}
}

func TestGate_Check_AdmitsWithinAllLimits(t *testing.T) {
	g := NewGate(defaultLimits())
	day := DayState{DayOpenEquity: 10000, CurrentEquity: 10000, PeakEquity: 10000}
	reason := g.Check("AAPL", day, time.Time{}, time.Now())
	assert.Equal(t, ReasonNone, reason)
}

func TestGate_Check_RejectsDailyLossExceeded(t *testing.T) {
	g := NewGate(defaultLimits())
	day := DayState{DayOpenEquity: 10000, RealizedPnLToday: -600, CurrentEquity: 9400, PeakEquity: 10000}
	assert.Equal(t, ReasonDailyLossExceeded, g.Check("AAPL", day, time.Time{}, time.Now()))
}

func TestGate_Check_RejectsDailyTradeCap(t *testing.T) {
	g := NewGate(defaultLimits())
	day := DayState{DayOpenEquity: 10000, CurrentEquity: 10000, PeakEquity: 10000, TradesToday: 50}
	assert.Equal(t, ReasonDailyTradeCap, g.Check("AAPL", day, time.Time{}, time.Now()))
}

func TestGate_Check_RejectsManualHalt(t *testing.T) {
	dir := t.TempDir()
	haltPath := filepath.Join(dir, "guardian_pause.json")
	require.NoError(t, os.WriteFile(haltPath, []byte(`{"paused":true}`), 0644))

	limits := defaultLimits()
	limits.HaltFilePath = haltPath
	g := NewGate(limits)

	day := DayState{DayOpenEquity: 10000, CurrentEquity: 10000, PeakEquity: 10000}
	assert.Equal(t, ReasonManualHalt, g.Check("AAPL", day, time.Time{}, time.Now()))
}

func TestGate_Check_AdmitsWhenHaltFileRemoved(t *testing.T) {
	dir := t.TempDir()
	haltPath := filepath.Join(dir, "guardian_pause.json")

	limits := defaultLimits()
	limits.HaltFilePath = haltPath
	g := NewGate(limits)

	day := DayState{DayOpenEquity: 10000, CurrentEquity: 10000, PeakEquity: 10000}
	assert.Equal(t, ReasonNone, g.Check("AAPL", day, time.Time{}, time.Now()))
}

func TestGate_Check_RejectsSymbolCooldown_CryptoShorterThanEquity(t *testing.T) {
	g := NewGate(defaultLimits())
	day := DayState{DayOpenEquity: 10000, CurrentEquity: 10000, PeakEquity: 10000}
	now := time.Now()

	lastTrade := now.Add(-3 * time.Minute)
	assert.Equal(t, ReasonCooldown, g.Check("BTC-USD", day, lastTrade, now), "3 min since last trade must still be within the 5 min crypto cooldown")
	assert.Equal(t, ReasonCooldown, g.Check("AAPL", day, lastTrade, now), "3 min since last trade must still be within the 15 min equity cooldown")

	lastTrade = now.Add(-10 * time.Minute)
	assert.Equal(t, ReasonNone, g.Check("BTC-USD", day, lastTrade, now), "10 min since last trade clears the 5 min crypto cooldown")
	assert.Equal(t, ReasonCooldown, g.Check("AAPL", day, lastTrade, now), "10 min since last trade is still within the 15 min equity cooldown")
}

func TestGate_Check_RejectsDrawdownCeiling(t *testing.T) {
	g := NewGate(defaultLimits())
	// Today's loss alone (3%) is under the daily limit, but the slide from the
	// day's peak breaches the drawdown ceiling.
	day := DayState{DayOpenEquity: 10000, CurrentEquity: 9700, PeakEquity: 12500}
	assert.Equal(t, ReasonDrawdownCeiling, g.Check("AAPL", day, time.Time{}, time.Now()))
}

func TestGate_Check_ZeroLastTradeAtNeverTriggersCooldown(t *testing.T) {
	g := NewGate(defaultLimits())
	day := DayState{DayOpenEquity: 10000, CurrentEquity: 10000, PeakEquity: 10000}
	assert.Equal(t, ReasonNone, g.Check("AAPL", day, time.Time{}, time.Now()), "a symbol never traded has no cooldown to violate")
}
