package strategy

import (
	"math"
	"testing"
	"time"

	"breakretest-bot/internal/events"
	"breakretest-bot/internal/levels"
	"breakretest-bot/internal/market"
)

func testCandle(open, high, low, close float64, minute int) market.Candle {
	start := time.Date(2026, 6, 1, 9, 30+minute*5, 0, 0, time.UTC)
	return market.Candle{
		Symbol:    "SPY",
		Timeframe: 5 * time.Minute,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
		Volume:    1000,
		StartTime: start,
		Closed:    true,
	}
}

func newTestMachine(t *testing.T) (*Machine, *levels.Registry, *levels.Level) {
	t.Helper()
	registry := levels.NewRegistry(events.NewEventBus())
	orHigh, _, err := registry.RegisterOpeningRange("SPY", 101.00, 100.00, "2026-06-01")
	if err != nil {
		t.Fatalf("failed to register opening range: %v", err)
	}
	cfg := Config{
		BreakTolerance:  0.05,
		RetestTolerance: 0.10,
		StopType:        StopAtLevel,
		StopBuffer:      0.05,
		DefaultRR:       2,
		Rule:            &CloseThroughRule{Margin: 0.05},
	}
	return NewMachine("SPY", cfg, registry, events.NewEventBus()), registry, orHigh
}

func TestBreakRetestConfirmLong(t *testing.T) {
	m, _, orHigh := newTestMachine(t)

	in := m.Spawn(KindORB, orHigh, Long)
	if in == nil {
		t.Fatal("expected instance to be spawned")
	}
	if in.Phase != PhaseWatching {
		t.Errorf("expected WATCHING, got %s", in.Phase)
	}

	// close through the opening range high by more than the tolerance
	if sigs := m.OnCandle(testCandle(100.90, 101.35, 100.85, 101.30, 0)); len(sigs) != 0 {
		t.Errorf("no signal expected on break candle, got %d", len(sigs))
	}
	if in.Phase != PhaseBroken {
		t.Errorf("expected BROKEN after close at 101.30, got %s", in.Phase)
	}

	// pull back to within the retest tolerance of the level
	if sigs := m.OnCandle(testCandle(101.25, 101.28, 101.02, 101.08, 1)); len(sigs) != 0 {
		t.Errorf("no signal expected on retest candle, got %d", len(sigs))
	}
	if in.Phase != PhaseRetesting {
		t.Errorf("expected RETESTING after touch at 101.02, got %s", in.Phase)
	}

	// confirmation candle closes back through the level
	sigs := m.OnCandle(testCandle(101.08, 101.45, 101.05, 101.40, 2))
	if len(sigs) != 1 {
		t.Fatalf("expected exactly one signal, got %d", len(sigs))
	}
	sig := sigs[0]
	if sig.Direction != Long {
		t.Errorf("expected LONG signal, got %s", sig.Direction)
	}
	if sig.Entry != 101.40 {
		t.Errorf("expected entry 101.40, got %.2f", sig.Entry)
	}
	if math.Abs(sig.Stop-100.95) > 1e-9 {
		t.Errorf("expected stop 100.95, got %.4f", sig.Stop)
	}
	if in.Phase != PhaseSignaled {
		t.Errorf("expected SIGNALED, got %s", in.Phase)
	}
}

func TestRetestBeforeBreakIsIgnored(t *testing.T) {
	m, _, orHigh := newTestMachine(t)
	in := m.Spawn(KindORB, orHigh, Long)

	// hovers at the level without closing through it
	m.OnCandle(testCandle(100.80, 101.04, 100.75, 100.98, 0))
	if in.Phase != PhaseWatching {
		t.Errorf("touch without a prior break must not advance the phase, got %s", in.Phase)
	}
}

func TestBreakWithinToleranceDoesNotCount(t *testing.T) {
	m, _, orHigh := newTestMachine(t)
	in := m.Spawn(KindORB, orHigh, Long)

	// closes above the level but inside the 0.05 tolerance band
	m.OnCandle(testCandle(100.90, 101.06, 100.85, 101.03, 0))
	if in.Phase != PhaseWatching {
		t.Errorf("close inside tolerance must not break, got %s", in.Phase)
	}
}

func TestOppositeRebreakSpawnsReversal(t *testing.T) {
	m, _, orHigh := newTestMachine(t)
	in := m.Spawn(KindORB, orHigh, Long)

	m.OnCandle(testCandle(100.90, 101.35, 100.85, 101.30, 0)) // break up
	m.OnCandle(testCandle(101.25, 101.30, 100.70, 100.80, 1)) // fail back below

	if in.Phase != PhaseInvalidated {
		t.Fatalf("expected INVALIDATED after opposite re-break, got %s", in.Phase)
	}

	var short *Instance
	for _, snap := range m.Instances() {
		if snap.Direction == Short {
			cp := snap
			short = &cp
		}
	}
	if short == nil {
		t.Fatal("expected mirror SHORT instance after failed breakout")
	}
	if short.Phase != PhaseBroken {
		t.Errorf("mirror instance should start BROKEN off the failing candle, got %s", short.Phase)
	}
}

func TestWatchersSurviveInsideRangeCandles(t *testing.T) {
	registry := levels.NewRegistry(events.NewEventBus())
	orHigh, orLow, err := registry.RegisterOpeningRange("SPY", 101.00, 100.00, "2026-06-01")
	if err != nil {
		t.Fatalf("failed to register opening range: %v", err)
	}
	cfg := Config{
		BreakTolerance:  0.05,
		RetestTolerance: 0.10,
		StopType:        StopAtLevel,
		StopBuffer:      0.05,
		DefaultRR:       2,
		Rule:            &CloseThroughRule{Margin: 0.05},
	}
	m := NewMachine("SPY", cfg, registry, events.NewEventBus())
	up := m.Spawn(KindORB, orHigh, Long)
	down := m.Spawn(KindORB, orLow, Short)

	// closes inside the range, far side of both levels
	m.OnCandle(testCandle(100.40, 100.60, 100.30, 100.50, 0))
	if up.Phase != PhaseWatching {
		t.Errorf("range-high watcher must survive an inside-range close, got %s", up.Phase)
	}
	if down.Phase != PhaseWatching {
		t.Errorf("range-low watcher must survive an inside-range close, got %s", down.Phase)
	}

	// a breakout through the high is not a failure for the low watcher
	m.OnCandle(testCandle(100.50, 101.35, 100.45, 101.30, 1))
	if up.Phase != PhaseBroken {
		t.Errorf("expected range-high watcher BROKEN, got %s", up.Phase)
	}
	if down.Phase != PhaseWatching {
		t.Errorf("range-low watcher must stay WATCHING through an upside breakout, got %s", down.Phase)
	}
}

func TestMirrorHoldsBrokenOnItsSpawnCandle(t *testing.T) {
	m, _, orHigh := newTestMachine(t)
	m.Spawn(KindORB, orHigh, Long)

	m.OnCandle(testCandle(100.90, 101.35, 100.85, 101.30, 0)) // break up
	// fails back through the level while the candle still touches it
	m.OnCandle(testCandle(101.25, 101.30, 100.88, 100.93, 1))

	var short *Instance
	for _, snap := range m.Instances() {
		if snap.Direction == Short {
			cp := snap
			short = &cp
		}
	}
	if short == nil {
		t.Fatal("expected mirror SHORT instance after failed breakout")
	}
	if short.Phase != PhaseBroken {
		t.Errorf("mirror must not step again on the candle that spawned it, got %s", short.Phase)
	}
}

func TestDuplicateSpawnRejected(t *testing.T) {
	m, _, orHigh := newTestMachine(t)
	if in := m.Spawn(KindORB, orHigh, Long); in == nil {
		t.Fatal("first spawn should succeed")
	}
	if in := m.Spawn(KindORB, orHigh, Long); in != nil {
		t.Error("second spawn for the same key should be rejected")
	}
}

func TestPhaseNeverRegresses(t *testing.T) {
	m, _, orHigh := newTestMachine(t)
	in := m.Spawn(KindORB, orHigh, Long)

	candles := []market.Candle{
		testCandle(100.90, 101.35, 100.85, 101.30, 0), // break
		testCandle(101.25, 101.28, 101.02, 101.08, 1), // retest
		testCandle(101.08, 101.45, 101.05, 101.40, 2), // confirm + signal
		testCandle(101.40, 101.50, 101.30, 101.45, 3), // ignored, terminal
	}
	prev := in.Phase.Rank()
	for _, c := range candles {
		m.OnCandle(c)
		if in.Phase.Rank() < prev {
			t.Fatalf("phase regressed to %s", in.Phase)
		}
		prev = in.Phase.Rank()
	}
	if in.Phase != PhaseSignaled {
		t.Errorf("expected terminal SIGNALED, got %s", in.Phase)
	}
}

func TestTargetUsesNextOpposingLevel(t *testing.T) {
	m, registry, orHigh := newTestMachine(t)
	if _, _, err := registry.RegisterPreviousDayLevels("SPY", 103.00, 99.00, "2026-05-29"); err != nil {
		t.Fatalf("failed to register previous-day levels: %v", err)
	}
	m.Spawn(KindORB, orHigh, Long)

	m.OnCandle(testCandle(100.90, 101.35, 100.85, 101.30, 0))
	m.OnCandle(testCandle(101.25, 101.28, 101.02, 101.08, 1))
	sigs := m.OnCandle(testCandle(101.08, 101.45, 101.05, 101.40, 2))
	if len(sigs) != 1 {
		t.Fatalf("expected one signal, got %d", len(sigs))
	}
	if sigs[0].Target != 103.00 {
		t.Errorf("expected target at previous-day high 103.00, got %.2f", sigs[0].Target)
	}
}

func TestCandleStopPolicy(t *testing.T) {
	registry := levels.NewRegistry(events.NewEventBus())
	orHigh, _, err := registry.RegisterOpeningRange("SPY", 101.00, 100.00, "2026-06-01")
	if err != nil {
		t.Fatalf("failed to register opening range: %v", err)
	}
	cfg := Config{
		BreakTolerance:  0.05,
		RetestTolerance: 0.10,
		StopType:        StopAtCandle,
		StopBuffer:      0.05,
		Rule:            &CloseThroughRule{Margin: 0.05},
	}
	m := NewMachine("SPY", cfg, registry, events.NewEventBus())
	m.Spawn(KindORB, orHigh, Long)

	m.OnCandle(testCandle(100.90, 101.35, 100.85, 101.30, 0))
	m.OnCandle(testCandle(101.25, 101.28, 101.02, 101.08, 1))
	sigs := m.OnCandle(testCandle(101.08, 101.45, 101.05, 101.40, 2))
	if len(sigs) != 1 {
		t.Fatalf("expected one signal, got %d", len(sigs))
	}
	// retest candle low 101.02 minus the 0.05 buffer
	if math.Abs(sigs[0].Stop-100.97) > 1e-9 {
		t.Errorf("expected stop 100.97 under retest candle, got %.4f", sigs[0].Stop)
	}
}

func TestInvalidateAll(t *testing.T) {
	m, _, orHigh := newTestMachine(t)
	in := m.Spawn(KindORB, orHigh, Long)
	m.InvalidateAll("session stopped")
	if in.Phase != PhaseInvalidated {
		t.Errorf("expected INVALIDATED, got %s", in.Phase)
	}
	if in.InvalidReason != "session stopped" {
		t.Errorf("unexpected reason %q", in.InvalidReason)
	}
}
