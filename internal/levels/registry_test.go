package levels

import (
	"errors"
	"testing"
	"time"

	"breakretest-bot/internal/market"
)

const session = "2026-06-01"

func candle(low, high, open, close float64) market.Candle {
	return market.Candle{
		Symbol:    "SPY",
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
		StartTime: time.Date(2026, 6, 1, 13, 45, 0, 0, time.UTC),
		Closed:    true,
	}
}

func TestRegisterOpeningRange(t *testing.T) {
	r := NewRegistry(nil)

	orh, orl, err := r.RegisterOpeningRange("SPY", 101.00, 100.00, session)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if orh.Kind != KindOpeningRangeHigh || orh.Price != 101.00 {
		t.Errorf("unexpected high level: %+v", orh)
	}
	if orl.Kind != KindOpeningRangeLow || orl.Price != 100.00 {
		t.Errorf("unexpected low level: %+v", orl)
	}
	if orh.Status != StatusActive || orl.Status != StatusActive {
		t.Error("new levels must start ACTIVE")
	}

	// Second registration for the same session is rejected.
	if _, _, err := r.RegisterOpeningRange("SPY", 102.00, 99.00, session); !errors.Is(err, ErrDuplicateLevel) {
		t.Errorf("expected ErrDuplicateLevel, got %v", err)
	}

	// Same symbol, next session is fine.
	if _, _, err := r.RegisterOpeningRange("SPY", 102.00, 99.00, "2026-06-02"); err != nil {
		t.Errorf("next session should register: %v", err)
	}
}

func TestRegisterOpeningRangeRejectsInvertedRange(t *testing.T) {
	r := NewRegistry(nil)
	if _, _, err := r.RegisterOpeningRange("SPY", 100.00, 101.00, session); err == nil {
		t.Error("high below low must fail")
	}
}

func TestStatusOnlyAdvances(t *testing.T) {
	r := NewRegistry(nil)
	orh, _, err := r.RegisterOpeningRange("SPY", 101.00, 100.00, session)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	breakCandle := candle(100.90, 101.40, 101.00, 101.30)
	if err := r.MarkBroken(orh.ID, breakCandle); err != nil {
		t.Fatalf("mark broken: %v", err)
	}
	if err := r.MarkBroken(orh.ID, breakCandle); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("repeat break should be ErrInvalidTransition, got %v", err)
	}

	retestCandle := candle(100.98, 101.20, 101.15, 101.05)
	if err := r.MarkRetested(orh.ID, retestCandle); err != nil {
		t.Fatalf("mark retested: %v", err)
	}
	if err := r.MarkBroken(orh.ID, breakCandle); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("RETESTED -> BROKEN should be ErrInvalidTransition, got %v", err)
	}

	got, err := r.Get(orh.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusRetested {
		t.Errorf("status = %s, want RETESTED", got.Status)
	}
	if len(got.History) != 2 {
		t.Errorf("history length = %d, want 2", len(got.History))
	}
}

func TestMarkBrokenUnknownLevel(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.MarkBroken("nope", candle(100, 101, 100, 101)); !errors.Is(err, ErrLevelNotFound) {
		t.Errorf("expected ErrLevelNotFound, got %v", err)
	}
}

func TestQueryFilters(t *testing.T) {
	r := NewRegistry(nil)
	orh, _, _ := r.RegisterOpeningRange("SPY", 101.00, 100.00, session)
	r.RegisterPreviousDayLevels("SPY", 103.00, 99.00, session)
	r.RegisterManual("QQQ", 400.00, "pivot")

	all := r.Query("SPY", Filter{})
	if len(all) != 4 {
		t.Fatalf("SPY levels = %d, want 4", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Price < all[i-1].Price {
			t.Fatal("query results must be price-ordered")
		}
	}

	highs := r.Query("SPY", Filter{Kinds: []Kind{KindOpeningRangeHigh, KindPrevDayHigh}})
	if len(highs) != 2 {
		t.Errorf("high kinds = %d, want 2", len(highs))
	}

	r.MarkBroken(orh.ID, candle(100.90, 101.40, 101.00, 101.30))
	broken := r.Query("SPY", Filter{Statuses: []Status{StatusBroken}})
	if len(broken) != 1 || broken[0].ID != orh.ID {
		t.Errorf("broken filter returned %d levels", len(broken))
	}
}

func TestNextOpposing(t *testing.T) {
	r := NewRegistry(nil)
	r.RegisterOpeningRange("SPY", 101.00, 100.00, session)
	r.RegisterPreviousDayLevels("SPY", 103.00, 99.00, session)

	up := r.NextOpposing("SPY", true, 101.40)
	if up == nil || up.Price != 103.00 {
		t.Fatalf("next level above 101.40 = %+v, want 103.00", up)
	}

	down := r.NextOpposing("SPY", false, 99.90)
	if down == nil || down.Price != 99.00 {
		t.Fatalf("next level below 99.90 = %+v, want 99.00", down)
	}

	if got := r.NextOpposing("SPY", true, 103.50); got != nil {
		t.Errorf("no level above 103.50, got %+v", got)
	}
}

func TestExpireSession(t *testing.T) {
	r := NewRegistry(nil)
	r.RegisterOpeningRange("SPY", 101.00, 100.00, session)
	r.RegisterManual("QQQ", 400.00, "pivot")

	r.ExpireSession("SPY")

	for _, lvl := range r.Query("SPY", Filter{}) {
		if lvl.Status != StatusExpired {
			t.Errorf("SPY level %s still %s", lvl.Kind, lvl.Status)
		}
	}
	if got := r.Query("QQQ", Filter{})[0].Status; got != StatusActive {
		t.Errorf("QQQ level expired by symbol-scoped call: %s", got)
	}

	// Expired levels no longer serve as targets.
	if got := r.NextOpposing("SPY", true, 100.50); got != nil {
		t.Errorf("expired level returned as target: %+v", got)
	}
}

func TestRegisterOrderBlockZone(t *testing.T) {
	r := NewRegistry(nil)
	origin := time.Date(2026, 6, 1, 14, 0, 0, 0, time.UTC)

	lvl, err := r.RegisterOrderBlock("SPY", 100.20, 100.60, KindOrderBlockBullish, origin)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !lvl.IsZone() {
		t.Error("order block must be a zone level")
	}
	if lvl.Price != 100.40 {
		t.Errorf("zone midpoint = %v, want 100.40", lvl.Price)
	}

	// Same origin candle is deduplicated.
	if _, err := r.RegisterOrderBlock("SPY", 100.20, 100.60, KindOrderBlockBullish, origin); !errors.Is(err, ErrDuplicateLevel) {
		t.Errorf("expected ErrDuplicateLevel, got %v", err)
	}

	if _, err := r.RegisterOrderBlock("SPY", 100.20, 100.60, KindManual, origin); err == nil {
		t.Error("non-order-block kind must be rejected")
	}
}

func TestZoneTouchAndBreak(t *testing.T) {
	zone := &Level{
		Symbol:   "SPY",
		Kind:     KindOrderBlockBullish,
		Price:    100.40,
		ZoneLow:  100.20,
		ZoneHigh: 100.60,
		Status:   StatusActive,
	}

	if !zone.TouchedBy(candle(100.55, 100.90, 100.80, 100.70), 0.0) {
		t.Error("candle trading into the zone should touch")
	}
	if zone.TouchedBy(candle(100.70, 100.90, 100.80, 100.75), 0.05) {
		t.Error("candle above the zone should not touch")
	}
	if !zone.BrokenAbove(100.70, 0.05) {
		t.Error("close above zone high plus tolerance should break")
	}
	if zone.BrokenAbove(100.64, 0.05) {
		t.Error("close within tolerance should not break")
	}
	if !zone.BrokenBelow(100.10, 0.05) {
		t.Error("close below zone low minus tolerance should break")
	}
}

func TestDetectOrderBlocks(t *testing.T) {
	start := time.Date(2026, 6, 1, 14, 0, 0, 0, time.UTC)
	mk := func(i int, open, high, low, close float64) market.Candle {
		return market.Candle{
			Symbol:    "SPY",
			Open:      open,
			High:      high,
			Low:       low,
			Close:     close,
			StartTime: start.Add(time.Duration(i) * 5 * time.Minute),
			Closed:    true,
		}
	}

	// Bearish candle at index 0, then a 1% rally two candles later.
	candles := []market.Candle{
		mk(0, 100.50, 100.60, 100.10, 100.20),
		mk(1, 100.20, 100.80, 100.20, 100.75),
		mk(2, 100.75, 101.30, 100.70, 101.25),
		mk(3, 101.25, 101.40, 101.10, 101.20),
	}

	zones := DetectOrderBlocks(candles, 0.005)
	if len(zones) == 0 {
		t.Fatal("expected a bullish order block")
	}
	z := zones[0]
	if z.Kind != KindOrderBlockBullish {
		t.Errorf("kind = %s, want bullish", z.Kind)
	}
	if z.ZoneLow != 100.10 || z.ZoneHigh != 100.60 {
		t.Errorf("zone = %.2f-%.2f, want 100.10-100.60", z.ZoneLow, z.ZoneHigh)
	}
	if !z.OriginTime.Equal(start) {
		t.Errorf("origin = %v, want %v", z.OriginTime, start)
	}

	// A drift too small to matter yields nothing.
	flat := []market.Candle{
		mk(0, 100.50, 100.60, 100.40, 100.45),
		mk(1, 100.45, 100.55, 100.40, 100.50),
		mk(2, 100.50, 100.60, 100.45, 100.50),
	}
	if got := DetectOrderBlocks(flat, 0.005); len(got) != 0 {
		t.Errorf("flat market produced %d zones", len(got))
	}
}
