package patterns

import (
	"testing"
	"time"

	"breakretest-bot/internal/market"
)

func c(open, high, low, close float64) market.Candle {
	return market.Candle{
		Symbol:    "SPY",
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
		StartTime: time.Date(2026, 6, 1, 14, 0, 0, 0, time.UTC),
		Closed:    true,
	}
}

func TestBullishEngulfing(t *testing.T) {
	d := NewDetector(0.6)

	bearish := c(100.50, 100.60, 100.00, 100.10)
	engulfing := c(100.05, 100.80, 100.00, 100.70)

	if !d.IsBullishEngulfing(bearish, engulfing) {
		t.Error("full-body engulf after a bearish candle should match")
	}

	// Second candle body does not cover the first.
	partial := c(100.20, 100.60, 100.15, 100.45)
	if d.IsBullishEngulfing(bearish, partial) {
		t.Error("partial engulf should not match")
	}

	// First candle bullish disqualifies the pattern.
	bullish := c(100.10, 100.60, 100.00, 100.50)
	if d.IsBullishEngulfing(bullish, engulfing) {
		t.Error("bullish first candle should not match")
	}
}

func TestBearishEngulfing(t *testing.T) {
	d := NewDetector(0.6)

	bullish := c(100.10, 100.60, 100.00, 100.50)
	engulfing := c(100.55, 100.60, 99.90, 100.00)

	if !d.IsBearishEngulfing(bullish, engulfing) {
		t.Error("full-body engulf after a bullish candle should match")
	}
	if d.IsBearishEngulfing(engulfing, bullish) {
		t.Error("reversed order should not match")
	}
}

func TestHammerAndShootingStar(t *testing.T) {
	d := NewDetector(0.6)

	// Body at the top, long lower wick.
	hammer := c(100.40, 100.62, 99.80, 100.60)
	if !d.IsHammer(hammer) {
		t.Error("long lower wick with small body should be a hammer")
	}
	if d.IsShootingStar(hammer) {
		t.Error("hammer is not a shooting star")
	}

	// Body at the bottom, long upper wick.
	star := c(100.60, 101.30, 100.38, 100.40)
	if !d.IsShootingStar(star) {
		t.Error("long upper wick with small body should be a shooting star")
	}
	if d.IsHammer(star) {
		t.Error("shooting star is not a hammer")
	}

	// Full-body candle is neither.
	marubozu := c(100.00, 100.50, 100.00, 100.50)
	if d.IsHammer(marubozu) || d.IsShootingStar(marubozu) {
		t.Error("full-body candle matched a wick pattern")
	}
}

func TestDojiVariants(t *testing.T) {
	d := NewDetector(0.6)

	doji := c(100.30, 100.55, 100.05, 100.31)
	if !d.IsDoji(doji) {
		t.Error("tiny body should be a doji")
	}

	dragonfly := c(100.50, 100.51, 99.90, 100.51)
	if !d.IsDragonflyDoji(dragonfly) {
		t.Error("doji with a long lower wick should be a dragonfly")
	}
	if d.IsGravestoneDoji(dragonfly) {
		t.Error("dragonfly is not a gravestone")
	}

	gravestone := c(100.01, 100.60, 100.01, 100.02)
	if !d.IsGravestoneDoji(gravestone) {
		t.Error("doji with a long upper wick should be a gravestone")
	}
}

func TestHangingMan(t *testing.T) {
	d := NewDetector(0.6)

	up := c(100.00, 100.60, 99.95, 100.55)
	hammerShape := c(100.40, 100.49, 99.80, 100.48)

	if !d.IsHangingMan(up, hammerShape) {
		t.Error("hammer shape closing below a prior up candle should match")
	}

	down := c(100.60, 100.65, 100.00, 100.05)
	if d.IsHangingMan(down, hammerShape) {
		t.Error("hanging man requires a bullish prior candle")
	}
}

func TestBullishReversalAt(t *testing.T) {
	d := NewDetector(0.6)

	bearish := c(100.50, 100.60, 100.00, 100.10)
	engulfing := c(100.05, 100.80, 100.00, 100.70)
	if !d.BullishReversalAt(bearish, engulfing) {
		t.Error("bullish engulfing should confirm a long retest")
	}

	hammer := c(100.40, 100.62, 99.80, 100.60)
	if !d.BullishReversalAt(bearish, hammer) {
		t.Error("hammer should confirm a long retest")
	}

	drift := c(100.10, 100.30, 100.05, 100.25)
	if d.BullishReversalAt(bearish, drift) {
		t.Error("plain drift candle should not confirm")
	}
}

func TestBearishReversalAt(t *testing.T) {
	d := NewDetector(0.6)

	bullish := c(100.10, 100.60, 100.00, 100.50)
	star := c(100.60, 101.30, 100.38, 100.40)
	if !d.BearishReversalAt(bullish, star) {
		t.Error("shooting star should confirm a short retest")
	}

	drift := c(100.50, 100.70, 100.45, 100.60)
	if d.BearishReversalAt(bullish, drift) {
		t.Error("plain drift candle should not confirm")
	}
}

func TestDetectScansSequence(t *testing.T) {
	d := NewDetector(0.6)

	candles := []market.Candle{
		c(100.50, 100.60, 100.00, 100.10),
		c(100.05, 100.80, 100.00, 100.70),
	}

	found := d.Detect(candles)
	var hasEngulfing bool
	for _, p := range found {
		if p.Type == PatternBullishEngulfing {
			hasEngulfing = true
			if p.Direction != DirectionBullish {
				t.Errorf("engulfing direction = %s, want BULLISH", p.Direction)
			}
			if p.Price != 100.70 {
				t.Errorf("pattern price = %v, want the confirming close", p.Price)
			}
		}
	}
	if !hasEngulfing {
		t.Fatalf("expected a bullish engulfing in %v", found)
	}
}
