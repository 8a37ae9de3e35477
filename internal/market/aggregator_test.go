package market

import (
	"testing"
	"time"
)

var baseTime = time.Date(2026, 6, 1, 14, 30, 0, 0, time.UTC)

type collector struct {
	candles []Candle
	faults  []string
}

func (c *collector) onCandle(candle Candle) {
	c.candles = append(c.candles, candle)
}

func (c *collector) onFault(symbol, reason string, tick Tick) {
	c.faults = append(c.faults, reason)
}

func newTestAggregator(t *testing.T) (*Aggregator, *collector) {
	t.Helper()
	col := &collector{}
	return NewAggregator(5*time.Minute, col.onCandle, col.onFault), col
}

func tick(symbol string, offset time.Duration, price float64) Tick {
	return Tick{
		Symbol:    symbol,
		Timestamp: baseTime.Add(offset),
		Price:     price,
		Size:      100,
	}
}

// Fill the first window so its partial discard is out of the way.
func seed(agg *Aggregator, symbol string) {
	agg.OnTick(tick(symbol, 0, 100.00))
	agg.OnTick(tick(symbol, 5*time.Minute, 100.00))
}

func TestAggregatorBucketsOHLC(t *testing.T) {
	agg, col := newTestAggregator(t)
	seed(agg, "SPY")
	col.candles = nil

	agg.OnTick(tick("SPY", 5*time.Minute+30*time.Second, 100.50))
	agg.OnTick(tick("SPY", 6*time.Minute, 99.80))
	agg.OnTick(tick("SPY", 8*time.Minute, 100.20))
	agg.OnTick(tick("SPY", 10*time.Minute, 100.10))

	if len(col.candles) != 1 {
		t.Fatalf("expected 1 candle, got %d", len(col.candles))
	}
	c := col.candles[0]
	if c.Open != 100.00 {
		t.Errorf("open = %v, want 100.00", c.Open)
	}
	if c.High != 100.50 {
		t.Errorf("high = %v, want 100.50", c.High)
	}
	if c.Low != 99.80 {
		t.Errorf("low = %v, want 99.80", c.Low)
	}
	if c.Close != 100.20 {
		t.Errorf("close = %v, want 100.20", c.Close)
	}
	if !c.Closed {
		t.Error("emitted candle should be marked closed")
	}
	if !c.StartTime.Equal(baseTime.Add(5 * time.Minute)) {
		t.Errorf("start = %v, want %v", c.StartTime, baseTime.Add(5*time.Minute))
	}
}

func TestAggregatorDiscardsColdStartPartial(t *testing.T) {
	agg, col := newTestAggregator(t)

	agg.OnTick(tick("SPY", 2*time.Minute, 100.00))
	agg.OnTick(tick("SPY", 5*time.Minute, 100.10))
	agg.OnTick(tick("SPY", 10*time.Minute, 100.20))

	// First window (partial) is discarded; only the 14:35 window emits.
	if len(col.candles) != 1 {
		t.Fatalf("expected 1 candle, got %d", len(col.candles))
	}
	if got := agg.Stats().PartialDiscards; got != 1 {
		t.Errorf("partial discards = %d, want 1", got)
	}
}

func TestAggregatorDropsOutOfOrderTick(t *testing.T) {
	agg, col := newTestAggregator(t)
	seed(agg, "SPY")

	agg.OnTick(tick("SPY", 6*time.Minute, 100.50))
	agg.OnTick(tick("SPY", 5*time.Minute+30*time.Second, 99.00))

	if len(col.faults) != 1 || col.faults[0] != "out-of-order tick" {
		t.Fatalf("expected one out-of-order fault, got %v", col.faults)
	}
	agg.OnTick(tick("SPY", 10*time.Minute, 100.10))
	if col.candles[len(col.candles)-1].Low == 99.00 {
		t.Error("out-of-order tick must not reach the candle")
	}
	if got := agg.Stats().OutOfOrderTicks; got != 1 {
		t.Errorf("out-of-order count = %d, want 1", got)
	}
}

func TestAggregatorSymbolsAreIndependent(t *testing.T) {
	agg, col := newTestAggregator(t)
	seed(agg, "SPY")
	seed(agg, "QQQ")
	col.candles = nil

	agg.OnTick(tick("SPY", 6*time.Minute, 100.50))
	agg.OnTick(tick("QQQ", 7*time.Minute, 400.00))
	agg.OnTick(tick("SPY", 10*time.Minute, 100.60))
	agg.OnTick(tick("QQQ", 10*time.Minute, 401.00))

	if len(col.candles) != 2 {
		t.Fatalf("expected 2 candles, got %d", len(col.candles))
	}
	bySymbol := map[string]Candle{}
	for _, c := range col.candles {
		bySymbol[c.Symbol] = c
	}
	if bySymbol["SPY"].Close != 100.50 {
		t.Errorf("SPY close = %v, want 100.50", bySymbol["SPY"].Close)
	}
	if bySymbol["QQQ"].Close != 400.00 {
		t.Errorf("QQQ close = %v, want 400.00", bySymbol["QQQ"].Close)
	}
}

func TestAdvanceTimeClosesIdleWindow(t *testing.T) {
	agg, col := newTestAggregator(t)
	seed(agg, "SPY")
	col.candles = nil

	agg.OnTick(tick("SPY", 6*time.Minute, 100.50))

	// No further ticks; the timer closes the window.
	agg.AdvanceTime("SPY", baseTime.Add(10*time.Minute))

	if len(col.candles) != 1 {
		t.Fatalf("expected 1 candle, got %d", len(col.candles))
	}
	if col.candles[0].Close != 100.50 {
		t.Errorf("close = %v, want 100.50", col.candles[0].Close)
	}

	// Advancing again with nothing open is a no-op.
	agg.AdvanceTime("SPY", baseTime.Add(15*time.Minute))
	if len(col.candles) != 1 {
		t.Fatalf("expected no extra candle, got %d", len(col.candles))
	}
}

func TestAdvanceTimeBeforeBoundaryKeepsWindowOpen(t *testing.T) {
	agg, col := newTestAggregator(t)
	seed(agg, "SPY")
	col.candles = nil

	agg.OnTick(tick("SPY", 6*time.Minute, 100.50))
	agg.AdvanceTime("SPY", baseTime.Add(8*time.Minute))

	if len(col.candles) != 0 {
		t.Fatalf("window closed early: %v", col.candles)
	}
}
