package trade

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"breakretest-bot/internal/broker"
	"breakretest-bot/internal/circuit"
	"breakretest-bot/internal/events"
	"breakretest-bot/internal/market"
	"breakretest-bot/internal/risk"
	"breakretest-bot/internal/strategy"
)

func testSignal() strategy.Signal {
	return strategy.Signal{
		ID:         "sig-1",
		InstanceID: "in-1",
		Symbol:     "SPY",
		Strategy:   strategy.KindORB,
		Direction:  strategy.Long,
		LevelID:    "lvl-1",
		Entry:      101.40,
		Stop:       100.95,
		Target:     102.30,
	}
}

func approved(qty int) risk.Decision {
	return risk.Decision{Approved: true, Quantity: qty, Entry: 101.40, Stop: 100.95, Target: 102.30}
}

func newTestController(t *testing.T, cfg Config) (*Controller, *broker.PaperBroker) {
	t.Helper()
	paper := broker.NewPaperBroker()
	paper.SetMark("SPY", 101.40)
	cb := circuit.NewBreaker(circuit.DefaultConfig(), events.NewEventBus())
	c := NewController(cfg, paper, cb, risk.NewState(nil), market.NewInstrumentRegistry(), events.NewEventBus(), nil, zerolog.Nop())
	return c, paper
}

// pumpFill waits for the paper broker's fill report and feeds it back
// into the controller, the way the engine loop does.
func pumpFill(t *testing.T, c *Controller, p *broker.PaperBroker) {
	t.Helper()
	select {
	case update := <-p.Updates():
		c.OnOrderUpdate(context.Background(), update)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fill report")
	}
}

func openTrade(t *testing.T, c *Controller, p *broker.PaperBroker) *Trade {
	t.Helper()
	// approval reserves the cap slot before the signal reaches the
	// controller, mirror that here
	c.riskState.TryReserve(0)
	tr := c.HandleSignal(context.Background(), testSignal(), approved(222))
	if tr == nil {
		t.Fatal("expected a trade from an approved signal")
	}
	pumpFill(t, c, p)
	got, err := c.Get(tr.ID)
	if err != nil {
		t.Fatalf("trade lookup failed: %v", err)
	}
	if got.Status != StatusOpen {
		t.Fatalf("expected OPEN after fill, got %s", got.Status)
	}
	return got
}

func candle(high, low, close float64) market.Candle {
	return market.Candle{
		Symbol: "SPY", Timeframe: 5 * time.Minute,
		Open: close, High: high, Low: low, Close: close,
		StartTime: time.Now().UTC(), Closed: true,
	}
}

func TestSignalOpensTrade(t *testing.T) {
	c, p := newTestController(t, Config{})
	tr := openTrade(t, c, p)
	if tr.Remaining != 222 {
		t.Errorf("expected 222 shares, got %d", tr.Remaining)
	}
	if tr.EntryPrice != 101.40 {
		t.Errorf("expected entry at 101.40, got %.2f", tr.EntryPrice)
	}
}

func TestNoDoubleDip(t *testing.T) {
	c, p := newTestController(t, Config{})
	openTrade(t, c, p)

	c.riskState.TryReserve(0)
	if tr := c.HandleSignal(context.Background(), testSignal(), approved(222)); tr != nil {
		t.Error("second signal for the same key must be dropped while a trade is live")
	}
	if snap := c.riskState.Snapshot(); snap.TradesToday != 1 {
		t.Errorf("dropped signal must hand back its cap slot, got %+v", snap)
	}
}

func TestStopExitClosesAsLoss(t *testing.T) {
	c, p := newTestController(t, Config{})
	tr := openTrade(t, c, p)

	c.OnCandle(context.Background(), candle(101.50, 100.90, 100.98))

	got, _ := c.Get(tr.ID)
	if got.Status != StatusClosed {
		t.Fatalf("expected CLOSED after stop hit, got %s", got.Status)
	}
	if got.Result != ResultLoss {
		t.Errorf("expected LOSS, got %s", got.Result)
	}
	if got.ExitPrice != 100.95 {
		t.Errorf("expected exit at stop 100.95, got %.2f", got.ExitPrice)
	}
}

func TestTargetExitClosesAsWin(t *testing.T) {
	c, p := newTestController(t, Config{})
	tr := openTrade(t, c, p)

	c.OnCandle(context.Background(), candle(102.40, 101.30, 102.35))

	got, _ := c.Get(tr.ID)
	if got.Status != StatusClosed {
		t.Fatalf("expected CLOSED after target hit, got %s", got.Status)
	}
	if got.Result != ResultWin {
		t.Errorf("expected WIN, got %s", got.Result)
	}
}

func TestStopWinsWhenCandleSpansBoth(t *testing.T) {
	c, p := newTestController(t, Config{})
	tr := openTrade(t, c, p)

	// wide candle touching both stop and target
	c.OnCandle(context.Background(), candle(102.50, 100.90, 101.50))

	got, _ := c.Get(tr.ID)
	if got.ExitPrice != 100.95 {
		t.Errorf("stop must take priority on a spanning candle, exit %.2f", got.ExitPrice)
	}
	if got.Result != ResultLoss {
		t.Errorf("expected LOSS, got %s", got.Result)
	}
}

func TestPartialExitMovesStopToBreakeven(t *testing.T) {
	c, p := newTestController(t, Config{PartialExits: true, PartialExitRR: 1})
	tr := openTrade(t, c, p)

	// one risk multiple above entry: 101.40 + 0.45 = 101.85
	c.OnCandle(context.Background(), candle(101.90, 101.35, 101.80))

	got, _ := c.Get(tr.ID)
	if got.Status != StatusOpen {
		t.Fatalf("expected trade still OPEN after partial, got %s", got.Status)
	}
	if len(got.PartialExits) != 1 {
		t.Fatalf("expected one partial exit, got %d", len(got.PartialExits))
	}
	if got.Remaining != 222-111 {
		t.Errorf("expected 111 remaining, got %d", got.Remaining)
	}
	if got.StopPrice != got.EntryPrice {
		t.Errorf("expected breakeven stop %.2f, got %.2f", got.EntryPrice, got.StopPrice)
	}
}

func TestFlattenAllIsIdempotent(t *testing.T) {
	c, p := newTestController(t, Config{})
	tr := openTrade(t, c, p)

	first := c.FlattenAll(context.Background())
	if len(first) != 1 {
		t.Fatalf("expected one flatten result, got %d", len(first))
	}
	if first[0].Action != "closed" || first[0].Error != "" {
		t.Errorf("unexpected flatten result %+v", first[0])
	}

	got, _ := c.Get(tr.ID)
	if got.Status != StatusClosed {
		t.Errorf("expected CLOSED after flatten, got %s", got.Status)
	}

	second := c.FlattenAll(context.Background())
	if len(second) != 0 {
		t.Errorf("second flatten should find nothing live, got %d results", len(second))
	}
}

func TestDoneCallbackFires(t *testing.T) {
	c, p := newTestController(t, Config{})
	var done []string
	c.OnTradeDone(func(instanceID string) { done = append(done, instanceID) })

	openTrade(t, c, p)
	c.OnCandle(context.Background(), candle(102.40, 101.30, 102.35))

	if len(done) != 1 || done[0] != "in-1" {
		t.Errorf("expected done callback with instance id, got %v", done)
	}
}

func TestFailedEntryReturnsCapSlot(t *testing.T) {
	c, _ := newTestController(t, Config{})

	c.riskState.TryReserve(0)
	// non-positive quantity makes the paper broker reject the entry
	tr := c.HandleSignal(context.Background(), testSignal(), approved(0))
	if tr == nil {
		t.Fatal("expected a pending trade before the broker rejects it")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.riskState.Snapshot().TradesToday == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if snap := c.riskState.Snapshot(); snap.TradesToday != 0 {
		t.Fatalf("errored entry must hand back its cap slot, got %+v", snap)
	}
	got, err := c.Get(tr.ID)
	if err != nil {
		t.Fatalf("trade lookup failed: %v", err)
	}
	if got.Status != StatusError {
		t.Errorf("expected ERROR after rejected entry, got %s", got.Status)
	}
}

func TestRiskLedgerTracksLifecycle(t *testing.T) {
	c, p := newTestController(t, Config{})
	openTrade(t, c, p)

	snap := c.riskState.Snapshot()
	if snap.TradesToday != 1 || snap.OpenTrades != 1 {
		t.Fatalf("expected one open trade in the ledger, got %+v", snap)
	}

	c.OnCandle(context.Background(), candle(101.50, 100.90, 100.98))
	snap = c.riskState.Snapshot()
	if snap.OpenTrades != 0 {
		t.Errorf("expected ledger open count back to zero, got %+v", snap)
	}
	if snap.RealizedPnL >= 0 {
		t.Errorf("expected a realized loss, got %.2f", snap.RealizedPnL)
	}
}
