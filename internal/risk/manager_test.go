package risk

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"breakretest-bot/internal/events"
	"breakretest-bot/internal/market"
	"breakretest-bot/internal/strategy"
)

func testSignal(entry, stop float64) strategy.Signal {
	return strategy.Signal{
		ID:        "sig-1",
		Symbol:    "SPY",
		Strategy:  strategy.KindORB,
		Direction: strategy.Long,
		Entry:     entry,
		Stop:      stop,
		Target:    entry + 2*(entry-stop),
	}
}

func newTestManager(cfg Config) *Manager {
	return NewManager(cfg, NewState(nil), market.NewInstrumentRegistry(), events.NewEventBus())
}

func TestPositionSizing(t *testing.T) {
	m := newTestManager(Config{
		Equity:          10000,
		RiskPerTrade:    0.01,
		MaxDailyLoss:    0.03,
		MaxTradesPerDay: 10,
	})

	// 1% of 10,000 = 100 risked; 0.45 per share -> floor(222.22)
	d := m.Evaluate(testSignal(101.40, 100.95))
	if !d.Approved {
		t.Fatalf("expected approval, got rejection %s", d.Reason)
	}
	if d.Quantity != 222 {
		t.Errorf("expected quantity 222, got %d", d.Quantity)
	}
}

func TestFuturesMultiplierSizing(t *testing.T) {
	m := newTestManager(Config{Equity: 100000, RiskPerTrade: 0.01})

	sig := testSignal(5000.00, 4995.00)
	sig.Symbol = "ES"
	// 1000 risked; 5 points x $50 multiplier = $250 per contract
	d := m.Evaluate(sig)
	if !d.Approved {
		t.Fatalf("expected approval, got rejection %s", d.Reason)
	}
	if d.Quantity != 4 {
		t.Errorf("expected 4 contracts, got %d", d.Quantity)
	}
}

func TestZeroRiskRejected(t *testing.T) {
	m := newTestManager(Config{Equity: 10000, RiskPerTrade: 0.01})
	d := m.Evaluate(testSignal(101.40, 101.40))
	if d.Approved {
		t.Fatal("expected rejection for entry == stop")
	}
	if d.Reason != ReasonZeroRisk {
		t.Errorf("expected %s, got %s", ReasonZeroRisk, d.Reason)
	}
}

func TestBelowMinSizeRejected(t *testing.T) {
	// 1% of 100 = $1 risked vs $0.45 per share -> 2 shares; shrink
	// equity so the floor hits zero
	m := newTestManager(Config{Equity: 40, RiskPerTrade: 0.01})
	d := m.Evaluate(testSignal(101.40, 100.95))
	if d.Approved {
		t.Fatal("expected rejection for sub-share size")
	}
	if d.Reason != ReasonBelowMinSize {
		t.Errorf("expected %s, got %s", ReasonBelowMinSize, d.Reason)
	}
}

func TestDailyTradeCap(t *testing.T) {
	m := newTestManager(Config{Equity: 10000, RiskPerTrade: 0.01, MaxTradesPerDay: 2})
	for i := 0; i < 2; i++ {
		if d := m.Evaluate(testSignal(101.40, 100.95)); !d.Approved {
			t.Fatalf("expected approval %d under the cap, got rejection %s", i+1, d.Reason)
		}
	}

	d := m.Evaluate(testSignal(101.40, 100.95))
	if d.Approved {
		t.Fatal("expected rejection at the trade cap")
	}
	if d.Reason != ReasonDailyTradeCap {
		t.Errorf("expected %s, got %s", ReasonDailyTradeCap, d.Reason)
	}
}

func TestTradeCapHoldsUnderConcurrentApprovals(t *testing.T) {
	m := newTestManager(Config{Equity: 10000, RiskPerTrade: 0.01, MaxTradesPerDay: 1})

	var wg sync.WaitGroup
	var approved atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Evaluate(testSignal(101.40, 100.95)).Approved {
				approved.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := approved.Load(); got != 1 {
		t.Fatalf("expected exactly one approval under a one-trade cap, got %d", got)
	}
}

func TestSizingRejectionReturnsCapSlot(t *testing.T) {
	m := newTestManager(Config{Equity: 10000, RiskPerTrade: 0.01, MaxTradesPerDay: 1})

	if d := m.Evaluate(testSignal(101.40, 101.40)); d.Reason != ReasonZeroRisk {
		t.Fatalf("expected %s, got %s", ReasonZeroRisk, d.Reason)
	}
	// the zero-risk rejection must not consume the day's only slot
	if d := m.Evaluate(testSignal(101.40, 100.95)); !d.Approved {
		t.Fatalf("expected approval after a sizing rejection, got %s", d.Reason)
	}
}

func TestUpdateConfigAppliesToNextEvaluate(t *testing.T) {
	m := newTestManager(Config{Equity: 10000, RiskPerTrade: 0.01})

	if d := m.Evaluate(testSignal(101.40, 100.95)); d.Quantity != 222 {
		t.Fatalf("expected quantity 222 before the update, got %d", d.Quantity)
	}
	m.UpdateConfig(Config{Equity: 20000, RiskPerTrade: 0.01})
	if d := m.Evaluate(testSignal(101.40, 100.95)); d.Quantity != 444 {
		t.Errorf("expected quantity 444 after doubling equity, got %d", d.Quantity)
	}
}

func TestDailyLossCapHaltsEntries(t *testing.T) {
	m := newTestManager(Config{Equity: 10000, RiskPerTrade: 0.01, MaxDailyLoss: 0.03})
	m.State().RecordOpen()
	m.State().RecordClose(-300) // exactly at the 3% cap

	d := m.Evaluate(testSignal(101.40, 100.95))
	if d.Approved {
		t.Fatal("expected rejection once the loss cap is reached")
	}
	if d.Reason != ReasonDailyLossCap {
		t.Errorf("expected %s, got %s", ReasonDailyLossCap, d.Reason)
	}

	// the cap outranks sizing problems: a zero-risk signal on a
	// halted day still reports the halt
	d = m.Evaluate(testSignal(101.40, 101.40))
	if d.Reason != ReasonDailyLossCap {
		t.Errorf("loss cap should be checked before sizing, got %s", d.Reason)
	}
}

type failingStore struct{}

func (failingStore) Load(string) (*Snapshot, error) { return nil, errors.New("store down") }
func (failingStore) Save(Snapshot) error            { return errors.New("store down") }

func TestLedgerSurvivesStoreFailures(t *testing.T) {
	s := NewState(failingStore{})
	if !s.TryReserve(1) {
		t.Fatal("reserve must succeed despite a failing store")
	}
	s.RecordOpen()
	s.RecordClose(-50)

	snap := s.Snapshot()
	if snap.TradesToday != 1 || snap.OpenTrades != 0 || snap.RealizedPnL != -50 {
		t.Errorf("in-memory ledger must stay consistent, got %+v", snap)
	}
}

func TestResetDayClearsLedger(t *testing.T) {
	s := NewState(nil)
	s.RecordOpen()
	s.RecordClose(-500)
	s.ResetDay("2026-06-02")

	snap := s.Snapshot()
	if snap.TradesToday != 0 || snap.RealizedPnL != 0 || snap.OpenTrades != 0 {
		t.Errorf("expected a clean ledger after reset, got %+v", snap)
	}
	if snap.Date != "2026-06-02" {
		t.Errorf("expected date rollover, got %s", snap.Date)
	}
}
