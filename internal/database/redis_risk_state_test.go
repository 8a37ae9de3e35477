package database

import (
	"testing"

	"breakretest-bot/internal/risk"
)

func TestMemoryOnlyRoundTrip(t *testing.T) {
	store := NewRedisRiskStateStore(nil)

	snap := risk.Snapshot{Date: "2026-06-01", TradesToday: 3, RealizedPnL: -120.5, OpenTrades: 1}
	if err := store.Save(snap); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := store.Load("2026-06-01")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected a snapshot")
	}
	if got.TradesToday != 3 || got.RealizedPnL != -120.5 || got.OpenTrades != 1 {
		t.Errorf("unexpected snapshot %+v", got)
	}
}

func TestLoadUnknownDateReturnsNil(t *testing.T) {
	store := NewRedisRiskStateStore(nil)
	got, err := store.Load("2026-01-01")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for unknown date, got %+v", got)
	}
}

func TestStateRestoreAfterRestart(t *testing.T) {
	store := NewRedisRiskStateStore(nil)
	state := risk.NewState(store)
	state.ResetDay("2026-06-01")
	state.RecordOpen()
	state.RecordClose(-50)

	// a fresh State over the same store sees the persisted day
	restarted := risk.NewState(store)
	restarted.ResetDay("2026-06-01")
	snap := restarted.Snapshot()
	if snap.TradesToday != 1 {
		t.Errorf("expected restored trade count 1, got %d", snap.TradesToday)
	}
	if snap.RealizedPnL != -50 {
		t.Errorf("expected restored pnl -50, got %.2f", snap.RealizedPnL)
	}
}
