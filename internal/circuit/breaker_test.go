package circuit

import (
	"testing"
	"time"

	"breakretest-bot/internal/events"
)

func TestTripsAfterThreshold(t *testing.T) {
	b := NewBreaker(Config{Enabled: true, FaultThreshold: 3, FaultWindow: time.Minute}, events.NewEventBus())

	b.RecordFault("ES", "timeout")
	b.RecordFault("ES", "timeout")
	if ok, _ := b.Allow("ES"); !ok {
		t.Fatal("breaker should stay closed below the threshold")
	}

	b.RecordFault("ES", "timeout")
	ok, reason := b.Allow("ES")
	if ok {
		t.Fatal("breaker should be open after three faults")
	}
	if reason == "" {
		t.Error("expected a suspension reason")
	}
}

func TestFaultsAreScopedPerSymbol(t *testing.T) {
	b := NewBreaker(Config{Enabled: true, FaultThreshold: 2, FaultWindow: time.Minute}, events.NewEventBus())

	b.RecordFault("ES", "rejected")
	b.RecordFault("ES", "rejected")

	if ok, _ := b.Allow("ES"); ok {
		t.Error("ES should be suspended")
	}
	if ok, _ := b.Allow("NQ"); !ok {
		t.Error("NQ should be unaffected")
	}
}

func TestSuccessResetsStreak(t *testing.T) {
	b := NewBreaker(Config{Enabled: true, FaultThreshold: 2, FaultWindow: time.Minute}, events.NewEventBus())

	b.RecordFault("ES", "timeout")
	b.RecordSuccess("ES")
	b.RecordFault("ES", "timeout")

	if ok, _ := b.Allow("ES"); !ok {
		t.Error("a success between faults should reset the streak")
	}
}

func TestClearResumesSymbol(t *testing.T) {
	b := NewBreaker(Config{Enabled: true, FaultThreshold: 1, FaultWindow: time.Minute}, events.NewEventBus())

	b.RecordFault("ES", "rejected")
	if ok, _ := b.Allow("ES"); ok {
		t.Fatal("expected suspension")
	}

	if !b.Clear("ES") {
		t.Fatal("clear should succeed for a suspended symbol")
	}
	if ok, _ := b.Allow("ES"); !ok {
		t.Error("symbol should route again after clear")
	}
	if b.Clear("ES") {
		t.Error("clearing an unsuspended symbol should return false")
	}
}

func TestDisabledBreakerAlwaysAllows(t *testing.T) {
	b := NewBreaker(Config{Enabled: false, FaultThreshold: 1}, nil)
	b.RecordFault("ES", "timeout")
	if ok, _ := b.Allow("ES"); !ok {
		t.Error("disabled breaker must never suspend")
	}
}
