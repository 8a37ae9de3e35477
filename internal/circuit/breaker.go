package circuit

import (
	"fmt"
	"sync"
	"time"

	"breakretest-bot/internal/events"
	"breakretest-bot/internal/logging"
)

// BreakerState represents the per-symbol breaker state
type BreakerState string

const (
	StateClosed BreakerState = "closed" // normal operation
	StateOpen   BreakerState = "open"   // symbol suspended
)

// Config holds circuit breaker configuration
type Config struct {
	Enabled        bool          `json:"enabled"`
	FaultThreshold int           `json:"fault_threshold"` // consecutive broker faults before trip
	FaultWindow    time.Duration `json:"fault_window"`    // faults older than this stop counting
}

// DefaultConfig returns safe defaults
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		FaultThreshold: 3,
		FaultWindow:    5 * time.Minute,
	}
}

type symbolState struct {
	state      BreakerState
	faults     int
	firstFault time.Time
	trippedAt  time.Time
	tripReason string
}

// Breaker suspends order routing per symbol after repeated broker
// faults. Suspension is sticky; only an operator Clear resumes the
// symbol.
type Breaker struct {
	mu       sync.RWMutex
	config   Config
	symbols  map[string]*symbolState
	eventBus *events.EventBus
	logger   *logging.Logger
}

// NewBreaker creates a breaker with the given config.
func NewBreaker(config Config, eventBus *events.EventBus) *Breaker {
	return &Breaker{
		config:   config,
		symbols:  make(map[string]*symbolState),
		eventBus: eventBus,
		logger:   logging.WithComponent("circuit"),
	}
}

// Allow checks whether orders may be routed for the symbol.
func (b *Breaker) Allow(symbol string) (bool, string) {
	if !b.config.Enabled {
		return true, ""
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	st, ok := b.symbols[symbol]
	if !ok || st.state == StateClosed {
		return true, ""
	}
	return false, fmt.Sprintf("symbol suspended since %s (reason: %s)",
		st.trippedAt.Format(time.RFC3339), st.tripReason)
}

// RecordFault counts a broker fault against the symbol and trips the
// breaker once the threshold is reached inside the fault window.
func (b *Breaker) RecordFault(symbol, reason string) {
	if !b.config.Enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.symbols[symbol]
	if st == nil {
		st = &symbolState{state: StateClosed}
		b.symbols[symbol] = st
	}
	if st.state == StateOpen {
		return
	}

	now := time.Now().UTC()
	if st.faults == 0 || now.Sub(st.firstFault) > b.config.FaultWindow {
		st.faults = 0
		st.firstFault = now
	}
	st.faults++
	b.logger.Warn("broker fault recorded", "symbol", symbol, "faults", st.faults, "reason", reason)

	if st.faults >= b.config.FaultThreshold {
		st.state = StateOpen
		st.trippedAt = now
		st.tripReason = reason
		b.logger.Error("circuit breaker tripped", "symbol", symbol, "reason", reason)
		if b.eventBus != nil {
			b.eventBus.Publish(events.Event{
				Type: events.EventSymbolSuspended,
				Data: map[string]interface{}{
					"symbol": symbol,
					"reason": reason,
					"faults": st.faults,
				},
			})
		}
	}
}

// RecordSuccess clears the fault streak for the symbol.
func (b *Breaker) RecordSuccess(symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.symbols[symbol]; ok && st.state == StateClosed {
		st.faults = 0
	}
}

// Clear resumes a suspended symbol. Returns false when the symbol was
// not suspended.
func (b *Breaker) Clear(symbol string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.symbols[symbol]
	if !ok || st.state != StateOpen {
		return false
	}
	st.state = StateClosed
	st.faults = 0
	st.tripReason = ""
	b.logger.Info("circuit breaker cleared", "symbol", symbol)
	if b.eventBus != nil {
		b.eventBus.Publish(events.Event{
			Type: events.EventSymbolResumed,
			Data: map[string]interface{}{"symbol": symbol},
		})
	}
	return true
}

// Suspended lists the currently suspended symbols.
func (b *Breaker) Suspended() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []string
	for sym, st := range b.symbols {
		if st.state == StateOpen {
			out = append(out, sym)
		}
	}
	return out
}
