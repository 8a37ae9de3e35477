package market

import (
	"fmt"
	"strings"
	"sync"
)

// InstrumentType distinguishes how an instrument is sized and settled.
type InstrumentType string

const (
	InstrumentEquity  InstrumentType = "EQUITY"
	InstrumentFutures InstrumentType = "FUTURES"
	InstrumentETF     InstrumentType = "ETF"
)

// Instrument holds per-symbol contract details used for position sizing.
type Instrument struct {
	Symbol     string         `json:"symbol"`
	Name       string         `json:"name"`
	Type       InstrumentType `json:"type"`
	Multiplier float64        `json:"multiplier"` // contract multiplier, 1 for equities
	TickSize   float64        `json:"tick_size"`
}

// IsFutures reports whether the instrument is a futures contract.
func (i Instrument) IsFutures() bool {
	return i.Type == InstrumentFutures
}

// InstrumentRegistry is a concurrency-safe lookup of instrument details.
// Unknown symbols resolve to an equity with multiplier 1 so sizing always
// has a sane denominator.
type InstrumentRegistry struct {
	mu          sync.RWMutex
	instruments map[string]Instrument
}

// NewInstrumentRegistry creates a registry seeded with common contracts.
func NewInstrumentRegistry() *InstrumentRegistry {
	r := &InstrumentRegistry{
		instruments: make(map[string]Instrument),
	}

	for _, inst := range []Instrument{
		{Symbol: "ES", Name: "E-mini S&P 500", Type: InstrumentFutures, Multiplier: 50, TickSize: 0.25},
		{Symbol: "MES", Name: "Micro E-mini S&P 500", Type: InstrumentFutures, Multiplier: 5, TickSize: 0.25},
		{Symbol: "NQ", Name: "E-mini Nasdaq-100", Type: InstrumentFutures, Multiplier: 20, TickSize: 0.25},
		{Symbol: "MNQ", Name: "Micro E-mini Nasdaq-100", Type: InstrumentFutures, Multiplier: 2, TickSize: 0.25},
		{Symbol: "SPY", Name: "SPDR S&P 500 ETF", Type: InstrumentETF, Multiplier: 1, TickSize: 0.01},
		{Symbol: "QQQ", Name: "Invesco QQQ ETF", Type: InstrumentETF, Multiplier: 1, TickSize: 0.01},
	} {
		r.instruments[inst.Symbol] = inst
	}

	return r
}

// Register adds or replaces an instrument definition.
func (r *InstrumentRegistry) Register(inst Instrument) error {
	if inst.Symbol == "" {
		return fmt.Errorf("instrument symbol is required")
	}
	if inst.Multiplier <= 0 {
		return fmt.Errorf("instrument %s: multiplier must be positive", inst.Symbol)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.instruments[strings.ToUpper(inst.Symbol)] = inst
	return nil
}

// Get returns the instrument for a symbol, defaulting to an equity with
// multiplier 1 when the symbol is unknown.
func (r *InstrumentRegistry) Get(symbol string) Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if inst, ok := r.instruments[strings.ToUpper(symbol)]; ok {
		return inst
	}
	return Instrument{
		Symbol:     strings.ToUpper(symbol),
		Type:       InstrumentEquity,
		Multiplier: 1,
		TickSize:   0.01,
	}
}

// Multiplier is a convenience accessor for position sizing.
func (r *InstrumentRegistry) Multiplier(symbol string) float64 {
	return r.Get(symbol).Multiplier
}

// All returns every registered instrument.
func (r *InstrumentRegistry) All() []Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Instrument, 0, len(r.instruments))
	for _, inst := range r.instruments {
		out = append(out, inst)
	}
	return out
}
