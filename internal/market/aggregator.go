package market

import (
	"sync"
	"time"

	"breakretest-bot/internal/logging"
)

// CandleHandler receives each closed candle exactly once, in time order
// per symbol. The handler must not block; hand off to a channel if the
// downstream work is slow.
type CandleHandler func(Candle)

// FaultHandler receives data-quality faults (late or out-of-order ticks).
// Faults are informational; aggregation continues.
type FaultHandler func(symbol, reason string, tick Tick)

// AggregatorStats counts data-quality faults since start.
type AggregatorStats struct {
	TicksProcessed  int64 `json:"ticks_processed"`
	LateTicks       int64 `json:"late_ticks"`
	OutOfOrderTicks int64 `json:"out_of_order_ticks"`
	CandlesEmitted  int64 `json:"candles_emitted"`
	PartialDiscards int64 `json:"partial_discards"`
}

type symbolWindow struct {
	current   *Candle
	lastTick  time.Time
	seeded    bool // true once the first (partial) window has been discarded
	lastStart time.Time
}

// Aggregator buckets a tick stream into fixed-width, timeframe-aligned
// candles per symbol. Windows close when a tick crosses the boundary or
// when AdvanceTime is called (required for session gaps). The first
// window seen for a symbol after a cold start is discarded because it is
// naturally partial.
type Aggregator struct {
	timeframe time.Duration
	onCandle  CandleHandler
	onFault   FaultHandler
	logger    *logging.Logger

	mu      sync.Mutex
	windows map[string]*symbolWindow
	stats   AggregatorStats
}

// NewAggregator creates an aggregator for one timeframe.
func NewAggregator(timeframe time.Duration, onCandle CandleHandler, onFault FaultHandler) *Aggregator {
	return &Aggregator{
		timeframe: timeframe,
		onCandle:  onCandle,
		onFault:   onFault,
		logger:    logging.Default().WithComponent("aggregator"),
		windows:   make(map[string]*symbolWindow),
	}
}

// Timeframe returns the configured candle width.
func (a *Aggregator) Timeframe() time.Duration {
	return a.timeframe
}

// OnTick consumes one tick. Ticks must arrive with non-decreasing
// timestamps per symbol; violations are dropped and counted as faults.
func (a *Aggregator) OnTick(tick Tick) {
	a.mu.Lock()

	a.stats.TicksProcessed++

	w, ok := a.windows[tick.Symbol]
	if !ok {
		w = &symbolWindow{}
		a.windows[tick.Symbol] = w
	}

	if !w.lastTick.IsZero() && tick.Timestamp.Before(w.lastTick) {
		a.stats.OutOfOrderTicks++
		a.mu.Unlock()
		a.fault(tick.Symbol, "out-of-order tick", tick)
		return
	}

	start := tick.Timestamp.Truncate(a.timeframe)

	// Tick for a window that already closed.
	if !w.lastStart.IsZero() && start.Before(w.lastStart.Add(a.timeframe)) && w.current == nil {
		a.stats.LateTicks++
		a.mu.Unlock()
		a.fault(tick.Symbol, "late tick for closed window", tick)
		return
	}

	w.lastTick = tick.Timestamp

	var emit *Candle
	if w.current != nil && start.After(w.current.StartTime) {
		emit = a.closeWindowLocked(w)
	}

	if w.current == nil {
		w.current = &Candle{
			Symbol:    tick.Symbol,
			Timeframe: a.timeframe,
			Open:      tick.Price,
			High:      tick.Price,
			Low:       tick.Price,
			Close:     tick.Price,
			Volume:    tick.Size,
			StartTime: start,
		}
	} else {
		c := w.current
		if tick.Price > c.High {
			c.High = tick.Price
		}
		if tick.Price < c.Low {
			c.Low = tick.Price
		}
		c.Close = tick.Price
		c.Volume += tick.Size
	}

	a.mu.Unlock()

	if emit != nil {
		a.onCandle(*emit)
	}
}

// AdvanceTime closes any open window whose boundary has passed for the
// symbol. Call it on a timer so candles still close when no trades print
// (session close, thin markets). An empty symbol advances every window.
func (a *Aggregator) AdvanceTime(symbol string, now time.Time) {
	a.mu.Lock()

	var emits []Candle
	advance := func(w *symbolWindow) {
		if w.current != nil && !now.Before(w.current.EndTime()) {
			if c := a.closeWindowLocked(w); c != nil {
				emits = append(emits, *c)
			}
		}
	}

	if symbol == "" {
		for _, w := range a.windows {
			advance(w)
		}
	} else if w, ok := a.windows[symbol]; ok {
		advance(w)
	}

	a.mu.Unlock()

	for _, c := range emits {
		a.onCandle(c)
	}
}

// closeWindowLocked finalizes the current window and returns the candle
// to emit, or nil when the window is the discarded cold-start partial.
func (a *Aggregator) closeWindowLocked(w *symbolWindow) *Candle {
	c := w.current
	w.current = nil
	w.lastStart = c.StartTime
	c.Closed = true

	if !w.seeded {
		w.seeded = true
		a.stats.PartialDiscards++
		a.logger.Debug("Discarding cold-start partial window",
			"symbol", c.Symbol, "start", c.StartTime)
		return nil
	}

	a.stats.CandlesEmitted++
	return c
}

func (a *Aggregator) fault(symbol, reason string, tick Tick) {
	a.logger.Warn("Data fault", "symbol", symbol, "reason", reason, "tick_time", tick.Timestamp)
	if a.onFault != nil {
		a.onFault(symbol, reason, tick)
	}
}

// Stats returns a snapshot of data-quality counters.
func (a *Aggregator) Stats() AggregatorStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}
