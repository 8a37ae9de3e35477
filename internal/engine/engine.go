package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"breakretest-bot/config"
	"breakretest-bot/internal/broker"
	"breakretest-bot/internal/circuit"
	"breakretest-bot/internal/events"
	"breakretest-bot/internal/levels"
	"breakretest-bot/internal/market"
	"breakretest-bot/internal/risk"
	"breakretest-bot/internal/strategy"
	"breakretest-bot/internal/trade"
)

// Engine errors
var (
	ErrAlreadyRunning = errors.New("engine already running")
	ErrNotRunning     = errors.New("engine not running")
)

// SignalStore records fired signals for the audit trail. A nil store
// disables persistence.
type SignalStore interface {
	SaveSignal(ctx context.Context, sig *strategy.Signal) error
}

// symbolEvent is one entry in a symbol's ordered event stream. Exactly
// one of the fields is set.
type symbolEvent struct {
	candle *market.Candle
	update *broker.OrderUpdate
	fn     func() // control actions, applied between market events
}

type symbolState struct {
	events  chan symbolEvent
	history []market.Candle

	orTracking bool
	orHigh     float64
	orLow      float64
	orDone     bool
}

// Engine wires the whole pipeline: ticks aggregate into candles, each
// symbol's candles drive its state machines in order, signals pass
// through risk into the trade controller. Symbols run in parallel;
// everything for one symbol runs on one goroutine.
type Engine struct {
	mu      sync.Mutex
	cfg     *config.Config
	running bool
	session string

	eventBus    *events.EventBus
	registry    *levels.Registry
	instruments *market.InstrumentRegistry
	riskManager *risk.Manager
	breaker     *circuit.Breaker
	controller  *trade.Controller
	broker      broker.Broker
	aggregator  *market.Aggregator
	machines    map[string]*strategy.Machine
	symbols     map[string]*symbolState
	hours       *Hours
	signalStore SignalStore
	logger      zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles an engine from its parts. Call Start to begin
// processing.
func New(cfg *config.Config, eventBus *events.EventBus, registry *levels.Registry, instruments *market.InstrumentRegistry, riskManager *risk.Manager, breaker *circuit.Breaker, controller *trade.Controller, b broker.Broker, logger zerolog.Logger) (*Engine, error) {
	hours, err := NewHours(cfg.TradingConfig.Timezone, cfg.TradingConfig.SessionOpen, cfg.TradingConfig.SessionClose)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:         cfg,
		eventBus:    eventBus,
		registry:    registry,
		instruments: instruments,
		riskManager: riskManager,
		breaker:     breaker,
		controller:  controller,
		broker:      b,
		machines:    make(map[string]*strategy.Machine),
		symbols:     make(map[string]*symbolState),
		hours:       hours,
		logger:      logger.With().Str("component", "Engine").Logger(),
	}

	machineCfg, err := e.machineConfig()
	if err != nil {
		return nil, err
	}
	for _, symbol := range cfg.TradingConfig.Symbols {
		e.machines[symbol] = strategy.NewMachine(symbol, machineCfg, registry, eventBus)
		e.symbols[symbol] = &symbolState{events: make(chan symbolEvent, 256)}
	}

	timeframe := time.Duration(cfg.TradingConfig.TimeframeMinutes) * time.Minute
	e.aggregator = market.NewAggregator(timeframe, e.dispatchCandle, e.onDataFault)

	controller.OnTradeDone(e.markInstanceDone)
	return e, nil
}

// SetSignalStore enables signal persistence. Call before Start.
func (e *Engine) SetSignalStore(s SignalStore) {
	e.signalStore = s
}

func (e *Engine) machineConfig() (strategy.Config, error) {
	sc := e.cfg.StrategyConfig
	rule, err := strategy.NewConfirmationRule(sc.ConfirmationRule, sc.BreakTolerance)
	if err != nil {
		return strategy.Config{}, err
	}
	return strategy.Config{
		BreakTolerance:  sc.BreakTolerance,
		RetestTolerance: sc.RetestTolerance,
		StopType:        sc.StopType,
		StopBuffer:      sc.StopBuffer,
		DefaultRR:       sc.DefaultRR,
		Rule:            rule,
	}, nil
}

// Start launches the symbol loops and the broker update pump.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	e.session = e.hours.SessionDate(time.Now())

	for symbol, st := range e.symbols {
		e.wg.Add(1)
		go e.runSymbol(runCtx, symbol, st)
	}
	e.wg.Add(1)
	go e.pumpBrokerUpdates(runCtx)
	e.wg.Add(1)
	go e.clockLoop(runCtx)

	e.logger.Info().
		Strs("symbols", e.cfg.TradingConfig.Symbols).
		Str("broker", e.broker.Name()).
		Str("session", e.session).
		Msg("engine started")
	e.eventBus.Publish(events.Event{
		Type: events.EventSessionStarted,
		Data: map[string]interface{}{"session": e.session},
	})
	return nil
}

// Stop invalidates every live setup and halts the loops. Open trades
// stay open unless flatten is set.
func (e *Engine) Stop(ctx context.Context, flatten bool) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrNotRunning
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	for _, m := range e.machines {
		m.InvalidateAll("session stopped")
	}
	if flatten {
		e.controller.FlattenAll(ctx)
	}

	cancel()
	e.wg.Wait()
	e.logger.Info().Bool("flattened", flatten).Msg("engine stopped")
	e.eventBus.Publish(events.Event{Type: events.EventSessionStopped})
	return nil
}

// Running reports whether the engine is processing events.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// OnTick is the market data ingress. Ticks for unknown symbols are
// dropped.
func (e *Engine) OnTick(tick market.Tick) {
	if _, ok := e.symbols[tick.Symbol]; !ok {
		return
	}
	e.aggregator.OnTick(tick)
}

// dispatchCandle routes a closed candle into its symbol loop.
func (e *Engine) dispatchCandle(c market.Candle) {
	st, ok := e.symbols[c.Symbol]
	if !ok {
		return
	}
	cp := c
	select {
	case st.events <- symbolEvent{candle: &cp}:
	default:
		e.logger.Error().Str("symbol", c.Symbol).Msg("symbol loop backed up, dropping candle")
		e.eventBus.PublishDataFault(c.Symbol, "event loop overflow")
	}
}

func (e *Engine) onDataFault(symbol, reason string, _ market.Tick) {
	e.eventBus.PublishDataFault(symbol, reason)
}

// clockLoop closes idle candle windows so the last candle of a session
// still emits when trades stop printing.
func (e *Engine) clockLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.aggregator.AdvanceTime("", now)
		}
	}
}

// pumpBrokerUpdates routes execution reports into the owning symbol's
// loop so fills interleave with candles in one total order.
func (e *Engine) pumpBrokerUpdates(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-e.broker.Updates():
			if !ok {
				return
			}
			symbol := update.Symbol
			if symbol == "" {
				if s, found := e.controller.TradeSymbol(update.ClientOrderID); found {
					symbol = s
				}
			}
			st, found := e.symbols[symbol]
			if !found {
				e.logger.Warn().Str("client_order_id", update.ClientOrderID).Msg("update for untracked symbol")
				continue
			}
			cp := update
			select {
			case st.events <- symbolEvent{update: &cp}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// enqueue schedules a control action on a symbol's loop, keeping it
// ordered against market events. Falls back to running inline when the
// engine is stopped.
func (e *Engine) enqueue(symbol string, fn func()) {
	st, ok := e.symbols[symbol]
	if !ok || !e.Running() {
		fn()
		return
	}
	select {
	case st.events <- symbolEvent{fn: fn}:
	default:
		fn()
	}
}

func (e *Engine) runSymbol(ctx context.Context, symbol string, st *symbolState) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-st.events:
			switch {
			case ev.candle != nil:
				e.handleCandle(symbol, st, *ev.candle)
			case ev.update != nil:
				e.controller.OnOrderUpdate(ctx, *ev.update)
			case ev.fn != nil:
				ev.fn()
			}
		}
	}
}

func (e *Engine) handleCandle(symbol string, st *symbolState, c market.Candle) {
	if paper, ok := e.broker.(*broker.PaperBroker); ok {
		paper.SetMark(symbol, c.Close)
	}

	st.history = append(st.history, c)
	max := e.cfg.StrategyConfig.OrderBlock.Lookback * 2
	if p := e.cfg.StrategyConfig.TrendFilter.MAPeriod; p > max {
		max = p
	}
	if max > 0 && len(st.history) > max {
		st.history = st.history[len(st.history)-max:]
	}

	e.eventBus.Publish(events.Event{
		Type: events.EventCandleClosed,
		Data: map[string]interface{}{
			"symbol": symbol,
			"open":   c.Open, "high": c.High, "low": c.Low, "close": c.Close,
			"start": c.StartTime,
		},
	})

	inSession := e.hours.InSession(c.StartTime)
	if inSession {
		e.trackOpeningRange(symbol, st, c)
		e.scanOrderBlocks(symbol, st)
	}

	machine := e.machines[symbol]
	signals := machine.OnCandle(c)
	for _, sig := range signals {
		e.persistSignal(sig)
		if !inSession {
			e.logger.Info().Str("symbol", symbol).Msg("signal outside session hours, retiring")
			machine.MarkDone(sig.InstanceID)
			continue
		}
		if e.counterTrend(st, sig.Direction, c.Close) {
			e.logger.Info().
				Str("symbol", symbol).
				Str("direction", string(sig.Direction)).
				Msg("signal against the prevailing trend, retiring")
			machine.MarkDone(sig.InstanceID)
			continue
		}
		decision := e.riskManager.Evaluate(sig)
		if !decision.Approved {
			machine.MarkDone(sig.InstanceID)
			continue
		}
		if t := e.controller.HandleSignal(context.Background(), sig, decision); t == nil {
			machine.MarkDone(sig.InstanceID)
		}
	}

	e.controller.OnCandle(context.Background(), c)

	if e.cfg.TradingConfig.FlattenAtClose && e.hours.AfterClose(c.EndTime()) {
		if results := e.controller.FlattenAll(context.Background()); len(results) > 0 {
			e.logger.Info().Int("flattened", len(results)).Msg("session close flatten")
		}
		machine.InvalidateAll("session closed")
	}
}

// counterTrend reports whether a signal fights the moving-average
// trend. Neutral when the filter is off or history is shorter than the
// period.
func (e *Engine) counterTrend(st *symbolState, direction strategy.Direction, close float64) bool {
	tf := e.cfg.StrategyConfig.TrendFilter
	if !tf.Enabled || tf.MAPeriod <= 0 || len(st.history) < tf.MAPeriod {
		return false
	}
	var sum float64
	for _, c := range st.history[len(st.history)-tf.MAPeriod:] {
		sum += c.Close
	}
	ma := sum / float64(tf.MAPeriod)
	if direction == strategy.Long {
		return close < ma
	}
	return close > ma
}

func (e *Engine) persistSignal(sig strategy.Signal) {
	if e.signalStore == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.signalStore.SaveSignal(ctx, &sig); err != nil {
		e.logger.Error().Err(err).Str("signal_id", sig.ID).Msg("failed to persist signal")
	}
}

// trackOpeningRange accumulates the first range_minutes of the session
// and registers the opening range high/low once complete.
func (e *Engine) trackOpeningRange(symbol string, st *symbolState, c market.Candle) {
	if !e.cfg.StrategyConfig.ORB.Enabled || st.orDone {
		return
	}
	if !st.orTracking {
		st.orTracking = true
		st.orHigh = c.High
		st.orLow = c.Low
	} else {
		if c.High > st.orHigh {
			st.orHigh = c.High
		}
		if c.Low < st.orLow {
			st.orLow = c.Low
		}
	}

	endMin := e.hours.SinceOpen(c.EndTime())
	if endMin < e.cfg.StrategyConfig.ORB.RangeMinutes {
		return
	}
	st.orDone = true

	session := e.hours.SessionDate(c.StartTime)
	high, low, err := e.registry.RegisterOpeningRange(symbol, st.orHigh, st.orLow, session)
	if err != nil {
		if !errors.Is(err, levels.ErrDuplicateLevel) {
			e.logger.Error().Err(err).Str("symbol", symbol).Msg("failed to register opening range")
		}
		return
	}
	e.logger.Info().
		Str("symbol", symbol).
		Float64("high", st.orHigh).
		Float64("low", st.orLow).
		Msg("opening range locked")

	m := e.machines[symbol]
	m.Spawn(strategy.KindORB, high, strategy.Long)
	m.Spawn(strategy.KindORB, low, strategy.Short)
}

// scanOrderBlocks finds impulse-origin zones in recent history and
// spawns watchers for new ones. The registry dedupes zones by origin.
func (e *Engine) scanOrderBlocks(symbol string, st *symbolState) {
	obCfg := e.cfg.StrategyConfig.OrderBlock
	if !obCfg.Enabled || len(st.history) < 3 {
		return
	}

	window := st.history
	if len(window) > obCfg.Lookback {
		window = window[len(window)-obCfg.Lookback:]
	}
	for _, zone := range levels.DetectOrderBlocks(window, obCfg.MoveThreshold) {
		lvl, err := e.registry.RegisterOrderBlock(symbol, zone.ZoneLow, zone.ZoneHigh, zone.Kind, zone.OriginTime)
		if err != nil {
			continue // already known
		}
		direction := strategy.Long
		if zone.Kind == levels.KindOrderBlockBearish {
			direction = strategy.Short
		}
		e.machines[symbol].Spawn(strategy.KindOB, lvl, direction)
	}
}

// RegisterPreviousDay installs yesterday's high/low for a symbol and
// spawns their watchers.
func (e *Engine) RegisterPreviousDay(symbol string, high, low float64) error {
	if _, ok := e.symbols[symbol]; !ok {
		return fmt.Errorf("unknown symbol %s", symbol)
	}
	session := e.hours.SessionDate(time.Now())
	pdh, pdl, err := e.registry.RegisterPreviousDayLevels(symbol, high, low, session)
	if err != nil {
		return err
	}
	if e.cfg.StrategyConfig.PDHPDL.Enabled {
		e.enqueue(symbol, func() {
			m := e.machines[symbol]
			m.Spawn(strategy.KindPDHPDL, pdh, strategy.Long)
			m.Spawn(strategy.KindPDHPDL, pdl, strategy.Short)
		})
	}
	return nil
}

// RegisterManualLevel installs an operator-supplied level watched in
// both directions.
func (e *Engine) RegisterManualLevel(symbol string, price float64, description string) (*levels.Level, error) {
	if _, ok := e.symbols[symbol]; !ok {
		return nil, fmt.Errorf("unknown symbol %s", symbol)
	}
	lvl, err := e.registry.RegisterManual(symbol, price, description)
	if err != nil {
		return nil, err
	}
	e.enqueue(symbol, func() {
		m := e.machines[symbol]
		m.Spawn(strategy.KindManual, lvl, strategy.Long)
		m.Spawn(strategy.KindManual, lvl, strategy.Short)
	})
	return lvl, nil
}

// UpdateConfig validates and applies runtime-tunable settings. Invalid
// configs are rejected whole; machines pick the new tolerances up
// between candles.
func (e *Engine) UpdateConfig(next *config.Config) error {
	if err := next.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	e.cfg.StrategyConfig = next.StrategyConfig
	e.cfg.RiskConfig = next.RiskConfig
	e.cfg.TradingConfig.Equity = next.TradingConfig.Equity
	e.cfg.TradingConfig.FlattenAtClose = next.TradingConfig.FlattenAtClose
	e.mu.Unlock()

	machineCfg, err := e.machineConfig()
	if err != nil {
		return err
	}
	for _, m := range e.machines {
		m.UpdateConfig(machineCfg)
	}
	e.riskManager.UpdateConfig(risk.Config{
		Equity:          next.TradingConfig.Equity,
		RiskPerTrade:    next.RiskConfig.RiskPerTrade,
		MaxDailyLoss:    next.RiskConfig.MaxDailyLoss,
		MaxTradesPerDay: next.RiskConfig.MaxTradesPerDay,
	})

	e.logger.Info().Msg("config updated")
	e.eventBus.Publish(events.Event{Type: events.EventConfigUpdated})
	return nil
}

// FlattenAll closes everything, bypassing risk. Safe to call at any
// time, repeatedly.
func (e *Engine) FlattenAll(ctx context.Context) []trade.FlattenResult {
	return e.controller.FlattenAll(ctx)
}

// ResumeSymbol clears a tripped circuit by operator request.
func (e *Engine) ResumeSymbol(symbol string) bool {
	return e.breaker.Clear(symbol)
}

func (e *Engine) markInstanceDone(instanceID string) {
	for _, m := range e.machines {
		m.MarkDone(instanceID)
	}
}

// Snapshot is the observer view of the engine.
type Snapshot struct {
	Running    bool                   `json:"running"`
	Session    string                 `json:"session"`
	Symbols    []string               `json:"symbols"`
	Suspended  []string               `json:"suspended_symbols"`
	Risk       risk.Snapshot          `json:"risk"`
	Instances  []strategy.Instance    `json:"instances"`
	Trades     []trade.Trade          `json:"trades"`
	Aggregates market.AggregatorStats `json:"aggregator"`
}

// Status assembles a consistent point-in-time snapshot for the API.
func (e *Engine) Status() Snapshot {
	e.mu.Lock()
	running := e.running
	session := e.session
	e.mu.Unlock()

	var instances []strategy.Instance
	for _, m := range e.machines {
		instances = append(instances, m.Instances()...)
	}
	return Snapshot{
		Running:    running,
		Session:    session,
		Symbols:    e.cfg.TradingConfig.Symbols,
		Suspended:  e.breaker.Suspended(),
		Risk:       e.riskManager.State().Snapshot(),
		Instances:  instances,
		Trades:     e.controller.Trades(),
		Aggregates: e.aggregator.Stats(),
	}
}

// Levels exposes the level registry for the API layer.
func (e *Engine) Levels(symbol string) []*levels.Level {
	return e.registry.Query(symbol, levels.Filter{})
}
