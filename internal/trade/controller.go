package trade

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"breakretest-bot/internal/broker"
	"breakretest-bot/internal/circuit"
	"breakretest-bot/internal/events"
	"breakretest-bot/internal/market"
	"breakretest-bot/internal/risk"
	"breakretest-bot/internal/strategy"
)

// Store persists trades. Implementations must be safe for concurrent
// use; a nil Store disables persistence.
type Store interface {
	SaveTrade(ctx context.Context, t *Trade) error
}

// Controller errors
var (
	ErrTradeNotFound = errors.New("trade not found")
)

// Config tunes the controller.
type Config struct {
	OrderTimeout  time.Duration // broker ack deadline before the trade goes to ERROR
	PartialExits  bool          // scale out half at one risk multiple
	PartialExitRR float64       // risk multiple for the partial, default 1
}

// FlattenResult reports the outcome of flattening one trade.
type FlattenResult struct {
	TradeID string `json:"trade_id"`
	Symbol  string `json:"symbol"`
	Action  string `json:"action"` // "closed", "canceled"
	Error   string `json:"error,omitempty"`
}

// Controller owns every trade from approved signal to close. Entry
// orders are submitted asynchronously; fills re-enter through
// OnOrderUpdate, and open positions are monitored against stop and
// target on every closed candle.
type Controller struct {
	mu          sync.Mutex
	cfg         Config
	broker      broker.Broker
	breaker     *circuit.Breaker
	riskState   *risk.State
	instruments *market.InstrumentRegistry
	eventBus    *events.EventBus
	store       Store
	logger      zerolog.Logger

	trades map[string]*Trade
	byKey  map[string]string // live trades only, signal key -> trade id
	onDone func(instanceID string)
}

func NewController(cfg Config, b broker.Broker, cb *circuit.Breaker, rs *risk.State, instruments *market.InstrumentRegistry, eventBus *events.EventBus, store Store, logger zerolog.Logger) *Controller {
	if cfg.OrderTimeout == 0 {
		cfg.OrderTimeout = 5 * time.Second
	}
	if cfg.PartialExitRR == 0 {
		cfg.PartialExitRR = 1
	}
	return &Controller{
		cfg:         cfg,
		broker:      b,
		breaker:     cb,
		riskState:   rs,
		instruments: instruments,
		eventBus:    eventBus,
		store:       store,
		logger:      logger.With().Str("component", "TradeController").Logger(),
		trades:      make(map[string]*Trade),
		byKey:       make(map[string]string),
	}
}

// OnTradeDone registers a callback fired with the instance id when a
// trade finishes, so the originating state machine can retire.
func (c *Controller) OnTradeDone(fn func(instanceID string)) {
	c.onDone = fn
}

// HandleSignal turns an approved decision into a pending trade and
// submits the entry order. A live trade under the same key, or a
// suspended symbol, drops the signal.
func (c *Controller) HandleSignal(ctx context.Context, sig strategy.Signal, d risk.Decision) *Trade {
	if !d.Approved {
		return nil
	}
	if ok, reason := c.breaker.Allow(sig.Symbol); !ok {
		c.riskState.Release()
		c.logger.Warn().Str("symbol", sig.Symbol).Str("reason", reason).Msg("signal dropped, symbol suspended")
		return nil
	}

	c.mu.Lock()
	if existing, ok := c.byKey[sig.Key()]; ok {
		c.mu.Unlock()
		c.riskState.Release()
		c.logger.Info().Str("key", sig.Key()).Str("trade_id", existing).Msg("signal dropped, trade already live for key")
		return nil
	}

	t := &Trade{
		ID:          uuid.New().String(),
		SignalID:    sig.ID,
		InstanceID:  sig.InstanceID,
		Key:         sig.Key(),
		Symbol:      sig.Symbol,
		Strategy:    sig.Strategy,
		Direction:   sig.Direction,
		Quantity:    d.Quantity,
		Remaining:   0,
		EntryPrice:  d.Entry,
		StopPrice:   d.Stop,
		TargetPrice: d.Target,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	c.trades[t.ID] = t
	c.byKey[t.Key] = t.ID
	c.mu.Unlock()

	c.logger.Info().
		Str("trade_id", t.ID).
		Str("symbol", t.Symbol).
		Str("direction", string(t.Direction)).
		Int("quantity", t.Quantity).
		Float64("entry", t.EntryPrice).
		Float64("stop", t.StopPrice).
		Msg("submitting entry order")
	c.persist(ctx, t)

	go c.submitEntry(t, sig)
	return t
}

func (c *Controller) submitEntry(t *Trade, sig strategy.Signal) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.OrderTimeout)
	defer cancel()

	side := broker.SideBuy
	if t.Direction == strategy.Short {
		side = broker.SideSell
	}
	ack, err := c.broker.PlaceOrder(ctx, broker.OrderRequest{
		ClientOrderID: t.ID,
		Symbol:        t.Symbol,
		Side:          side,
		Type:          broker.TypeMarket,
		Quantity:      t.Quantity,
		LimitPrice:    sig.Entry,
	})
	if err != nil {
		c.markError(t.ID, fmt.Sprintf("entry order failed: %v", err))
		c.breaker.RecordFault(t.Symbol, err.Error())
		if c.eventBus != nil {
			c.eventBus.PublishBrokerFault(t.Symbol, "ORDER_SUBMIT", err.Error())
		}
		// position state is uncertain after a timeout, ask the broker
		go c.Reconcile(context.Background())
		return
	}

	c.mu.Lock()
	t.BrokerOrderID = ack.BrokerOrderID
	c.mu.Unlock()
	c.breaker.RecordSuccess(t.Symbol)
}

// OnOrderUpdate consumes broker execution reports. The engine pumps
// these into the symbol's ordered event loop.
func (c *Controller) OnOrderUpdate(ctx context.Context, update broker.OrderUpdate) {
	c.mu.Lock()
	t, ok := c.trades[update.ClientOrderID]
	if !ok {
		c.mu.Unlock()
		c.logger.Debug().Str("client_order_id", update.ClientOrderID).Msg("update for unknown order")
		return
	}

	switch update.Status {
	case broker.StatusFilled, broker.StatusPartial:
		if t.Status != StatusPending {
			c.mu.Unlock()
			return
		}
		if update.AvgFillPrice > 0 {
			t.EntryPrice = update.AvgFillPrice
		}
		t.Remaining = update.FilledQty
		if t.Remaining == 0 {
			t.Remaining = t.Quantity
		}
		t.Status = StatusOpen
		now := time.Now().UTC()
		t.OpenedAt = &now
		c.mu.Unlock()

		c.riskState.RecordOpen()
		c.logger.Info().
			Str("trade_id", t.ID).
			Float64("fill_price", t.EntryPrice).
			Int("quantity", t.Remaining).
			Msg("trade opened")
		if c.eventBus != nil {
			c.eventBus.PublishTradeOpened(t.ID, t.Symbol, string(t.Direction), t.EntryPrice, float64(t.Remaining))
		}
		c.persist(ctx, t)

	case broker.StatusRejected:
		c.mu.Unlock()
		c.markError(t.ID, "entry rejected: "+update.Reason)
		c.breaker.RecordFault(t.Symbol, "order rejected")

	case broker.StatusCanceled:
		c.mu.Unlock()
		c.markError(t.ID, "entry canceled before fill")

	default:
		c.mu.Unlock()
	}
}

// OnCandle checks each open trade on the candle's symbol against its
// stop, partial-exit threshold and target. The stop wins when a
// candle spans both.
func (c *Controller) OnCandle(ctx context.Context, candle market.Candle) {
	c.mu.Lock()
	var open []*Trade
	for _, t := range c.trades {
		if t.Symbol == candle.Symbol && t.Status == StatusOpen {
			open = append(open, t)
		}
	}
	c.mu.Unlock()

	for _, t := range open {
		c.manage(ctx, t, candle)
	}
}

func (c *Controller) manage(ctx context.Context, t *Trade, candle market.Candle) {
	if t.Long() {
		if candle.Low <= t.StopPrice {
			c.exit(ctx, t, t.StopPrice, t.Remaining, "stop")
			return
		}
		if c.cfg.PartialExits && len(t.PartialExits) == 0 {
			trigger := t.EntryPrice + c.cfg.PartialExitRR*(t.EntryPrice-t.StopPrice)
			if candle.High >= trigger && t.Remaining > 1 {
				c.partialExit(ctx, t, trigger)
			}
		}
		if candle.High >= t.TargetPrice {
			c.exit(ctx, t, t.TargetPrice, t.Remaining, "target")
		}
		return
	}

	if candle.High >= t.StopPrice {
		c.exit(ctx, t, t.StopPrice, t.Remaining, "stop")
		return
	}
	if c.cfg.PartialExits && len(t.PartialExits) == 0 {
		trigger := t.EntryPrice - c.cfg.PartialExitRR*(t.StopPrice-t.EntryPrice)
		if candle.Low <= trigger && t.Remaining > 1 {
			c.partialExit(ctx, t, trigger)
		}
	}
	if candle.Low <= t.TargetPrice {
		c.exit(ctx, t, t.TargetPrice, t.Remaining, "target")
	}
}

// partialExit scales out half the position and moves the stop to
// breakeven.
func (c *Controller) partialExit(ctx context.Context, t *Trade, price float64) {
	qty := t.Remaining / 2
	if qty < 1 {
		return
	}
	if err := c.submitExit(t, qty); err != nil {
		c.logger.Error().Err(err).Str("trade_id", t.ID).Msg("partial exit order failed")
		return
	}

	pnl := c.realized(t, price, qty)

	c.mu.Lock()
	t.Remaining -= qty
	t.PnL += pnl
	t.StopPrice = t.EntryPrice
	t.PartialExits = append(t.PartialExits, PartialExit{
		Quantity: qty,
		Price:    price,
		PnL:      pnl,
		Time:     time.Now().UTC(),
	})
	c.mu.Unlock()

	c.logger.Info().
		Str("trade_id", t.ID).
		Int("quantity", qty).
		Float64("price", price).
		Float64("pnl", pnl).
		Msg("partial exit, stop moved to breakeven")
	c.persist(ctx, t)
}

// exit closes out qty at price and finalizes the trade when nothing
// remains.
func (c *Controller) exit(ctx context.Context, t *Trade, price float64, qty int, reason string) {
	if qty < 1 {
		return
	}
	if err := c.submitExit(t, qty); err != nil {
		c.logger.Error().Err(err).Str("trade_id", t.ID).Msg("exit order failed")
		c.breaker.RecordFault(t.Symbol, err.Error())
		if c.eventBus != nil {
			c.eventBus.PublishBrokerFault(t.Symbol, "ORDER_EXIT", err.Error())
		}
		return
	}

	pnl := c.realized(t, price, qty)

	c.mu.Lock()
	t.Remaining -= qty
	t.PnL += pnl
	if t.Remaining > 0 {
		c.mu.Unlock()
		c.persist(ctx, t)
		return
	}
	t.Status = StatusClosed
	t.ExitPrice = price
	t.Result = classify(t.PnL)
	now := time.Now().UTC()
	t.ClosedAt = &now
	delete(c.byKey, t.Key)
	c.mu.Unlock()

	c.riskState.RecordClose(t.PnL)
	c.logger.Info().
		Str("trade_id", t.ID).
		Str("reason", reason).
		Str("result", string(t.Result)).
		Float64("exit", price).
		Float64("pnl", t.PnL).
		Msg("trade closed")
	if c.eventBus != nil {
		c.eventBus.PublishTradeClosed(t.ID, t.Symbol, string(t.Result), t.EntryPrice, price, t.PnL)
	}
	c.persist(ctx, t)
	if c.onDone != nil {
		c.onDone(t.InstanceID)
	}
}

func (c *Controller) submitExit(t *Trade, qty int) error {
	side := broker.SideSell
	if t.Direction == strategy.Short {
		side = broker.SideBuy
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.OrderTimeout)
	defer cancel()
	_, err := c.broker.PlaceOrder(ctx, broker.OrderRequest{
		ClientOrderID: uuid.New().String(),
		Symbol:        t.Symbol,
		Side:          side,
		Type:          broker.TypeMarket,
		Quantity:      qty,
	})
	return err
}

func (c *Controller) realized(t *Trade, exitPrice float64, qty int) float64 {
	perUnit := exitPrice - t.EntryPrice
	if !t.Long() {
		perUnit = t.EntryPrice - exitPrice
	}
	return perUnit * float64(qty) * c.instruments.Get(t.Symbol).Multiplier
}

func classify(pnl float64) Result {
	switch {
	case math.Abs(pnl) < 1e-9:
		return ResultScratch
	case pnl > 0:
		return ResultWin
	default:
		return ResultLoss
	}
}

// FlattenAll closes every open position and cancels every pending
// entry. It bypasses all risk gates and is idempotent: a second call
// with nothing live returns an empty result set.
func (c *Controller) FlattenAll(ctx context.Context) []FlattenResult {
	c.mu.Lock()
	var live []*Trade
	for _, t := range c.trades {
		if t.Live() {
			live = append(live, t)
		}
	}
	c.mu.Unlock()

	c.logger.Warn().Int("live_trades", len(live)).Msg("flatten all invoked")
	if c.eventBus != nil {
		c.eventBus.Publish(events.Event{
			Type: events.EventFlattenAllInvoked,
			Data: map[string]interface{}{"live_trades": len(live)},
		})
	}

	results := make([]FlattenResult, 0, len(live))
	for _, t := range live {
		res := FlattenResult{TradeID: t.ID, Symbol: t.Symbol}
		c.mu.Lock()
		status := t.Status
		c.mu.Unlock()
		switch status {
		case StatusPending:
			res.Action = "canceled"
			if t.BrokerOrderID != "" {
				if err := c.broker.CancelOrder(ctx, t.BrokerOrderID); err != nil {
					res.Error = err.Error()
				}
			}
			c.markError(t.ID, "canceled by flatten all")
		case StatusOpen:
			res.Action = "closed"
			// mark price unknown here; exit at the stop-adjusted last
			// known reference, the broker fills at market anyway
			c.exit(ctx, t, t.EntryPrice, t.Remaining, "flatten_all")
			c.mu.Lock()
			closed := t.Status == StatusClosed
			c.mu.Unlock()
			if !closed {
				res.Error = "exit order failed"
			}
		}
		results = append(results, res)
	}
	return results
}

// Reconcile compares broker positions with local open trades and
// resolves ERROR trades that turn out flat at the broker.
func (c *Controller) Reconcile(ctx context.Context) error {
	positions, err := c.broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch positions for reconciliation: %w", err)
	}

	held := make(map[string]int)
	for _, p := range positions {
		held[p.Symbol] += p.Quantity
	}

	c.mu.Lock()
	expected := make(map[string]int)
	var uncertain []*Trade
	for _, t := range c.trades {
		if t.Status == StatusOpen {
			qty := t.Remaining
			if !t.Long() {
				qty = -qty
			}
			expected[t.Symbol] += qty
		}
		if t.Status == StatusError {
			uncertain = append(uncertain, t)
		}
	}
	c.mu.Unlock()

	for symbol, want := range expected {
		if have := held[symbol]; have != want {
			c.logger.Error().
				Str("symbol", symbol).
				Int("expected", want).
				Int("broker", have).
				Msg("position mismatch detected")
			if c.eventBus != nil {
				c.eventBus.PublishBrokerFault(symbol, "POSITION_MISMATCH",
					fmt.Sprintf("expected %d, broker reports %d", want, have))
			}
		}
	}

	for _, t := range uncertain {
		if held[t.Symbol] == expected[t.Symbol] {
			c.mu.Lock()
			t.Status = StatusClosed
			t.Result = ResultScratch
			now := time.Now().UTC()
			t.ClosedAt = &now
			delete(c.byKey, t.Key)
			c.mu.Unlock()
			c.logger.Info().Str("trade_id", t.ID).Msg("uncertain trade reconciled flat")
			c.persist(ctx, t)
		}
	}
	return nil
}

func (c *Controller) markError(tradeID, reason string) {
	c.mu.Lock()
	t, ok := c.trades[tradeID]
	if !ok {
		c.mu.Unlock()
		return
	}
	wasPending := t.Status == StatusPending
	t.Status = StatusError
	t.ErrorReason = reason
	delete(c.byKey, t.Key)
	c.mu.Unlock()

	// a trade that dies before its fill hands its trade-cap slot back
	if wasPending {
		c.riskState.Release()
	}
	c.logger.Error().Str("trade_id", tradeID).Str("reason", reason).Msg("trade errored")
	c.persist(context.Background(), t)
	if c.onDone != nil {
		c.onDone(t.InstanceID)
	}
}

// TradeSymbol resolves the symbol for a client order id, used to
// route broker updates into the right symbol loop.
func (c *Controller) TradeSymbol(clientOrderID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.trades[clientOrderID]; ok {
		return t.Symbol, true
	}
	return "", false
}

// Get returns a copy of one trade.
func (c *Controller) Get(tradeID string) (*Trade, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.trades[tradeID]
	if !ok {
		return nil, ErrTradeNotFound
	}
	cp := *t
	return &cp, nil
}

// Trades returns a snapshot of every trade.
func (c *Controller) Trades() []Trade {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Trade, 0, len(c.trades))
	for _, t := range c.trades {
		out = append(out, *t)
	}
	return out
}

func (c *Controller) persist(ctx context.Context, t *Trade) {
	if c.store == nil {
		return
	}
	c.mu.Lock()
	cp := *t
	c.mu.Unlock()
	if err := c.store.SaveTrade(ctx, &cp); err != nil {
		c.logger.Error().Err(err).Str("trade_id", cp.ID).Msg("failed to persist trade")
	}
}
