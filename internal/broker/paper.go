package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"breakretest-bot/internal/logging"
)

// PaperBroker simulates execution in-process. Market orders fill
// immediately at the current mark price; positions net long and
// short. It is the default broker.
type PaperBroker struct {
	mu        sync.Mutex
	marks     map[string]float64
	positions map[string]*Position
	orders    map[string]OrderRequest
	updates   chan OrderUpdate
	logger    *logging.Logger
	closed    bool
}

func NewPaperBroker() *PaperBroker {
	return &PaperBroker{
		marks:     make(map[string]float64),
		positions: make(map[string]*Position),
		orders:    make(map[string]OrderRequest),
		updates:   make(chan OrderUpdate, 256),
		logger:    logging.WithComponent("paper-broker"),
	}
}

func (p *PaperBroker) Name() string { return "paper" }

// SetMark updates the simulated market price for a symbol. The engine
// calls this on every closed candle.
func (p *PaperBroker) SetMark(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marks[symbol] = price
}

func (p *PaperBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrNotConnected
	}
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: non-positive quantity %d", ErrOrderRejected, req.Quantity)
	}

	fillPrice, ok := p.marks[req.Symbol]
	if !ok {
		fillPrice = req.LimitPrice
	}
	if req.Type == TypeLimit && req.LimitPrice > 0 {
		fillPrice = req.LimitPrice
	}
	if fillPrice == 0 {
		return nil, fmt.Errorf("%w: no mark price for %s", ErrOrderRejected, req.Symbol)
	}

	brokerID := uuid.New().String()
	p.orders[brokerID] = req
	p.apply(req, fillPrice)
	p.logger.Info("paper fill", "symbol", req.Symbol, "side", string(req.Side), "qty", req.Quantity, "price", fillPrice)

	update := OrderUpdate{
		BrokerOrderID: brokerID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Status:        StatusFilled,
		FilledQty:     req.Quantity,
		AvgFillPrice:  fillPrice,
		Timestamp:     time.Now().UTC(),
	}
	select {
	case p.updates <- update:
	default:
		p.logger.Warn("update channel full, dropping fill report", "symbol", req.Symbol)
	}

	return &OrderAck{BrokerOrderID: brokerID, Status: StatusFilled}, nil
}

func (p *PaperBroker) apply(req OrderRequest, price float64) {
	pos := p.positions[req.Symbol]
	if pos == nil {
		pos = &Position{Symbol: req.Symbol}
		p.positions[req.Symbol] = pos
	}
	delta := req.Quantity
	if req.Side == SideSell {
		delta = -delta
	}
	if (pos.Quantity >= 0) == (delta >= 0) && pos.Quantity+delta != 0 {
		total := float64(abs(pos.Quantity))*pos.AvgPrice + float64(abs(delta))*price
		pos.AvgPrice = total / float64(abs(pos.Quantity)+abs(delta))
	}
	pos.Quantity += delta
	if pos.Quantity == 0 {
		delete(p.positions, req.Symbol)
	}
}

// CancelOrder is a no-op for already-filled paper orders but validates
// the id so controller retry paths behave like a live broker.
func (p *PaperBroker) CancelOrder(_ context.Context, brokerOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.orders[brokerOrderID]; !ok {
		return ErrUnknownOrder
	}
	return nil
}

func (p *PaperBroker) GetPositions(_ context.Context) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out, nil
}

func (p *PaperBroker) Updates() <-chan OrderUpdate { return p.updates }

func (p *PaperBroker) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.updates)
	}
	return nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
