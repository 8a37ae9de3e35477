package trade

import (
	"time"

	"breakretest-bot/internal/strategy"
)

// Status is the lifecycle state of a trade.
type Status string

const (
	StatusPending Status = "PENDING" // entry order submitted, not yet filled
	StatusOpen    Status = "OPEN"
	StatusClosed  Status = "CLOSED"
	StatusError   Status = "ERROR" // broker fault, position state uncertain
)

// Result classifies a closed trade.
type Result string

const (
	ResultWin     Result = "WIN"
	ResultLoss    Result = "LOSS"
	ResultScratch Result = "SCRATCH"
)

// PartialExit records a scale-out before the final close.
type PartialExit struct {
	Quantity int       `json:"quantity"`
	Price    float64   `json:"price"`
	PnL      float64   `json:"pnl"`
	Time     time.Time `json:"time"`
}

// Trade is one position managed from signal to close.
type Trade struct {
	ID            string             `json:"id"`
	SignalID      string             `json:"signal_id"`
	InstanceID    string             `json:"instance_id"`
	Key           string             `json:"key"` // one open trade per (symbol, strategy, level, direction)
	Symbol        string             `json:"symbol"`
	Strategy      strategy.Kind      `json:"strategy"`
	Direction     strategy.Direction `json:"direction"`
	Quantity      int                `json:"quantity"`
	Remaining     int                `json:"remaining"`
	EntryPrice    float64            `json:"entry_price"`
	StopPrice     float64            `json:"stop_price"`
	TargetPrice   float64            `json:"target_price"`
	ExitPrice     float64            `json:"exit_price,omitempty"`
	Status        Status             `json:"status"`
	Result        Result             `json:"result,omitempty"`
	PnL           float64            `json:"pnl"`
	BrokerOrderID string             `json:"broker_order_id,omitempty"`
	ErrorReason   string             `json:"error_reason,omitempty"`
	PartialExits  []PartialExit      `json:"partial_exits,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	OpenedAt      *time.Time         `json:"opened_at,omitempty"`
	ClosedAt      *time.Time         `json:"closed_at,omitempty"`
}

// Live reports whether the trade still holds or awaits a position.
func (t *Trade) Live() bool {
	return t.Status == StatusPending || t.Status == StatusOpen
}

// Long is true for buy-side trades.
func (t *Trade) Long() bool {
	return t.Direction == strategy.Long
}
