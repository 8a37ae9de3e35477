package broker

import (
	"context"
	"errors"
	"time"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType selects how the order executes.
type OrderType string

const (
	TypeMarket OrderType = "MARKET"
	TypeLimit  OrderType = "LIMIT"
	TypeStop   OrderType = "STOP"
)

// OrderStatus is the broker-reported lifecycle state of an order.
type OrderStatus string

const (
	StatusSubmitted OrderStatus = "SUBMITTED"
	StatusFilled    OrderStatus = "FILLED"
	StatusPartial   OrderStatus = "PARTIALLY_FILLED"
	StatusCanceled  OrderStatus = "CANCELED"
	StatusRejected  OrderStatus = "REJECTED"
)

// Broker errors. Transient errors are retryable; ErrOrderRejected is
// not.
var (
	ErrOrderRejected = errors.New("order rejected by broker")
	ErrNotConnected  = errors.New("broker not connected")
	ErrUnknownOrder  = errors.New("unknown order id")
)

// OrderRequest is a broker-agnostic order. ClientOrderID is assigned
// by the trade controller and echoed back on every update.
type OrderRequest struct {
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          OrderSide `json:"side"`
	Type          OrderType `json:"type"`
	Quantity      int       `json:"quantity"`
	LimitPrice    float64   `json:"limit_price,omitempty"`
	StopPrice     float64   `json:"stop_price,omitempty"`
}

// OrderAck acknowledges order acceptance; fills arrive on Updates.
type OrderAck struct {
	BrokerOrderID string      `json:"broker_order_id"`
	Status        OrderStatus `json:"status"`
}

// OrderUpdate is an asynchronous execution report.
type OrderUpdate struct {
	BrokerOrderID string      `json:"broker_order_id"`
	ClientOrderID string      `json:"client_order_id"`
	Symbol        string      `json:"symbol"`
	Status        OrderStatus `json:"status"`
	FilledQty     int         `json:"filled_qty"`
	AvgFillPrice  float64     `json:"avg_fill_price"`
	Reason        string      `json:"reason,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

// Position is a broker-side net position. Quantity is signed, short
// positions negative.
type Position struct {
	Symbol   string  `json:"symbol"`
	Quantity int     `json:"quantity"`
	AvgPrice float64 `json:"avg_price"`
}

// Broker abstracts order routing. PlaceOrder returns once the broker
// acknowledges the order; fills, cancels and rejects arrive on
// Updates as an ordered stream.
type Broker interface {
	Name() string
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	GetPositions(ctx context.Context) ([]Position, error)
	Updates() <-chan OrderUpdate
	Close() error
}

// Credentials are the secrets a live broker client needs.
type Credentials struct {
	ClientID     string
	ClientSecret string
	AccessToken  string
	RefreshToken string
	AccountID    string
}

// CredentialSource fetches broker credentials, typically backed by
// Vault.
type CredentialSource interface {
	BrokerCredentials(name string) (*Credentials, error)
}
