package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"breakretest-bot/internal/logging"
)

const (
	tastytradeBaseURL  = "https://api.tastyworks.com"
	tastytradeStreamWS = "wss://streamer.tastyworks.com"
)

// TastytradeBroker routes orders through the tastytrade API and
// receives execution reports over the account streamer websocket.
type TastytradeBroker struct {
	baseURL    string
	streamURL  string
	accountID  string
	token      string
	httpClient *http.Client
	updates    chan OrderUpdate
	logger     *logging.Logger
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewTastytradeBroker builds a client and connects the account
// streamer in the background.
func NewTastytradeBroker(creds *Credentials) *TastytradeBroker {
	ctx, cancel := context.WithCancel(context.Background())
	b := &TastytradeBroker{
		baseURL:    tastytradeBaseURL,
		streamURL:  tastytradeStreamWS,
		accountID:  creds.AccountID,
		token:      creds.AccessToken,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		updates:    make(chan OrderUpdate, 256),
		logger:     logging.WithComponent("tastytrade"),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go b.streamLoop(ctx)
	return b
}

func (b *TastytradeBroker) Name() string { return "tastytrade" }

type tastytradeLeg struct {
	InstrumentType string `json:"instrument-type"`
	Symbol         string `json:"symbol"`
	Action         string `json:"action"`
	Quantity       int    `json:"quantity"`
}

type tastytradeOrder struct {
	TimeInForce string          `json:"time-in-force"`
	OrderType   string          `json:"order-type"`
	Price       string          `json:"price,omitempty"`
	PriceEffect string          `json:"price-effect,omitempty"`
	StopTrigger string          `json:"stop-trigger,omitempty"`
	Legs        []tastytradeLeg `json:"legs"`
}

func (b *TastytradeBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	action := "Buy to Open"
	if req.Side == SideSell {
		action = "Sell to Close"
	}
	order := tastytradeOrder{
		TimeInForce: "Day",
		OrderType:   tastytradeOrderType(req.Type),
		Legs: []tastytradeLeg{{
			InstrumentType: "Equity",
			Symbol:         req.Symbol,
			Action:         action,
			Quantity:       req.Quantity,
		}},
	}
	if req.Type == TypeLimit {
		order.Price = fmt.Sprintf("%.2f", req.LimitPrice)
		order.PriceEffect = "Debit"
	}
	if req.Type == TypeStop {
		order.StopTrigger = fmt.Sprintf("%.2f", req.StopPrice)
	}

	body, err := json.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order: %w", err)
	}

	url := fmt.Sprintf("%s/accounts/%s/orders", b.baseURL, b.accountID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", b.token)

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send order: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusUnprocessableEntity {
		return nil, fmt.Errorf("%w: %s", ErrOrderRejected, string(respBody))
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d placing order", resp.StatusCode)
	}

	var parsed struct {
		Data struct {
			Order struct {
				ID     int64  `json:"id"`
				Status string `json:"status"`
			} `json:"order"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order response: %w", err)
	}

	return &OrderAck{
		BrokerOrderID: fmt.Sprintf("%d", parsed.Data.Order.ID),
		Status:        StatusSubmitted,
	}, nil
}

func tastytradeOrderType(t OrderType) string {
	switch t {
	case TypeLimit:
		return "Limit"
	case TypeStop:
		return "Stop"
	default:
		return "Market"
	}
}

func (b *TastytradeBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	url := fmt.Sprintf("%s/accounts/%s/orders/%s", b.baseURL, b.accountID, brokerOrderID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", b.token)

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrUnknownOrder
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("unexpected status %d canceling order", resp.StatusCode)
	}
	return nil
}

func (b *TastytradeBroker) GetPositions(ctx context.Context) ([]Position, error) {
	url := fmt.Sprintf("%s/accounts/%s/positions", b.baseURL, b.accountID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", b.token)

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch positions: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var parsed struct {
		Data struct {
			Items []struct {
				Symbol            string  `json:"symbol"`
				Quantity          float64 `json:"quantity"`
				QuantityDirection string  `json:"quantity-direction"`
				AverageOpenPrice  string  `json:"average-open-price"`
			} `json:"items"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal positions: %w", err)
	}

	var out []Position
	for _, item := range parsed.Data.Items {
		qty := int(item.Quantity)
		if item.QuantityDirection == "Short" {
			qty = -qty
		}
		if qty == 0 {
			continue
		}
		var avg float64
		fmt.Sscanf(item.AverageOpenPrice, "%f", &avg)
		out = append(out, Position{Symbol: item.Symbol, Quantity: qty, AvgPrice: avg})
	}
	return out, nil
}

// streamLoop keeps the account streamer connected and converts order
// messages into updates. Reconnects with a flat backoff.
func (b *TastytradeBroker) streamLoop(ctx context.Context) {
	defer close(b.done)
	for {
		if err := b.streamOnce(ctx); err != nil {
			b.logger.Warn("account stream disconnected", "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (b *TastytradeBroker) streamOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.streamURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial streamer: %w", err)
	}
	defer conn.Close()

	subscribe := map[string]interface{}{
		"action":     "connect",
		"value":      []string{b.accountID},
		"auth-token": b.token,
	}
	if err := conn.WriteJSON(subscribe); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var msg struct {
			Type string `json:"type"`
			Data struct {
				ID               int64  `json:"id"`
				Status           string `json:"status"`
				UnderlyingSymbol string `json:"underlying-symbol"`
			} `json:"data"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("failed to read stream: %w", err)
		}
		if msg.Type != "Order" {
			continue
		}
		update := OrderUpdate{
			BrokerOrderID: fmt.Sprintf("%d", msg.Data.ID),
			Symbol:        msg.Data.UnderlyingSymbol,
			Timestamp:     time.Now().UTC(),
		}
		switch msg.Data.Status {
		case "Filled":
			update.Status = StatusFilled
		case "Cancelled":
			update.Status = StatusCanceled
		case "Rejected":
			update.Status = StatusRejected
		default:
			continue
		}
		select {
		case b.updates <- update:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *TastytradeBroker) Updates() <-chan OrderUpdate { return b.updates }

func (b *TastytradeBroker) Close() error {
	b.cancel()
	<-b.done
	close(b.updates)
	return nil
}
