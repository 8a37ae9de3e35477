package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"breakretest-bot/internal/logging"
)

const schwabBaseURL = "https://api.schwabapi.com/trader/v1"

// SchwabBroker routes orders through the Schwab trader API. Order
// updates are polled; Schwab has no push channel for individual
// order status.
type SchwabBroker struct {
	baseURL    string
	accountID  string
	token      string
	httpClient *http.Client
	updates    chan OrderUpdate
	logger     *logging.Logger

	mu      sync.Mutex
	pending map[string]string // brokerOrderID -> clientOrderID
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSchwabBroker builds a client and starts the status poller.
func NewSchwabBroker(creds *Credentials) *SchwabBroker {
	ctx, cancel := context.WithCancel(context.Background())
	b := &SchwabBroker{
		baseURL:    schwabBaseURL,
		accountID:  creds.AccountID,
		token:      creds.AccessToken,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		updates:    make(chan OrderUpdate, 256),
		logger:     logging.WithComponent("schwab"),
		pending:    make(map[string]string),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go b.pollLoop(ctx)
	return b
}

func (b *SchwabBroker) Name() string { return "schwab" }

type schwabOrderLeg struct {
	Instruction string `json:"instruction"`
	Quantity    int    `json:"quantity"`
	Instrument  struct {
		Symbol    string `json:"symbol"`
		AssetType string `json:"assetType"`
	} `json:"instrument"`
}

type schwabOrder struct {
	OrderType          string           `json:"orderType"`
	Session            string           `json:"session"`
	Duration           string           `json:"duration"`
	OrderStrategyType  string           `json:"orderStrategyType"`
	Price              string           `json:"price,omitempty"`
	StopPrice          string           `json:"stopPrice,omitempty"`
	OrderLegCollection []schwabOrderLeg `json:"orderLegCollection"`
}

type schwabOrderStatus struct {
	OrderID        int64   `json:"orderId"`
	Status         string  `json:"status"`
	FilledQuantity float64 `json:"filledQuantity"`
	Price          float64 `json:"price"`
}

func (b *SchwabBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	leg := schwabOrderLeg{Quantity: req.Quantity}
	leg.Instrument.Symbol = req.Symbol
	leg.Instrument.AssetType = "EQUITY"
	if req.Side == SideBuy {
		leg.Instruction = "BUY"
	} else {
		leg.Instruction = "SELL"
	}

	order := schwabOrder{
		OrderType:          string(req.Type),
		Session:            "NORMAL",
		Duration:           "DAY",
		OrderStrategyType:  "SINGLE",
		OrderLegCollection: []schwabOrderLeg{leg},
	}
	if req.Type == TypeLimit {
		order.Price = strconv.FormatFloat(req.LimitPrice, 'f', 2, 64)
	}
	if req.Type == TypeStop {
		order.StopPrice = strconv.FormatFloat(req.StopPrice, 'f', 2, 64)
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
	httpReq.Header.Set("Authorization", "Bearer "+b.token)

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send order: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusForbidden {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: %s", ErrOrderRejected, string(msg))
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d placing order", resp.StatusCode)
	}

	// Schwab returns the order id in the Location header
	brokerID := orderIDFromLocation(resp.Header.Get("Location"))
	if brokerID == "" {
		return nil, fmt.Errorf("order accepted but no order id in response")
	}

	b.mu.Lock()
	b.pending[brokerID] = req.ClientOrderID
	b.mu.Unlock()

	return &OrderAck{BrokerOrderID: brokerID, Status: StatusSubmitted}, nil
}

func orderIDFromLocation(location string) string {
	for i := len(location) - 1; i >= 0; i-- {
		if location[i] == '/' {
			return location[i+1:]
		}
	}
	return location
}

func (b *SchwabBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	url := fmt.Sprintf("%s/accounts/%s/orders/%s", b.baseURL, b.accountID, brokerOrderID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+b.token)

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrUnknownOrder
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d canceling order", resp.StatusCode)
	}
	return nil
}

func (b *SchwabBroker) GetPositions(ctx context.Context) ([]Position, error) {
	url := fmt.Sprintf("%s/accounts/%s?fields=positions", b.baseURL, b.accountID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+b.token)

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch positions: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var account struct {
		SecuritiesAccount struct {
			Positions []struct {
				LongQuantity  float64 `json:"longQuantity"`
				ShortQuantity float64 `json:"shortQuantity"`
				AveragePrice  float64 `json:"averagePrice"`
				Instrument    struct {
					Symbol string `json:"symbol"`
				} `json:"instrument"`
			} `json:"positions"`
		} `json:"securitiesAccount"`
	}
	if err := json.Unmarshal(respBody, &account); err != nil {
		return nil, fmt.Errorf("failed to unmarshal positions: %w", err)
	}

	var out []Position
	for _, p := range account.SecuritiesAccount.Positions {
		qty := int(p.LongQuantity - p.ShortQuantity)
		if qty == 0 {
			continue
		}
		out = append(out, Position{Symbol: p.Instrument.Symbol, Quantity: qty, AvgPrice: p.AveragePrice})
	}
	return out, nil
}

// pollLoop checks pending orders every second and converts terminal
// statuses into updates.
func (b *SchwabBroker) pollLoop(ctx context.Context) {
	defer close(b.done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.pollOnce(ctx)
		}
	}
}

func (b *SchwabBroker) pollOnce(ctx context.Context) {
	b.mu.Lock()
	ids := make(map[string]string, len(b.pending))
	for k, v := range b.pending {
		ids[k] = v
	}
	b.mu.Unlock()

	for brokerID, clientID := range ids {
		status, err := b.fetchOrder(ctx, brokerID)
		if err != nil {
			b.logger.Warn("order status poll failed", "order_id", brokerID, "error", err.Error())
			continue
		}
		update, terminal := translateSchwabStatus(status, brokerID, clientID)
		if !terminal {
			continue
		}
		b.mu.Lock()
		delete(b.pending, brokerID)
		b.mu.Unlock()
		select {
		case b.updates <- update:
		case <-ctx.Done():
			return
		}
	}
}

func (b *SchwabBroker) fetchOrder(ctx context.Context, brokerOrderID string) (*schwabOrderStatus, error) {
	url := fmt.Sprintf("%s/accounts/%s/orders/%s", b.baseURL, b.accountID, brokerOrderID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+b.token)

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var status schwabOrderStatus
	if err := json.Unmarshal(respBody, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	return &status, nil
}

func translateSchwabStatus(s *schwabOrderStatus, brokerID, clientID string) (OrderUpdate, bool) {
	update := OrderUpdate{
		BrokerOrderID: brokerID,
		ClientOrderID: clientID,
		FilledQty:     int(s.FilledQuantity),
		AvgFillPrice:  s.Price,
		Timestamp:     time.Now().UTC(),
	}
	switch s.Status {
	case "FILLED":
		update.Status = StatusFilled
		return update, true
	case "CANCELED", "EXPIRED", "REPLACED":
		update.Status = StatusCanceled
		return update, true
	case "REJECTED":
		update.Status = StatusRejected
		update.Reason = "rejected by broker"
		return update, true
	default:
		return update, false
	}
}

func (b *SchwabBroker) Updates() <-chan OrderUpdate { return b.updates }

func (b *SchwabBroker) Close() error {
	b.cancel()
	<-b.done
	close(b.updates)
	return nil
}
