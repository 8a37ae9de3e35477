package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"breakretest-bot/internal/events"
	"breakretest-bot/internal/logging"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifySignal     NotificationType = "signal"
	NotifyTradeOpen  NotificationType = "trade_open"
	NotifyTradeClose NotificationType = "trade_close"
	NotifySuspension NotificationType = "suspension"
	NotifyFlatten    NotificationType = "flatten"
	NotifySummary    NotificationType = "summary"
	NotifyError      NotificationType = "error"
)

// Notification represents a notification message
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Symbol    string
	Price     float64
	PnL       float64
	Timestamp time.Time
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans notifications out to every enabled provider and feeds
// itself from the event bus.
type Manager struct {
	notifiers []Notifier
	enabled   bool
	logger    *logging.Logger
}

// NewManager creates a new notification manager
func NewManager(enabled bool) *Manager {
	return &Manager{
		notifiers: make([]Notifier, 0),
		enabled:   enabled,
		logger:    logging.WithComponent("notification"),
	}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Send sends a notification to all enabled providers
func (m *Manager) Send(notification *Notification) error {
	if !m.enabled {
		return nil
	}

	var lastErr error
	for _, n := range m.notifiers {
		if n.IsEnabled() {
			if err := n.Send(notification); err != nil {
				m.logger.Warn("notifier send failed", "notifier", n.Name(), "error", err.Error())
				lastErr = err
			}
		}
	}
	return lastErr
}

// SubscribeToEvents wires the manager into the event bus so trading
// events become push notifications without the engine knowing about
// providers.
func (m *Manager) SubscribeToEvents(bus *events.EventBus) {
	bus.Subscribe(events.EventSignalFired, func(e events.Event) {
		m.Send(&Notification{
			Type:  NotifySignal,
			Title: fmt.Sprintf("Signal: %s %s", str(e.Data, "direction"), str(e.Data, "symbol")),
			Message: fmt.Sprintf("%s break/retest confirmed\nEntry %.2f | Stop %.2f | Target %.2f",
				str(e.Data, "strategy"), num(e.Data, "entry"), num(e.Data, "stop"), num(e.Data, "target")),
			Symbol:    str(e.Data, "symbol"),
			Price:     num(e.Data, "entry"),
			Timestamp: e.Timestamp,
		})
	})

	bus.Subscribe(events.EventTradeOpened, func(e events.Event) {
		m.Send(&Notification{
			Type:  NotifyTradeOpen,
			Title: fmt.Sprintf("Trade Opened: %s", str(e.Data, "symbol")),
			Message: fmt.Sprintf("%s %v @ %.2f",
				str(e.Data, "direction"), e.Data["quantity"], num(e.Data, "entry_price")),
			Symbol:    str(e.Data, "symbol"),
			Price:     num(e.Data, "entry_price"),
			Timestamp: e.Timestamp,
		})
	})

	bus.Subscribe(events.EventTradeClosed, func(e events.Event) {
		m.Send(&Notification{
			Type:  NotifyTradeClose,
			Title: fmt.Sprintf("Trade Closed: %s (%s)", str(e.Data, "symbol"), str(e.Data, "result")),
			Message: fmt.Sprintf("Entry %.2f, exit %.2f\nP&L %.2f",
				num(e.Data, "entry_price"), num(e.Data, "exit_price"), num(e.Data, "pnl")),
			Symbol:    str(e.Data, "symbol"),
			Price:     num(e.Data, "exit_price"),
			PnL:       num(e.Data, "pnl"),
			Timestamp: e.Timestamp,
		})
	})

	bus.Subscribe(events.EventSymbolSuspended, func(e events.Event) {
		m.Send(&Notification{
			Type:      NotifySuspension,
			Title:     fmt.Sprintf("Symbol Suspended: %s", str(e.Data, "symbol")),
			Message:   fmt.Sprintf("Circuit breaker tripped: %s", str(e.Data, "reason")),
			Symbol:    str(e.Data, "symbol"),
			Timestamp: e.Timestamp,
		})
	})

	bus.Subscribe(events.EventFlattenAllInvoked, func(e events.Event) {
		m.Send(&Notification{
			Type:      NotifyFlatten,
			Title:     "Flatten All Invoked",
			Message:   fmt.Sprintf("Closing %v live trades", e.Data["live_trades"]),
			Timestamp: e.Timestamp,
		})
	})

	bus.Subscribe(events.EventError, func(e events.Event) {
		m.Send(&Notification{
			Type:      NotifyError,
			Title:     fmt.Sprintf("Error: %s", str(e.Data, "source")),
			Message:   str(e.Data, "message"),
			Timestamp: e.Timestamp,
		})
	})
}

// SendDailySummary pushes the end-of-session rollup.
func (m *Manager) SendDailySummary(date string, trades, wins, losses int, pnl float64) error {
	return m.Send(&Notification{
		Type:      NotifySummary,
		Title:     fmt.Sprintf("Session Summary %s", date),
		Message:   fmt.Sprintf("Trades: %d (%dW / %dL)\nRealized P&L: %.2f", trades, wins, losses, pnl),
		PnL:       pnl,
		Timestamp: time.Now(),
	})
}

func str(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func num(data map[string]interface{}, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

// TelegramNotifier sends notifications via Telegram
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
}

// TelegramConfig holds Telegram configuration
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Enabled  bool
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: config.BotToken,
		chatID:   config.ChatID,
		enabled:  config.Enabled && config.BotToken != "" && config.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(notification *Notification) error {
	if !t.enabled {
		return nil
	}

	message := fmt.Sprintf("*%s*\n\n%s", notification.Title, notification.Message)

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       message,
		"parse_mode": "Markdown",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	return nil
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// DiscordConfig holds Discord configuration
type DiscordConfig struct {
	WebhookURL string
	Enabled    bool
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: config.WebhookURL,
		enabled:    config.Enabled && config.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

func (d *DiscordNotifier) Send(notification *Notification) error {
	if !d.enabled {
		return nil
	}

	color := 0x00FF00
	if notification.Type == NotifyError || notification.Type == NotifySuspension {
		color = 0xFF0000
	} else if notification.Type == NotifyTradeClose && notification.PnL < 0 {
		color = 0xFF0000
	}

	embed := map[string]interface{}{
		"title":       notification.Title,
		"description": notification.Message,
		"color":       color,
		"timestamp":   notification.Timestamp.Format(time.RFC3339),
	}

	if notification.Symbol != "" {
		fields := []map[string]interface{}{
			{"name": "Symbol", "value": notification.Symbol, "inline": true},
		}
		if notification.Price > 0 {
			fields = append(fields, map[string]interface{}{
				"name": "Price", "value": fmt.Sprintf("%.2f", notification.Price), "inline": true,
			})
		}
		if notification.PnL != 0 {
			fields = append(fields, map[string]interface{}{
				"name": "P&L", "value": fmt.Sprintf("%.2f", notification.PnL), "inline": true,
			})
		}
		embed["fields"] = fields
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}

	return nil
}
