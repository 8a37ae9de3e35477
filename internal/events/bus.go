package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventSessionStarted    EventType = "SESSION_STARTED"
	EventSessionStopped    EventType = "SESSION_STOPPED"
	EventCandleClosed      EventType = "CANDLE_CLOSED"
	EventLevelUpdate       EventType = "LEVEL_UPDATE"
	EventInstanceUpdate    EventType = "INSTANCE_UPDATE"
	EventSignalFired       EventType = "SIGNAL_FIRED"
	EventRiskRejection     EventType = "RISK_REJECTION"
	EventTradeUpdate       EventType = "TRADE_UPDATE"
	EventTradeOpened       EventType = "TRADE_OPENED"
	EventTradeClosed       EventType = "TRADE_CLOSED"
	EventFlattenAllInvoked EventType = "FLATTEN_ALL_INVOKED"
	EventDataFault         EventType = "DATA_FAULT"
	EventBrokerFault       EventType = "BROKER_FAULT"
	EventSymbolSuspended   EventType = "SYMBOL_SUSPENDED"
	EventSymbolResumed     EventType = "SYMBOL_RESUMED"
	EventConfigUpdated     EventType = "CONFIG_UPDATED"
	EventError             EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Subscribers run in their
// own goroutines so a slow consumer never blocks the engine.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishSignal publishes a signal fired event
func (eb *EventBus) PublishSignal(strategy, symbol, direction string, entry, stop, target float64) {
	eb.Publish(Event{
		Type: EventSignalFired,
		Data: map[string]interface{}{
			"strategy":  strategy,
			"symbol":    symbol,
			"direction": direction,
			"entry":     entry,
			"stop":      stop,
			"target":    target,
		},
	})
}

// PublishLevelUpdate publishes a level lifecycle change
func (eb *EventBus) PublishLevelUpdate(symbol, kind, status string, price float64, levelID string) {
	eb.Publish(Event{
		Type: EventLevelUpdate,
		Data: map[string]interface{}{
			"symbol":   symbol,
			"kind":     kind,
			"status":   status,
			"price":    price,
			"level_id": levelID,
		},
	})
}

// PublishTradeOpened publishes a trade opened event
func (eb *EventBus) PublishTradeOpened(tradeID, symbol, direction string, entryPrice, quantity float64) {
	eb.Publish(Event{
		Type: EventTradeOpened,
		Data: map[string]interface{}{
			"trade_id":    tradeID,
			"symbol":      symbol,
			"direction":   direction,
			"entry_price": entryPrice,
			"quantity":    quantity,
		},
	})
}

// PublishTradeClosed publishes a trade closed event
func (eb *EventBus) PublishTradeClosed(tradeID, symbol, result string, entryPrice, exitPrice, pnl float64) {
	eb.Publish(Event{
		Type: EventTradeClosed,
		Data: map[string]interface{}{
			"trade_id":    tradeID,
			"symbol":      symbol,
			"result":      result,
			"entry_price": entryPrice,
			"exit_price":  exitPrice,
			"pnl":         pnl,
		},
	})
}

// PublishRiskRejection publishes a risk gate rejection
func (eb *EventBus) PublishRiskRejection(symbol, strategy, reason string) {
	eb.Publish(Event{
		Type: EventRiskRejection,
		Data: map[string]interface{}{
			"symbol":   symbol,
			"strategy": strategy,
			"reason":   reason,
		},
	})
}

// PublishDataFault publishes a data-quality fault
func (eb *EventBus) PublishDataFault(symbol, reason string) {
	eb.Publish(Event{
		Type: EventDataFault,
		Data: map[string]interface{}{
			"symbol": symbol,
			"reason": reason,
		},
	})
}

// PublishBrokerFault publishes a broker fault
func (eb *EventBus) PublishBrokerFault(symbol, kind, message string) {
	eb.Publish(Event{
		Type: EventBrokerFault,
		Data: map[string]interface{}{
			"symbol":  symbol,
			"kind":    kind,
			"message": message,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
