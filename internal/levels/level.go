package levels

import (
	"fmt"
	"time"

	"breakretest-bot/internal/market"
)

// Kind identifies what a price level represents.
type Kind string

const (
	KindOpeningRangeHigh  Kind = "OPENING_RANGE_HIGH"
	KindOpeningRangeLow   Kind = "OPENING_RANGE_LOW"
	KindPrevDayHigh       Kind = "PREV_DAY_HIGH"
	KindPrevDayLow        Kind = "PREV_DAY_LOW"
	KindOrderBlockBullish Kind = "ORDER_BLOCK_BULLISH"
	KindOrderBlockBearish Kind = "ORDER_BLOCK_BEARISH"
	KindManual            Kind = "MANUAL"
)

// Status is the lifecycle state of a level. Transitions only move
// forward: ACTIVE -> BROKEN -> RETESTED. EXPIRED is reachable from any
// state at a session boundary.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusBroken   Status = "BROKEN"
	StatusRetested Status = "RETESTED"
	StatusExpired  Status = "EXPIRED"
)

// rank orders statuses so transitions can be checked for regression.
func (s Status) rank() int {
	switch s {
	case StatusActive:
		return 0
	case StatusBroken:
		return 1
	case StatusRetested:
		return 2
	case StatusExpired:
		return 3
	default:
		return -1
	}
}

// Transition records a status change with the candle that triggered it.
type Transition struct {
	From      Status        `json:"from"`
	To        Status        `json:"to"`
	Candle    market.Candle `json:"candle"`
	Timestamp time.Time     `json:"timestamp"`
}

// Level is a key price level owned by the Registry. Only the Registry
// mutates status; every other component reads it by value.
type Level struct {
	ID          string       `json:"id"`
	Symbol      string       `json:"symbol"`
	Kind        Kind         `json:"kind"`
	Price       float64      `json:"price"`
	ZoneLow     float64      `json:"zone_low"`
	ZoneHigh    float64      `json:"zone_high"`
	SessionDate string       `json:"session_date"` // YYYY-MM-DD
	Status      Status       `json:"status"`
	Description string       `json:"description,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	History     []Transition `json:"history,omitempty"`
}

// IsZone reports whether the level has width (order blocks).
func (l *Level) IsZone() bool {
	return l.ZoneHigh != l.ZoneLow
}

// BrokenAbove reports whether a close beyond the level from below by at
// least tolerance counts as a break.
func (l *Level) BrokenAbove(price, tolerance float64) bool {
	if l.IsZone() {
		return price > l.ZoneHigh+tolerance
	}
	return price > l.Price+tolerance
}

// BrokenBelow reports whether a close beyond the level from above by at
// least tolerance counts as a break.
func (l *Level) BrokenBelow(price, tolerance float64) bool {
	if l.IsZone() {
		return price < l.ZoneLow-tolerance
	}
	return price < l.Price-tolerance
}

// TouchedBy reports whether the candle's range comes within tolerance of
// the level price, or trades into the zone for zone levels.
func (l *Level) TouchedBy(c market.Candle, tolerance float64) bool {
	if l.IsZone() {
		return c.Low <= l.ZoneHigh+tolerance && c.High >= l.ZoneLow-tolerance
	}
	return c.Low <= l.Price+tolerance && c.High >= l.Price-tolerance
}

func (l *Level) String() string {
	if l.IsZone() {
		return fmt.Sprintf("%s %s zone %.4f-%.4f [%s]", l.Symbol, l.Kind, l.ZoneLow, l.ZoneHigh, l.Status)
	}
	return fmt.Sprintf("%s %s %.4f [%s]", l.Symbol, l.Kind, l.Price, l.Status)
}
