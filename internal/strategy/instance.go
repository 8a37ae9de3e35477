package strategy

import (
	"fmt"
	"time"

	"breakretest-bot/internal/market"
)

// Kind identifies the trading setup an instance watches for.
type Kind string

const (
	KindORB    Kind = "ORB"     // opening-range breakout
	KindPDHPDL Kind = "PDH_PDL" // previous-day high/low
	KindOB     Kind = "OB"      // order block
	KindManual Kind = "MANUAL"  // operator-supplied level
)

// Direction of the expected trade.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Opposite returns the reverse direction.
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// Phase is the state of a break/retest instance. Phases only move
// forward; SIGNALED, DONE and INVALIDATED are absorbing.
type Phase string

const (
	PhaseWatching    Phase = "WATCHING"
	PhaseBroken      Phase = "BROKEN"
	PhaseRetesting   Phase = "RETESTING"
	PhaseConfirmed   Phase = "CONFIRMED"
	PhaseSignaled    Phase = "SIGNALED"
	PhaseDone        Phase = "DONE"
	PhaseInvalidated Phase = "INVALIDATED"
)

// Rank orders phases along the success path so monotonicity can be
// asserted. Terminal escapes rank above everything.
func (p Phase) Rank() int {
	switch p {
	case PhaseWatching:
		return 0
	case PhaseBroken:
		return 1
	case PhaseRetesting:
		return 2
	case PhaseConfirmed:
		return 3
	case PhaseSignaled:
		return 4
	case PhaseDone, PhaseInvalidated:
		return 5
	default:
		return -1
	}
}

// Terminal reports whether the phase absorbs all further candles.
func (p Phase) Terminal() bool {
	return p == PhaseSignaled || p == PhaseDone || p == PhaseInvalidated
}

// Instance is one break/retest state machine bound to a single
// (symbol, strategy, level, direction) for a session. It is never
// recreated once terminal.
type Instance struct {
	ID            string         `json:"id"`
	Symbol        string         `json:"symbol"`
	Strategy      Kind           `json:"strategy"`
	LevelID       string         `json:"level_id"`
	Direction     Direction      `json:"direction"`
	Phase         Phase          `json:"phase"`
	BreakCandle   *market.Candle `json:"break_candle,omitempty"`
	RetestCandle  *market.Candle `json:"retest_candle,omitempty"`
	ConfirmCandle *market.Candle `json:"confirm_candle,omitempty"`
	InvalidReason string         `json:"invalid_reason,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Key uniquely identifies an instance within a session.
func (in *Instance) Key() string {
	return InstanceKey(in.Symbol, in.Strategy, in.LevelID, in.Direction)
}

// InstanceKey builds the uniqueness key for (symbol, strategy, level,
// direction).
func InstanceKey(symbol string, strategy Kind, levelID string, direction Direction) string {
	return fmt.Sprintf("%s|%s|%s|%s", symbol, strategy, levelID, direction)
}

func (in *Instance) String() string {
	return fmt.Sprintf("%s %s %s level=%s [%s]", in.Symbol, in.Strategy, in.Direction, in.LevelID, in.Phase)
}

// Signal is the sole output of the state machine: a fully specified
// trade suggestion, not an order.
type Signal struct {
	ID           string        `json:"id"`
	Symbol       string        `json:"symbol"`
	Strategy     Kind          `json:"strategy"`
	Direction    Direction     `json:"direction"`
	LevelID      string        `json:"level_id"`
	InstanceID   string        `json:"instance_id"`
	Entry        float64       `json:"entry"`
	Stop         float64       `json:"stop"`
	Target       float64       `json:"target"`
	BreakCandle  market.Candle `json:"break_candle"`
	RetestCandle market.Candle `json:"retest_candle"`
	GeneratedAt  time.Time     `json:"generated_at"`
}

// Key returns the no-double-dip key shared with the trade controller.
func (s *Signal) Key() string {
	return InstanceKey(s.Symbol, s.Strategy, s.LevelID, s.Direction)
}
