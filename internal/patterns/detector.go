package patterns

import (
	"time"

	"breakretest-bot/internal/market"
)

// PatternType identifies a candlestick pattern
type PatternType string

const (
	PatternBullishEngulfing PatternType = "BULLISH_ENGULFING"
	PatternBearishEngulfing PatternType = "BEARISH_ENGULFING"
	PatternHammer           PatternType = "HAMMER"
	PatternShootingStar     PatternType = "SHOOTING_STAR"
	PatternHangingMan       PatternType = "HANGING_MAN"
	PatternDoji             PatternType = "DOJI"
	PatternDragonflyDoji    PatternType = "DRAGONFLY_DOJI"
	PatternGravestoneDoji   PatternType = "GRAVESTONE_DOJI"
)

// Direction of the move a pattern suggests
type Direction string

const (
	DirectionBullish Direction = "BULLISH"
	DirectionNeutral Direction = "NEUTRAL"
	DirectionBearish Direction = "BEARISH"
)

// DetectedPattern is one pattern occurrence in a candle sequence
type DetectedPattern struct {
	Symbol     string      `json:"symbol"`
	Type       PatternType `json:"type"`
	Direction  Direction   `json:"direction"`
	Price      float64     `json:"price"`
	Confidence float64     `json:"confidence"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Detector finds candlestick patterns in closed-candle sequences
type Detector struct {
	minBodyRatio float64 // minimum body/range ratio for a "real" body
}

// NewDetector creates a pattern detector. minBodyRatio filters out
// near-doji candles from body-dependent patterns (0.5 is a sane default).
func NewDetector(minBodyRatio float64) *Detector {
	if minBodyRatio <= 0 {
		minBodyRatio = 0.5
	}
	return &Detector{minBodyRatio: minBodyRatio}
}

// Detect scans the candle sequence and returns every reversal pattern
// found, newest candles last.
func (d *Detector) Detect(candles []market.Candle) []DetectedPattern {
	var out []DetectedPattern

	for i := range candles {
		c := candles[i]

		if d.IsHammer(c) {
			out = append(out, pattern(c, PatternHammer, DirectionBullish, 0.7))
		}
		if d.IsShootingStar(c) {
			out = append(out, pattern(c, PatternShootingStar, DirectionBearish, 0.7))
		}
		if d.IsDragonflyDoji(c) {
			out = append(out, pattern(c, PatternDragonflyDoji, DirectionBullish, 0.6))
		} else if d.IsGravestoneDoji(c) {
			out = append(out, pattern(c, PatternGravestoneDoji, DirectionBearish, 0.6))
		} else if d.IsDoji(c) {
			out = append(out, pattern(c, PatternDoji, DirectionNeutral, 0.4))
		}

		if i == 0 {
			continue
		}
		prev := candles[i-1]

		if d.IsBullishEngulfing(prev, c) {
			out = append(out, pattern(c, PatternBullishEngulfing, DirectionBullish, 0.8))
		}
		if d.IsBearishEngulfing(prev, c) {
			out = append(out, pattern(c, PatternBearishEngulfing, DirectionBearish, 0.8))
		}
		if d.IsHangingMan(prev, c) {
			out = append(out, pattern(c, PatternHangingMan, DirectionBearish, 0.65))
		}
	}

	return out
}

// BullishReversalAt reports whether the candle pair forms any bullish
// reversal pattern. Used as the pattern-based retest confirmation.
func (d *Detector) BullishReversalAt(prev, c market.Candle) bool {
	return d.IsBullishEngulfing(prev, c) || d.IsHammer(c) || d.IsDragonflyDoji(c)
}

// BearishReversalAt reports whether the candle pair forms any bearish
// reversal pattern.
func (d *Detector) BearishReversalAt(prev, c market.Candle) bool {
	return d.IsBearishEngulfing(prev, c) || d.IsShootingStar(c) ||
		d.IsHangingMan(prev, c) || d.IsGravestoneDoji(c)
}

func pattern(c market.Candle, t PatternType, dir Direction, confidence float64) DetectedPattern {
	return DetectedPattern{
		Symbol:     c.Symbol,
		Type:       t,
		Direction:  dir,
		Price:      c.Close,
		Confidence: confidence,
		Timestamp:  c.StartTime,
	}
}
