package strategy

import (
	"fmt"

	"breakretest-bot/internal/levels"
	"breakretest-bot/internal/market"
	"breakretest-bot/internal/patterns"
)

// Confirmation rule names accepted in the config.
const (
	RuleCloseThrough    = "close_through"
	RuleReversalPattern = "reversal_pattern"
)

// ConfirmationRule decides whether the candle following a retest touch
// confirms the setup. retest is the touching candle, confirm the one
// after it.
type ConfirmationRule interface {
	Name() string
	Confirm(level *levels.Level, direction Direction, retest, confirm market.Candle) bool
}

// CloseThroughRule confirms when the candle closes beyond the level in
// the trade direction by at least Margin.
type CloseThroughRule struct {
	Margin float64
}

func (r *CloseThroughRule) Name() string { return RuleCloseThrough }

func (r *CloseThroughRule) Confirm(level *levels.Level, direction Direction, _, confirm market.Candle) bool {
	if direction == Long {
		return confirm.Close >= level.Price+r.Margin
	}
	return confirm.Close <= level.Price-r.Margin
}

// ReversalPatternRule confirms on a recognized reversal candlestick
// shape in the trade direction, formed by the retest candle and the
// one after it.
type ReversalPatternRule struct {
	Detector *patterns.Detector
}

func (r *ReversalPatternRule) Name() string { return RuleReversalPattern }

func (r *ReversalPatternRule) Confirm(_ *levels.Level, direction Direction, retest, confirm market.Candle) bool {
	if direction == Long {
		return r.Detector.BullishReversalAt(retest, confirm)
	}
	return r.Detector.BearishReversalAt(retest, confirm)
}

// NewConfirmationRule resolves a rule name from the config. The
// close-through margin reuses the break tolerance so confirmation
// demands the same conviction as the original break.
func NewConfirmationRule(name string, breakTolerance float64) (ConfirmationRule, error) {
	switch name {
	case RuleCloseThrough, "":
		return &CloseThroughRule{Margin: breakTolerance}, nil
	case RuleReversalPattern:
		return &ReversalPatternRule{Detector: patterns.NewDetector(0.6)}, nil
	default:
		return nil, fmt.Errorf("unknown confirmation rule %q", name)
	}
}
