package market

import (
	"fmt"
	"time"
)

// Candle represents a fixed-interval OHLC candle for a symbol/timeframe.
// A candle is immutable once Closed is set; downstream components treat
// it as read-only.
type Candle struct {
	Symbol    string        `json:"symbol"`
	Timeframe time.Duration `json:"timeframe"`
	Open      float64       `json:"open"`
	High      float64       `json:"high"`
	Low       float64       `json:"low"`
	Close     float64       `json:"close"`
	Volume    float64       `json:"volume"`
	StartTime time.Time     `json:"start_time"`
	Closed    bool          `json:"closed"`
}

// EndTime returns the exclusive end of the candle's window.
func (c Candle) EndTime() time.Time {
	return c.StartTime.Add(c.Timeframe)
}

// IsBullish reports whether the candle closed above its open.
func (c Candle) IsBullish() bool {
	return c.Close > c.Open
}

// IsBearish reports whether the candle closed below its open.
func (c Candle) IsBearish() bool {
	return c.Close < c.Open
}

// Body returns the absolute size of the candle body.
func (c Candle) Body() float64 {
	if c.Close >= c.Open {
		return c.Close - c.Open
	}
	return c.Open - c.Close
}

// Range returns the high-low range of the candle.
func (c Candle) Range() float64 {
	return c.High - c.Low
}

func (c Candle) String() string {
	return fmt.Sprintf("%s %s O=%.4f H=%.4f L=%.4f C=%.4f V=%.2f @%s",
		c.Symbol, c.Timeframe, c.Open, c.High, c.Low, c.Close, c.Volume,
		c.StartTime.Format(time.RFC3339))
}

// Tick is a single trade print from the market data collaborator.
type Tick struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
}
