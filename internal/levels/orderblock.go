package levels

import (
	"time"

	"breakretest-bot/internal/market"
)

// OrderBlockZone is a detected order-block candidate before registration.
type OrderBlockZone struct {
	Symbol     string
	Kind       Kind // KindOrderBlockBullish or KindOrderBlockBearish
	ZoneLow    float64
	ZoneHigh   float64
	OriginTime time.Time
}

// DetectOrderBlocks scans a candle window for order blocks: the last
// opposite-direction candle before a significant directional move. The
// move is measured from the block candle's close to the close two
// candles later, as a fraction of price.
func DetectOrderBlocks(candles []market.Candle, moveThreshold float64) []OrderBlockZone {
	var zones []OrderBlockZone

	for i := 0; i+2 < len(candles); i++ {
		c := candles[i]
		if c.Close <= 0 {
			continue
		}

		// Bullish block: bearish candle followed by a strong up move.
		if c.IsBearish() {
			upMove := (candles[i+2].Close - c.Close) / c.Close
			if upMove >= moveThreshold {
				zones = append(zones, OrderBlockZone{
					Symbol:     c.Symbol,
					Kind:       KindOrderBlockBullish,
					ZoneLow:    c.Low,
					ZoneHigh:   c.High,
					OriginTime: c.StartTime,
				})
			}
		}

		// Bearish block: bullish candle followed by a strong down move.
		if c.IsBullish() {
			downMove := (c.Close - candles[i+2].Close) / c.Close
			if downMove >= moveThreshold {
				zones = append(zones, OrderBlockZone{
					Symbol:     c.Symbol,
					Kind:       KindOrderBlockBearish,
					ZoneLow:    c.Low,
					ZoneHigh:   c.High,
					OriginTime: c.StartTime,
				})
			}
		}
	}

	return zones
}
