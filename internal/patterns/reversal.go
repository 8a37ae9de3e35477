package patterns

import "breakretest-bot/internal/market"

// IsBullishEngulfing checks for a Bullish Engulfing pattern
func (d *Detector) IsBullishEngulfing(c1, c2 market.Candle) bool {
	// C1: bearish candle
	if !c1.IsBearish() {
		return false
	}

	// C2: bullish candle
	if !c2.IsBullish() {
		return false
	}

	// C2 body must completely engulf C1 body
	if c2.Open > c1.Close || c2.Close < c1.Open {
		return false
	}

	return true
}

// IsBearishEngulfing checks for a Bearish Engulfing pattern
func (d *Detector) IsBearishEngulfing(c1, c2 market.Candle) bool {
	// C1: bullish candle
	if !c1.IsBullish() {
		return false
	}

	// C2: bearish candle
	if !c2.IsBearish() {
		return false
	}

	// C2 body must completely engulf C1 body
	if c2.Open < c1.Close || c2.Close > c1.Open {
		return false
	}

	return true
}

// IsDoji checks for a Doji pattern (indecision)
func (d *Detector) IsDoji(c market.Candle) bool {
	r := c.Range()
	if r == 0 {
		return false
	}

	// Doji: body is very small relative to range (< 10%)
	return (c.Body() / r) < 0.10
}

// IsDragonflyDoji checks for a Dragonfly Doji (bullish)
func (d *Detector) IsDragonflyDoji(c market.Candle) bool {
	if !d.IsDoji(c) {
		return false
	}

	body := c.Body()
	lowerWick := minf(c.Open, c.Close) - c.Low
	upperWick := c.High - maxf(c.Open, c.Close)

	// Long lower wick, little to no upper wick
	return lowerWick > body*3 && upperWick < body*0.3
}

// IsGravestoneDoji checks for a Gravestone Doji (bearish)
func (d *Detector) IsGravestoneDoji(c market.Candle) bool {
	if !d.IsDoji(c) {
		return false
	}

	body := c.Body()
	lowerWick := minf(c.Open, c.Close) - c.Low
	upperWick := c.High - maxf(c.Open, c.Close)

	// Long upper wick, little to no lower wick
	return upperWick > body*3 && lowerWick < body*0.3
}

// IsHammer checks for a Hammer (bullish reversal after a decline)
func (d *Detector) IsHammer(c market.Candle) bool {
	body := c.Body()
	r := c.Range()
	if r == 0 || body == 0 {
		return false
	}

	lowerWick := minf(c.Open, c.Close) - c.Low
	upperWick := c.High - maxf(c.Open, c.Close)

	// Lower wick at least twice the body, small upper wick
	return lowerWick >= body*2 && upperWick <= body*0.5 && (body/r) >= 0.1
}

// IsShootingStar checks for a Shooting Star (bearish reversal after a rise)
func (d *Detector) IsShootingStar(c market.Candle) bool {
	body := c.Body()
	r := c.Range()
	if r == 0 || body == 0 {
		return false
	}

	lowerWick := minf(c.Open, c.Close) - c.Low
	upperWick := c.High - maxf(c.Open, c.Close)

	// Upper wick at least twice the body, small lower wick
	return upperWick >= body*2 && lowerWick <= body*0.5 && (body/r) >= 0.1
}

// IsHangingMan checks for a Hanging Man: hammer shape appearing after an
// up candle
func (d *Detector) IsHangingMan(prev, c market.Candle) bool {
	if !prev.IsBullish() {
		return false
	}
	return d.IsHammer(c) && c.Close < prev.Close
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
