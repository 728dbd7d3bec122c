// Package util provides price arithmetic for order limit pricing.
package util

import "math"

// OptionTick is the minimum price increment for listed equity options.
const OptionTick = 0.01

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.01, 1.2345 becomes 1.23 or 1.24 depending on rounding.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Round(x/tick) * tick
}

// SellLimit prices a credit order slightly below mid so it fills without
// giving up the whole spread: mid scaled down by the slippage factor, rounded
// to the tick.
func SellLimit(mid, slippage, tick float64) float64 {
	return RoundToTick(mid*(1-slippage), tick)
}

// BuyLimit prices a debit order slightly above mid, the closing-side mirror
// of SellLimit.
func BuyLimit(mid, slippage, tick float64) float64 {
	return RoundToTick(mid*(1+slippage), tick)
}
