// Package models defines the domain types shared across the scan, execute,
// and monitor paths: underlyings, option contracts, ranked opportunities,
// persisted scan artifacts, and the observed broker state (positions, orders,
// wheel phase).
package models

import (
	"fmt"
	"math"
	"time"
)

// Right identifies the option side of a contract.
type Right string

const (
	// RightPut is a put option.
	RightPut Right = "PUT"
	// RightCall is a call option.
	RightCall Right = "CALL"
)

// Valid reports whether the right is one of the two known values.
func (r Right) Valid() bool {
	return r == RightPut || r == RightCall
}

// Underlying is a scan-time snapshot of an equity candidate. It is built once
// at scan entry from the broker quote and daily bars and never mutated during
// the scan.
type Underlying struct {
	Symbol               string  `json:"symbol"`
	Price                float64 `json:"price"`
	AvgVolume            float64 `json:"avg_volume"`
	HistoricalVolatility float64 `json:"historical_volatility"`
}

// OptionContract is a single contract returned by the broker's chain
// endpoint, normalized into the fields the pipeline filters on. Mid is
// populated by the broker as (bid+ask)/2 when the chain is assembled.
type OptionContract struct {
	OCCSymbol    string    `json:"occ_symbol"`
	Underlying   string    `json:"underlying"`
	Right        Right     `json:"right"`
	Strike       float64   `json:"strike"`
	Expiration   time.Time `json:"expiration"`
	DTE          int       `json:"dte"`
	Bid          float64   `json:"bid"`
	Ask          float64   `json:"ask"`
	Mid          float64   `json:"mid"`
	Delta        float64   `json:"delta"`
	OpenInterest int64     `json:"open_interest"`
	Volume       int64     `json:"volume"`
}

// Validate checks the quote-level invariants the chain endpoint is supposed
// to uphold. A contract failing these is a data-shape error, not a filter
// rejection.
func (c *OptionContract) Validate() error {
	if c.OCCSymbol == "" {
		return fmt.Errorf("contract missing occ symbol")
	}
	if c.Underlying == "" {
		return fmt.Errorf("contract %s missing underlying", c.OCCSymbol)
	}
	if !c.Right.Valid() {
		return fmt.Errorf("contract %s has unknown right %q", c.OCCSymbol, c.Right)
	}
	if c.Strike <= 0 {
		return fmt.Errorf("contract %s has non-positive strike %.2f", c.OCCSymbol, c.Strike)
	}
	if c.DTE < 0 {
		return fmt.Errorf("contract %s has negative dte %d", c.OCCSymbol, c.DTE)
	}
	if c.Bid > c.Ask {
		return fmt.Errorf("contract %s has crossed quote: bid %.2f > ask %.2f", c.OCCSymbol, c.Bid, c.Ask)
	}
	if math.Abs(c.Delta) > 1 {
		return fmt.Errorf("contract %s has delta %.4f outside [-1, 1]", c.OCCSymbol, c.Delta)
	}
	return nil
}

// MidPrice returns the midpoint of a bid/ask pair.
func MidPrice(bid, ask float64) float64 {
	return (bid + ask) / 2
}

// Opportunity is a contract that survived the scan-phase filters, augmented
// with the ranking metadata the execute phase sorts and sizes on.
// ExpectedPremium is the credit for a single contract (mid times the
// 100-share multiplier).
type Opportunity struct {
	OptionContract

	Score                float64 `json:"score"`
	AnnualReturnEstimate float64 `json:"annual_return_estimate"`
	ExpectedPremium      float64 `json:"expected_premium"`
}

// Validate checks that every field downstream sizing depends on is populated.
// The store calls this before persisting so that a malformed opportunity
// fails at scan time instead of inside an execute cycle.
func (o *Opportunity) Validate(maxDTE int) error {
	if err := o.OptionContract.Validate(); err != nil {
		return err
	}
	if o.Mid <= 0 {
		return fmt.Errorf("opportunity %s has non-positive mid %.4f", o.OCCSymbol, o.Mid)
	}
	if maxDTE > 0 && o.DTE > maxDTE {
		return fmt.Errorf("opportunity %s dte %d exceeds maximum %d", o.OCCSymbol, o.DTE, maxDTE)
	}
	return nil
}

// AnnualReturnEstimate annualizes the premium yield of a short option:
// (mid / strike) scaled by (365 / dte).
func AnnualReturnEstimate(mid, strike float64, dte int) float64 {
	if strike <= 0 || dte <= 0 {
		return 0
	}
	return (mid / strike) * (365.0 / float64(dte))
}

// OpportunityScore weights the annualized return by assignment risk: higher
// |delta| means a higher chance of assignment, so the score discounts it.
func OpportunityScore(annualReturn, delta float64) float64 {
	return annualReturn * (1 - math.Abs(delta))
}

// CollateralFor returns the cash a broker reserves against a short put:
// strike times the 100-share multiplier times the contract count.
func CollateralFor(strike float64, contracts int) float64 {
	return strike * 100 * float64(contracts)
}

// DaysUntil returns the whole days from now until the given expiration date,
// floored at zero. Both times are compared on their UTC calendar dates.
func DaysUntil(now, expiration time.Time) int {
	f := now.UTC().Truncate(24 * time.Hour)
	t := expiration.UTC().Truncate(24 * time.Hour)
	d := int(t.Sub(f).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}
