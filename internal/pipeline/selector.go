package pipeline

import (
	"log"
	"math"

	"github.com/tstrasser/wheelhouse/internal/config"
	"github.com/tstrasser/wheelhouse/internal/models"
)

// SelectionStats is the rejection histogram for one chain pass. Counts are
// additive across symbols so a scan can report a single aggregate.
type SelectionStats struct {
	RejectedDTETooHigh      int `json:"rejected_dte_too_high"`
	RejectedPremiumTooLow   int `json:"rejected_premium_too_low"`
	RejectedDeltaOutOfRange int `json:"rejected_delta_out_of_range"`
	RejectedNoLiquidity     int `json:"rejected_no_liquidity"`

	// InvalidContracts counts quote-invariant violations (crossed markets,
	// impossible deltas). These are data faults, not filter rejections.
	InvalidContracts int `json:"invalid_contracts,omitempty"`
}

// Add folds another histogram into this one.
func (s *SelectionStats) Add(other SelectionStats) {
	s.RejectedDTETooHigh += other.RejectedDTETooHigh
	s.RejectedPremiumTooLow += other.RejectedPremiumTooLow
	s.RejectedDeltaOutOfRange += other.RejectedDeltaOutOfRange
	s.RejectedNoLiquidity += other.RejectedNoLiquidity
	s.InvalidContracts += other.InvalidContracts
}

// CallContext carries what call-side selection needs from live positions.
// Calls are only candidates while holding stock, and only at strikes at or
// above the stock's cost basis so assignment never locks in a loss.
type CallContext struct {
	Eligible  bool
	CostBasis float64
}

// Selector applies the per-contract chain criteria and builds scored
// opportunities from the survivors.
type Selector struct {
	cfg    config.OptionsConfig
	logger *log.Logger
}

// NewSelector builds a selector over the options criteria.
func NewSelector(cfg config.OptionsConfig, logger *log.Logger) *Selector {
	return &Selector{cfg: cfg, logger: logger}
}

// Select partitions the chain by right, filters each side against the
// configured criteria, and returns scored opportunities plus the rejection
// histogram. Checks run in a fixed order and the first failure claims the
// rejection, so histograms are deterministic for a given chain.
func (s *Selector) Select(chain []models.OptionContract, calls CallContext) (puts, callOpps []models.Opportunity, stats SelectionStats) {
	for i := range chain {
		c := chain[i]

		if err := c.Validate(); err != nil {
			stats.InvalidContracts++
			s.logger.Printf("CRITICAL: contract failed quote invariants: %v", err)
			continue
		}

		switch c.Right {
		case models.RightCall:
			if !calls.Eligible || c.Strike < calls.CostBasis {
				continue
			}
		case models.RightPut:
			// always a candidate side
		}

		if c.DTE > s.cfg.TargetDTE {
			stats.RejectedDTETooHigh++
			continue
		}
		if c.Mid < s.cfg.MinPremium {
			stats.RejectedPremiumTooLow++
			continue
		}
		absDelta := math.Abs(c.Delta)
		if absDelta < s.cfg.DeltaMin || absDelta > s.cfg.DeltaMax {
			stats.RejectedDeltaOutOfRange++
			continue
		}
		if c.OpenInterest < s.cfg.MinOpenInterest && c.Volume <= 0 {
			stats.RejectedNoLiquidity++
			continue
		}

		ar := models.AnnualReturnEstimate(c.Mid, c.Strike, c.DTE)
		opp := models.Opportunity{
			OptionContract:       c,
			Score:                models.OpportunityScore(ar, c.Delta),
			AnnualReturnEstimate: ar,
			ExpectedPremium:      c.Mid * 100,
		}
		if c.Right == models.RightPut {
			puts = append(puts, opp)
		} else {
			callOpps = append(callOpps, opp)
		}
	}
	return puts, callOpps, stats
}
