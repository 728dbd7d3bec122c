package pipeline

import (
	"github.com/tstrasser/wheelhouse/internal/broker"
	"github.com/tstrasser/wheelhouse/internal/config"
	"github.com/tstrasser/wheelhouse/internal/models"
)

// Sizer applies the capital checks to one opportunity against live account
// state. Sizing never shrinks an order to fit remaining buying power: the
// contract count comes from the per-ticker exposure budget, and an order
// that no longer fits is skipped whole.
type Sizer struct {
	cfg config.ExecutionConfig
}

// NewSizer builds a sizer over the execution limits.
func NewSizer(cfg config.ExecutionConfig) *Sizer {
	return &Sizer{cfg: cfg}
}

// SizeResult is the sizing verdict for one opportunity.
type SizeResult struct {
	Contracts  int
	Collateral float64
	Blocked    bool
	Reason     string
}

// Size computes the contract count and collateral for the opportunity, or
// blocks it with the first limit it breaches. All limit checks are
// boundary-inclusive: hitting a cap exactly still passes.
func (s *Sizer) Size(opp *models.Opportunity, acct *broker.Account, positions []models.Position) SizeResult {
	if s.cfg.MaxTotalPositions > 0 && ShortOptionCount(positions) >= s.cfg.MaxTotalPositions {
		return SizeResult{Blocked: true, Reason: ReasonMaxPositions}
	}
	if opp.Right == models.RightCall {
		return s.sizeCoveredCall(opp, positions)
	}
	return s.sizeShortPut(opp, acct, positions)
}

func (s *Sizer) sizeShortPut(opp *models.Opportunity, acct *broker.Account, positions []models.Position) SizeResult {
	perContract := models.CollateralFor(opp.Strike, 1)
	if perContract <= 0 {
		return SizeResult{Blocked: true, Reason: ReasonTickerExposure}
	}
	contracts := int(s.cfg.MaxExposurePerTicker / perContract)
	if contracts < 1 {
		return SizeResult{Blocked: true, Reason: ReasonTickerExposure}
	}
	collateral := models.CollateralFor(opp.Strike, contracts)
	if collateral > acct.BuyingPower {
		return SizeResult{Collateral: collateral, Blocked: true, Reason: ReasonInsufficientBP}
	}
	reserved := ShortPutCollateral(positions)
	if acct.PortfolioValue <= 0 || (reserved+collateral)/acct.PortfolioValue > s.cfg.MaxPortfolioAllocation {
		return SizeResult{Collateral: collateral, Blocked: true, Reason: ReasonPortfolioAlloc}
	}
	return SizeResult{Contracts: contracts, Collateral: collateral}
}

// sizeCoveredCall caps the order at the round lots actually held. Covered
// calls reserve no cash, so buying power and allocation do not apply.
func (s *Sizer) sizeCoveredCall(opp *models.Opportunity, positions []models.Position) SizeResult {
	_, shares, ok := models.StockCostBasis(opp.Underlying, positions)
	contracts := 0
	if ok {
		contracts = int(shares) / 100
	}
	if contracts < 1 {
		return SizeResult{Blocked: true, Reason: ReasonInsufficientStock}
	}
	return SizeResult{Contracts: contracts}
}

// ShortPutCollateral sums the cash already reserved by open short puts,
// reading each strike out of the position's OCC symbol.
func ShortPutCollateral(positions []models.Position) float64 {
	var total float64
	for i := range positions {
		p := &positions[i]
		if p.AssetClass != models.AssetOption || !p.Short() {
			continue
		}
		_, _, right, strike, err := models.ParseOCCSymbol(p.Symbol)
		if err != nil || right != models.RightPut {
			continue
		}
		total += models.CollateralFor(strike, int(-p.Quantity))
	}
	return total
}

// ShortOptionCount counts open short option positions, the unit the total
// position cap is expressed in.
func ShortOptionCount(positions []models.Position) int {
	n := 0
	for i := range positions {
		if positions[i].AssetClass == models.AssetOption && positions[i].Short() {
			n++
		}
	}
	return n
}
