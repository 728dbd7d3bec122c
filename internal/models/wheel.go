package models

import (
	"errors"
	"fmt"
)

// WheelPhase is where a single underlying sits in the wheel cycle. The phase
// is derived from live broker state on every call and never persisted, so a
// restart cannot disagree with the broker about where the wheel stands.
type WheelPhase string

const (
	// PhaseIdle means no stock and no short options on the underlying.
	PhaseIdle WheelPhase = "IDLE"
	// PhaseSellingPuts means a short put is open and no stock is held.
	PhaseSellingPuts WheelPhase = "SELLING_PUTS"
	// PhaseHoldingStock means shares are held with no short call against them.
	PhaseHoldingStock WheelPhase = "HOLDING_STOCK"
	// PhaseSellingCalls means shares are held and a covered call is open.
	PhaseSellingCalls WheelPhase = "SELLING_CALLS"
)

// Operation is a wheel action evaluated for admissibility against the phase.
type Operation string

const (
	// OpSellPut opens a new cash-secured put.
	OpSellPut Operation = "sell_put"
	// OpSellCall opens a covered call against held stock.
	OpSellCall Operation = "sell_call"
	// OpClosePut buys back an open short put.
	OpClosePut Operation = "close_put"
	// OpCloseCall buys back an open covered call.
	OpCloseCall Operation = "close_call"
)

// admissible maps each operation to the phases in which it is legal.
var admissible = map[Operation][]WheelPhase{
	OpSellPut:   {PhaseIdle, PhaseSellingPuts},
	OpSellCall:  {PhaseHoldingStock},
	OpClosePut:  {PhaseSellingPuts},
	OpCloseCall: {PhaseSellingCalls},
}

// Allows reports whether the operation is legal in this phase.
func (p WheelPhase) Allows(op Operation) bool {
	for _, phase := range admissible[op] {
		if phase == p {
			return true
		}
	}
	return false
}

// OperationFor maps a contract right to the opening operation it implies.
func OperationFor(right Right) Operation {
	if right == RightCall {
		return OpSellCall
	}
	return OpSellPut
}

// ErrWheelStateConflict marks broker state no wheel phase can explain, such
// as a short put coexisting with held stock. Callers log it and block the
// affected opportunity rather than guessing.
var ErrWheelStateConflict = errors.New("wheel state conflict")

// wheelView is the per-underlying summary the derivation rules read.
type wheelView struct {
	stock     bool
	shortPut  bool
	shortCall bool
	costBasis float64
	shares    float64
}

func summarize(symbol string, positions []Position) wheelView {
	var v wheelView
	for i := range positions {
		p := &positions[i]
		if p.UnderlyingSymbol() != symbol {
			continue
		}
		switch p.AssetClass {
		case AssetEquity:
			if p.Quantity > 0 {
				v.stock = true
				v.costBasis = p.EntryPrice
				v.shares = p.Quantity
			}
		case AssetOption:
			if !p.Short() {
				continue
			}
			_, _, right, _, err := ParseOCCSymbol(p.Symbol)
			if err != nil {
				continue
			}
			switch right {
			case RightPut:
				v.shortPut = true
			case RightCall:
				v.shortCall = true
			}
		}
	}
	return v
}

// DerivePhase computes the wheel phase for one underlying from the broker's
// current positions. The rules apply in order: held stock with a short call
// is SELLING_CALLS, held stock alone is HOLDING_STOCK, a short put without
// stock is SELLING_PUTS, anything else is IDLE. Two calls with identical
// inputs always yield identical phases.
func DerivePhase(symbol string, positions []Position) WheelPhase {
	v := summarize(symbol, positions)
	switch {
	case v.stock && v.shortCall:
		return PhaseSellingCalls
	case v.stock:
		return PhaseHoldingStock
	case v.shortPut:
		return PhaseSellingPuts
	default:
		return PhaseIdle
	}
}

// CheckWheelConsistency reports an ErrWheelStateConflict when the broker
// state contains combinations the strategy can never produce: a short put
// alongside held stock, or a short call with no shares behind it.
func CheckWheelConsistency(symbol string, positions []Position) error {
	v := summarize(symbol, positions)
	if v.stock && v.shortPut {
		return fmt.Errorf("%w: short put on %s while holding stock", ErrWheelStateConflict, symbol)
	}
	if v.shortCall && !v.stock {
		return fmt.Errorf("%w: short call on %s with no shares held", ErrWheelStateConflict, symbol)
	}
	return nil
}

// StockCostBasis returns the entry price and share count of the equity
// position on the underlying, or ok=false when no shares are held. The
// selector uses the cost basis to refuse covered-call strikes that would
// lock in a loss on assignment.
func StockCostBasis(symbol string, positions []Position) (price float64, shares float64, ok bool) {
	v := summarize(symbol, positions)
	if !v.stock {
		return 0, 0, false
	}
	return v.costBasis, v.shares, true
}
