package pipeline

import (
	"context"
	"log"

	"github.com/tstrasser/wheelhouse/internal/broker"
	"github.com/tstrasser/wheelhouse/internal/models"
	"github.com/tstrasser/wheelhouse/internal/retry"
)

// Guard is the duplicate-entry check run immediately before sizing an order.
// It looks at three tiers: orders submitted earlier in this cycle, working
// orders at the broker, and filled option positions. All three tiers are
// always evaluated so a partial failure cannot hide a conflict, and a query
// failure counts as a conflict.
type Guard struct {
	broker broker.Broker
	fetch  retry.Policy
	logger *log.Logger
}

// NewGuard builds a guard over the broker. The fetch policy bounds its
// order and position queries.
func NewGuard(b broker.Broker, fetch retry.Policy, logger *log.Logger) *Guard {
	return &Guard{broker: b, fetch: fetch, logger: logger}
}

// Verdict is the guard's decision for one underlying.
type Verdict struct {
	Conflict bool
	Reason   string
}

// Check reports whether opening a new position on the underlying would
// duplicate existing exposure. inCyclePending holds the underlyings this
// cycle has already submitted orders for. When a tier with real data
// conflicts, its reason wins; a bare query failure reports
// position_guard_query_failed.
func (g *Guard) Check(ctx context.Context, underlying string, inCyclePending map[string]bool) Verdict {
	var conflicts []string
	queryFailed := false

	if inCyclePending[underlying] {
		conflicts = append(conflicts, ReasonPendingInCycle)
	}

	orders, err := retry.Do(ctx, g.logger, g.fetch, "guard order query", func(ctx context.Context) ([]models.OpenOrder, error) {
		return g.broker.GetOrders(ctx, broker.FilterOpen)
	})
	if err != nil {
		g.logger.Printf("Warning: position guard order query for %s failed: %v", underlying, err)
		queryFailed = true
	} else {
		for i := range orders {
			if orders[i].UnderlyingSymbol() == underlying && orders[i].Status.Working() {
				conflicts = append(conflicts, ReasonOpenOrderExists)
				break
			}
		}
	}

	positions, err := retry.Do(ctx, g.logger, g.fetch, "guard position query", func(ctx context.Context) ([]models.Position, error) {
		return g.broker.GetPositions(ctx)
	})
	if err != nil {
		g.logger.Printf("Warning: position guard position query for %s failed: %v", underlying, err)
		queryFailed = true
	} else {
		for i := range positions {
			if positions[i].AssetClass == models.AssetOption && positions[i].UnderlyingSymbol() == underlying {
				conflicts = append(conflicts, ReasonFilledPosition)
				break
			}
		}
	}

	if len(conflicts) > 0 {
		return Verdict{Conflict: true, Reason: conflicts[0]}
	}
	if queryFailed {
		return Verdict{Conflict: true, Reason: ReasonGuardQueryFailed}
	}
	return Verdict{}
}
