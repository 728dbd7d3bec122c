package executor

import (
	"context"
	"fmt"
	"log"
	"math"

	"github.com/google/uuid"

	"github.com/tstrasser/wheelhouse/internal/broker"
	"github.com/tstrasser/wheelhouse/internal/config"
	"github.com/tstrasser/wheelhouse/internal/models"
	"github.com/tstrasser/wheelhouse/internal/retry"
	"github.com/tstrasser/wheelhouse/internal/util"
)

// Monitor closes short options early once they have captured enough of
// their premium. It reads live positions only; nothing is cached between
// passes.
type Monitor struct {
	broker  broker.Broker
	cfg     *config.Config
	fetch   retry.Policy
	logger  *log.Logger
	cycleID func() string
}

// NewMonitor wires a monitor from its collaborators.
func NewMonitor(b broker.Broker, cfg *config.Config, logger *log.Logger) *Monitor {
	return &Monitor{
		broker:  b,
		cfg:     cfg,
		fetch:   retry.FetchPolicy(cfg.DataTimeout()),
		logger:  logger,
		cycleID: uuid.NewString,
	}
}

// MonitorSummary reports one monitor pass. Errors holds per-position close
// failures; the pass itself still succeeds.
type MonitorSummary struct {
	PositionsEvaluated int      `json:"positions_evaluated"`
	PositionsClosed    int      `json:"positions_closed"`
	Errors             []string `json:"errors,omitempty"`
}

// Run walks the short option positions and submits a buy-to-close for each
// one whose captured profit meets the configured target. The target check
// is boundary-inclusive. Close orders, like entries, are never retried.
func (m *Monitor) Run(ctx context.Context) (*MonitorSummary, error) {
	summary := &MonitorSummary{}

	positions, err := retry.Do(ctx, m.logger, m.fetch, "monitor position query", func(ctx context.Context) ([]models.Position, error) {
		return m.broker.GetPositions(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("reading positions: %w", err)
	}

	cycleID := m.cycleID()
	target := m.cfg.Monitor.ProfitTargetPercent

	for i := range positions {
		p := &positions[i]
		if p.AssetClass != models.AssetOption || !p.Short() {
			continue
		}
		if err := ctx.Err(); err != nil {
			r := fmt.Sprintf("monitor aborted: %v", err)
			summary.Errors = append(summary.Errors, r)
			m.logger.Printf("Warning: %s", r)
			break
		}
		summary.PositionsEvaluated++

		if p.EntryPrice <= 0 {
			m.logger.Printf("Monitor: %s skipped, no usable entry price", p.Symbol)
			continue
		}
		mid, ok := positionMid(p)
		if !ok {
			m.logger.Printf("Monitor: %s skipped, no market value to price the close", p.Symbol)
			continue
		}

		profit := (p.EntryPrice - mid) / p.EntryPrice
		if profit < target {
			continue
		}

		quantity := int(math.Round(-p.Quantity))
		limitPrice := util.BuyLimit(mid, m.cfg.Execution.SlippageFactor, util.OptionTick)
		req := broker.OrderRequest{
			Symbol:        p.Symbol,
			Side:          models.SideBuyToClose,
			Quantity:      quantity,
			LimitPrice:    limitPrice,
			TimeInForce:   "day",
			ClientOrderID: clientOrderID(cycleID, p.Symbol),
		}
		submitCtx, cancel := submitContext(ctx, m.cfg)
		confirmation, err := m.broker.SubmitOrder(submitCtx, req)
		cancel()
		if err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", p.Symbol, err))
			m.logger.Printf("Warning: close order for %s failed, not retrying: %v", p.Symbol, err)
			continue
		}

		summary.PositionsClosed++
		m.logger.Printf("Monitor: closing %s x%d at %.2f, %.0f%% of premium captured (order %s)",
			p.Symbol, quantity, limitPrice, profit*100, confirmation.OrderID)
	}

	m.logger.Printf("Monitor: %d evaluated, %d closed, %d errors",
		summary.PositionsEvaluated, summary.PositionsClosed, len(summary.Errors))
	return summary, nil
}

// positionMid derives the option's per-share price from the broker's
// reported market value. A position with no market value cannot be priced
// and is skipped rather than guessed at.
func positionMid(p *models.Position) (float64, bool) {
	qty := math.Abs(p.Quantity)
	if qty == 0 || p.MarketValue == 0 {
		return 0, false
	}
	return math.Abs(p.MarketValue) / (100 * qty), true
}
