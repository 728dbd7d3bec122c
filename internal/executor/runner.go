// Package executor turns a persisted scan artifact into live orders. Every
// execute-side stage re-verifies against the broker at the moment of
// submission: the scan's view of the world is a candidate list, never an
// authorization. Orders go out strictly one at a time, and a submission is
// never retried because a timed-out submit may still have reached the
// exchange.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/tstrasser/wheelhouse/internal/broker"
	"github.com/tstrasser/wheelhouse/internal/config"
	"github.com/tstrasser/wheelhouse/internal/models"
	"github.com/tstrasser/wheelhouse/internal/pipeline"
	"github.com/tstrasser/wheelhouse/internal/retry"
	"github.com/tstrasser/wheelhouse/internal/storage"
	"github.com/tstrasser/wheelhouse/internal/util"
)

// Runner executes the newest pending scan artifact.
type Runner struct {
	broker  broker.Broker
	store   storage.Interface
	cfg     *config.Config
	fetch   retry.Policy
	logger  *log.Logger
	now     func() time.Time
	cycleID func() string
}

// NewRunner wires a runner from its collaborators.
func NewRunner(b broker.Broker, st storage.Interface, cfg *config.Config, logger *log.Logger) *Runner {
	return &Runner{
		broker:  b,
		store:   st,
		cfg:     cfg,
		fetch:   retry.FetchPolicy(cfg.DataTimeout()),
		logger:  logger,
		now:     time.Now,
		cycleID: uuid.NewString,
	}
}

// RunSummary reports what one execute cycle did. Opportunities blocked by a
// stage are evaluated but neither executed nor failed; TradesFailed counts
// only order submissions that errored.
type RunSummary struct {
	OpportunitiesEvaluated int     `json:"opportunities_evaluated"`
	TradesExecuted         int     `json:"trades_executed"`
	TradesFailed           int     `json:"trades_failed"`
	BuyingPowerStart       float64 `json:"buying_power_start"`
	BuyingPowerEnd         float64 `json:"buying_power_end"`
}

// RunCycle retrieves the newest pending artifact and walks its opportunities
// in ranked order. A missing or stale artifact is a quiet no-op. Per-order
// problems are recorded and the walk continues; only losing the artifact,
// the opening account read, or the context aborts the cycle.
func (r *Runner) RunCycle(ctx context.Context) (*RunSummary, error) {
	summary := &RunSummary{}
	now := r.now().UTC()

	artifact, blobPath, err := r.store.RetrieveLatestValid(now, r.cfg.OpportunityMaxAge())
	if errors.Is(err, storage.ErrNoValidArtifact) {
		r.logger.Printf("Run: no pending artifact within %v, nothing to execute", r.cfg.OpportunityMaxAge())
		return summary, nil
	}
	if err != nil {
		return nil, fmt.Errorf("retrieving scan artifact: %w", err)
	}
	r.logger.Printf("Run: executing artifact %s with %d opportunities", blobPath, len(artifact.Opportunities))

	acct, err := retry.Do(ctx, r.logger, r.fetch, "opening account query", func(ctx context.Context) (*broker.Account, error) {
		return r.broker.GetAccount(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("reading account before execution: %w", err)
	}
	summary.BuyingPowerStart = acct.BuyingPower
	summary.BuyingPowerEnd = acct.BuyingPower

	cycleID := r.cycleID()
	guard := pipeline.NewGuard(r.broker, r.fetch, r.logger)
	sizer := pipeline.NewSizer(r.cfg.Execution)
	pending := make(map[string]bool)

	for i := range artifact.Opportunities {
		if err := ctx.Err(); err != nil {
			r.logger.Printf("Warning: execute cycle aborted after %d of %d opportunities: %v",
				i, len(artifact.Opportunities), err)
			break
		}
		if limit := r.cfg.Execution.MaxNewPositionsPerCycle; limit > 0 && summary.TradesExecuted >= limit {
			r.logger.Printf("Run: %s, %d opportunities not evaluated",
				pipeline.ReasonCycleCap, len(artifact.Opportunities)-i)
			break
		}
		summary.OpportunitiesEvaluated++
		r.executeOpportunity(ctx, &artifact.Opportunities[i], cycleID, guard, sizer, pending, summary)
	}

	// The artifact is consumed even when nothing was submitted: its
	// decisions are spent and the next cycle must work from a fresh scan.
	if err := r.store.MarkExecuted(blobPath); err != nil {
		r.logger.Printf("Warning: marking artifact %s executed failed: %v", blobPath, err)
	}

	r.logger.Printf("Run: %d evaluated, %d executed, %d failed, buying power %.2f -> %.2f",
		summary.OpportunitiesEvaluated, summary.TradesExecuted, summary.TradesFailed,
		summary.BuyingPowerStart, summary.BuyingPowerEnd)
	return summary, nil
}

// executeOpportunity runs the execute-side stages for one opportunity and
// submits the order when every stage passes. Any stage that cannot observe
// its inputs blocks the opportunity instead of letting it through.
func (r *Runner) executeOpportunity(ctx context.Context, opp *models.Opportunity, cycleID string, guard *pipeline.Guard, sizer *pipeline.Sizer, pending map[string]bool, summary *RunSummary) {
	sym := opp.Underlying
	feed := broker.Feed(r.cfg.Broker.DataFeed)

	// The underlying must not have gapped since the scan priced the trade.
	quote, err := retry.Do(ctx, r.logger, r.fetch, "execution quote "+sym, func(ctx context.Context) (*broker.Quote, error) {
		return r.broker.GetQuote(ctx, sym, feed)
	})
	if err != nil {
		r.skip(opp, pipeline.StageExecGap, pipeline.DetectionError(pipeline.StageExecGap), err)
		return
	}
	if quote.Last <= 0 || quote.PrevClose <= 0 {
		r.skip(opp, pipeline.StageExecGap, pipeline.DetectionError(pipeline.StageExecGap),
			fmt.Errorf("quote for %s lacks gap reference prices", sym))
		return
	}
	gap := math.Abs(quote.Last-quote.PrevClose) / quote.PrevClose
	if gap > r.cfg.Execution.ExecutionGapThreshold {
		r.skip(opp, pipeline.StageExecGap, pipeline.ReasonExecutionGap, nil)
		return
	}

	// The wheel phase must admit this operation right now.
	positions, err := retry.Do(ctx, r.logger, r.fetch, "execution position query", func(ctx context.Context) ([]models.Position, error) {
		return r.broker.GetPositions(ctx)
	})
	if err != nil {
		r.skip(opp, pipeline.StageWheelState, pipeline.DetectionError(pipeline.StageWheelState), err)
		return
	}
	if err := models.CheckWheelConsistency(sym, positions); err != nil {
		r.logger.Printf("CRITICAL: %v", err)
		r.skip(opp, pipeline.StageWheelState, pipeline.ReasonWheelConflict, nil)
		return
	}
	phase := models.DerivePhase(sym, positions)
	if op := models.OperationFor(opp.Right); !phase.Allows(op) {
		r.logger.Printf("Run: %s is in phase %s, %s not admissible", sym, phase, op)
		r.skip(opp, pipeline.StageWheelState, pipeline.ReasonPhaseInadmissible, nil)
		return
	}

	if v := guard.Check(ctx, sym, pending); v.Conflict {
		r.skip(opp, pipeline.StageGuard, v.Reason, nil)
		return
	}

	// Size against buying power read moments before submission, not the
	// figure the cycle opened with.
	acct, err := retry.Do(ctx, r.logger, r.fetch, "sizing account query", func(ctx context.Context) (*broker.Account, error) {
		return r.broker.GetAccount(ctx)
	})
	if err != nil {
		r.skip(opp, pipeline.StageSizing, pipeline.DetectionError(pipeline.StageSizing), err)
		return
	}
	summary.BuyingPowerEnd = acct.BuyingPower

	size := sizer.Size(opp, acct, positions)
	if size.Blocked {
		if size.Reason == pipeline.ReasonInsufficientBP {
			r.logger.Printf("Run: %s skipped, collateral %.2f exceeds buying power %.2f",
				opp.OCCSymbol, size.Collateral, acct.BuyingPower)
		}
		r.skip(opp, pipeline.StageSizing, size.Reason, nil)
		return
	}

	limitPrice := util.SellLimit(opp.Mid, r.cfg.Execution.SlippageFactor, util.OptionTick)
	req := broker.OrderRequest{
		Symbol:        opp.OCCSymbol,
		Side:          models.SideSellToOpen,
		Quantity:      size.Contracts,
		LimitPrice:    limitPrice,
		TimeInForce:   "day",
		ClientOrderID: clientOrderID(cycleID, opp.OCCSymbol),
	}
	submitCtx, cancel := submitContext(ctx, r.cfg)
	confirmation, err := r.broker.SubmitOrder(submitCtx, req)
	cancel()
	if err != nil {
		summary.TradesFailed++
		if broker.IsPermanentAPIError(err) {
			r.logger.Printf("Run: order for %s rejected: %v", opp.OCCSymbol, err)
			return
		}
		// The outcome is unknown: the order may have reached the exchange,
		// so the underlying is treated as spoken for within this cycle.
		pending[sym] = true
		r.logger.Printf("Warning: order for %s failed with ambiguous outcome, not retrying: %v", opp.OCCSymbol, err)
		return
	}

	summary.TradesExecuted++
	pending[sym] = true
	r.logger.Printf("Run: submitted %s x%d at %.2f, collateral %.2f (order %s, %s)",
		opp.OCCSymbol, size.Contracts, limitPrice, size.Collateral, confirmation.OrderID, confirmation.Status)
}

func (r *Runner) skip(opp *models.Opportunity, stage int, reason string, err error) {
	if err != nil {
		r.logger.Printf("Run: %s blocked at stage %d (%s): %v", opp.OCCSymbol, stage, reason, err)
		return
	}
	r.logger.Printf("Run: %s blocked at stage %d (%s)", opp.OCCSymbol, stage, reason)
}

// clientOrderID tags an order with a stable id derived from the cycle and
// contract, fitting the broker's 48-character limit.
func clientOrderID(cycleID, occSymbol string) string {
	sum := sha256.Sum256([]byte(cycleID + ":" + occSymbol))
	return "wheel-" + hex.EncodeToString(sum[:])[:32]
}

// submitContext bounds one order submission by the configured budget. A
// non-positive budget leaves the cycle context in charge.
func submitContext(ctx context.Context, cfg *config.Config) (context.Context, context.CancelFunc) {
	if d := cfg.OrderTimeout(); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return ctx, func() {}
}
