package executor

import (
	"context"
	"errors"
	"io"
	"log"
	"math"
	"testing"
	"time"

	"github.com/tstrasser/wheelhouse/internal/broker"
	"github.com/tstrasser/wheelhouse/internal/config"
	"github.com/tstrasser/wheelhouse/internal/mock"
	"github.com/tstrasser/wheelhouse/internal/models"
	"github.com/tstrasser/wheelhouse/internal/storage"
	"github.com/tstrasser/wheelhouse/internal/util"
)

var (
	artifactClock = time.Date(2026, 1, 9, 15, 0, 0, 0, time.UTC)
	execClock     = artifactClock.Add(10 * time.Minute)
)

func runConfig() *config.Config {
	return &config.Config{
		Broker: config.BrokerConfig{DataFeed: "iex"},
		Execution: config.ExecutionConfig{
			ExecutionGapThreshold:    0.05,
			MaxExposurePerTicker:     25000,
			MaxPortfolioAllocation:   0.5,
			MaxTotalPositions:        10,
			OpportunityMaxAgeMinutes: 30,
			SlippageFactor:           0.01,
		},
		Monitor: config.MonitorConfig{ProfitTargetPercent: 0.5},
	}
}

func newTestRunner(cfg *config.Config, b broker.Broker, st storage.Interface) *Runner {
	r := NewRunner(b, st, cfg, log.New(io.Discard, "", 0))
	r.now = func() time.Time { return execClock }
	r.cycleID = func() string { return "test-cycle" }
	return r
}

func opportunity(underlying string, right models.Right, strike float64, mid float64) models.Opportunity {
	exp := time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC)
	spread := 0.05
	return models.Opportunity{
		OptionContract: models.OptionContract{
			OCCSymbol:    models.FormatOCCSymbol(underlying, exp, right, strike),
			Underlying:   underlying,
			Right:        right,
			Strike:       strike,
			Expiration:   exp,
			DTE:          7,
			Bid:          mid - spread,
			Ask:          mid + spread,
			Mid:          mid,
			Delta:        -0.18,
			OpenInterest: 500,
		},
		Score:                0.45,
		AnnualReturnEstimate: models.AnnualReturnEstimate(mid, strike, 7),
		ExpectedPremium:      mid * 100,
	}
}

func storeWith(opps ...models.Opportunity) *storage.MockStorage {
	st := storage.NewMockStorage()
	artifact := models.NewScanArtifact(artifactClock, 30*time.Minute, opps)
	st.SetArtifact(&artifact)
	return st
}

func seedQuote(b *mock.Broker, symbol string, last, prevClose float64) {
	b.Quotes[symbol] = broker.Quote{Last: last, PrevClose: prevClose}
}

func TestRunCycle_SubmitsSellToOpenLimitOrder(t *testing.T) {
	b := mock.NewBroker()
	b.Account = broker.Account{BuyingPower: 50000, PortfolioValue: 100000}
	seedQuote(b, "AMD", 150, 150)
	st := storeWith(opportunity("AMD", models.RightPut, 145, 1.55))
	r := newTestRunner(runConfig(), b, st)

	summary, err := r.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}
	if summary.OpportunitiesEvaluated != 1 || summary.TradesExecuted != 1 || summary.TradesFailed != 0 {
		t.Fatalf("summary = %+v, want 1 evaluated, 1 executed, 0 failed", summary)
	}
	if summary.BuyingPowerStart != 50000 {
		t.Fatalf("BuyingPowerStart = %.2f, want 50000", summary.BuyingPowerStart)
	}

	if len(b.Submitted) != 1 {
		t.Fatalf("submitted %d orders, want 1", len(b.Submitted))
	}
	req := b.Submitted[0]
	if req.Symbol != "AMD260116P00145000" || req.Side != models.SideSellToOpen || req.Quantity != 1 {
		t.Fatalf("order = %+v", req)
	}
	wantLimit := util.SellLimit(1.55, 0.01, util.OptionTick)
	if req.LimitPrice != wantLimit || math.Abs(req.LimitPrice-1.53) > 1e-9 {
		t.Fatalf("LimitPrice = %v, want %v (mid shaded below and tick-rounded)", req.LimitPrice, wantLimit)
	}
	if req.TimeInForce != "day" {
		t.Fatalf("TimeInForce = %q, want day", req.TimeInForce)
	}
	if len(req.ClientOrderID) == 0 || len(req.ClientOrderID) > 48 {
		t.Fatalf("ClientOrderID = %q, want non-empty and within 48 chars", req.ClientOrderID)
	}

	// The artifact is consumed by the cycle.
	if got := st.ExecutedPaths(); len(got) != 1 || got[0] != "opportunities/2026-01-09/15-00.json" {
		t.Fatalf("ExecutedPaths = %v", got)
	}
}

func TestRunCycle_OpenOrderRace(t *testing.T) {
	b := mock.NewBroker()
	b.Account = broker.Account{BuyingPower: 50000, PortfolioValue: 100000}
	seedQuote(b, "AMD", 150, 150)
	// Another session already has a working order on the underlying.
	b.Orders = []models.OpenOrder{
		{OrderID: "o-race", Symbol: "AMD260116P00140000", Status: models.OrderOpen, Side: models.SideSellToOpen},
	}
	st := storeWith(opportunity("AMD", models.RightPut, 145, 1.55))
	r := newTestRunner(runConfig(), b, st)

	summary, err := r.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}
	if summary.OpportunitiesEvaluated != 1 || summary.TradesExecuted != 0 || summary.TradesFailed != 0 {
		t.Fatalf("summary = %+v, want the opportunity blocked without failing", summary)
	}
	if b.SubmitCalls() != 0 {
		t.Fatalf("SubmitCalls = %d, want 0", b.SubmitCalls())
	}
	// Consumed even though nothing was submitted.
	if st.MarkExecutedCalls() != 1 {
		t.Fatalf("MarkExecutedCalls = %d, want 1", st.MarkExecutedCalls())
	}
}

func TestRunCycle_BuyingPowerDropMidBatch(t *testing.T) {
	cfg := runConfig()
	cfg.Execution.MaxExposurePerTicker = 30000
	b := mock.NewBroker()
	b.Account = broker.Account{BuyingPower: 45000, PortfolioValue: 200000}
	seedQuote(b, "AMD", 300, 300)
	seedQuote(b, "NVDA", 250, 250)
	// The first fill drains the account before the second is sized.
	b.OnSubmit = func(req broker.OrderRequest) (*broker.OrderConfirmation, error) {
		b.Account.BuyingPower = 15000
		return &broker.OrderConfirmation{OrderID: "ord-1", Status: models.OrderPendingNew}, nil
	}
	st := storeWith(
		opportunity("AMD", models.RightPut, 300, 2.50),  // needs 30000
		opportunity("NVDA", models.RightPut, 250, 2.10), // needs 25000
	)
	r := newTestRunner(cfg, b, st)

	summary, err := r.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}
	if summary.OpportunitiesEvaluated != 2 || summary.TradesExecuted != 1 || summary.TradesFailed != 0 {
		t.Fatalf("summary = %+v, want 2 evaluated, 1 executed, 0 failed", summary)
	}
	if summary.BuyingPowerStart != 45000 || summary.BuyingPowerEnd != 15000 {
		t.Fatalf("buying power %.2f -> %.2f, want 45000 -> 15000", summary.BuyingPowerStart, summary.BuyingPowerEnd)
	}
	if len(b.Submitted) != 1 || b.Submitted[0].Symbol != "AMD260116P00300000" {
		t.Fatalf("submitted = %+v, want the first order only", b.Submitted)
	}
}

func TestRunCycle_StaleArtifactMakesNoBrokerCalls(t *testing.T) {
	b := mock.NewBroker()
	st := storage.NewMockStorage()
	stale := models.NewScanArtifact(execClock.Add(-45*time.Minute), 30*time.Minute,
		[]models.Opportunity{opportunity("AMD", models.RightPut, 145, 1.55)})
	st.SetArtifact(&stale)
	r := newTestRunner(runConfig(), b, st)

	summary, err := r.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}
	if summary.OpportunitiesEvaluated != 0 || summary.TradesExecuted != 0 {
		t.Fatalf("summary = %+v, want an empty cycle", summary)
	}
	if b.AccountCalls() != 0 || b.QuoteCalls() != 0 || b.SubmitCalls() != 0 {
		t.Fatalf("broker touched for a stale artifact: %d/%d/%d account/quote/submit calls",
			b.AccountCalls(), b.QuoteCalls(), b.SubmitCalls())
	}
	if st.MarkExecutedCalls() != 0 {
		t.Fatalf("stale artifact was marked executed")
	}
}

func TestRunCycle_ExecutionGapBlocks(t *testing.T) {
	b := mock.NewBroker()
	b.Account = broker.Account{BuyingPower: 50000, PortfolioValue: 100000}
	// Up 6.7% since the prior close: outside the 5% execution gap.
	seedQuote(b, "AMD", 160, 150)
	st := storeWith(opportunity("AMD", models.RightPut, 145, 1.55))
	r := newTestRunner(runConfig(), b, st)

	summary, err := r.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}
	if summary.TradesExecuted != 0 || b.SubmitCalls() != 0 {
		t.Fatalf("gapped underlying still traded: %+v", summary)
	}
}

func TestRunCycle_QuoteFailureBlocksOpportunity(t *testing.T) {
	b := mock.NewBroker()
	b.Account = broker.Account{BuyingPower: 50000, PortfolioValue: 100000}
	// No AMD quote seeded; NVDA is healthy and must still trade.
	seedQuote(b, "NVDA", 100, 100)
	st := storeWith(
		opportunity("AMD", models.RightPut, 145, 1.55),
		opportunity("NVDA", models.RightPut, 95, 0.80),
	)
	r := newTestRunner(runConfig(), b, st)

	summary, err := r.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}
	if summary.OpportunitiesEvaluated != 2 || summary.TradesExecuted != 1 || summary.TradesFailed != 0 {
		t.Fatalf("summary = %+v, want the healthy opportunity executed", summary)
	}
	if len(b.Submitted) != 1 || b.Submitted[0].Symbol != "NVDA260116P00095000" {
		t.Fatalf("submitted = %+v, want NVDA only", b.Submitted)
	}
}

func TestRunCycle_WheelPhaseInadmissible(t *testing.T) {
	b := mock.NewBroker()
	b.Account = broker.Account{BuyingPower: 50000, PortfolioValue: 100000}
	seedQuote(b, "AMD", 150, 150)
	// Holding stock: a new short put is not admissible.
	b.Positions = []models.Position{
		{Symbol: "AMD", AssetClass: models.AssetEquity, Quantity: 200, EntryPrice: 140},
	}
	st := storeWith(opportunity("AMD", models.RightPut, 145, 1.55))
	r := newTestRunner(runConfig(), b, st)

	summary, err := r.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}
	if summary.TradesExecuted != 0 || b.SubmitCalls() != 0 {
		t.Fatalf("inadmissible operation still traded: %+v", summary)
	}
}

func TestRunCycle_WheelConflictBlocks(t *testing.T) {
	b := mock.NewBroker()
	b.Account = broker.Account{BuyingPower: 50000, PortfolioValue: 100000}
	seedQuote(b, "AMD", 150, 150)
	// A short put alongside held stock is a state no wheel produces.
	b.Positions = []models.Position{
		{Symbol: "AMD", AssetClass: models.AssetEquity, Quantity: 200, EntryPrice: 140},
		{Symbol: "AMD260116P00140000", AssetClass: models.AssetOption, Quantity: -1, EntryPrice: 1.20},
	}
	st := storeWith(opportunity("AMD", models.RightPut, 145, 1.55))
	r := newTestRunner(runConfig(), b, st)

	summary, err := r.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}
	if summary.TradesExecuted != 0 || b.SubmitCalls() != 0 {
		t.Fatalf("conflicted underlying still traded: %+v", summary)
	}
}

func TestRunCycle_CoveredCallSizedFromShares(t *testing.T) {
	b := mock.NewBroker()
	b.Account = broker.Account{BuyingPower: 0, PortfolioValue: 100000}
	seedQuote(b, "AMD", 150, 150)
	b.Positions = []models.Position{
		{Symbol: "AMD", AssetClass: models.AssetEquity, Quantity: 250, EntryPrice: 140},
	}
	call := opportunity("AMD", models.RightCall, 150, 1.20)
	call.Delta = 0.15
	st := storeWith(call)
	r := newTestRunner(runConfig(), b, st)

	summary, err := r.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}
	if summary.TradesExecuted != 1 {
		t.Fatalf("summary = %+v, want the covered call executed", summary)
	}
	if len(b.Submitted) != 1 || b.Submitted[0].Quantity != 2 {
		t.Fatalf("submitted = %+v, want 2 contracts from 250 shares", b.Submitted)
	}
}

func TestRunCycle_SameUnderlyingSubmitsOnce(t *testing.T) {
	b := mock.NewBroker()
	b.Account = broker.Account{BuyingPower: 50000, PortfolioValue: 100000}
	seedQuote(b, "AMD", 150, 150)
	st := storeWith(
		opportunity("AMD", models.RightPut, 145, 1.55),
		opportunity("AMD", models.RightPut, 140, 1.10),
	)
	r := newTestRunner(runConfig(), b, st)

	summary, err := r.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}
	if summary.OpportunitiesEvaluated != 2 || summary.TradesExecuted != 1 || summary.TradesFailed != 0 {
		t.Fatalf("summary = %+v, want one order per underlying per cycle", summary)
	}
	if b.SubmitCalls() != 1 {
		t.Fatalf("SubmitCalls = %d, want 1", b.SubmitCalls())
	}
}

func TestRunCycle_CycleCapHaltsWalk(t *testing.T) {
	cfg := runConfig()
	cfg.Execution.MaxNewPositionsPerCycle = 1
	b := mock.NewBroker()
	b.Account = broker.Account{BuyingPower: 50000, PortfolioValue: 100000}
	seedQuote(b, "AMD", 150, 150)
	seedQuote(b, "NVDA", 100, 100)
	st := storeWith(
		opportunity("AMD", models.RightPut, 145, 1.55),
		opportunity("NVDA", models.RightPut, 95, 0.80),
	)
	r := newTestRunner(cfg, b, st)

	summary, err := r.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}
	if summary.OpportunitiesEvaluated != 1 || summary.TradesExecuted != 1 {
		t.Fatalf("summary = %+v, want the walk halted at the cap", summary)
	}
	if b.SubmitCalls() != 1 {
		t.Fatalf("SubmitCalls = %d, want 1", b.SubmitCalls())
	}
}

func TestRunCycle_PermanentRejectionCountsFailed(t *testing.T) {
	b := mock.NewBroker()
	b.Account = broker.Account{BuyingPower: 50000, PortfolioValue: 100000}
	seedQuote(b, "AMD", 150, 150)
	b.SubmitErr = &broker.APIError{Status: 422, Body: "unprocessable"}
	st := storeWith(
		opportunity("AMD", models.RightPut, 145, 1.55),
		opportunity("AMD", models.RightPut, 140, 1.10),
	)
	r := newTestRunner(runConfig(), b, st)

	summary, err := r.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}
	// A known rejection does not reserve the underlying, so the second
	// opportunity also reaches submission and also fails.
	if summary.TradesExecuted != 0 || summary.TradesFailed != 2 {
		t.Fatalf("summary = %+v, want 0 executed and 2 failed", summary)
	}
	if b.SubmitCalls() != 2 {
		t.Fatalf("SubmitCalls = %d, want 2", b.SubmitCalls())
	}
}

func TestRunCycle_AmbiguousSubmitNotRetriedAndReservesUnderlying(t *testing.T) {
	b := mock.NewBroker()
	b.Account = broker.Account{BuyingPower: 50000, PortfolioValue: 100000}
	seedQuote(b, "AMD", 150, 150)
	b.SubmitErr = errors.New("request timeout")
	st := storeWith(
		opportunity("AMD", models.RightPut, 145, 1.55),
		opportunity("AMD", models.RightPut, 140, 1.10),
	)
	r := newTestRunner(runConfig(), b, st)

	summary, err := r.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}
	// The timed-out order may have reached the exchange: exactly one
	// attempt, and the underlying is blocked for the rest of the cycle.
	if b.SubmitCalls() != 1 {
		t.Fatalf("SubmitCalls = %d, want 1 (no submission retries)", b.SubmitCalls())
	}
	if summary.TradesExecuted != 0 || summary.TradesFailed != 1 {
		t.Fatalf("summary = %+v, want 0 executed and 1 failed", summary)
	}
}

func TestRunCycle_SecondRunFindsNothing(t *testing.T) {
	b := mock.NewBroker()
	b.Account = broker.Account{BuyingPower: 50000, PortfolioValue: 100000}
	seedQuote(b, "AMD", 150, 150)
	st := storeWith(opportunity("AMD", models.RightPut, 145, 1.55))
	r := newTestRunner(runConfig(), b, st)

	if _, err := r.RunCycle(context.Background()); err != nil {
		t.Fatalf("first RunCycle error: %v", err)
	}
	second, err := r.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second RunCycle error: %v", err)
	}
	if second.OpportunitiesEvaluated != 0 || b.SubmitCalls() != 1 {
		t.Fatalf("second cycle re-executed a consumed artifact: %+v, %d submits",
			second, b.SubmitCalls())
	}
}

func TestRunCycle_MarkExecutedFailureIsNotFatal(t *testing.T) {
	b := mock.NewBroker()
	b.Account = broker.Account{BuyingPower: 50000, PortfolioValue: 100000}
	seedQuote(b, "AMD", 150, 150)
	st := storeWith(opportunity("AMD", models.RightPut, 145, 1.55))
	st.FailMarkExecuted(errors.New("io error"))
	r := newTestRunner(runConfig(), b, st)

	summary, err := r.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}
	if summary.TradesExecuted != 1 {
		t.Fatalf("summary = %+v, want the trade kept despite the bookkeeping failure", summary)
	}
}

func TestRunCycle_OpeningAccountFailureIsFatal(t *testing.T) {
	b := mock.NewBroker()
	b.AccountErr = errors.New("boom")
	st := storeWith(opportunity("AMD", models.RightPut, 145, 1.55))
	r := newTestRunner(runConfig(), b, st)

	if _, err := r.RunCycle(context.Background()); err == nil {
		t.Fatalf("RunCycle with no account read returned nil error")
	}
	if b.SubmitCalls() != 0 {
		t.Fatalf("orders submitted without an account read")
	}
}

func TestRunCycle_StoreFailureIsFatal(t *testing.T) {
	b := mock.NewBroker()
	st := storage.NewMockStorage()
	st.FailRetrieve(errors.New("io error"))
	r := newTestRunner(runConfig(), b, st)

	if _, err := r.RunCycle(context.Background()); err == nil {
		t.Fatalf("RunCycle with a broken store returned nil error")
	}
}
