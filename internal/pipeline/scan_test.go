package pipeline

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/tstrasser/wheelhouse/internal/broker"
	"github.com/tstrasser/wheelhouse/internal/config"
	"github.com/tstrasser/wheelhouse/internal/gaprisk"
	"github.com/tstrasser/wheelhouse/internal/mock"
	"github.com/tstrasser/wheelhouse/internal/models"
	"github.com/tstrasser/wheelhouse/internal/storage"
)

var scanClock = time.Date(2026, 1, 9, 15, 0, 0, 0, time.UTC)

func scanConfig(symbols ...string) *config.Config {
	return &config.Config{
		Broker:   config.BrokerConfig{DataFeed: "iex"},
		Universe: symbols,
		Scan: config.ScanConfig{
			MinStockPrice:           20,
			MaxStockPrice:           400,
			MinAvgVolume:            1_000_000,
			MaxGapFrequency:         0.25,
			MaxHistoricalVolatility: 2.0,
			MaxOvernightGapPercent:  0.05,
		},
		Options: config.OptionsConfig{
			TargetDTE:       7,
			MinPremium:      0.50,
			DeltaMin:        0.10,
			DeltaMax:        0.20,
			MinOpenInterest: 10,
		},
		Execution: config.ExecutionConfig{OpportunityMaxAgeMinutes: 30},
	}
}

func newTestScanner(cfg *config.Config, b broker.Broker, st storage.Interface) *Scanner {
	s := NewScanner(b, gaprisk.NewHistoricalModel(gaprisk.Params{}), st, cfg, log.New(io.Discard, "", 0))
	s.now = func() time.Time { return scanClock }
	return s
}

// steadyBars builds a gapless flat series: every session opens and closes at
// price.
func steadyBars(n int, price float64, volume int64) []broker.Bar {
	bars := make([]broker.Bar, n)
	day := time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		bars[i] = broker.Bar{
			Time:   day.AddDate(0, 0, i),
			Open:   price,
			High:   price,
			Low:    price,
			Close:  price,
			Volume: volume,
		}
	}
	return bars
}

// gappyBars opens the first `gaps` sessions 10% above the prior close.
func gappyBars(n, gaps int, price float64, volume int64) []broker.Bar {
	bars := steadyBars(n, price, volume)
	for i := 1; i <= gaps && i < n; i++ {
		bars[i].Open = price * 1.10
	}
	return bars
}

func seedSymbol(b *mock.Broker, symbol string, price float64, bars []broker.Bar, chain ...models.OptionContract) {
	b.Quotes[symbol] = broker.Quote{Last: price, PrevClose: price, Bid: price - 0.05, Ask: price + 0.05}
	b.Bars[symbol] = bars
	b.Chains[symbol] = chain
}

func findReport(t *testing.T, res *ScanResult, symbol string) StageResult {
	t.Helper()
	for _, r := range res.Reports {
		if r.Symbol == symbol {
			return r.Result
		}
	}
	t.Fatalf("no report for %s in %+v", symbol, res.Reports)
	return StageResult{}
}

func TestScanRun_BuildsRankedArtifact(t *testing.T) {
	b := mock.NewBroker()
	seedSymbol(b, "AMD", 150, steadyBars(40, 150, 2_500_000),
		chainContract("AMD", models.RightPut, 145, 7, 1.50, 1.60, -0.18, 500, 0),
		chainContract("AMD", models.RightPut, 145, 14, 1.50, 1.60, -0.18, 500, 0),
	)
	st := storage.NewMockStorage()
	s := newTestScanner(scanConfig("AMD"), b, st)

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.TotalOpportunities != 1 || res.PutOpportunities != 1 || res.CallOpportunities != 0 {
		t.Fatalf("counts = %d total / %d puts / %d calls, want 1/1/0",
			res.TotalOpportunities, res.PutOpportunities, res.CallOpportunities)
	}
	if res.Stats.RejectedDTETooHigh != 1 {
		t.Fatalf("Stats = %+v, want one dte rejection", res.Stats)
	}
	if !res.StoredForExecution {
		t.Fatalf("StoredForExecution = false, want true")
	}
	if res.BlobPath != "opportunities/2026-01-09/15-00.json" {
		t.Fatalf("BlobPath = %q", res.BlobPath)
	}
	if got := findReport(t, res, "AMD"); got.Status != StatusPassed || got.Stage != StageChain {
		t.Fatalf("AMD report = %+v, want passed at the chain stage", got)
	}

	// The persisted artifact must carry the same ranked opportunities.
	artifact, _, err := st.RetrieveLatestValid(scanClock.Add(10*time.Minute), 30*time.Minute)
	if err != nil {
		t.Fatalf("RetrieveLatestValid error: %v", err)
	}
	if len(artifact.Opportunities) != 1 || artifact.Opportunities[0].OCCSymbol != "AMD260116P00145000" {
		t.Fatalf("artifact opportunities = %+v", artifact.Opportunities)
	}
}

func TestScanRun_RanksAcrossSymbols(t *testing.T) {
	b := mock.NewBroker()
	// AMD scores higher: richer premium on a lower strike.
	seedSymbol(b, "AMD", 150, steadyBars(40, 150, 2_500_000),
		chainContract("AMD", models.RightPut, 145, 7, 1.50, 1.60, -0.18, 500, 0))
	seedSymbol(b, "INTC", 100, steadyBars(40, 100, 2_500_000),
		chainContract("INTC", models.RightPut, 95, 7, 0.50, 0.60, -0.12, 500, 0))
	st := storage.NewMockStorage()
	s := newTestScanner(scanConfig("INTC", "AMD"), b, st)

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.TotalOpportunities != 2 {
		t.Fatalf("TotalOpportunities = %d, want 2", res.TotalOpportunities)
	}
	if res.Opportunities[0].Underlying != "AMD" {
		t.Fatalf("top opportunity = %s, want AMD ranked first", res.Opportunities[0].OCCSymbol)
	}
	if res.Opportunities[0].Score <= res.Opportunities[1].Score {
		t.Fatalf("scores not descending: %v then %v", res.Opportunities[0].Score, res.Opportunities[1].Score)
	}
}

func TestScanRun_PriceAndVolumeScreens(t *testing.T) {
	tests := []struct {
		name   string
		price  float64
		volume int64
		want   string
	}{
		{"price above maximum", 500, 2_500_000, ReasonPriceOutOfRange},
		{"price below minimum", 10, 2_500_000, ReasonPriceOutOfRange},
		{"volume below minimum", 150, 100, ReasonVolumeBelowMin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := mock.NewBroker()
			seedSymbol(b, "AMD", tt.price, steadyBars(40, tt.price, tt.volume))
			st := storage.NewMockStorage()
			s := newTestScanner(scanConfig("AMD"), b, st)

			res, err := s.Run(context.Background())
			if err != nil {
				t.Fatalf("Run error: %v", err)
			}
			got := findReport(t, res, "AMD")
			if got.Status != StatusBlocked || got.Stage != StagePriceVolume || got.Reason != tt.want {
				t.Fatalf("report = %+v, want blocked at stage 1 with %s", got, tt.want)
			}
			if res.TotalOpportunities != 0 || st.PersistCalls() != 0 {
				t.Fatalf("blocked symbol produced opportunities")
			}
			if b.ChainCalls() != 0 {
				t.Fatalf("chain fetched for a symbol blocked at stage 1")
			}
		})
	}
}

func TestScanRun_QuoteFailureIsDetectionError(t *testing.T) {
	b := mock.NewBroker() // no quote seeded: the fetch 404s
	st := storage.NewMockStorage()
	s := newTestScanner(scanConfig("AMD"), b, st)

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	got := findReport(t, res, "AMD")
	if got.Status != StatusBlocked || got.Reason != "stage_1_detection_error" {
		t.Fatalf("report = %+v, want stage_1_detection_error", got)
	}
}

func TestScanRun_MalformedHistoryIsDetectionError(t *testing.T) {
	b := mock.NewBroker()
	// VZ's bar history carries an impossible close; the symbol must block at
	// the gap stage while the rest of the universe proceeds.
	vzBars := steadyBars(40, 40, 2_500_000)
	vzBars[20].Close = 0
	seedSymbol(b, "VZ", 40, vzBars)
	seedSymbol(b, "AMD", 150, steadyBars(40, 150, 2_500_000),
		chainContract("AMD", models.RightPut, 145, 7, 1.50, 1.60, -0.18, 500, 0))
	st := storage.NewMockStorage()
	s := newTestScanner(scanConfig("VZ", "AMD"), b, st)

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	got := findReport(t, res, "VZ")
	if got.Status != StatusBlocked || got.Stage != StageGapRisk || got.Reason != "stage_2_detection_error" {
		t.Fatalf("VZ report = %+v, want stage_2_detection_error", got)
	}
	if res.TotalOpportunities != 1 || !res.StoredForExecution {
		t.Fatalf("scan did not continue past the faulted symbol: %d opportunities, stored=%t",
			res.TotalOpportunities, res.StoredForExecution)
	}
}

func TestScanRun_GapRiskCeilings(t *testing.T) {
	t.Run("gap frequency", func(t *testing.T) {
		b := mock.NewBroker()
		seedSymbol(b, "AMD", 150, gappyBars(40, 15, 150, 2_500_000))
		s := newTestScanner(scanConfig("AMD"), b, storage.NewMockStorage())

		res, err := s.Run(context.Background())
		if err != nil {
			t.Fatalf("Run error: %v", err)
		}
		got := findReport(t, res, "AMD")
		if got.Reason != ReasonGapFrequency {
			t.Fatalf("report = %+v, want %s", got, ReasonGapFrequency)
		}
	})

	t.Run("historical volatility", func(t *testing.T) {
		b := mock.NewBroker()
		// Closes whip between 150 and 180 while every open matches the
		// prior close, so only the volatility ceiling can trip.
		bars := steadyBars(40, 150, 2_500_000)
		for i := range bars {
			if i%2 == 1 {
				bars[i].Close = 180
			}
		}
		for i := 1; i < len(bars); i++ {
			bars[i].Open = bars[i-1].Close
		}
		seedSymbol(b, "AMD", 150, bars)
		s := newTestScanner(scanConfig("AMD"), b, storage.NewMockStorage())

		res, err := s.Run(context.Background())
		if err != nil {
			t.Fatalf("Run error: %v", err)
		}
		got := findReport(t, res, "AMD")
		if got.Reason != ReasonVolatility {
			t.Fatalf("report = %+v, want %s", got, ReasonVolatility)
		}
	})

	t.Run("overnight gap", func(t *testing.T) {
		b := mock.NewBroker()
		seedSymbol(b, "AMD", 150, steadyBars(40, 150, 2_500_000))
		// Last trade 6.7% above the prior close.
		b.Quotes["AMD"] = broker.Quote{Last: 160, PrevClose: 150}
		s := newTestScanner(scanConfig("AMD"), b, storage.NewMockStorage())

		res, err := s.Run(context.Background())
		if err != nil {
			t.Fatalf("Run error: %v", err)
		}
		got := findReport(t, res, "AMD")
		if got.Reason != ReasonOvernightGap {
			t.Fatalf("report = %+v, want %s", got, ReasonOvernightGap)
		}
	})
}

func TestScanRun_EvaluationCapKeepsLowestRisk(t *testing.T) {
	b := mock.NewBroker()
	seedSymbol(b, "AMD", 150, steadyBars(40, 150, 2_500_000),
		chainContract("AMD", models.RightPut, 145, 7, 1.50, 1.60, -0.18, 500, 0))
	// NVDA passes the ceilings but gaps occasionally, so it scores worse.
	seedSymbol(b, "NVDA", 180, gappyBars(40, 5, 180, 2_500_000))
	cfg := scanConfig("NVDA", "AMD")
	cfg.Scan.MaxEvaluated = 1
	s := newTestScanner(cfg, b, storage.NewMockStorage())

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	got := findReport(t, res, "NVDA")
	if got.Status != StatusBlocked || got.Stage != StageEvalCap || got.Reason != ReasonEvaluationCap {
		t.Fatalf("NVDA report = %+v, want blocked by the evaluation cap", got)
	}
	if b.ChainCalls() != 1 {
		t.Fatalf("ChainCalls = %d, want 1 (only the kept symbol reaches the chain)", b.ChainCalls())
	}
	if res.TotalOpportunities != 1 || res.Opportunities[0].Underlying != "AMD" {
		t.Fatalf("opportunities = %+v, want AMD only", res.Opportunities)
	}
}

func TestScanRun_ZeroCapEvaluatesEverything(t *testing.T) {
	b := mock.NewBroker()
	seedSymbol(b, "AMD", 150, steadyBars(40, 150, 2_500_000))
	seedSymbol(b, "NVDA", 180, steadyBars(40, 180, 2_500_000))
	cfg := scanConfig("AMD", "NVDA")
	cfg.Scan.MaxEvaluated = 0
	s := newTestScanner(cfg, b, storage.NewMockStorage())

	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if b.ChainCalls() != 2 {
		t.Fatalf("ChainCalls = %d, want 2 with the cap disabled", b.ChainCalls())
	}
}

func TestScanRun_ChainFailureBlocksSymbolOnly(t *testing.T) {
	b := mock.NewBroker()
	seedSymbol(b, "AMD", 150, steadyBars(40, 150, 2_500_000))
	b.ChainErrs["AMD"] = errors.New("boom")
	seedSymbol(b, "INTC", 100, steadyBars(40, 100, 2_500_000),
		chainContract("INTC", models.RightPut, 95, 7, 0.50, 0.60, -0.12, 500, 0))
	st := storage.NewMockStorage()
	s := newTestScanner(scanConfig("AMD", "INTC"), b, st)

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	got := findReport(t, res, "AMD")
	if got.Status != StatusBlocked || got.Stage != StageChain || got.Reason != "stage_7_detection_error" {
		t.Fatalf("AMD report = %+v, want stage_7_detection_error", got)
	}
	if res.TotalOpportunities != 1 || res.Opportunities[0].Underlying != "INTC" {
		t.Fatalf("opportunities = %+v, want INTC only", res.Opportunities)
	}
	if !res.StoredForExecution {
		t.Fatalf("surviving opportunities were not stored")
	}
}

func TestScanRun_NothingToStore(t *testing.T) {
	b := mock.NewBroker()
	// The only contract fails the premium filter.
	seedSymbol(b, "AMD", 150, steadyBars(40, 150, 2_500_000),
		chainContract("AMD", models.RightPut, 145, 7, 0.20, 0.30, -0.18, 500, 0))
	st := storage.NewMockStorage()
	s := newTestScanner(scanConfig("AMD"), b, st)

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.TotalOpportunities != 0 || res.StoredForExecution {
		t.Fatalf("result = %+v, want nothing stored", res)
	}
	if st.PersistCalls() != 0 {
		t.Fatalf("PersistCalls = %d, want 0 for an empty scan", st.PersistCalls())
	}
}

func TestScanRun_PersistFailureIsReportedNotFatal(t *testing.T) {
	b := mock.NewBroker()
	seedSymbol(b, "AMD", 150, steadyBars(40, 150, 2_500_000),
		chainContract("AMD", models.RightPut, 145, 7, 1.50, 1.60, -0.18, 500, 0))
	st := storage.NewMockStorage()
	st.FailPersist(errors.New("disk full"))
	s := newTestScanner(scanConfig("AMD"), b, st)

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.StoredForExecution || res.BlobPath != "" {
		t.Fatalf("result claims storage despite failure: %+v", res)
	}
	if res.TotalOpportunities != 1 {
		t.Fatalf("TotalOpportunities = %d, want the scan results kept", res.TotalOpportunities)
	}
	if len(res.Errors) == 0 || !strings.Contains(res.Errors[0], "artifact persist") {
		t.Fatalf("Errors = %v, want a persist failure entry", res.Errors)
	}
}

func TestScanRun_CallsSelectedWhileHoldingStock(t *testing.T) {
	b := mock.NewBroker()
	seedSymbol(b, "AMD", 150, steadyBars(40, 150, 2_500_000),
		chainContract("AMD", models.RightCall, 150, 7, 1.50, 1.60, 0.15, 500, 0),
		chainContract("AMD", models.RightCall, 135, 7, 1.50, 1.60, 0.15, 500, 0), // below cost basis
	)
	b.Positions = []models.Position{
		{Symbol: "AMD", AssetClass: models.AssetEquity, Quantity: 200, EntryPrice: 140},
	}
	st := storage.NewMockStorage()
	s := newTestScanner(scanConfig("AMD"), b, st)

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.CallOpportunities != 1 || res.PutOpportunities != 0 {
		t.Fatalf("counts = %d calls / %d puts, want 1/0", res.CallOpportunities, res.PutOpportunities)
	}
	if res.Opportunities[0].Strike != 150 {
		t.Fatalf("selected call strike = %.2f, want 150 (at or above the 140 basis)", res.Opportunities[0].Strike)
	}
}

func TestScanRun_PositionFailureSelectsPutsOnly(t *testing.T) {
	b := mock.NewBroker()
	seedSymbol(b, "AMD", 150, steadyBars(40, 150, 2_500_000),
		chainContract("AMD", models.RightPut, 145, 7, 1.50, 1.60, -0.18, 500, 0),
		chainContract("AMD", models.RightCall, 150, 7, 1.50, 1.60, 0.15, 500, 0),
	)
	b.Positions = []models.Position{
		{Symbol: "AMD", AssetClass: models.AssetEquity, Quantity: 200, EntryPrice: 140},
	}
	b.PositionsErr = errors.New("boom")
	st := storage.NewMockStorage()
	s := newTestScanner(scanConfig("AMD"), b, st)

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.PutOpportunities != 1 || res.CallOpportunities != 0 {
		t.Fatalf("counts = %d puts / %d calls, want puts only when positions are unknown",
			res.PutOpportunities, res.CallOpportunities)
	}
	if len(res.Errors) == 0 || !strings.Contains(res.Errors[0], "position query") {
		t.Fatalf("Errors = %v, want the position query failure surfaced", res.Errors)
	}
}

func TestScanRun_CanceledContextAborts(t *testing.T) {
	b := mock.NewBroker()
	seedSymbol(b, "AMD", 150, steadyBars(40, 150, 2_500_000))
	s := newTestScanner(scanConfig("AMD"), b, storage.NewMockStorage())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Run(ctx); err == nil {
		t.Fatalf("Run with canceled context returned nil error")
	}
}
