package pipeline

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tstrasser/wheelhouse/internal/broker"
	"github.com/tstrasser/wheelhouse/internal/config"
	"github.com/tstrasser/wheelhouse/internal/gaprisk"
	"github.com/tstrasser/wheelhouse/internal/models"
	"github.com/tstrasser/wheelhouse/internal/retry"
	"github.com/tstrasser/wheelhouse/internal/storage"
)

const (
	// barLookback is how far back daily bars are requested for volume and
	// gap statistics.
	barLookbackDays = 365
	// avgVolumeWindow is the trailing session count behind avg_volume.
	avgVolumeWindow = 30
	// fetchConcurrency bounds the parallel market-data fetch. Evaluation
	// stays sequential in universe order regardless.
	fetchConcurrency = 4
)

// Scanner runs the scan-side stages: price/volume screen, gap-risk filter,
// evaluation cap, chain selection, ranking, and artifact persistence.
type Scanner struct {
	broker broker.Broker
	model  gaprisk.Model
	store  storage.Interface
	cfg    *config.Config
	fetch  retry.Policy
	logger *log.Logger
	now    func() time.Time
}

// NewScanner wires a scanner from its collaborators.
func NewScanner(b broker.Broker, m gaprisk.Model, st storage.Interface, cfg *config.Config, logger *log.Logger) *Scanner {
	return &Scanner{
		broker: b,
		model:  m,
		store:  st,
		cfg:    cfg,
		fetch:  retry.FetchPolicy(cfg.DataTimeout()),
		logger: logger,
		now:    time.Now,
	}
}

// SymbolReport records where one underlying landed in the scan.
type SymbolReport struct {
	Symbol string      `json:"symbol"`
	Result StageResult `json:"result"`
}

// ScanResult summarizes one scan cycle.
type ScanResult struct {
	ScanTime           time.Time            `json:"scan_time"`
	PutOpportunities   int                  `json:"put_opportunities"`
	CallOpportunities  int                  `json:"call_opportunities"`
	TotalOpportunities int                  `json:"total_opportunities"`
	Opportunities      []models.Opportunity `json:"opportunities"`
	Reports            []SymbolReport       `json:"reports"`
	Stats              SelectionStats       `json:"stats"`
	StoredForExecution bool                 `json:"stored_for_execution"`
	BlobPath           string               `json:"blob_path,omitempty"`
	Errors             []string             `json:"errors,omitempty"`
}

type symbolData struct {
	quote *broker.Quote
	bars  []broker.Bar
	err   error
}

type candidate struct {
	underlying models.Underlying
	assessment *gaprisk.Assessment
}

// Run executes one scan cycle. Per-symbol failures block that symbol and
// the scan continues; only a canceled context aborts the whole cycle.
func (s *Scanner) Run(ctx context.Context) (*ScanResult, error) {
	scanTime := s.now().UTC()
	res := &ScanResult{ScanTime: scanTime}
	symbols := s.cfg.NormalizedUniverse()
	feed := broker.Feed(s.cfg.Broker.DataFeed)

	s.logger.Printf("Scan: screening %d symbols", len(symbols))
	data := s.fetchMarketData(ctx, symbols, feed)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Positions inform call-side selection. If they cannot be fetched the
	// scan proceeds puts-only; calls need confirmed stock to cover them.
	var positions []models.Position
	positions, posErr := retry.Do(ctx, s.logger, s.fetch, "scan position query", func(ctx context.Context) ([]models.Position, error) {
		return s.broker.GetPositions(ctx)
	})
	if posErr != nil {
		s.logger.Printf("Warning: position query failed, selecting puts only: %v", posErr)
		res.Errors = append(res.Errors, fmt.Sprintf("position query: %v", posErr))
		positions = nil
	}

	var survivors []candidate
	for i, symbol := range symbols {
		report, cand := s.screenSymbol(symbol, data[i])
		if cand == nil {
			res.Reports = append(res.Reports, report)
			s.logger.Printf("Scan: %s blocked at stage %d (%s)", symbol, report.Result.Stage, report.Result.Reason)
			continue
		}
		survivors = append(survivors, *cand)
	}

	survivors = s.applyEvaluationCap(survivors, res)

	selector := NewSelector(s.cfg.Options, s.logger)
	var ranked []models.Opportunity
	for _, cand := range survivors {
		symbol := cand.underlying.Symbol
		chain, err := retry.Do(ctx, s.logger, s.fetch, "option chain "+symbol, func(ctx context.Context) ([]models.OptionContract, error) {
			return s.broker.GetOptionChain(ctx, symbol)
		})
		if err != nil {
			s.logger.Printf("Scan: %s blocked at stage %d (%s): %v", symbol, StageChain, DetectionError(StageChain), err)
			res.Reports = append(res.Reports, SymbolReport{Symbol: symbol, Result: Blocked(StageChain, DetectionError(StageChain))})
			continue
		}

		puts, calls, stats := selector.Select(chain, s.callContext(symbol, positions))
		res.Stats.Add(stats)
		res.Reports = append(res.Reports, SymbolReport{Symbol: symbol, Result: Passed(StageChain)})
		ranked = append(ranked, puts...)
		ranked = append(ranked, calls...)
	}

	Rank(ranked)
	res.Opportunities = ranked
	for i := range ranked {
		if ranked[i].Right == models.RightPut {
			res.PutOpportunities++
		} else {
			res.CallOpportunities++
		}
	}
	res.TotalOpportunities = len(ranked)

	if len(ranked) > 0 {
		artifact := models.NewScanArtifact(scanTime, s.cfg.OpportunityMaxAge(), ranked)
		path, err := s.store.Persist(&artifact)
		if err != nil {
			s.logger.Printf("Warning: persisting scan artifact failed: %v", err)
			res.Errors = append(res.Errors, fmt.Sprintf("artifact persist: %v", err))
		} else {
			res.StoredForExecution = true
			res.BlobPath = path
		}
	}

	s.logger.Printf("Scan: %d opportunities (%d puts, %d calls), stored=%t",
		res.TotalOpportunities, res.PutOpportunities, res.CallOpportunities, res.StoredForExecution)
	return res, nil
}

// fetchMarketData pulls quote and bars for every symbol concurrently.
// Results land in a slice indexed by universe position so later evaluation
// order never depends on fetch completion order.
func (s *Scanner) fetchMarketData(ctx context.Context, symbols []string, feed broker.Feed) []symbolData {
	data := make([]symbolData, len(symbols))
	end := s.now().UTC()
	start := end.AddDate(0, 0, -barLookbackDays)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, symbol := range symbols {
		i, symbol := i, symbol
		g.Go(func() error {
			quote, err := retry.Do(gctx, s.logger, s.fetch, "quote "+symbol, func(ctx context.Context) (*broker.Quote, error) {
				return s.broker.GetQuote(ctx, symbol, feed)
			})
			if err != nil {
				data[i] = symbolData{err: err}
				return nil
			}
			bars, err := retry.Do(gctx, s.logger, s.fetch, "bars "+symbol, func(ctx context.Context) ([]broker.Bar, error) {
				return s.broker.GetBars(ctx, symbol, start, end, feed)
			})
			if err != nil {
				data[i] = symbolData{err: err}
				return nil
			}
			data[i] = symbolData{quote: quote, bars: bars}
			return nil
		})
	}
	_ = g.Wait()
	return data
}

// screenSymbol runs stages 1 and 2 for one symbol. It returns either a
// blocking report or the surviving candidate.
func (s *Scanner) screenSymbol(symbol string, d symbolData) (SymbolReport, *candidate) {
	if d.err != nil {
		return SymbolReport{Symbol: symbol, Result: Blocked(StagePriceVolume, DetectionError(StagePriceVolume))}, nil
	}

	price := d.quote.Last
	if price <= 0 {
		return SymbolReport{Symbol: symbol, Result: Blocked(StagePriceVolume, DetectionError(StagePriceVolume))}, nil
	}
	if price < s.cfg.Scan.MinStockPrice || price > s.cfg.Scan.MaxStockPrice {
		return SymbolReport{Symbol: symbol, Result: Blocked(StagePriceVolume, ReasonPriceOutOfRange)}, nil
	}
	avgVol := averageVolume(d.bars, avgVolumeWindow)
	if avgVol < s.cfg.Scan.MinAvgVolume {
		return SymbolReport{Symbol: symbol, Result: Blocked(StagePriceVolume, ReasonVolumeBelowMin)}, nil
	}

	assessment, err := s.model.Evaluate(d.quote, d.bars)
	if err != nil {
		s.logger.Printf("Warning: gap assessment for %s failed: %v", symbol, err)
		return SymbolReport{Symbol: symbol, Result: Blocked(StageGapRisk, DetectionError(StageGapRisk))}, nil
	}
	if assessment.GapFrequency > s.cfg.Scan.MaxGapFrequency {
		return SymbolReport{Symbol: symbol, Result: Blocked(StageGapRisk, ReasonGapFrequency)}, nil
	}
	if assessment.Volatility > s.cfg.Scan.MaxHistoricalVolatility {
		return SymbolReport{Symbol: symbol, Result: Blocked(StageGapRisk, ReasonVolatility)}, nil
	}
	if assessment.CurrentGapPercent > s.cfg.Scan.MaxOvernightGapPercent {
		return SymbolReport{Symbol: symbol, Result: Blocked(StageGapRisk, ReasonOvernightGap)}, nil
	}

	return SymbolReport{}, &candidate{
		underlying: models.Underlying{
			Symbol:               symbol,
			Price:                price,
			AvgVolume:            avgVol,
			HistoricalVolatility: assessment.Volatility,
		},
		assessment: assessment,
	}
}

// applyEvaluationCap enforces the stage 3 cap, keeping the lowest gap-risk
// candidates when more symbols survive than the config allows.
func (s *Scanner) applyEvaluationCap(survivors []candidate, res *ScanResult) []candidate {
	limit := s.cfg.Scan.MaxEvaluated
	if limit <= 0 || len(survivors) <= limit {
		return survivors
	}
	ordered := make([]candidate, len(survivors))
	copy(ordered, survivors)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].assessment.Score < ordered[j].assessment.Score
	})
	for _, cut := range ordered[limit:] {
		res.Reports = append(res.Reports, SymbolReport{
			Symbol: cut.underlying.Symbol,
			Result: Blocked(StageEvalCap, ReasonEvaluationCap),
		})
		s.logger.Printf("Scan: %s cut by evaluation cap (%d)", cut.underlying.Symbol, limit)
	}
	return ordered[:limit]
}

// callContext derives call-selection eligibility from live positions.
func (s *Scanner) callContext(symbol string, positions []models.Position) CallContext {
	if positions == nil {
		return CallContext{}
	}
	if models.DerivePhase(symbol, positions) != models.PhaseHoldingStock {
		return CallContext{}
	}
	costBasis, _, ok := models.StockCostBasis(symbol, positions)
	if !ok {
		return CallContext{}
	}
	return CallContext{Eligible: true, CostBasis: costBasis}
}

// averageVolume is the mean share volume over the trailing window sessions.
func averageVolume(bars []broker.Bar, window int) float64 {
	if len(bars) == 0 {
		return 0
	}
	start := 0
	if len(bars) > window {
		start = len(bars) - window
	}
	var sum float64
	for _, b := range bars[start:] {
		sum += float64(b.Volume)
	}
	return sum / float64(len(bars)-start)
}
