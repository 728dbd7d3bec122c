// Package gaprisk scores the overnight gap exposure of an underlying from
// its daily bar history. The scan pipeline feeds the assessment into its
// risk filter and blocks symbols whose profile breaches the configured
// ceilings. The model is pure computation; callers fetch the quote and bars.
package gaprisk

import (
	"errors"
	"fmt"
	"math"

	"github.com/tstrasser/wheelhouse/internal/broker"
)

var (
	// ErrInsufficientHistory means too few bars arrived to score the symbol.
	ErrInsufficientHistory = errors.New("insufficient bar history")
	// ErrMalformedHistory means the bar series contains unusable values.
	ErrMalformedHistory = errors.New("malformed bar history")
	// ErrBadQuote means the quote lacks the prices the gap math divides by.
	ErrBadQuote = errors.New("quote missing gap reference prices")
)

// Assessment is the gap-risk readout for one underlying.
type Assessment struct {
	Score             float64 `json:"score"`
	GapFrequency      float64 `json:"gap_frequency"`
	Volatility        float64 `json:"volatility"`
	CurrentGapPercent float64 `json:"current_gap_percent"`
}

// Model scores one underlying from its latest quote and bar history. An
// error means the symbol could not be assessed at all, which the pipeline
// treats as a blocking detection failure rather than a pass.
type Model interface {
	Evaluate(quote *broker.Quote, bars []broker.Bar) (*Assessment, error)
}

// Params tune the historical model.
type Params struct {
	// GapThreshold is the absolute overnight move counted as a gap,
	// e.g. 0.05 counts any open more than 5% away from the prior close.
	GapThreshold float64
	// MinBars is the shortest series the model will score.
	MinBars int
}

const (
	defaultGapThreshold = 0.05
	defaultMinBars      = 30

	tradingDaysPerYear = 252

	// Composite score weights. The score is informational; the filter
	// compares the individual components against their own ceilings.
	weightFrequency  = 0.5
	weightVolatility = 0.3
	weightCurrentGap = 0.2
)

// HistoricalModel derives gap statistics from realized daily bars.
type HistoricalModel struct {
	params Params
}

var _ Model = (*HistoricalModel)(nil)

// NewHistoricalModel builds a model, applying defaults for zero params.
func NewHistoricalModel(p Params) *HistoricalModel {
	if p.GapThreshold <= 0 {
		p.GapThreshold = defaultGapThreshold
	}
	if p.MinBars <= 0 {
		p.MinBars = defaultMinBars
	}
	return &HistoricalModel{params: p}
}

// Evaluate computes gap frequency, annualized close-to-close volatility, and
// the live overnight gap.
func (m *HistoricalModel) Evaluate(quote *broker.Quote, bars []broker.Bar) (*Assessment, error) {
	if len(bars) < m.params.MinBars {
		return nil, fmt.Errorf("%w: have %d bars, need %d", ErrInsufficientHistory, len(bars), m.params.MinBars)
	}
	if quote == nil || quote.Last <= 0 || quote.PrevClose <= 0 {
		return nil, fmt.Errorf("%w: need positive last and prev close", ErrBadQuote)
	}

	freq, err := gapFrequency(bars, m.params.GapThreshold)
	if err != nil {
		return nil, err
	}
	vol, err := annualizedVolatility(bars)
	if err != nil {
		return nil, err
	}
	gap := math.Abs(quote.Last-quote.PrevClose) / quote.PrevClose

	return &Assessment{
		Score:             weightFrequency*freq + weightVolatility*vol + weightCurrentGap*gap,
		GapFrequency:      freq,
		Volatility:        vol,
		CurrentGapPercent: gap,
	}, nil
}

// gapFrequency is the fraction of sessions whose open landed more than
// threshold away from the prior close.
func gapFrequency(bars []broker.Bar, threshold float64) (float64, error) {
	gapped := 0
	for i := 1; i < len(bars); i++ {
		prevClose := bars[i-1].Close
		if prevClose <= 0 {
			return 0, fmt.Errorf("%w: bar %d has non-positive close %.4f", ErrMalformedHistory, i-1, prevClose)
		}
		move := math.Abs(bars[i].Open/prevClose - 1)
		if move > threshold {
			gapped++
		}
	}
	return float64(gapped) / float64(len(bars)-1), nil
}

// annualizedVolatility is the sample standard deviation of daily log
// returns, scaled to a year of trading days.
func annualizedVolatility(bars []broker.Bar) (float64, error) {
	returns := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		prev, cur := bars[i-1].Close, bars[i].Close
		if prev <= 0 || cur <= 0 {
			return 0, fmt.Errorf("%w: bar %d has non-positive close", ErrMalformedHistory, i)
		}
		returns = append(returns, math.Log(cur/prev))
	}
	if len(returns) < 2 {
		return 0, fmt.Errorf("%w: need at least 2 returns", ErrInsufficientHistory)
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var ss float64
	for _, r := range returns {
		d := r - mean
		ss += d * d
	}
	variance := ss / float64(len(returns)-1)
	return math.Sqrt(variance) * math.Sqrt(tradingDaysPerYear), nil
}
