// Package pipeline implements the staged screening that turns a configured
// universe into ranked, persisted trade opportunities, plus the per-order
// checks the execute cycle re-runs against live broker state. Scan-side
// stages discover and rank; execute-side stages re-verify at the moment of
// submission. A stage that cannot observe its inputs blocks the symbol
// rather than letting it pass.
package pipeline

import "fmt"

// Stage numbers, in evaluation order. Stages 1-3 and 7 run during a scan
// cycle; 4-6, 8, and 9 run during an execute cycle.
const (
	StagePriceVolume = 1
	StageGapRisk     = 2
	StageEvalCap     = 3
	StageExecGap     = 4
	StageWheelState  = 5
	StageGuard       = 6
	StageChain       = 7
	StageSizing      = 8
	StageCycleCap    = 9
)

// Status is a stage verdict.
type Status string

const (
	// StatusPassed means the stage's checks held.
	StatusPassed Status = "PASSED"
	// StatusBlocked means a check failed or could not be evaluated.
	StatusBlocked Status = "BLOCKED"
)

// Blocking reason codes, reported in logs and cycle summaries.
const (
	ReasonPriceOutOfRange   = "price_out_of_range"
	ReasonVolumeBelowMin    = "volume_below_minimum"
	ReasonGapFrequency      = "gap_frequency_exceeded"
	ReasonVolatility        = "volatility_exceeded"
	ReasonOvernightGap      = "overnight_gap_exceeded"
	ReasonEvaluationCap     = "evaluation_cap_reached"
	ReasonExecutionGap      = "execution_gap_exceeded"
	ReasonPhaseInadmissible = "wheel_phase_inadmissible"
	ReasonWheelConflict     = "wheel_state_conflict"
	ReasonPendingInCycle    = "pending_order_in_cycle"
	ReasonOpenOrderExists   = "open_order_exists"
	ReasonFilledPosition    = "filled_position_exists"
	ReasonGuardQueryFailed  = "position_guard_query_failed"
	ReasonInsufficientBP    = "insufficient_buying_power"
	ReasonTickerExposure    = "exceeds_ticker_exposure"
	ReasonPortfolioAlloc    = "exceeds_portfolio_allocation"
	ReasonMaxPositions      = "max_positions_reached"
	ReasonInsufficientStock = "insufficient_shares_for_covered_call"
	ReasonCycleCap          = "cycle_cap_reached"
)

// DetectionError is the blocking reason used when a stage's data source
// failed: the symbol blocks at that stage instead of passing unverified.
func DetectionError(stage int) string {
	return fmt.Sprintf("stage_%d_detection_error", stage)
}

// StageResult is the outcome of one stage for one symbol or opportunity.
type StageResult struct {
	Stage  int    `json:"stage"`
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Passed builds a passing result for a stage.
func Passed(stage int) StageResult {
	return StageResult{Stage: stage, Status: StatusPassed}
}

// Blocked builds a blocking result with its reason code.
func Blocked(stage int, reason string) StageResult {
	return StageResult{Stage: stage, Status: StatusBlocked, Reason: reason}
}
