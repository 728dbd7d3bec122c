// Package server exposes the scheduler-facing HTTP API: cycle triggers for
// scan, run, and monitor, plus a health probe. One cycle runs at a time
// process-wide, and cycles execute on a detached context so an impatient
// client cannot abort half-submitted order work.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/tstrasser/wheelhouse/internal/executor"
	"github.com/tstrasser/wheelhouse/internal/pipeline"
)

// defaultLockWait bounds how long a request waits for the cycle lock before
// reporting that another cycle is still running.
const defaultLockWait = 5 * time.Second

// Scanner runs one scan cycle.
type Scanner interface {
	Run(ctx context.Context) (*pipeline.ScanResult, error)
}

// Runner executes the newest pending scan artifact.
type Runner interface {
	RunCycle(ctx context.Context) (*executor.RunSummary, error)
}

// Monitor closes short options that hit their profit target.
type Monitor interface {
	Run(ctx context.Context) (*executor.MonitorSummary, error)
}

// Server is the HTTP front for the wheel cycles.
type Server struct {
	router       *chi.Mux
	server       *http.Server
	scanner      Scanner
	runner       Runner
	monitor      Monitor
	logger       *logrus.Logger
	port         int
	authToken    string
	cycleTimeout time.Duration
	lockWait     time.Duration
	cycleLock    chan struct{}
}

// Config carries the listener settings.
type Config struct {
	Port         int
	AuthToken    string
	CycleTimeout time.Duration
}

// NewServer builds the server and its routes.
func NewServer(cfg Config, scanner Scanner, runner Runner, monitor Monitor, logger *logrus.Logger) *Server {
	s := &Server{
		router:       chi.NewRouter(),
		scanner:      scanner,
		runner:       runner,
		monitor:      monitor,
		logger:       logger,
		port:         cfg.Port,
		authToken:    cfg.AuthToken,
		cycleTimeout: cfg.CycleTimeout,
		lockWait:     defaultLockWait,
		cycleLock:    make(chan struct{}, 1),
	}
	if s.cycleTimeout <= 0 {
		s.cycleTimeout = 300 * time.Second
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Post("/scan", s.handleScan)
	s.router.Post("/run", s.handleRun)
	s.router.Post("/monitor", s.handleMonitor)
	s.router.Get("/health", s.handleHealth)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start blocks serving HTTP until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Serving wheel API on port %d", s.port)
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

type scanResponse struct {
	ScanTime           time.Time `json:"scan_time"`
	PutOpportunities   int       `json:"put_opportunities"`
	CallOpportunities  int       `json:"call_opportunities"`
	TotalOpportunities int       `json:"total_opportunities"`
	DurationSeconds    float64   `json:"duration_seconds"`
	StoredForExecution bool      `json:"stored_for_execution"`
	BlobPath           string    `json:"blob_path,omitempty"`
	Errors             []string  `json:"errors,omitempty"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	executeCycle(s, w, r, "scan", s.scanner.Run, func(res *pipeline.ScanResult, seconds float64) any {
		return scanResponse{
			ScanTime:           res.ScanTime,
			PutOpportunities:   res.PutOpportunities,
			CallOpportunities:  res.CallOpportunities,
			TotalOpportunities: res.TotalOpportunities,
			DurationSeconds:    seconds,
			StoredForExecution: res.StoredForExecution,
			BlobPath:           res.BlobPath,
			Errors:             res.Errors,
		}
	})
}

type runResponse struct {
	OpportunitiesEvaluated int     `json:"opportunities_evaluated"`
	TradesExecuted         int     `json:"trades_executed"`
	TradesFailed           int     `json:"trades_failed"`
	DurationSeconds        float64 `json:"duration_seconds"`
	BuyingPowerStart       float64 `json:"buying_power_start"`
	BuyingPowerEnd         float64 `json:"buying_power_end"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	executeCycle(s, w, r, "run", s.runner.RunCycle, func(res *executor.RunSummary, seconds float64) any {
		return runResponse{
			OpportunitiesEvaluated: res.OpportunitiesEvaluated,
			TradesExecuted:         res.TradesExecuted,
			TradesFailed:           res.TradesFailed,
			DurationSeconds:        seconds,
			BuyingPowerStart:       res.BuyingPowerStart,
			BuyingPowerEnd:         res.BuyingPowerEnd,
		}
	})
}

type monitorResponse struct {
	PositionsEvaluated int      `json:"positions_evaluated"`
	PositionsClosed    int      `json:"positions_closed"`
	Errors             []string `json:"errors"`
	DurationSeconds    float64  `json:"duration_seconds"`
}

func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	executeCycle(s, w, r, "monitor", s.monitor.Run, func(res *executor.MonitorSummary, seconds float64) any {
		errs := res.Errors
		if errs == nil {
			errs = []string{}
		}
		return monitorResponse{
			PositionsEvaluated: res.PositionsEvaluated,
			PositionsClosed:    res.PositionsClosed,
			Errors:             errs,
			DurationSeconds:    seconds,
		}
	})
}

// handleHealth answers without touching the cycle lock, so a wedged cycle
// never makes the process look dead.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// executeCycle serializes cycle execution behind the process-wide lock and
// bounds how long the request waits for a response. The cycle runs on its
// own deadline detached from the request: if the client's wait expires the
// request reports 504 while the cycle finishes and releases the lock.
func executeCycle[T any](s *Server, w http.ResponseWriter, r *http.Request, name string, fn func(context.Context) (T, error), render func(result T, durationSeconds float64) any) {
	select {
	case s.cycleLock <- struct{}{}:
	case <-time.After(s.lockWait):
		s.logger.Warnf("%s rejected: another cycle is running", name)
		s.writeError(w, http.StatusInternalServerError, "another cycle is running")
		return
	case <-r.Context().Done():
		return
	}

	start := time.Now()
	type outcome struct {
		result T
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() { <-s.cycleLock }()
		ctx, cancel := context.WithTimeout(context.Background(), s.cycleTimeout)
		defer cancel()
		result, err := fn(ctx)
		if err != nil {
			s.logger.WithError(err).Errorf("%s cycle failed", name)
		}
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("%s cycle failed: %v", name, out.err))
			return
		}
		s.writeJSON(w, http.StatusOK, render(out.result, time.Since(start).Seconds()))
	case <-time.After(s.cycleTimeout):
		s.logger.Warnf("%s cycle still running after %v, releasing the client", name, s.cycleTimeout)
		s.writeError(w, http.StatusGatewayTimeout, fmt.Sprintf("%s cycle still running", name))
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
