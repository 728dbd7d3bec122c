// Package broker defines the brokerage contract the trading core depends on
// and its Alpaca-shaped REST implementation. Every decision input (account,
// quotes, bars, chains, positions, orders) flows through the Broker
// interface so the pipeline and executor never touch wire formats.
package broker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"
	"github.com/tstrasser/wheelhouse/internal/models"
)

// Feed selects the market-data tier for a quote or bar request. The tiers
// differ in coverage and delay, so the choice rides on every call rather
// than being baked into the client.
type Feed string

const (
	// FeedIEX is the free single-exchange feed.
	FeedIEX Feed = "iex"
	// FeedSIP is the consolidated tape, available on paid subscriptions.
	FeedSIP Feed = "sip"
)

// OrderFilter narrows GetOrders to a lifecycle slice.
type OrderFilter string

const (
	// FilterOpen returns working orders only.
	FilterOpen OrderFilter = "open"
	// FilterClosed returns terminal orders only.
	FilterClosed OrderFilter = "closed"
	// FilterAll returns everything the broker retains.
	FilterAll OrderFilter = "all"
)

// Account is the broker's view of available capital at a point in time.
type Account struct {
	BuyingPower        float64
	OptionsBuyingPower float64
	Cash               float64
	PortfolioValue     float64
	Equity             float64
}

// Quote is a level-one stock quote with the prior session close, which the
// execution gap check compares against the last trade.
type Quote struct {
	Bid       float64
	Ask       float64
	Last      float64
	PrevClose float64
	Timestamp time.Time
}

// Bar is one daily OHLCV bar.
type Bar struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// OrderRequest describes a limit order to submit.
type OrderRequest struct {
	Symbol        string
	Side          models.OrderSide
	Quantity      int
	LimitPrice    float64
	TimeInForce   string // day | gtc
	ClientOrderID string
}

// OrderConfirmation is the broker's acknowledgement of a submission.
type OrderConfirmation struct {
	OrderID string
	Status  models.OrderStatus
}

// Broker is the brokerage surface the scan, execute, and monitor paths
// depend on. Every method honors its context for timeout and cancellation,
// and every method may fail transiently (timeouts, 5xx, rate limits) or
// permanently (4xx).
type Broker interface {
	GetAccount(ctx context.Context) (*Account, error)
	GetQuote(ctx context.Context, symbol string, feed Feed) (*Quote, error)
	GetBars(ctx context.Context, symbol string, start, end time.Time, feed Feed) ([]Bar, error)
	GetOptionChain(ctx context.Context, underlying string) ([]models.OptionContract, error)
	GetPositions(ctx context.Context) ([]models.Position, error)
	GetOrders(ctx context.Context, filter OrderFilter) ([]models.OpenOrder, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (*OrderConfirmation, error)
}

// IsPermanentAPIError reports whether the error is a broker rejection that
// retrying cannot fix. 429 is excluded: rate limiting clears on its own.
func IsPermanentAPIError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != 429
	}
	return false
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality so
// a flapping brokerage API fails fast instead of stalling every cycle.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// exec is a generic helper for circuit breaker wrapper methods.
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker creates a CircuitBreakerBroker with sensible defaults.
func NewCircuitBreakerBroker(broker Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, CircuitBreakerSettings{
		MaxRequests:  3,                // Allow 3 requests when half-open
		Interval:     60 * time.Second, // Reset counts every minute
		Timeout:      30 * time.Second, // Open circuit for 30 seconds
		MinRequests:  5,                // Minimum requests before tripping
		FailureRatio: 0.6,              // Trip if 60% failure rate
	})
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// Ensure the wrapper implements Broker at compile time.
var _ Broker = (*CircuitBreakerBroker)(nil)

// GetAccount wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetAccount(ctx context.Context) (*Account, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Account, error) {
		return b.GetAccount(ctx)
	})
}

// GetQuote wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetQuote(ctx context.Context, symbol string, feed Feed) (*Quote, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Quote, error) {
		return b.GetQuote(ctx, symbol, feed)
	})
}

// GetBars wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetBars(ctx context.Context, symbol string, start, end time.Time, feed Feed) ([]Bar, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Bar, error) {
		return b.GetBars(ctx, symbol, start, end, feed)
	})
}

// GetOptionChain wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetOptionChain(ctx context.Context, underlying string) ([]models.OptionContract, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]models.OptionContract, error) {
		return b.GetOptionChain(ctx, underlying)
	})
}

// GetPositions wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetPositions(ctx context.Context) ([]models.Position, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]models.Position, error) {
		return b.GetPositions(ctx)
	})
}

// GetOrders wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetOrders(ctx context.Context, filter OrderFilter) ([]models.OpenOrder, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]models.OpenOrder, error) {
		return b.GetOrders(ctx, filter)
	})
}

// SubmitOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderConfirmation, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderConfirmation, error) {
		return b.SubmitOrder(ctx, req)
	})
}
