// Package mock provides a scriptable in-memory Broker for tests. Market
// data is canned per symbol, errors are injectable per call site, and a
// submit hook lets tests mutate broker state mid-cycle the way a real fill
// would.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tstrasser/wheelhouse/internal/broker"
	"github.com/tstrasser/wheelhouse/internal/models"
)

// Broker implements broker.Broker from in-memory fixtures.
type Broker struct {
	mu sync.Mutex

	Account   broker.Account
	Quotes    map[string]broker.Quote
	Bars      map[string][]broker.Bar
	Chains    map[string][]models.OptionContract
	Positions []models.Position
	Orders    []models.OpenOrder

	AccountErr   error
	QuoteErrs    map[string]error
	BarsErrs     map[string]error
	ChainErrs    map[string]error
	PositionsErr error
	OrdersErr    error
	SubmitErr    error

	// OnSubmit, when set, decides each submission's outcome instead of the
	// default acceptance.
	OnSubmit func(req broker.OrderRequest) (*broker.OrderConfirmation, error)

	Submitted []broker.OrderRequest

	accountCalls   int
	quoteCalls     int
	barsCalls      int
	chainCalls     int
	positionsCalls int
	ordersCalls    int
	submitCalls    int
}

var _ broker.Broker = (*Broker)(nil)

// NewBroker returns an empty fixture broker.
func NewBroker() *Broker {
	return &Broker{
		Quotes:    make(map[string]broker.Quote),
		Bars:      make(map[string][]broker.Bar),
		Chains:    make(map[string][]models.OptionContract),
		QuoteErrs: make(map[string]error),
		BarsErrs:  make(map[string]error),
		ChainErrs: make(map[string]error),
	}
}

// GetAccount returns the canned account.
func (m *Broker) GetAccount(_ context.Context) (*broker.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accountCalls++
	if m.AccountErr != nil {
		return nil, m.AccountErr
	}
	acct := m.Account
	return &acct, nil
}

// GetQuote returns the canned quote for symbol, or a 404-shaped error when
// none is seeded.
func (m *Broker) GetQuote(_ context.Context, symbol string, _ broker.Feed) (*broker.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quoteCalls++
	if err := m.QuoteErrs[symbol]; err != nil {
		return nil, err
	}
	q, ok := m.Quotes[symbol]
	if !ok {
		return nil, &broker.APIError{Status: 404, Body: fmt.Sprintf("no quote for %s", symbol)}
	}
	return &q, nil
}

// GetBars returns the canned bars for symbol.
func (m *Broker) GetBars(_ context.Context, symbol string, _, _ time.Time, _ broker.Feed) ([]broker.Bar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.barsCalls++
	if err := m.BarsErrs[symbol]; err != nil {
		return nil, err
	}
	bars, ok := m.Bars[symbol]
	if !ok {
		return nil, &broker.APIError{Status: 404, Body: fmt.Sprintf("no bars for %s", symbol)}
	}
	out := make([]broker.Bar, len(bars))
	copy(out, bars)
	return out, nil
}

// GetOptionChain returns the canned chain for the underlying.
func (m *Broker) GetOptionChain(_ context.Context, underlying string) ([]models.OptionContract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chainCalls++
	if err := m.ChainErrs[underlying]; err != nil {
		return nil, err
	}
	chain := m.Chains[underlying]
	out := make([]models.OptionContract, len(chain))
	copy(out, chain)
	return out, nil
}

// GetPositions returns the canned positions.
func (m *Broker) GetPositions(_ context.Context) ([]models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionsCalls++
	if m.PositionsErr != nil {
		return nil, m.PositionsErr
	}
	out := make([]models.Position, len(m.Positions))
	copy(out, m.Positions)
	return out, nil
}

// GetOrders returns the canned orders regardless of filter.
func (m *Broker) GetOrders(_ context.Context, _ broker.OrderFilter) ([]models.OpenOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ordersCalls++
	if m.OrdersErr != nil {
		return nil, m.OrdersErr
	}
	out := make([]models.OpenOrder, len(m.Orders))
	copy(out, m.Orders)
	return out, nil
}

// SubmitOrder records the request and accepts it, unless SubmitErr or
// OnSubmit dictate otherwise.
func (m *Broker) SubmitOrder(_ context.Context, req broker.OrderRequest) (*broker.OrderConfirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitCalls++
	if m.SubmitErr != nil {
		return nil, m.SubmitErr
	}
	m.Submitted = append(m.Submitted, req)
	if m.OnSubmit != nil {
		return m.OnSubmit(req)
	}
	return &broker.OrderConfirmation{
		OrderID: fmt.Sprintf("mock-%d", m.submitCalls),
		Status:  models.OrderPendingNew,
	}, nil
}

// AccountCalls reports how many times GetAccount ran.
func (m *Broker) AccountCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accountCalls
}

// QuoteCalls reports how many times GetQuote ran.
func (m *Broker) QuoteCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quoteCalls
}

// ChainCalls reports how many times GetOptionChain ran.
func (m *Broker) ChainCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chainCalls
}

// PositionCalls reports how many times GetPositions ran.
func (m *Broker) PositionCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positionsCalls
}

// OrderCalls reports how many times GetOrders ran.
func (m *Broker) OrderCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ordersCalls
}

// SubmitCalls reports how many times SubmitOrder ran.
func (m *Broker) SubmitCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitCalls
}
