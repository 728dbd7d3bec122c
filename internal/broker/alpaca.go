package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/tstrasser/wheelhouse/internal/models"
)

const (
	userAgent = "wheelhouse/1.0"

	// errorBodyLimit caps how much of an error response we read. Broker error
	// pages are occasionally HTML blobs; 64KB is plenty for diagnostics.
	errorBodyLimit = 64 << 10

	defaultRequestsPerMinute = 200
)

// APIError represents an error response from the brokerage API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// Settings configures an AlpacaClient. APIBase is the trading host (paper or
// live), DataBase the market-data host; the two are separate services with
// separate rate limits, but one limiter guards both to stay under the
// account-level quota.
type Settings struct {
	APIBase           string
	DataBase          string
	APIKey            string
	APISecret         string
	RequestsPerMinute int
	Logger            *log.Logger
}

// AlpacaClient is a Broker backed by Alpaca's REST API. All methods honor
// context cancellation and pass through the shared rate limiter before
// touching the network.
type AlpacaClient struct {
	client    *http.Client
	apiBase   string
	dataBase  string
	apiKey    string
	apiSecret string
	limiter   *rate.Limiter
	logger    *log.Logger
	now       func() time.Time
}

var _ Broker = (*AlpacaClient)(nil)

// NewAlpacaClient creates a client from settings, applying defaults for any
// zero fields. Per-request timeouts come from the caller's context; the HTTP
// client timeout is only a backstop.
func NewAlpacaClient(s Settings) *AlpacaClient {
	logger := s.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	rpm := s.RequestsPerMinute
	if rpm <= 0 {
		rpm = defaultRequestsPerMinute
	}
	burst := rpm / 10
	if burst < 1 {
		burst = 1
	}
	return &AlpacaClient{
		client:    &http.Client{Timeout: 45 * time.Second},
		apiBase:   strings.TrimRight(s.APIBase, "/"),
		dataBase:  strings.TrimRight(s.DataBase, "/"),
		apiKey:    s.APIKey,
		apiSecret: s.APISecret,
		limiter:   rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst),
		logger:    logger,
		now:       time.Now,
	}
}

// WithHTTPClient replaces the underlying HTTP client. Used by tests.
func (c *AlpacaClient) WithHTTPClient(hc *http.Client) *AlpacaClient {
	c.client = hc
	return c
}

// decimalString decodes the numeric fields Alpaca serializes as quoted
// decimals ("buying_power":"50000"). Bare numbers, empty strings, and null
// are accepted too since the data API mixes styles.
type decimalString float64

func (d *decimalString) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		*d = 0
		return nil
	}
	s = strings.Trim(s, `"`)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parsing decimal %q: %w", s, err)
	}
	*d = decimalString(v)
	return nil
}

type alpacaAccount struct {
	BuyingPower        decimalString `json:"buying_power"`
	OptionsBuyingPower decimalString `json:"options_buying_power"`
	Cash               decimalString `json:"cash"`
	PortfolioValue     decimalString `json:"portfolio_value"`
	Equity             decimalString `json:"equity"`
}

type alpacaPosition struct {
	Symbol        string        `json:"symbol"`
	AssetClass    string        `json:"asset_class"`
	Qty           decimalString `json:"qty"`
	AvgEntryPrice decimalString `json:"avg_entry_price"`
	MarketValue   decimalString `json:"market_value"`
	UnrealizedPL  decimalString `json:"unrealized_pl"`
}

type alpacaOrder struct {
	ID             string        `json:"id"`
	ClientOrderID  string        `json:"client_order_id"`
	Symbol         string        `json:"symbol"`
	Status         string        `json:"status"`
	Side           string        `json:"side"`
	PositionIntent string        `json:"position_intent"`
	Qty            decimalString `json:"qty"`
	LimitPrice     decimalString `json:"limit_price"`
}

type stockTrade struct {
	Price     float64   `json:"p"`
	Timestamp time.Time `json:"t"`
}

type stockQuote struct {
	AskPrice  float64   `json:"ap"`
	BidPrice  float64   `json:"bp"`
	Timestamp time.Time `json:"t"`
}

type stockBar struct {
	Timestamp time.Time `json:"t"`
	Open      float64   `json:"o"`
	High      float64   `json:"h"`
	Low       float64   `json:"l"`
	Close     float64   `json:"c"`
	Volume    int64     `json:"v"`
}

type stockSnapshot struct {
	LatestTrade  *stockTrade `json:"latestTrade"`
	LatestQuote  *stockQuote `json:"latestQuote"`
	PrevDailyBar *stockBar   `json:"prevDailyBar"`
}

type barsPage struct {
	Bars          []stockBar `json:"bars"`
	NextPageToken string     `json:"next_page_token"`
}

type optionContractRow struct {
	Symbol           string        `json:"symbol"`
	UnderlyingSymbol string        `json:"underlying_symbol"`
	ExpirationDate   string        `json:"expiration_date"`
	Type             string        `json:"type"`
	StrikePrice      decimalString `json:"strike_price"`
	OpenInterest     decimalString `json:"open_interest"`
	Tradable         bool          `json:"tradable"`
}

type contractsPage struct {
	Contracts     []optionContractRow `json:"option_contracts"`
	NextPageToken string              `json:"next_page_token"`
}

type optionQuote struct {
	AskPrice float64 `json:"ap"`
	BidPrice float64 `json:"bp"`
}

type optionGreeks struct {
	Delta float64 `json:"delta"`
}

type optionBar struct {
	Volume int64 `json:"v"`
}

type optionSnapshot struct {
	LatestQuote *optionQuote  `json:"latestQuote"`
	Greeks      *optionGreeks `json:"greeks"`
	DailyBar    *optionBar    `json:"dailyBar"`
}

type optionSnapshotsPage struct {
	Snapshots     map[string]optionSnapshot `json:"snapshots"`
	NextPageToken string                    `json:"next_page_token"`
}

// do executes one API request: waits on the rate limiter, attaches auth
// headers, and decodes a 2xx JSON body into out. Non-2xx responses become an
// *APIError carrying a capped copy of the body and any Retry-After hint.
func (c *AlpacaClient) do(ctx context.Context, method, rawURL string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("APCA-API-KEY-ID", c.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", c.apiSecret)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Printf("Warning: failed to close response body: %v", cerr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		msg := strings.TrimSpace(string(raw))
		if readErr != nil {
			msg = fmt.Sprintf("(failed to read error body: %v)", readErr)
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			msg = fmt.Sprintf("%s (retry-after: %s)", msg, ra)
		}
		return &APIError{Status: resp.StatusCode, Body: msg}
	}

	if resp.StatusCode == http.StatusNoContent || out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// GetAccount fetches current account balances.
func (c *AlpacaClient) GetAccount(ctx context.Context) (*Account, error) {
	var raw alpacaAccount
	if err := c.do(ctx, http.MethodGet, c.apiBase+"/v2/account", nil, &raw); err != nil {
		return nil, fmt.Errorf("fetching account: %w", err)
	}
	return &Account{
		BuyingPower:        float64(raw.BuyingPower),
		OptionsBuyingPower: float64(raw.OptionsBuyingPower),
		Cash:               float64(raw.Cash),
		PortfolioValue:     float64(raw.PortfolioValue),
		Equity:             float64(raw.Equity),
	}, nil
}

// GetQuote fetches the stock snapshot and flattens it into the quote fields
// the pipeline needs: NBBO, last trade, and the prior session close.
func (c *AlpacaClient) GetQuote(ctx context.Context, symbol string, feed Feed) (*Quote, error) {
	u := fmt.Sprintf("%s/v2/stocks/%s/snapshot?feed=%s",
		c.dataBase, url.PathEscape(symbol), feedOrDefault(feed))
	var snap stockSnapshot
	if err := c.do(ctx, http.MethodGet, u, nil, &snap); err != nil {
		return nil, fmt.Errorf("fetching snapshot for %s: %w", symbol, err)
	}
	q := &Quote{}
	if snap.LatestQuote != nil {
		q.Bid = snap.LatestQuote.BidPrice
		q.Ask = snap.LatestQuote.AskPrice
		q.Timestamp = snap.LatestQuote.Timestamp
	}
	if snap.LatestTrade != nil {
		q.Last = snap.LatestTrade.Price
		if q.Timestamp.IsZero() {
			q.Timestamp = snap.LatestTrade.Timestamp
		}
	}
	if snap.PrevDailyBar != nil {
		q.PrevClose = snap.PrevDailyBar.Close
	}
	return q, nil
}

// GetBars fetches daily bars for the window, following pagination until the
// broker reports no next page. Split-adjusted so split days do not register
// as overnight gaps.
func (c *AlpacaClient) GetBars(ctx context.Context, symbol string, start, end time.Time, feed Feed) ([]Bar, error) {
	params := url.Values{}
	params.Set("timeframe", "1Day")
	params.Set("adjustment", "split")
	params.Set("start", start.UTC().Format(time.RFC3339))
	params.Set("end", end.UTC().Format(time.RFC3339))
	params.Set("limit", "1000")
	params.Set("feed", string(feedOrDefault(feed)))
	base := fmt.Sprintf("%s/v2/stocks/%s/bars", c.dataBase, url.PathEscape(symbol))

	var bars []Bar
	for {
		var page barsPage
		if err := c.do(ctx, http.MethodGet, base+"?"+params.Encode(), nil, &page); err != nil {
			return nil, fmt.Errorf("fetching bars for %s: %w", symbol, err)
		}
		for _, b := range page.Bars {
			bars = append(bars, Bar{
				Time:   b.Timestamp,
				Open:   b.Open,
				High:   b.High,
				Low:    b.Low,
				Close:  b.Close,
				Volume: b.Volume,
			})
		}
		if page.NextPageToken == "" {
			return bars, nil
		}
		params.Set("page_token", page.NextPageToken)
	}
}

// GetOptionChain assembles the full chain for an underlying by joining the
// trading API's contract listing (strike, expiration, open interest) with
// the data API's snapshots (quote, delta, day volume). Contracts without a
// live quote are dropped; there is nothing to evaluate on them.
func (c *AlpacaClient) GetOptionChain(ctx context.Context, underlying string) ([]models.OptionContract, error) {
	rows, err := c.listOptionContracts(ctx, underlying)
	if err != nil {
		return nil, err
	}
	snaps, err := c.fetchOptionSnapshots(ctx, underlying)
	if err != nil {
		return nil, err
	}

	now := c.now()
	chain := make([]models.OptionContract, 0, len(rows))
	for _, row := range rows {
		if !row.Tradable {
			continue
		}
		snap, ok := snaps[row.Symbol]
		if !ok || snap.LatestQuote == nil {
			continue
		}
		exp, err := time.ParseInLocation("2006-01-02", row.ExpirationDate, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("contract %s has malformed expiration %q: %w", row.Symbol, row.ExpirationDate, err)
		}
		var right models.Right
		switch strings.ToLower(row.Type) {
		case "put":
			right = models.RightPut
		case "call":
			right = models.RightCall
		default:
			return nil, fmt.Errorf("contract %s has unknown type %q", row.Symbol, row.Type)
		}
		und := row.UnderlyingSymbol
		if und == "" {
			und = underlying
		}
		bid, ask := snap.LatestQuote.BidPrice, snap.LatestQuote.AskPrice
		var delta float64
		if snap.Greeks != nil {
			delta = snap.Greeks.Delta
		}
		var volume int64
		if snap.DailyBar != nil {
			volume = snap.DailyBar.Volume
		}
		chain = append(chain, models.OptionContract{
			OCCSymbol:    row.Symbol,
			Underlying:   und,
			Right:        right,
			Strike:       float64(row.StrikePrice),
			Expiration:   exp,
			DTE:          models.DaysUntil(now, exp),
			Bid:          bid,
			Ask:          ask,
			Mid:          models.MidPrice(bid, ask),
			Delta:        delta,
			OpenInterest: int64(row.OpenInterest),
			Volume:       volume,
		})
	}
	return chain, nil
}

func (c *AlpacaClient) listOptionContracts(ctx context.Context, underlying string) ([]optionContractRow, error) {
	params := url.Values{}
	params.Set("underlying_symbols", underlying)
	params.Set("status", "active")
	params.Set("limit", "10000")

	var rows []optionContractRow
	for {
		var page contractsPage
		u := c.apiBase + "/v2/options/contracts?" + params.Encode()
		if err := c.do(ctx, http.MethodGet, u, nil, &page); err != nil {
			return nil, fmt.Errorf("listing option contracts for %s: %w", underlying, err)
		}
		rows = append(rows, page.Contracts...)
		if page.NextPageToken == "" {
			return rows, nil
		}
		params.Set("page_token", page.NextPageToken)
	}
}

func (c *AlpacaClient) fetchOptionSnapshots(ctx context.Context, underlying string) (map[string]optionSnapshot, error) {
	params := url.Values{}
	params.Set("feed", "indicative")
	params.Set("limit", "1000")

	merged := make(map[string]optionSnapshot)
	for {
		var page optionSnapshotsPage
		u := fmt.Sprintf("%s/v1beta1/options/snapshots/%s?%s",
			c.dataBase, url.PathEscape(underlying), params.Encode())
		if err := c.do(ctx, http.MethodGet, u, nil, &page); err != nil {
			return nil, fmt.Errorf("fetching option snapshots for %s: %w", underlying, err)
		}
		for sym, snap := range page.Snapshots {
			merged[sym] = snap
		}
		if page.NextPageToken == "" {
			return merged, nil
		}
		params.Set("page_token", page.NextPageToken)
	}
}

// GetPositions fetches all open positions.
func (c *AlpacaClient) GetPositions(ctx context.Context) ([]models.Position, error) {
	var raw []alpacaPosition
	if err := c.do(ctx, http.MethodGet, c.apiBase+"/v2/positions", nil, &raw); err != nil {
		return nil, fmt.Errorf("fetching positions: %w", err)
	}
	positions := make([]models.Position, 0, len(raw))
	for _, p := range raw {
		positions = append(positions, models.Position{
			Symbol:        p.Symbol,
			AssetClass:    mapAssetClass(p.AssetClass, p.Symbol),
			Quantity:      float64(p.Qty),
			EntryPrice:    float64(p.AvgEntryPrice),
			MarketValue:   float64(p.MarketValue),
			UnrealizedPnL: float64(p.UnrealizedPL),
		})
	}
	return positions, nil
}

// GetOrders fetches orders matching the lifecycle filter.
func (c *AlpacaClient) GetOrders(ctx context.Context, filter OrderFilter) ([]models.OpenOrder, error) {
	if filter == "" {
		filter = FilterOpen
	}
	params := url.Values{}
	params.Set("status", string(filter))
	params.Set("limit", "500")

	var raw []alpacaOrder
	u := c.apiBase + "/v2/orders?" + params.Encode()
	if err := c.do(ctx, http.MethodGet, u, nil, &raw); err != nil {
		return nil, fmt.Errorf("fetching orders: %w", err)
	}
	orders := make([]models.OpenOrder, 0, len(raw))
	for _, o := range raw {
		orders = append(orders, models.OpenOrder{
			OrderID:    o.ID,
			Symbol:     o.Symbol,
			Status:     mapOrderStatus(o.Status),
			Side:       mapOrderSide(o.Side, o.PositionIntent),
			Quantity:   float64(o.Qty),
			LimitPrice: float64(o.LimitPrice),
		})
	}
	return orders, nil
}

type orderPayload struct {
	Symbol         string `json:"symbol"`
	Qty            string `json:"qty"`
	Side           string `json:"side"`
	Type           string `json:"type"`
	TimeInForce    string `json:"time_in_force"`
	LimitPrice     string `json:"limit_price"`
	ClientOrderID  string `json:"client_order_id,omitempty"`
	PositionIntent string `json:"position_intent,omitempty"`
}

// SubmitOrder places a limit order. Submissions are never retried here or
// anywhere above: a timeout after the broker accepted the order would
// otherwise double-sell.
func (c *AlpacaClient) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderConfirmation, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("order quantity must be positive, got %d", req.Quantity)
	}
	if req.LimitPrice <= 0 {
		return nil, fmt.Errorf("order limit price must be positive, got %.4f", req.LimitPrice)
	}
	side, intent, err := wireSide(req.Side)
	if err != nil {
		return nil, err
	}
	tif := req.TimeInForce
	if tif == "" {
		tif = "day"
	}
	payload := orderPayload{
		Symbol:         req.Symbol,
		Qty:            strconv.Itoa(req.Quantity),
		Side:           side,
		Type:           "limit",
		TimeInForce:    tif,
		LimitPrice:     strconv.FormatFloat(req.LimitPrice, 'f', 2, 64),
		ClientOrderID:  req.ClientOrderID,
		PositionIntent: intent,
	}
	var raw alpacaOrder
	if err := c.do(ctx, http.MethodPost, c.apiBase+"/v2/orders", payload, &raw); err != nil {
		return nil, fmt.Errorf("submitting %s %dx %s: %w", side, req.Quantity, req.Symbol, err)
	}
	return &OrderConfirmation{OrderID: raw.ID, Status: mapOrderStatus(raw.Status)}, nil
}

func feedOrDefault(feed Feed) Feed {
	if feed == "" {
		return FeedIEX
	}
	return feed
}

func wireSide(side models.OrderSide) (string, string, error) {
	switch side {
	case models.SideSellToOpen:
		return "sell", "sell_to_open", nil
	case models.SideBuyToClose:
		return "buy", "buy_to_close", nil
	default:
		return "", "", fmt.Errorf("unsupported order side %q", side)
	}
}

// mapOrderStatus normalizes Alpaca's order lifecycle to the five states the
// trading core reasons about. Unknown statuses map to OPEN so they keep
// blocking duplicate entries rather than being treated as settled.
func mapOrderStatus(s string) models.OrderStatus {
	switch s {
	case "pending_new":
		return models.OrderPendingNew
	case "new", "accepted", "partially_filled", "done_for_day", "calculated", "accepted_for_bidding", "stopped":
		return models.OrderOpen
	case "filled":
		return models.OrderFilled
	case "canceled", "pending_cancel", "pending_replace", "replaced", "expired":
		return models.OrderCanceled
	case "rejected", "suspended":
		return models.OrderRejected
	default:
		return models.OrderOpen
	}
}

// mapOrderSide prefers the explicit position intent when the broker reports
// one and falls back to the bare side. The service only ever works orders
// that open short or close short.
func mapOrderSide(side, intent string) models.OrderSide {
	switch intent {
	case "sell_to_open":
		return models.SideSellToOpen
	case "buy_to_close":
		return models.SideBuyToClose
	}
	if side == "buy" {
		return models.SideBuyToClose
	}
	return models.SideSellToOpen
}

func mapAssetClass(class, symbol string) models.AssetClass {
	switch class {
	case "us_equity":
		return models.AssetEquity
	case "us_option":
		return models.AssetOption
	}
	// Older API versions omit asset_class; classify by symbol shape.
	if models.IsOptionSymbol(symbol) {
		return models.AssetOption
	}
	return models.AssetEquity
}
