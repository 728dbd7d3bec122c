package models

// AssetClass distinguishes equity shares from option contracts in broker
// position listings.
type AssetClass string

const (
	// AssetEquity is common stock.
	AssetEquity AssetClass = "EQUITY"
	// AssetOption is a listed option contract.
	AssetOption AssetClass = "OPTION"
)

// Position is a broker-reported holding. Positions are observed per call and
// never cached across cycle boundaries; every decision that needs them
// re-fetches from the broker.
type Position struct {
	Symbol        string     `json:"symbol"`
	AssetClass    AssetClass `json:"asset_class"`
	Quantity      float64    `json:"quantity"`
	EntryPrice    float64    `json:"entry_price"`
	MarketValue   float64    `json:"market_value"`
	UnrealizedPnL float64    `json:"unrealized_pnl"`
}

// UnderlyingSymbol returns the equity symbol behind the position, resolving
// option symbols to their OCC root.
func (p *Position) UnderlyingSymbol() string {
	return UnderlyingOf(p.Symbol)
}

// Short reports whether the position is held short.
func (p *Position) Short() bool {
	return p.Quantity < 0
}

// OrderStatus is the normalized lifecycle state of a broker order.
type OrderStatus string

const (
	// OrderPendingNew has been accepted by the router but not the exchange.
	OrderPendingNew OrderStatus = "PENDING_NEW"
	// OrderOpen is live at the exchange, fully or partially unfilled.
	OrderOpen OrderStatus = "OPEN"
	// OrderFilled is completely executed.
	OrderFilled OrderStatus = "FILLED"
	// OrderCanceled was withdrawn before filling.
	OrderCanceled OrderStatus = "CANCELED"
	// OrderRejected was refused by the broker or exchange.
	OrderRejected OrderStatus = "REJECTED"
)

// Working reports whether the order still reserves the symbol: an order that
// could yet fill must block new entries on the same underlying.
func (s OrderStatus) Working() bool {
	return s == OrderOpen || s == OrderPendingNew
}

// OrderSide is the direction of an order in wheel terms.
type OrderSide string

const (
	// SideSellToOpen opens a new short option position.
	SideSellToOpen OrderSide = "SELL_TO_OPEN"
	// SideBuyToClose covers an existing short option position.
	SideBuyToClose OrderSide = "BUY_TO_CLOSE"
)

// OpenOrder is a broker-reported order, observed per call like positions.
type OpenOrder struct {
	OrderID    string      `json:"order_id"`
	Symbol     string      `json:"symbol"`
	Status     OrderStatus `json:"status"`
	Side       OrderSide   `json:"side"`
	Quantity   float64     `json:"quantity"`
	LimitPrice float64     `json:"limit_price"`
}

// UnderlyingSymbol resolves the order's symbol to its underlying equity.
func (o *OpenOrder) UnderlyingSymbol() string {
	return UnderlyingOf(o.Symbol)
}
