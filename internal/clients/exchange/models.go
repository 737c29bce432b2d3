package exchange

import (
	"fmt"
	"strconv"
)

// APIError is a structured exchange rejection. Code is the venue's numeric
// error code, HTTPStatus the transport status it arrived on.
type APIError struct {
	Code       int    `json:"code"`
	Message    string `json:"msg"`
	HTTPStatus int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange error %d (http %d): %s", e.Code, e.HTTPStatus, e.Message)
}

// Transient reports whether a retry of the same request may succeed.
// Rejections like bad params or insufficient margin never clear on retry.
func (e *APIError) Transient() bool {
	if e.HTTPStatus == 429 || e.HTTPStatus >= 500 {
		return true
	}
	switch e.Code {
	case -1000, -1001, -1003, -1007, -1016:
		// Unknown error, disconnect, rate limit, timeout, service shutting down.
		return true
	}
	return false
}

// OrderResponse is the venue's order state. Quantities and prices arrive as
// strings on the wire.
type OrderResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	Price         string `json:"price"`
	StopPrice     string `json:"stopPrice"`
	ReduceOnly    bool   `json:"reduceOnly"`
	UpdateTime    int64  `json:"updateTime"`
}

// Terminal reports whether the order will not change state again.
func (o *OrderResponse) Terminal() bool {
	switch o.Status {
	case "FILLED", "CANCELED", "REJECTED", "EXPIRED":
		return true
	}
	return false
}

// PositionInfo is one symbol's open position as reported by the venue.
type PositionInfo struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnrealizedProfit string `json:"unRealizedProfit"`
	Leverage         string `json:"leverage"`
}

// Quantity returns the signed position size, 0 on parse failure.
func (p *PositionInfo) Quantity() float64 {
	v, err := strconv.ParseFloat(p.PositionAmt, 64)
	if err != nil {
		return 0
	}
	return v
}

// AccountBalance is one asset's futures wallet balance.
type AccountBalance struct {
	Asset            string `json:"asset"`
	Balance          string `json:"balance"`
	AvailableBalance string `json:"availableBalance"`
}

// AccountTrade is one of the caller's own fills.
type AccountTrade struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	Side          string `json:"side"`
	Price         string `json:"price"`
	Qty           string `json:"qty"`
	RealizedPnl   string `json:"realizedPnl"`
	CommissionUSD string `json:"commission"`
	Time          int64  `json:"time"`
}

// markPriceResponse is the premium index payload.
type markPriceResponse struct {
	Symbol    string `json:"symbol"`
	MarkPrice string `json:"markPrice"`
}

// exchangeInfo carries per-symbol trading filters.
type exchangeInfo struct {
	Symbols []symbolInfo `json:"symbols"`
}

type symbolInfo struct {
	Symbol            string         `json:"symbol"`
	QuantityPrecision *int           `json:"quantityPrecision"`
	PricePrecision    *int           `json:"pricePrecision"`
	Filters           []symbolFilter `json:"filters"`
}

type symbolFilter struct {
	FilterType  string `json:"filterType"`
	StepSize    string `json:"stepSize"`
	TickSize    string `json:"tickSize"`
	MinQty      string `json:"minQty"`
	Notional    string `json:"notional"`
	MinNotional string `json:"minNotional"`
}

// Filters are the per-symbol trading constraints every submitted quantity
// and price must already satisfy.
type Filters struct {
	StepSize    float64
	TickSize    float64
	MinQty      float64
	MinNotional float64
}

// OrderRequest is one order submission. Quantity and prices must already be
// rounded to the symbol's step and tick.
type OrderRequest struct {
	Symbol        string
	Side          string
	Type          string
	Quantity      float64
	Price         float64
	StopPrice     float64
	TimeInForce   string
	ReduceOnly    bool
	ClientOrderID string
}
