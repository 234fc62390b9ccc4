// Package common defines the brokerage gateway contract shared by the trading
// steps and the refill pipeline, together with the retry/error vocabulary
// every broker implementation must speak.
package common

import (
	"context"

	"github.com/shopspring/decimal"
)

// Side of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderRequest describes one order to place.
type OrderRequest struct {
	Code    string
	Side    Side
	Qty     int64
	Price   decimal.Decimal // ignored for market orders
	OrdDvsn string          // broker order division, e.g. "00" limit, "01" market
}

// OrderReceipt carries the broker identifiers returned on acceptance.
type OrderReceipt struct {
	OrderID string // broker order number
	OrgID   string // broker branch/org number, required for cancellation
	Raw     string // raw API payload for the audit column
}

// CancelRequest identifies an accepted order to cancel.
type CancelRequest struct {
	Code    string
	Qty     int64 // remaining quantity to cancel
	OrderID string
	OrgID   string
	OrdDvsn string
}

// Fill is one execution report for a dispatched order.
type Fill struct {
	OrderID   string
	Code      string
	FilledQty int64
	AvgPrice  decimal.Decimal
	Raw       string
}

// Holding is one broker-reported position.
type Holding struct {
	Code     string
	Name     string
	Qty      int64
	AvgPrice decimal.Decimal
}

// Balance is the broker-reported account snapshot.
type Balance struct {
	Cash     decimal.Decimal
	Holdings []Holding
}

// DateRange is an inclusive date interval, dates formatted YYYY-MM-DD.
type DateRange struct {
	Start string
	End   string
}

// Bar is one daily OHLCV record returned by the history endpoint.
type Bar struct {
	Date   string
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
	Amount float64
}

// Gateway abstracts the brokerage. Calls are synchronous and may block for
// the full retry budget; callers must not assume bounded latency. Transient
// failures are retried inside the implementation, terminal rejections
// surface immediately as *TerminalError.
type Gateway interface {
	CreateOrder(ctx context.Context, req OrderRequest) (OrderReceipt, error)
	CancelOrder(ctx context.Context, req CancelRequest) error
	GetFills(ctx context.Context, date string) ([]Fill, error)
	GetBalances(ctx context.Context) (Balance, error)
	GetHistory(ctx context.Context, code string, r DateRange) ([]Bar, error)
}
