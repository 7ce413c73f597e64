// Package venue defines the boundary between the engine and a trading
// venue adapter. The engine speaks its canonical model; adapters speak
// the venue's native vocabulary and numeric formats (decimal strings).
package venue

import (
	"context"

	"venuelink/internal/domain"
	"venuelink/pkg/quant"
)

// OrderRequest is an inbound request in the engine's canonical model.
type OrderRequest struct {
	Symbol          string
	Side            domain.Side
	Type            domain.OrderType
	QtySats         quant.QtySats
	PriceMicros     quant.PriceMicros // required for LIMIT/STOP_LIMIT
	StopPriceMicros quant.PriceMicros // required for STOP/STOP_LIMIT
	ClientOrderID   string            // generated by the gateway when empty
	GroupID         string            // set for bracket legs
}

// WireOrder is a venue-native order submission payload.
// Prices and quantities travel as decimal strings, the common venue format.
type WireOrder struct {
	Symbol        string
	Side          string // venue vocabulary
	Type          string // venue vocabulary
	Price         string
	StopPrice     string
	Qty           string
	ClientOrderID string
}

// WireAck is the venue's response to a submission.
type WireAck struct {
	VenueOrderID string
	Status       string // venue vocabulary
	StatusSeq    int64
}

// WireFill is a single venue-reported execution.
type WireFill struct {
	TradeID string
	Price   string
	Qty     string
	TsUnixM int64
}

// WireOrderState is the venue's view of an order, as returned by
// queries and backfills.
type WireOrderState struct {
	ClientOrderID string
	VenueOrderID  string
	Symbol        string
	Status        string // venue vocabulary
	FilledQty     string // cumulative
	Reason        string
	StatusSeq     int64
	Fills         []WireFill
}

// WireTicker is a venue-native market data point.
type WireTicker struct {
	Symbol  string
	Price   string
	Qty     string
	Seq     uint64
	TsUnixM int64
}

// WireBalance is a venue-reported asset balance.
type WireBalance struct {
	Symbol   string
	Amount   string
	Reserved string
	TsUnixM  int64
}

// BackfillQuery requests events missed during a connection gap.
// Either Symbol or OrderID scopes the query; zero values mean "all".
type BackfillQuery struct {
	Symbol       string
	OrderID      string
	SinceSeq     uint64
	SinceTsUnixM int64
	Limit        int
}

// PushEvent is one asynchronously delivered venue notification.
// Exactly one field is non-nil.
type PushEvent struct {
	Ticker *WireTicker
	Order  *WireOrderState
}

// Venue is the adapter contract every venue implementation satisfies.
// All REST-style calls honor ctx cancellation and classify failures with
// the domain error taxonomy (Transient / Rejected / ErrAuth).
type Venue interface {
	Name() string
	Vocabulary() Vocabulary

	SubmitOrder(ctx context.Context, order WireOrder) (WireAck, error)
	CancelOrder(ctx context.Context, clientOrderID string) error
	QueryOrder(ctx context.Context, clientOrderID string) (WireOrderState, error)
	BackfillOrders(ctx context.Context, q BackfillQuery) ([]WireOrderState, error)
	Ticker(ctx context.Context, symbol string) (WireTicker, error)
	Balances(ctx context.Context) ([]WireBalance, error)

	// Push returns the stream of asynchronous venue notifications.
	// A nil channel means the venue supports polling only.
	Push() <-chan PushEvent
}
