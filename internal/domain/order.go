package domain

import (
	"venuelink/pkg/quant"
)

// Side is the canonical order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType is the canonical order type.
// Venue-native vocabularies are translated to this set at the gateway boundary.
type OrderType string

const (
	TypeMarket    OrderType = "MARKET"
	TypeLimit     OrderType = "LIMIT"
	TypeStop      OrderType = "STOP"
	TypeStopLimit OrderType = "STOP_LIMIT"
)

// OrderStatus is the canonical order status.
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusSubmitted       OrderStatus = "SUBMITTED"
	StatusOpen            OrderStatus = "OPEN"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// validTransitions encodes the order lifecycle. Absence means rejected.
var validTransitions = map[OrderStatus][]OrderStatus{
	StatusPending:         {StatusSubmitted, StatusRejected},
	StatusSubmitted:       {StatusOpen, StatusRejected, StatusFilled, StatusPartiallyFilled, StatusCancelled},
	StatusOpen:            {StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusExpired},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusFilled, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
// A no-op transition (from == to) is legal only for PARTIALLY_FILLED,
// which may repeat as fills accumulate.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Order represents a trading order in the engine's canonical model.
// All monetary values are strictly int64 fixed-point.
type Order struct {
	ClientOrderID   string            `json:"client_order_id"`
	VenueOrderID    string            `json:"venue_order_id"`
	Symbol          string            `json:"symbol"`
	Side            Side              `json:"side"`
	Type            OrderType         `json:"type"`
	PriceMicros     quant.PriceMicros `json:"price"`      // 0 for MARKET
	StopPriceMicros quant.PriceMicros `json:"stop_price"` // 0 unless STOP/STOP_LIMIT
	QtySats         quant.QtySats     `json:"qty"`
	FilledSats      quant.QtySats     `json:"filled_qty"`
	Status          OrderStatus       `json:"status"`
	StatusSeq       int64             `json:"status_seq"` // monotonic, venue timestamp or sequence
	GroupID         string            `json:"group_id,omitempty"`
	Reason          string            `json:"reason,omitempty"` // rejection / cancel reason
	CreatedUnixM    int64             `json:"created_unix"`     // Unix Microseconds
	UpdatedUnixM    int64             `json:"updated_unix"`
}

// IsOpen checks if the order is still working at the venue.
func (o *Order) IsOpen() bool {
	return o.Status == StatusOpen || o.Status == StatusPartiallyFilled
}

// RemainingSats returns the unfilled quantity.
func (o *Order) RemainingSats() quant.QtySats {
	return o.QtySats - o.FilledSats
}
