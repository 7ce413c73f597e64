package event

import (
	"venuelink/internal/domain"
	"venuelink/pkg/quant"
)

// Type defines the type of event.
type Type uint16

const (
	EvMarketUpdate Type = iota + 1
	EvOrderUpdate
	EvConnState
	EvBalanceUpdate
	EvFatal
)

// Event is the interface for all engine-loop events.
type Event interface {
	GetSeq() uint64
	GetTs() quant.TimeStamp
	GetType() Type
}

// BaseEvent contains common fields for all events.
type BaseEvent struct {
	Seq uint64          `json:"seq"`
	Ts  quant.TimeStamp `json:"ts"`
}

func (e BaseEvent) GetSeq() uint64         { return e.Seq }
func (e BaseEvent) GetTs() quant.TimeStamp { return e.Ts }

// MarketUpdateEvent represents a price change in a market.
type MarketUpdateEvent struct {
	BaseEvent
	Symbol      string            `json:"symbol"`
	PriceMicros quant.PriceMicros `json:"price"`
	QtySats     quant.QtySats     `json:"qty"`
	Venue       string            `json:"venue"`
}

func (e MarketUpdateEvent) GetType() Type { return EvMarketUpdate }

// Delivery channels an OrderUpdateEvent can arrive on.
const (
	SourcePush     = "push"
	SourcePoll     = "poll"
	SourceBackfill = "backfill"
)

// OrderUpdateEvent carries a status change and/or fill for an order.
// Both the push channel and the polling channel produce this event;
// the tracker deduplicates by TradeID and discards stale StatusSeq.
type OrderUpdateEvent struct {
	BaseEvent
	OrderID      string             `json:"order_id"` // client order id
	VenueOrderID string             `json:"venue_order_id,omitempty"`
	Status       domain.OrderStatus `json:"status,omitempty"`
	StatusSeq    int64              `json:"status_seq"`
	Reason       string             `json:"reason,omitempty"`
	Fill         *domain.Fill       `json:"fill,omitempty"`
	Source       string             `json:"source"` // SourcePush, SourcePoll or SourceBackfill
}

func (e OrderUpdateEvent) GetType() Type { return EvOrderUpdate }

// ConnStateEvent reports a connection state machine transition.
type ConnStateEvent struct {
	BaseEvent
	SessionID string `json:"session_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Attempt   int    `json:"attempt,omitempty"`
}

func (e ConnStateEvent) GetType() Type { return EvConnState }

// BalanceUpdateEvent carries an authoritative balance snapshot from the venue.
type BalanceUpdateEvent struct {
	BaseEvent
	Symbol       string `json:"symbol"`
	AmountSats   int64  `json:"amount"`
	ReservedSats int64  `json:"reserved"`
}

func (e BalanceUpdateEvent) GetType() Type { return EvBalanceUpdate }

// FatalEvent reports an unrecoverable condition (auth failure, session
// exhausted reconnect attempts). The engine surfaces it and stops the
// affected component.
type FatalEvent struct {
	BaseEvent
	SessionID string `json:"session_id,omitempty"`
	Err       error  `json:"-"`
	Message   string `json:"message"`
}

func (e FatalEvent) GetType() Type { return EvFatal }
