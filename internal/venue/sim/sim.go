// Package sim implements an in-process simulated venue.
// It matches limit and stop orders against prices fed via SetPrice and
// delivers fills through the push channel, which makes it usable both as
// a paper-trading venue and as the test double for the engine.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"venuelink/internal/domain"
	"venuelink/internal/venue"
	"venuelink/pkg/quant"
)

// Native vocabulary of the simulated venue.
var vocabulary = venue.Vocabulary{
	Sides: map[domain.Side]string{
		domain.SideBuy:  "buy",
		domain.SideSell: "sell",
	},
	Types: map[domain.OrderType]string{
		domain.TypeMarket:    "market",
		domain.TypeLimit:     "limit",
		domain.TypeStop:      "stop",
		domain.TypeStopLimit: "stop_limit",
	},
	Statuses: map[string]domain.OrderStatus{
		"accepted": domain.StatusSubmitted,
		"live":     domain.StatusOpen,
		"part":     domain.StatusPartiallyFilled,
		"done":     domain.StatusFilled,
		"canceled": domain.StatusCancelled,
		"rejected": domain.StatusRejected,
		"expired":  domain.StatusExpired,
	},
}

// simOrder is the venue-internal order record.
type simOrder struct {
	clientID  string
	venueID   string
	symbol    string
	side      string
	typ       string
	price     quant.PriceMicros
	stopPrice quant.PriceMicros
	qty       quant.QtySats
	filled    quant.QtySats
	status    string // native vocabulary
	reason    string
	statusSeq int64
	triggered bool // stop orders: stop price crossed
	fills     []venue.WireFill
}

// Sim is the simulated venue.
type Sim struct {
	mu sync.Mutex

	orders    map[string]*simOrder // by client order id
	prices    map[string]quant.PriceMicros
	balances  map[string]int64 // sats by asset
	push      chan venue.PushEvent
	nextVenue int64
	nextTrade int64
	nextSeq   int64
	tickerSeq uint64

	// fault injection
	failNext    int
	authBroken  bool
	rejectNext  string
	dropPush    bool // swallow push events (simulates disconnected stream)
	missedPush  []venue.PushEvent
}

// New creates a simulated venue with an empty book.
func New() *Sim {
	return &Sim{
		orders:   make(map[string]*simOrder),
		prices:   make(map[string]quant.PriceMicros),
		balances: make(map[string]int64),
		push:     make(chan venue.PushEvent, 256),
	}
}

func (s *Sim) Name() string                 { return "sim" }
func (s *Sim) Vocabulary() venue.Vocabulary { return vocabulary }
func (s *Sim) Push() <-chan venue.PushEvent { return s.push }

// FailNext makes the next n REST calls fail with a transient error.
func (s *Sim) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// RejectNext makes the next submission fail with a venue rejection.
func (s *Sim) RejectNext(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectNext = reason
}

// BreakAuth makes all calls fail with an authentication error.
func (s *Sim) BreakAuth(broken bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authBroken = broken
}

// DropPush simulates a broken push stream: events generated while
// dropping are retained and only visible through backfill.
func (s *Sim) DropPush(drop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropPush = drop
}

// SetBalance seeds an asset balance.
func (s *Sim) SetBalance(symbol string, amountSats int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[symbol] = amountSats
}

// gate applies fault injection. Must be called with mutex held.
func (s *Sim) gate() error {
	if s.authBroken {
		return domain.ErrAuth
	}
	if s.failNext > 0 {
		s.failNext--
		return domain.Transient(errors.New("sim: connection reset"))
	}
	return nil
}

func (s *Sim) emit(ev venue.PushEvent) {
	if s.dropPush {
		s.missedPush = append(s.missedPush, ev)
		return
	}
	select {
	case s.push <- ev:
	default:
		// Test misconfiguration; a real venue would buffer server-side.
	}
}

// SubmitOrder accepts a venue-native order.
func (s *Sim) SubmitOrder(ctx context.Context, w venue.WireOrder) (venue.WireAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.gate(); err != nil {
		return venue.WireAck{}, err
	}
	if s.rejectNext != "" {
		reason := s.rejectNext
		s.rejectNext = ""
		return venue.WireAck{}, domain.Rejected(reason)
	}

	if _, exists := s.orders[w.ClientOrderID]; exists {
		// Duplicate submission after a retry: idempotent ack.
		o := s.orders[w.ClientOrderID]
		return venue.WireAck{VenueOrderID: o.venueID, Status: o.status, StatusSeq: o.statusSeq}, nil
	}

	qty := venue.ParseSats(w.Qty)
	if qty <= 0 {
		return venue.WireAck{}, domain.Rejected("quantity must be positive")
	}
	if (w.Type == "limit" || w.Type == "stop_limit") && w.Price == "" {
		return venue.WireAck{}, domain.Rejected("limit order requires price")
	}
	if (w.Type == "stop" || w.Type == "stop_limit") && w.StopPrice == "" {
		return venue.WireAck{}, domain.Rejected("stop order requires stop price")
	}

	s.nextVenue++
	o := &simOrder{
		clientID:  w.ClientOrderID,
		venueID:   fmt.Sprintf("V-%d", s.nextVenue),
		symbol:    w.Symbol,
		side:      w.Side,
		typ:       w.Type,
		price:     venue.ParseMicros(w.Price),
		stopPrice: venue.ParseMicros(w.StopPrice),
		qty:       qty,
		status:    "live",
		statusSeq: s.bumpSeq(),
	}
	s.orders[w.ClientOrderID] = o

	ack := venue.WireAck{VenueOrderID: o.venueID, Status: o.status, StatusSeq: o.statusSeq}

	// Market orders execute immediately at the current price.
	if o.typ == "market" {
		price, ok := s.prices[o.symbol]
		if !ok {
			delete(s.orders, w.ClientOrderID)
			return venue.WireAck{}, domain.Rejected("no market price for " + o.symbol)
		}
		s.fill(o, price, o.qty)
		ack.Status = o.status
		ack.StatusSeq = o.statusSeq
		return ack, nil
	}

	s.emit(venue.PushEvent{Order: s.wireState(o)})
	s.matchLocked(o.symbol)
	return ack, nil
}

// CancelOrder cancels a live order. Cancelling a filled order is
// rejected, which callers treat as a reported-but-harmless error.
func (s *Sim) CancelOrder(ctx context.Context, clientOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.gate(); err != nil {
		return err
	}

	o, ok := s.orders[clientOrderID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	switch o.status {
	case "done":
		return domain.Rejected("order already filled")
	case "canceled", "rejected", "expired":
		return nil // idempotent
	}

	o.status = "canceled"
	o.statusSeq = s.bumpSeq()
	s.emit(venue.PushEvent{Order: s.wireState(o)})
	return nil
}

// QueryOrder returns the venue's current view of an order.
func (s *Sim) QueryOrder(ctx context.Context, clientOrderID string) (venue.WireOrderState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.gate(); err != nil {
		return venue.WireOrderState{}, err
	}

	o, ok := s.orders[clientOrderID]
	if !ok {
		return venue.WireOrderState{}, domain.ErrOrderNotFound
	}
	return *s.wireState(o), nil
}

// BackfillOrders returns order states changed after q.SinceSeq.
func (s *Sim) BackfillOrders(ctx context.Context, q venue.BackfillQuery) ([]venue.WireOrderState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.gate(); err != nil {
		return nil, err
	}

	var out []venue.WireOrderState
	for _, o := range s.orders {
		if q.OrderID != "" && o.clientID != q.OrderID {
			continue
		}
		if q.Symbol != "" && o.symbol != q.Symbol {
			continue
		}
		if uint64(o.statusSeq) <= q.SinceSeq {
			continue
		}
		out = append(out, *s.wireState(o))
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// Ticker returns the current price for symbol.
func (s *Sim) Ticker(ctx context.Context, symbol string) (venue.WireTicker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.gate(); err != nil {
		return venue.WireTicker{}, err
	}

	price, ok := s.prices[symbol]
	if !ok {
		return venue.WireTicker{}, domain.Transient(errors.New("sim: no price yet for " + symbol))
	}
	s.tickerSeq++
	return venue.WireTicker{
		Symbol:  symbol,
		Price:   venue.FormatMicros(price),
		Seq:     s.tickerSeq,
		TsUnixM: time.Now().UnixMicro(),
	}, nil
}

// Balances returns all seeded balances.
func (s *Sim) Balances(ctx context.Context) ([]venue.WireBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.gate(); err != nil {
		return nil, err
	}

	out := make([]venue.WireBalance, 0, len(s.balances))
	for sym, amt := range s.balances {
		out = append(out, venue.WireBalance{
			Symbol:  sym,
			Amount:  venue.FormatSats(quant.QtySats(amt)),
			TsUnixM: time.Now().UnixMicro(),
		})
	}
	return out, nil
}

// SetPrice feeds a new market price, emitting a ticker push and matching
// any triggered orders.
func (s *Sim) SetPrice(symbol string, price quant.PriceMicros) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prices[symbol] = price
	s.tickerSeq++
	s.emit(venue.PushEvent{Ticker: &venue.WireTicker{
		Symbol:  symbol,
		Price:   venue.FormatMicros(price),
		Seq:     s.tickerSeq,
		TsUnixM: time.Now().UnixMicro(),
	}})

	s.matchLocked(symbol)
}

// PartialFill executes part of a live order at its limit price (or the
// market price for untriggered types). Test hook for partial-fill flows.
func (s *Sim) PartialFill(clientOrderID string, qty quant.QtySats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[clientOrderID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if o.status != "live" && o.status != "part" {
		return domain.Rejected("order not open")
	}

	price := o.price
	if price == 0 {
		price = s.prices[o.symbol]
	}
	if qty > o.qty-o.filled {
		qty = o.qty - o.filled
	}
	s.fill(o, price, qty)
	return nil
}

// RepushState re-emits the current order state. Used to exercise
// duplicate-delivery handling downstream.
func (s *Sim) RepushState(clientOrderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[clientOrderID]; ok {
		s.emit(venue.PushEvent{Order: s.wireState(o)})
	}
}

// matchLocked fills any orders triggered by the current price.
// Must be called with mutex held.
func (s *Sim) matchLocked(symbol string) {
	price, ok := s.prices[symbol]
	if !ok {
		return
	}

	for _, o := range s.orders {
		if o.symbol != symbol {
			continue
		}
		if o.status != "live" && o.status != "part" {
			continue
		}

		switch o.typ {
		case "limit":
			if (o.side == "buy" && price <= o.price) || (o.side == "sell" && price >= o.price) {
				s.fill(o, o.price, o.qty-o.filled)
			}
		case "stop":
			if (o.side == "buy" && price >= o.stopPrice) || (o.side == "sell" && price <= o.stopPrice) {
				s.fill(o, price, o.qty-o.filled)
			}
		case "stop_limit":
			if !o.triggered {
				if (o.side == "buy" && price >= o.stopPrice) || (o.side == "sell" && price <= o.stopPrice) {
					o.triggered = true
				}
			}
			if o.triggered {
				if (o.side == "buy" && price <= o.price) || (o.side == "sell" && price >= o.price) {
					s.fill(o, o.price, o.qty-o.filled)
				}
			}
		}
	}
}

// fill records an execution and pushes the updated state.
// Must be called with mutex held.
func (s *Sim) fill(o *simOrder, price quant.PriceMicros, qty quant.QtySats) {
	if qty <= 0 {
		return
	}

	s.nextTrade++
	f := venue.WireFill{
		TradeID: fmt.Sprintf("T-%d", s.nextTrade),
		Price:   venue.FormatMicros(price),
		Qty:     venue.FormatSats(quant.QtySats(qty)),
		TsUnixM: time.Now().UnixMicro(),
	}
	o.fills = append(o.fills, f)
	o.filled += qty
	if o.filled >= o.qty {
		o.status = "done"
	} else {
		o.status = "part"
	}
	o.statusSeq = s.bumpSeq()

	s.emit(venue.PushEvent{Order: s.wireState(o)})
}

func (s *Sim) bumpSeq() int64 {
	s.nextSeq++
	return s.nextSeq
}

func (s *Sim) wireState(o *simOrder) *venue.WireOrderState {
	fills := make([]venue.WireFill, len(o.fills))
	copy(fills, o.fills)
	return &venue.WireOrderState{
		ClientOrderID: o.clientID,
		VenueOrderID:  o.venueID,
		Symbol:        o.symbol,
		Status:        o.status,
		FilledQty:     venue.FormatSats(quant.QtySats(o.filled)),
		Reason:        o.reason,
		StatusSeq:     o.statusSeq,
		Fills:         fills,
	}
}
