// Package gateway is the single path for outbound order traffic.
// Every submit, cancel and query passes through the venue rate limiter
// and the retry executor, and every venue response is translated into
// the engine's canonical model before anything else sees it.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"venuelink/internal/domain"
	"venuelink/internal/event"
	"venuelink/internal/infra"
	"venuelink/internal/venue"
)

// Gateway wraps a venue adapter with rate limiting, retries and
// vocabulary translation.
type Gateway struct {
	venue          venue.Venue
	vocab          venue.Vocabulary
	limiter        *infra.RateLimiter
	retry          *infra.RetryExecutor
	requestTimeout time.Duration
	logger         *slog.Logger
}

// New builds a gateway around v. The venue's vocabulary is validated
// here so an incomplete mapping table fails at startup, not on the
// first live order.
func New(v venue.Venue, limiter *infra.RateLimiter, retry *infra.RetryExecutor, requestTimeout time.Duration, logger *slog.Logger) (*Gateway, error) {
	vocab := v.Vocabulary()
	if err := vocab.Validate(); err != nil {
		return nil, fmt.Errorf("venue %s vocabulary: %w", v.Name(), err)
	}
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		venue:          v,
		vocab:          vocab,
		limiter:        limiter,
		retry:          retry,
		requestTimeout: requestTimeout,
		logger:         logger.With(slog.String("venue", v.Name())),
	}, nil
}

// Submit places an order at the venue.
// The returned Order always carries the request's identity: on success
// its status reflects the venue ack; when retries are exhausted or the
// venue rejects the request, it comes back REJECTED with the reason
// attached alongside the error. A request is never silently dropped.
func (g *Gateway) Submit(ctx context.Context, req venue.OrderRequest) (*domain.Order, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}

	now := time.Now().UnixMicro()
	order := &domain.Order{
		ClientOrderID:   req.ClientOrderID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		PriceMicros:     req.PriceMicros,
		StopPriceMicros: req.StopPriceMicros,
		QtySats:         req.QtySats,
		Status:          domain.StatusPending,
		GroupID:         req.GroupID,
		CreatedUnixM:    now,
		UpdatedUnixM:    now,
	}

	wire, err := g.toWire(req)
	if err != nil {
		return g.reject(order, err), err
	}

	if err := g.limiter.Acquire(ctx, 1); err != nil {
		return g.reject(order, err), err
	}

	var ack venue.WireAck
	err = g.retry.Execute(ctx, "submit "+req.ClientOrderID, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, g.requestTimeout)
		defer cancel()
		var opErr error
		ack, opErr = g.venue.SubmitOrder(callCtx, wire)
		return opErr
	})
	if err != nil {
		g.logger.Error("Order submission failed",
			slog.String("client_order_id", req.ClientOrderID),
			slog.String("symbol", req.Symbol),
			slog.Any("error", err))
		return g.reject(order, err), err
	}

	order.VenueOrderID = ack.VenueOrderID
	order.StatusSeq = ack.StatusSeq
	order.UpdatedUnixM = time.Now().UnixMicro()
	status, serr := g.vocab.Status(ack.Status)
	if serr != nil {
		// Unknown ack status: the order is at the venue, treat it as
		// submitted and let reconciliation settle the rest.
		g.logger.Warn("Unmapped ack status",
			slog.String("client_order_id", req.ClientOrderID),
			slog.String("native_status", ack.Status))
		status = domain.StatusSubmitted
	}
	order.Status = status

	g.logger.Info("Order submitted",
		slog.String("client_order_id", order.ClientOrderID),
		slog.String("venue_order_id", order.VenueOrderID),
		slog.String("symbol", order.Symbol),
		slog.String("status", string(order.Status)))
	return order, nil
}

// Cancel requests cancellation of an order by client order id.
// A venue rejection (already filled, unknown order) propagates as
// domain.ErrVenueRejected; the caller decides whether it is harmful.
func (g *Gateway) Cancel(ctx context.Context, clientOrderID string) error {
	if err := g.limiter.Acquire(ctx, 1); err != nil {
		return err
	}
	err := g.retry.Execute(ctx, "cancel "+clientOrderID, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, g.requestTimeout)
		defer cancel()
		return g.venue.CancelOrder(callCtx, clientOrderID)
	})
	if err != nil {
		g.logger.Warn("Order cancel failed",
			slog.String("client_order_id", clientOrderID),
			slog.Any("error", err))
		return err
	}
	g.logger.Info("Order cancel requested", slog.String("client_order_id", clientOrderID))
	return nil
}

// Query fetches the venue's current view of an order and returns it as
// tracker-consumable update events.
func (g *Gateway) Query(ctx context.Context, clientOrderID string) ([]event.OrderUpdateEvent, error) {
	if err := g.limiter.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var state venue.WireOrderState
	err := g.retry.Execute(ctx, "query "+clientOrderID, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, g.requestTimeout)
		defer cancel()
		var opErr error
		state, opErr = g.venue.QueryOrder(callCtx, clientOrderID)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return g.NormalizeState(state, event.SourcePoll)
}

// Backfill fetches order states missed during a connection gap and
// returns them as update events, oldest first.
func (g *Gateway) Backfill(ctx context.Context, q venue.BackfillQuery) ([]event.OrderUpdateEvent, error) {
	if err := g.limiter.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var states []venue.WireOrderState
	err := g.retry.Execute(ctx, "backfill", func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, g.requestTimeout)
		defer cancel()
		var opErr error
		states, opErr = g.venue.BackfillOrders(callCtx, q)
		return opErr
	})
	if err != nil {
		return nil, err
	}

	var updates []event.OrderUpdateEvent
	for _, st := range states {
		evs, nerr := g.NormalizeState(st, event.SourceBackfill)
		if nerr != nil {
			g.logger.Warn("Skipping unnormalizable backfill state",
				slog.String("client_order_id", st.ClientOrderID),
				slog.Any("error", nerr))
			continue
		}
		updates = append(updates, evs...)
	}
	return updates, nil
}

// NormalizeState translates a venue order state into canonical update
// events: one per reported fill, then one for the status itself. The
// tracker's trade-id dedup makes re-delivery of the same state a no-op.
func (g *Gateway) NormalizeState(state venue.WireOrderState, source string) ([]event.OrderUpdateEvent, error) {
	status, err := g.vocab.Status(state.Status)
	if err != nil {
		return nil, fmt.Errorf("order %s: %w", state.ClientOrderID, err)
	}

	events := make([]event.OrderUpdateEvent, 0, len(state.Fills)+1)
	for _, f := range state.Fills {
		events = append(events, event.OrderUpdateEvent{
			OrderID:      state.ClientOrderID,
			VenueOrderID: state.VenueOrderID,
			StatusSeq:    state.StatusSeq,
			Source:       source,
			Fill: &domain.Fill{
				OrderID:     state.ClientOrderID,
				TradeID:     f.TradeID,
				PriceMicros: venue.ParseMicros(f.Price),
				QtySats:     venue.ParseSats(f.Qty),
				TsUnixM:     f.TsUnixM,
			},
		})
	}
	events = append(events, event.OrderUpdateEvent{
		OrderID:      state.ClientOrderID,
		VenueOrderID: state.VenueOrderID,
		Status:       status,
		StatusSeq:    state.StatusSeq,
		Reason:       state.Reason,
		Source:       source,
	})
	return events, nil
}

// toWire translates a canonical request into the venue's vocabulary.
func (g *Gateway) toWire(req venue.OrderRequest) (venue.WireOrder, error) {
	side, err := g.vocab.Side(req.Side)
	if err != nil {
		return venue.WireOrder{}, domain.Rejected(err.Error())
	}
	typ, err := g.vocab.Type(req.Type)
	if err != nil {
		return venue.WireOrder{}, domain.Rejected(err.Error())
	}
	if req.QtySats <= 0 {
		return venue.WireOrder{}, domain.Rejected("quantity must be positive")
	}
	switch req.Type {
	case domain.TypeLimit, domain.TypeStopLimit:
		if req.PriceMicros <= 0 {
			return venue.WireOrder{}, domain.Rejected("limit price required")
		}
	}
	switch req.Type {
	case domain.TypeStop, domain.TypeStopLimit:
		if req.StopPriceMicros <= 0 {
			return venue.WireOrder{}, domain.Rejected("stop price required")
		}
	}

	return venue.WireOrder{
		Symbol:        req.Symbol,
		Side:          side,
		Type:          typ,
		Price:         venue.FormatMicros(req.PriceMicros),
		StopPrice:     venue.FormatMicros(req.StopPriceMicros),
		Qty:           venue.FormatSats(req.QtySats),
		ClientOrderID: req.ClientOrderID,
	}, nil
}

// reject marks the order REJECTED with the failure reason attached.
func (g *Gateway) reject(order *domain.Order, err error) *domain.Order {
	order.Status = domain.StatusRejected
	order.UpdatedUnixM = time.Now().UnixMicro()
	order.Reason = err.Error()
	return order
}
