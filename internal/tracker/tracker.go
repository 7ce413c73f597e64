// Package tracker owns the authoritative per-order state machine.
// Push-delivered, poll-delivered and backfilled updates all funnel
// through Apply, which deduplicates fills by trade id and discards
// stale status changes, so the tracker converges to the same state
// regardless of arrival order or duplication between channels.
package tracker

import (
	"log/slog"
	"sync"

	"venuelink/internal/domain"
	"venuelink/internal/event"
)

// TransitionFunc observes an accepted order status transition.
// It receives a snapshot of the order after the transition was applied.
type TransitionFunc func(from domain.OrderStatus, order domain.Order)

// FillFunc observes a newly accepted (non-duplicate) fill.
type FillFunc func(fill domain.Fill, order domain.Order)

// Tracker holds all active orders. Mutation happens only through
// Track and Apply; readers get copies.
type Tracker struct {
	mu         sync.RWMutex
	orders     map[string]*domain.Order
	seenTrades map[string]map[string]struct{}
	fills      map[string][]domain.Fill

	onTransition TransitionFunc
	onFill       FillFunc
	logger       *slog.Logger
}

func New(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		orders:     make(map[string]*domain.Order),
		seenTrades: make(map[string]map[string]struct{}),
		fills:      make(map[string][]domain.Fill),
		logger:     logger,
	}
}

// OnTransition registers the status transition observer. Must be set
// before the engine starts delivering updates.
func (t *Tracker) OnTransition(fn TransitionFunc) { t.onTransition = fn }

// OnFill registers the fill observer.
func (t *Tracker) OnFill(fn FillFunc) { t.onFill = fn }

// Track registers a newly submitted order. Re-tracking the same client
// order id is a no-op so that a retried submission cannot reset state.
func (t *Tracker) Track(order *domain.Order) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.orders[order.ClientOrderID]; exists {
		return
	}
	cp := *order
	t.orders[order.ClientOrderID] = &cp
	t.seenTrades[order.ClientOrderID] = make(map[string]struct{})
}

// Apply reconciles one update into the order state. It returns a
// *domain.StateConsistencyError when the update names an illegal
// transition; the update is discarded and state is left intact.
// Duplicate fills and stale status updates return nil silently.
func (t *Tracker) Apply(ev event.OrderUpdateEvent) error {
	t.mu.Lock()

	order, ok := t.orders[ev.OrderID]
	if !ok {
		t.mu.Unlock()
		return domain.ErrOrderNotFound
	}

	var (
		acceptedFill   *domain.Fill
		transitionFrom domain.OrderStatus
		transitioned   bool
	)

	if ev.Fill != nil {
		if t.applyFillLocked(order, ev.Fill) {
			acceptedFill = ev.Fill
		}
	}

	var consistencyErr error
	if ev.Status != "" {
		from, applied, err := t.applyStatusLocked(order, ev)
		transitionFrom, transitioned = from, applied
		consistencyErr = err
	}

	snapshot := *order
	t.mu.Unlock()

	// Observers run outside the lock; the engine loop is the only
	// writer so the snapshot cannot be stale from its point of view.
	if acceptedFill != nil && t.onFill != nil {
		t.onFill(*acceptedFill, snapshot)
	}
	if transitioned && t.onTransition != nil {
		t.onTransition(transitionFrom, snapshot)
	}
	return consistencyErr
}

// applyFillLocked records a fill, deduplicating by trade id.
// Returns true if the fill was new.
func (t *Tracker) applyFillLocked(order *domain.Order, fill *domain.Fill) bool {
	seen := t.seenTrades[order.ClientOrderID]
	if _, dup := seen[fill.TradeID]; dup {
		return false
	}
	seen[fill.TradeID] = struct{}{}

	order.FilledSats += fill.QtySats
	if order.FilledSats > order.QtySats {
		// A venue must never overfill; clamp and flag loudly.
		t.logger.Error("Fill exceeds order quantity, clamping",
			slog.String("order_id", order.ClientOrderID),
			slog.String("trade_id", fill.TradeID),
			slog.Int64("filled", int64(order.FilledSats)),
			slog.Int64("qty", int64(order.QtySats)))
		order.FilledSats = order.QtySats
	}
	order.UpdatedUnixM = fill.TsUnixM
	t.fills[order.ClientOrderID] = append(t.fills[order.ClientOrderID], *fill)
	return true
}

// applyStatusLocked applies a status change if it is newer than the
// recorded one and legal under the lifecycle table.
func (t *Tracker) applyStatusLocked(order *domain.Order, ev event.OrderUpdateEvent) (domain.OrderStatus, bool, error) {
	if ev.StatusSeq <= order.StatusSeq {
		// Stale or duplicate delivery from the slower channel.
		return "", false, nil
	}

	from := order.Status
	if ev.Status == from {
		// Same status re-reported with a newer sequence: record the
		// sequence so later stale checks stay correct, no transition.
		order.StatusSeq = ev.StatusSeq
		return "", false, nil
	}

	if !domain.CanTransition(from, ev.Status) {
		err := &domain.StateConsistencyError{
			OrderID: order.ClientOrderID,
			From:    from,
			To:      ev.Status,
		}
		t.logger.Error("Discarding inconsistent order update",
			slog.String("order_id", order.ClientOrderID),
			slog.String("from", string(from)),
			slog.String("to", string(ev.Status)),
			slog.String("source", ev.Source))
		return "", false, err
	}

	order.Status = ev.Status
	order.StatusSeq = ev.StatusSeq
	if ev.VenueOrderID != "" {
		order.VenueOrderID = ev.VenueOrderID
	}
	if ev.Reason != "" {
		order.Reason = ev.Reason
	}
	if ts := int64(ev.Ts); ts > order.UpdatedUnixM {
		order.UpdatedUnixM = ts
	}

	t.logger.Info("Order transition",
		slog.String("order_id", order.ClientOrderID),
		slog.String("from", string(from)),
		slog.String("to", string(ev.Status)),
		slog.String("source", ev.Source))
	return from, true, nil
}

// Get returns a copy of the order.
func (t *Tracker) Get(orderID string) (domain.Order, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	order, ok := t.orders[orderID]
	if !ok {
		return domain.Order{}, false
	}
	return *order, true
}

// Fills returns the accepted fills for an order, in application order.
func (t *Tracker) Fills(orderID string) []domain.Fill {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fills := t.fills[orderID]
	out := make([]domain.Fill, len(fills))
	copy(out, fills)
	return out
}

// Open returns copies of all orders still working at the venue,
// including SUBMITTED orders awaiting their first venue update.
func (t *Tracker) Open() []domain.Order {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []domain.Order
	for _, o := range t.orders {
		if !o.Status.Terminal() {
			out = append(out, *o)
		}
	}
	return out
}

// Snapshot returns copies of every tracked order.
func (t *Tracker) Snapshot() []domain.Order {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.Order, 0, len(t.orders))
	for _, o := range t.orders {
		out = append(out, *o)
	}
	return out
}

// Restore re-registers an order from a persisted snapshot, preserving
// its recorded state. Used during bootstrap before any updates flow.
func (t *Tracker) Restore(order domain.Order, fills []domain.Fill) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := order
	t.orders[order.ClientOrderID] = &cp
	seen := make(map[string]struct{}, len(fills))
	for _, f := range fills {
		seen[f.TradeID] = struct{}{}
	}
	t.seenTrades[order.ClientOrderID] = seen
	t.fills[order.ClientOrderID] = append([]domain.Fill(nil), fills...)
}

// Drain removes and returns all terminal orders. The external layer
// calls it after consuming final states; until then terminal orders
// remain readable.
func (t *Tracker) Drain() []domain.Order {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []domain.Order
	for id, o := range t.orders {
		if o.Status.Terminal() {
			out = append(out, *o)
			delete(t.orders, id)
			delete(t.seenTrades, id)
			delete(t.fills, id)
		}
	}
	return out
}
