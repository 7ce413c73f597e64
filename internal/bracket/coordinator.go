// Package bracket coordinates grouped orders: one entry order plus
// protective stop and target legs. When the entry fills, the legs are
// placed; the first leg to fill decides the group outcome and the
// sibling is cancelled.
package bracket

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"venuelink/internal/domain"
	"venuelink/internal/venue"
	"venuelink/pkg/quant"
)

// OrderPlacer is the slice of the gateway the coordinator uses.
type OrderPlacer interface {
	Submit(ctx context.Context, req venue.OrderRequest) (*domain.Order, error)
	Cancel(ctx context.Context, clientOrderID string) error
}

// TrackFunc registers a submitted order with the order tracker.
type TrackFunc func(*domain.Order)

// GroupTransitionFunc observes group state changes.
type GroupTransitionFunc func(from domain.GroupState, group domain.BracketGroup)

// Request describes a bracket to open: the entry order plus the two
// protective price levels.
type Request struct {
	Symbol            string
	Side              domain.Side // entry side
	Type              domain.OrderType
	QtySats           quant.QtySats
	EntryPriceMicros  quant.PriceMicros // for LIMIT entries
	StopPriceMicros   quant.PriceMicros
	TargetPriceMicros quant.PriceMicros
}

// Coordinator owns all bracket groups. State mutation happens on the
// engine loop via HandleTransition plus explicit CancelGroup calls.
type Coordinator struct {
	mu      sync.Mutex
	groups  map[string]*domain.BracketGroup
	byOrder map[string]string // leg order id -> group id

	placer       OrderPlacer
	track        TrackFunc
	onTransition GroupTransitionFunc
	logger       *slog.Logger
}

func New(placer OrderPlacer, track TrackFunc, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		groups:  make(map[string]*domain.BracketGroup),
		byOrder: make(map[string]string),
		placer:  placer,
		track:   track,
		logger:  logger,
	}
}

// OnTransition registers the group state observer.
func (c *Coordinator) OnTransition(fn GroupTransitionFunc) { c.onTransition = fn }

// CreateGroup submits the entry order and registers the group.
// When the entry fills immediately (market orders), protection is
// placed before returning.
func (c *Coordinator) CreateGroup(ctx context.Context, req Request) (domain.BracketGroup, error) {
	if req.StopPriceMicros <= 0 || req.TargetPriceMicros <= 0 {
		return domain.BracketGroup{}, domain.Rejected("bracket requires stop and target prices")
	}

	groupID := uuid.NewString()
	entry, err := c.placer.Submit(ctx, venue.OrderRequest{
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		QtySats:     req.QtySats,
		PriceMicros: req.EntryPriceMicros,
		GroupID:     groupID,
	})
	if entry != nil {
		c.track(entry)
	}
	if err != nil {
		return domain.BracketGroup{}, err
	}

	now := time.Now().UnixMicro()
	group := &domain.BracketGroup{
		GroupID:           groupID,
		Symbol:            req.Symbol,
		EntryOrderID:      entry.ClientOrderID,
		State:             domain.GroupPendingEntry,
		StopPriceMicros:   req.StopPriceMicros,
		TargetPriceMicros: req.TargetPriceMicros,
		QtySats:           req.QtySats,
		CreatedUnixM:      now,
		UpdatedUnixM:      now,
	}

	c.mu.Lock()
	c.groups[groupID] = group
	c.byOrder[entry.ClientOrderID] = groupID
	c.mu.Unlock()

	c.logger.Info("Bracket group created",
		slog.String("group_id", groupID),
		slog.String("entry_order_id", entry.ClientOrderID),
		slog.String("symbol", req.Symbol))

	// Market entries can be filled already in the submission ack.
	if entry.Status == domain.StatusFilled {
		c.handleEntryFilled(ctx, groupID, req.Side)
	}
	return c.snapshot(groupID), nil
}

// HandleTransition reacts to an order status transition delivered by
// the tracker. Orders outside any group are ignored.
func (c *Coordinator) HandleTransition(ctx context.Context, from domain.OrderStatus, order domain.Order) {
	c.mu.Lock()
	groupID, ok := c.byOrder[order.ClientOrderID]
	if !ok {
		c.mu.Unlock()
		return
	}
	group := c.groups[groupID]
	isEntry := order.ClientOrderID == group.EntryOrderID
	entrySide := order.Side
	c.mu.Unlock()

	switch {
	case isEntry && order.Status == domain.StatusFilled:
		c.handleEntryFilled(ctx, groupID, entrySide)
	case isEntry && order.Status.Terminal():
		// Entry died without filling: the group is over.
		c.transition(groupID, domain.GroupCancelled, "entry "+string(order.Status))
	case !isEntry && order.Status == domain.StatusFilled:
		c.handleProtectiveFilled(ctx, groupID, order.ClientOrderID)
	}
}

// handleEntryFilled places the protective legs and activates the group.
func (c *Coordinator) handleEntryFilled(ctx context.Context, groupID string, entrySide domain.Side) {
	c.mu.Lock()
	group, ok := c.groups[groupID]
	if !ok || group.State != domain.GroupPendingEntry {
		c.mu.Unlock()
		return
	}
	symbol := group.Symbol
	qty := group.QtySats
	stopPrice := group.StopPriceMicros
	targetPrice := group.TargetPriceMicros
	c.mu.Unlock()

	exitSide := domain.SideSell
	if entrySide == domain.SideSell {
		exitSide = domain.SideBuy
	}

	stop, stopErr := c.placer.Submit(ctx, venue.OrderRequest{
		Symbol:          symbol,
		Side:            exitSide,
		Type:            domain.TypeStop,
		QtySats:         qty,
		StopPriceMicros: stopPrice,
		GroupID:         groupID,
	})
	if stop != nil {
		c.track(stop)
	}
	target, targetErr := c.placer.Submit(ctx, venue.OrderRequest{
		Symbol:      symbol,
		Side:        exitSide,
		Type:        domain.TypeLimit,
		QtySats:     qty,
		PriceMicros: targetPrice,
		GroupID:     groupID,
	})
	if target != nil {
		c.track(target)
	}

	c.mu.Lock()
	if stop != nil {
		group.StopOrderID = stop.ClientOrderID
		c.byOrder[stop.ClientOrderID] = groupID
	}
	if target != nil {
		group.TargetOrderID = target.ClientOrderID
		c.byOrder[target.ClientOrderID] = groupID
	}
	c.mu.Unlock()

	if stopErr != nil || targetErr != nil {
		// A position without full protection is worse than no position:
		// cancel whatever leg did go in and close the group out loudly.
		c.logger.Error("Protective leg placement failed",
			slog.String("group_id", groupID),
			slog.Any("stop_error", stopErr),
			slog.Any("target_error", targetErr))
		c.cancelLegs(ctx, groupID)
		c.transition(groupID, domain.GroupCancelled, "protection placement failed")
		return
	}

	c.transition(groupID, domain.GroupActiveProtection, "")
}

// handleProtectiveFilled resolves the group outcome: the first filled
// leg wins, the sibling is cancelled. A sibling that filled in the
// meantime rejects the cancel, which is reported but harmless.
func (c *Coordinator) handleProtectiveFilled(ctx context.Context, groupID, legID string) {
	c.mu.Lock()
	group, ok := c.groups[groupID]
	if !ok {
		c.mu.Unlock()
		return
	}
	if group.State != domain.GroupActiveProtection {
		// Second leg of a venue race: the first processed fill already
		// decided the outcome. Recorded on the order, ignored here.
		state := group.State
		c.mu.Unlock()
		c.logger.Warn("Late protective fill on settled group",
			slog.String("group_id", groupID),
			slog.String("order_id", legID),
			slog.String("state", string(state)))
		return
	}
	outcome := domain.GroupStopped
	if legID == group.TargetOrderID {
		outcome = domain.GroupTargeted
	}
	sibling := group.Sibling(legID)
	c.mu.Unlock()

	c.transition(groupID, outcome, "")

	if sibling == "" {
		return
	}
	if err := c.placer.Cancel(ctx, sibling); err != nil {
		if errors.Is(err, domain.ErrVenueRejected) {
			c.logger.Warn("Sibling cancel rejected, already terminal",
				slog.String("group_id", groupID),
				slog.String("order_id", sibling),
				slog.Any("error", err))
			return
		}
		c.logger.Error("Sibling cancel failed",
			slog.String("group_id", groupID),
			slog.String("order_id", sibling),
			slog.Any("error", err))
	}
}

// CancelGroup cancels every non-terminal leg and closes the group.
func (c *Coordinator) CancelGroup(ctx context.Context, groupID string) error {
	c.mu.Lock()
	group, ok := c.groups[groupID]
	if !ok {
		c.mu.Unlock()
		return domain.ErrOrderNotFound
	}
	if group.State.Terminal() {
		c.mu.Unlock()
		return nil
	}
	entryID := group.EntryOrderID
	legs := group.ProtectiveLegs()
	c.mu.Unlock()

	for _, id := range append([]string{entryID}, legs...) {
		if err := c.placer.Cancel(ctx, id); err != nil && !errors.Is(err, domain.ErrVenueRejected) {
			c.logger.Warn("Group leg cancel failed",
				slog.String("group_id", groupID),
				slog.String("order_id", id),
				slog.Any("error", err))
		}
	}
	c.transition(groupID, domain.GroupCancelled, "requested")
	return nil
}

// cancelLegs best-effort cancels whatever protective legs exist.
func (c *Coordinator) cancelLegs(ctx context.Context, groupID string) {
	c.mu.Lock()
	group, ok := c.groups[groupID]
	if !ok {
		c.mu.Unlock()
		return
	}
	legs := group.ProtectiveLegs()
	c.mu.Unlock()

	for _, id := range legs {
		if err := c.placer.Cancel(ctx, id); err != nil && !errors.Is(err, domain.ErrVenueRejected) {
			c.logger.Warn("Leg cancel failed",
				slog.String("group_id", groupID),
				slog.String("order_id", id),
				slog.Any("error", err))
		}
	}
}

// transition moves a group to the new state, skipping no-ops and
// transitions out of terminal states.
func (c *Coordinator) transition(groupID string, to domain.GroupState, reason string) {
	c.mu.Lock()
	group, ok := c.groups[groupID]
	if !ok || group.State == to || group.State.Terminal() {
		c.mu.Unlock()
		return
	}
	from := group.State
	group.State = to
	group.UpdatedUnixM = time.Now().UnixMicro()
	snapshot := *group
	c.mu.Unlock()

	c.logger.Info("Bracket group transition",
		slog.String("group_id", groupID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("reason", reason))
	if c.onTransition != nil {
		c.onTransition(from, snapshot)
	}
}

// Group returns a copy of the group.
func (c *Coordinator) Group(groupID string) (domain.BracketGroup, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	group, ok := c.groups[groupID]
	if !ok {
		return domain.BracketGroup{}, false
	}
	return *group, true
}

// Groups returns copies of all groups.
func (c *Coordinator) Groups() []domain.BracketGroup {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.BracketGroup, 0, len(c.groups))
	for _, g := range c.groups {
		out = append(out, *g)
	}
	return out
}

// Restore re-registers a group from a persisted snapshot.
func (c *Coordinator) Restore(group domain.BracketGroup) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := group
	c.groups[group.GroupID] = &cp
	c.byOrder[group.EntryOrderID] = group.GroupID
	for _, leg := range cp.ProtectiveLegs() {
		c.byOrder[leg] = group.GroupID
	}
}

func (c *Coordinator) snapshot(groupID string) domain.BracketGroup {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.groups[groupID]; ok {
		return *g
	}
	return domain.BracketGroup{}
}
