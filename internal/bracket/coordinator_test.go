package bracket

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"venuelink/internal/domain"
	"venuelink/internal/event"
	"venuelink/internal/gateway"
	"venuelink/internal/infra"
	"venuelink/internal/tracker"
	"venuelink/internal/venue/sim"
	"venuelink/pkg/quant"
)

// harness wires the sim venue, gateway, tracker and coordinator the way
// the engine loop does, with a manual pump instead of a goroutine.
type harness struct {
	sim   *sim.Sim
	gw    *gateway.Gateway
	tr    *tracker.Tracker
	coord *Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s := sim.New()
	limiter := infra.NewRateLimiter(100, 1000)
	retry := infra.NewRetryExecutor(infra.RetryConfig{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	}, nil)
	gw, err := gateway.New(s, limiter, retry, time.Second, slog.Default())
	if err != nil {
		t.Fatalf("gateway.New: %v", err)
	}

	tr := tracker.New(nil)
	h := &harness{sim: s, gw: gw, tr: tr}
	h.coord = New(gw, tr.Track, nil)
	tr.OnTransition(func(from domain.OrderStatus, o domain.Order) {
		h.coord.HandleTransition(context.Background(), from, o)
	})
	return h
}

// pump drains all pending push events into the tracker, the way the
// engine's event loop consumes the venue stream.
func (h *harness) pump(t *testing.T) {
	t.Helper()
	for {
		select {
		case ev := <-h.sim.Push():
			if ev.Order == nil {
				continue
			}
			updates, err := h.gw.NormalizeState(*ev.Order, event.SourcePush)
			if err != nil {
				t.Fatalf("NormalizeState: %v", err)
			}
			for _, u := range updates {
				h.tr.Apply(u) // consistency errors are diagnostic here
			}
		default:
			return
		}
	}
}

func activeGroup(t *testing.T, h *harness) domain.BracketGroup {
	t.Helper()
	h.sim.SetPrice("BTC-USD", quant.ToPriceMicros(100))
	group, err := h.coord.CreateGroup(context.Background(), Request{
		Symbol:            "BTC-USD",
		Side:              domain.SideBuy,
		Type:              domain.TypeLimit,
		QtySats:           quant.ToQtySats(10),
		EntryPriceMicros:  quant.ToPriceMicros(100),
		StopPriceMicros:   quant.ToPriceMicros(95),
		TargetPriceMicros: quant.ToPriceMicros(110),
	})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	h.pump(t) // entry fill arrives by push, protection goes out

	got, _ := h.coord.Group(group.GroupID)
	if got.State != domain.GroupActiveProtection {
		t.Fatalf("group state = %s, want ACTIVE_PROTECTION", got.State)
	}
	if got.StopOrderID == "" || got.TargetOrderID == "" {
		t.Fatalf("protective legs missing: %+v", got)
	}
	return got
}

func TestTargetFillSettlesGroup(t *testing.T) {
	h := newHarness(t)
	group := activeGroup(t, h)

	// Protective legs must exit the position: entry was a buy.
	for _, leg := range []string{group.StopOrderID, group.TargetOrderID} {
		o, ok := h.tr.Get(leg)
		if !ok {
			t.Fatalf("leg %s not tracked", leg)
		}
		if o.Side != domain.SideSell {
			t.Errorf("leg %s side = %s, want SELL", leg, o.Side)
		}
	}

	h.sim.SetPrice("BTC-USD", quant.ToPriceMicros(110))
	h.pump(t)

	got, _ := h.coord.Group(group.GroupID)
	if got.State != domain.GroupTargeted {
		t.Errorf("group state = %s, want TARGETED", got.State)
	}

	target, _ := h.tr.Get(group.TargetOrderID)
	if target.Status != domain.StatusFilled {
		t.Errorf("target status = %s, want FILLED", target.Status)
	}
	if target.FilledSats != quant.ToQtySats(10) {
		t.Errorf("target filled = %d, want %d", target.FilledSats, quant.ToQtySats(10))
	}

	stop, _ := h.tr.Get(group.StopOrderID)
	if stop.Status != domain.StatusCancelled {
		t.Errorf("stop status = %s, want CANCELLED", stop.Status)
	}
}

func TestStopFillSettlesGroup(t *testing.T) {
	h := newHarness(t)
	group := activeGroup(t, h)

	h.sim.SetPrice("BTC-USD", quant.ToPriceMicros(94))
	h.pump(t)

	got, _ := h.coord.Group(group.GroupID)
	if got.State != domain.GroupStopped {
		t.Errorf("group state = %s, want STOPPED", got.State)
	}
	target, _ := h.tr.Get(group.TargetOrderID)
	if target.Status != domain.StatusCancelled {
		t.Errorf("target status = %s, want CANCELLED", target.Status)
	}
}

func TestEntryRejectionFailsGroupCreation(t *testing.T) {
	h := newHarness(t)
	h.sim.RejectNext("insufficient margin")

	_, err := h.coord.CreateGroup(context.Background(), Request{
		Symbol:            "BTC-USD",
		Side:              domain.SideBuy,
		Type:              domain.TypeLimit,
		QtySats:           quant.ToQtySats(1),
		EntryPriceMicros:  quant.ToPriceMicros(100),
		StopPriceMicros:   quant.ToPriceMicros(95),
		TargetPriceMicros: quant.ToPriceMicros(110),
	})
	if err == nil {
		t.Fatal("expected rejection error")
	}
	if groups := h.coord.Groups(); len(groups) != 0 {
		t.Errorf("rejected entry left %d groups registered", len(groups))
	}
}

func TestEntryCancelClosesGroup(t *testing.T) {
	h := newHarness(t)
	h.sim.SetPrice("BTC-USD", quant.ToPriceMicros(100))

	group, err := h.coord.CreateGroup(context.Background(), Request{
		Symbol:            "BTC-USD",
		Side:              domain.SideBuy,
		Type:              domain.TypeLimit,
		QtySats:           quant.ToQtySats(10),
		EntryPriceMicros:  quant.ToPriceMicros(90), // resting below market
		StopPriceMicros:   quant.ToPriceMicros(85),
		TargetPriceMicros: quant.ToPriceMicros(110),
	})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	h.pump(t)

	if err := h.gw.Cancel(context.Background(), group.EntryOrderID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	h.pump(t)

	got, _ := h.coord.Group(group.GroupID)
	if got.State != domain.GroupCancelled {
		t.Errorf("group state = %s, want CANCELLED after entry cancel", got.State)
	}
}

func TestExplicitGroupCancel(t *testing.T) {
	h := newHarness(t)
	group := activeGroup(t, h)

	if err := h.coord.CancelGroup(context.Background(), group.GroupID); err != nil {
		t.Fatalf("CancelGroup: %v", err)
	}
	h.pump(t)

	got, _ := h.coord.Group(group.GroupID)
	if got.State != domain.GroupCancelled {
		t.Errorf("group state = %s, want CANCELLED", got.State)
	}
	for _, leg := range []string{group.StopOrderID, group.TargetOrderID} {
		o, _ := h.tr.Get(leg)
		if o.Status != domain.StatusCancelled {
			t.Errorf("leg %s status = %s, want CANCELLED", leg, o.Status)
		}
	}
}

func TestSimultaneousProtectiveFills(t *testing.T) {
	h := newHarness(t)
	group := activeGroup(t, h)

	// Both legs fill at the venue before either update is processed:
	// the first one through the tracker decides the outcome, the
	// sibling cancel comes back rejected and is tolerated.
	if err := h.sim.PartialFill(group.StopOrderID, quant.ToQtySats(10)); err != nil {
		t.Fatalf("fill stop: %v", err)
	}
	if err := h.sim.PartialFill(group.TargetOrderID, quant.ToQtySats(10)); err != nil {
		t.Fatalf("fill target: %v", err)
	}
	h.pump(t)

	got, _ := h.coord.Group(group.GroupID)
	if got.State != domain.GroupStopped {
		t.Errorf("group state = %s, want STOPPED (stop fill processed first)", got.State)
	}

	// Both fills stay recorded on the orders for audit.
	for _, leg := range []string{group.StopOrderID, group.TargetOrderID} {
		o, _ := h.tr.Get(leg)
		if o.Status != domain.StatusFilled {
			t.Errorf("leg %s status = %s, want FILLED", leg, o.Status)
		}
	}
}

func TestMarketEntryActivatesProtectionImmediately(t *testing.T) {
	h := newHarness(t)
	h.sim.SetPrice("BTC-USD", quant.ToPriceMicros(100))

	group, err := h.coord.CreateGroup(context.Background(), Request{
		Symbol:            "BTC-USD",
		Side:              domain.SideBuy,
		Type:              domain.TypeMarket,
		QtySats:           quant.ToQtySats(5),
		StopPriceMicros:   quant.ToPriceMicros(95),
		TargetPriceMicros: quant.ToPriceMicros(110),
	})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	// The submission ack already reports the fill; protection must be
	// in place before any push event is consumed.
	if group.State != domain.GroupActiveProtection {
		t.Errorf("group state = %s, want ACTIVE_PROTECTION from ack", group.State)
	}
	if group.StopOrderID == "" || group.TargetOrderID == "" {
		t.Errorf("protective legs missing: %+v", group)
	}
}
