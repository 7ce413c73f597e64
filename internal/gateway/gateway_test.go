package gateway

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"venuelink/internal/domain"
	"venuelink/internal/event"
	"venuelink/internal/infra"
	"venuelink/internal/venue"
	"venuelink/internal/venue/sim"
	"venuelink/pkg/quant"
)

func newTestGateway(t *testing.T, v venue.Venue) *Gateway {
	t.Helper()
	limiter := infra.NewRateLimiter(100, 1000)
	retry := infra.NewRetryExecutor(infra.RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Jitter:     func() float64 { return 0.5 },
	}, nil)
	gw, err := New(v, limiter, retry, time.Second, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return gw
}

func TestSubmitMarketOrderFills(t *testing.T) {
	s := sim.New()
	s.SetPrice("BTC-USD", quant.ToPriceMicros(50000))
	gw := newTestGateway(t, s)

	order, err := gw.Submit(context.Background(), venue.OrderRequest{
		Symbol:  "BTC-USD",
		Side:    domain.SideBuy,
		Type:    domain.TypeMarket,
		QtySats: quant.ToQtySats(1.0),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if order.ClientOrderID == "" {
		t.Error("expected generated client order id")
	}
	if order.VenueOrderID == "" {
		t.Error("expected venue order id from ack")
	}
	if order.Status != domain.StatusFilled {
		t.Errorf("status = %s, want FILLED", order.Status)
	}
}

func TestSubmitLimitOrderOpen(t *testing.T) {
	s := sim.New()
	s.SetPrice("BTC-USD", quant.ToPriceMicros(50000))
	gw := newTestGateway(t, s)

	order, err := gw.Submit(context.Background(), venue.OrderRequest{
		Symbol:        "BTC-USD",
		Side:          domain.SideBuy,
		Type:          domain.TypeLimit,
		PriceMicros:   quant.ToPriceMicros(49000),
		QtySats:       quant.ToQtySats(1.0),
		ClientOrderID: "ord-1",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if order.Status != domain.StatusOpen {
		t.Errorf("status = %s, want OPEN", order.Status)
	}
	if order.ClientOrderID != "ord-1" {
		t.Errorf("client order id = %s, want ord-1", order.ClientOrderID)
	}
}

func TestSubmitInvalidRequestRejectedLocally(t *testing.T) {
	s := sim.New()
	gw := newTestGateway(t, s)

	order, err := gw.Submit(context.Background(), venue.OrderRequest{
		Symbol:  "BTC-USD",
		Side:    domain.SideBuy,
		Type:    domain.TypeLimit, // no price
		QtySats: quant.ToQtySats(1.0),
	})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !errors.Is(err, domain.ErrVenueRejected) {
		t.Errorf("error = %v, want ErrVenueRejected", err)
	}
	if order.Status != domain.StatusRejected {
		t.Errorf("status = %s, want REJECTED", order.Status)
	}
	if order.Reason == "" {
		t.Error("expected rejection reason on order")
	}
}

func TestSubmitRetriesTransientFailures(t *testing.T) {
	s := sim.New()
	s.SetPrice("BTC-USD", quant.ToPriceMicros(50000))
	s.FailNext(2) // budget is 3 attempts
	gw := newTestGateway(t, s)

	order, err := gw.Submit(context.Background(), venue.OrderRequest{
		Symbol:  "BTC-USD",
		Side:    domain.SideBuy,
		Type:    domain.TypeMarket,
		QtySats: quant.ToQtySats(0.5),
	})
	if err != nil {
		t.Fatalf("Submit after transient faults: %v", err)
	}
	if order.Status != domain.StatusFilled {
		t.Errorf("status = %s, want FILLED", order.Status)
	}
}

func TestSubmitRetriesExhaustedReturnsRejected(t *testing.T) {
	s := sim.New()
	s.FailNext(10)
	gw := newTestGateway(t, s)

	order, err := gw.Submit(context.Background(), venue.OrderRequest{
		Symbol:  "BTC-USD",
		Side:    domain.SideBuy,
		Type:    domain.TypeMarket,
		QtySats: quant.ToQtySats(1.0),
	})
	if err == nil {
		t.Fatal("expected error after retries exhausted")
	}
	if !errors.Is(err, domain.ErrTransient) {
		t.Errorf("error = %v, want wrapped ErrTransient", err)
	}
	if order.Status != domain.StatusRejected {
		t.Errorf("status = %s, want REJECTED", order.Status)
	}
	if order.Reason == "" {
		t.Error("expected underlying reason attached to order")
	}
}

func TestSubmitVenueRejectionNotRetried(t *testing.T) {
	s := sim.New()
	s.RejectNext("insufficient margin")
	gw := newTestGateway(t, s)

	start := time.Now()
	order, err := gw.Submit(context.Background(), venue.OrderRequest{
		Symbol:  "BTC-USD",
		Side:    domain.SideSell,
		Type:    domain.TypeMarket,
		QtySats: quant.ToQtySats(1.0),
	})
	if err == nil {
		t.Fatal("expected rejection error")
	}
	if !errors.Is(err, domain.ErrVenueRejected) {
		t.Errorf("error = %v, want ErrVenueRejected", err)
	}
	if order.Status != domain.StatusRejected {
		t.Errorf("status = %s, want REJECTED", order.Status)
	}
	// A rejection must propagate immediately, without backoff sleeps.
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("rejection took %v, expected immediate propagation", elapsed)
	}
}

func TestAuthFailurePropagates(t *testing.T) {
	s := sim.New()
	s.BreakAuth(true)
	gw := newTestGateway(t, s)

	_, err := gw.Submit(context.Background(), venue.OrderRequest{
		Symbol:  "BTC-USD",
		Side:    domain.SideBuy,
		Type:    domain.TypeMarket,
		QtySats: quant.ToQtySats(1.0),
	})
	if !errors.Is(err, domain.ErrAuth) {
		t.Errorf("error = %v, want ErrAuth", err)
	}
}

func TestCancelFilledOrderReported(t *testing.T) {
	s := sim.New()
	s.SetPrice("BTC-USD", quant.ToPriceMicros(50000))
	gw := newTestGateway(t, s)

	order, err := gw.Submit(context.Background(), venue.OrderRequest{
		Symbol:  "BTC-USD",
		Side:    domain.SideBuy,
		Type:    domain.TypeMarket,
		QtySats: quant.ToQtySats(1.0),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	err = gw.Cancel(context.Background(), order.ClientOrderID)
	if !errors.Is(err, domain.ErrVenueRejected) {
		t.Errorf("cancel of filled order: error = %v, want ErrVenueRejected", err)
	}
}

func TestQueryProducesUpdateEvents(t *testing.T) {
	s := sim.New()
	s.SetPrice("BTC-USD", quant.ToPriceMicros(50000))
	gw := newTestGateway(t, s)

	order, err := gw.Submit(context.Background(), venue.OrderRequest{
		Symbol:        "BTC-USD",
		Side:          domain.SideBuy,
		Type:          domain.TypeLimit,
		PriceMicros:   quant.ToPriceMicros(49000),
		QtySats:       quant.ToQtySats(1.0),
		ClientOrderID: "ord-q",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := s.PartialFill(order.ClientOrderID, quant.ToQtySats(0.4)); err != nil {
		t.Fatalf("PartialFill: %v", err)
	}

	events, err := gw.Query(context.Background(), order.ClientOrderID)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want fill + status", len(events))
	}

	fillEv := events[0]
	if fillEv.Fill == nil || fillEv.Fill.TradeID == "" {
		t.Fatalf("first event should carry a fill with trade id: %+v", fillEv)
	}
	if fillEv.Fill.QtySats != quant.ToQtySats(0.4) {
		t.Errorf("fill qty = %d, want %d", fillEv.Fill.QtySats, quant.ToQtySats(0.4))
	}
	if fillEv.Source != event.SourcePoll {
		t.Errorf("fill source = %s, want poll", fillEv.Source)
	}

	statusEv := events[1]
	if statusEv.Status != domain.StatusPartiallyFilled {
		t.Errorf("status = %s, want PARTIALLY_FILLED", statusEv.Status)
	}
}

func TestBackfillTranslatesMissedStates(t *testing.T) {
	s := sim.New()
	s.SetPrice("BTC-USD", quant.ToPriceMicros(50000))
	s.DropPush(true) // simulate a connection gap
	gw := newTestGateway(t, s)

	order, err := gw.Submit(context.Background(), venue.OrderRequest{
		Symbol:  "BTC-USD",
		Side:    domain.SideBuy,
		Type:    domain.TypeMarket,
		QtySats: quant.ToQtySats(1.0),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	events, err := gw.Backfill(context.Background(), venue.BackfillQuery{SinceSeq: 0})
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("expected backfill events for the missed fill")
	}
	var sawFill, sawTerminal bool
	for _, ev := range events {
		if ev.OrderID != order.ClientOrderID {
			continue
		}
		if ev.Source != event.SourceBackfill {
			t.Errorf("source = %s, want backfill", ev.Source)
		}
		if ev.Fill != nil {
			sawFill = true
		}
		if ev.Status == domain.StatusFilled {
			sawTerminal = true
		}
	}
	if !sawFill || !sawTerminal {
		t.Errorf("backfill missing data: sawFill=%v sawTerminal=%v", sawFill, sawTerminal)
	}
}
