package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"venuelink/internal/domain"
	"venuelink/internal/infra"
	"venuelink/internal/session"
	"venuelink/internal/storage"
	"venuelink/internal/venue"
	"venuelink/internal/venue/sim"
	"venuelink/pkg/quant"
)

func testConfig() *infra.Config {
	cfg := &infra.Config{}
	cfg.Venue.Name = "sim"
	cfg.Venue.Symbols = []string{"BTC-USD"}
	cfg.Engine.MaxRetries = 2
	cfg.Engine.BaseDelayMs = 1
	cfg.Engine.MaxDelayMs = 5
	cfg.Engine.RequestsPerWindow = 1000
	cfg.Engine.WindowMs = 1000
	cfg.Engine.RequestTimeoutMs = 1000
	cfg.Engine.HeartbeatIntervalMs = 50
	cfg.Engine.HeartbeatTimeoutMs = 200
	cfg.Engine.MaxReconnectAttempts = 2
	cfg.Engine.QueueCapacity = 256
	cfg.Engine.QueueOverflowPolicy = infra.OverflowDropOldest
	cfg.Engine.BalanceRefreshSec = 3600
	cfg.Engine.ShutdownTimeoutMs = 1000
	return cfg
}

func newTestEngine(t *testing.T, s *sim.Sim) *Manager {
	t.Helper()
	m, err := New(testConfig(), s, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestEngineOrderFlowEndToEnd(t *testing.T) {
	s := sim.New()
	m := newTestEngine(t, s)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop(time.Second)

	s.SetPrice("BTC-USD", quant.ToPriceMicros(50000))

	order, err := m.Submit(context.Background(), venue.OrderRequest{
		Symbol:      "BTC-USD",
		Side:        domain.SideBuy,
		Type:        domain.TypeLimit,
		PriceMicros: quant.ToPriceMicros(49000),
		QtySats:     quant.ToQtySats(1),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Price crosses the limit; the fill arrives over the push stream
	// and must reach the tracker through the event loop.
	s.SetPrice("BTC-USD", quant.ToPriceMicros(48000))

	waitFor(t, 2*time.Second, func() bool {
		o, ok := m.Tracker().Get(order.ClientOrderID)
		return ok && o.Status == domain.StatusFilled
	})

	o, _ := m.Tracker().Get(order.ClientOrderID)
	if o.FilledSats != o.QtySats {
		t.Errorf("filled = %d, want %d", o.FilledSats, o.QtySats)
	}
}

func TestEngineMarketDataDelivery(t *testing.T) {
	s := sim.New()
	m := newTestEngine(t, s)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop(time.Second)

	s.SetPrice("BTC-USD", quant.ToPriceMicros(50000))
	s.SetPrice("BTC-USD", quant.ToPriceMicros(50100))

	var got []domain.MarketUpdate
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case u := <-m.MarketData():
			got = append(got, u)
		case <-deadline:
			t.Fatalf("received %d updates, want 2", len(got))
		}
	}
	if got[0].Seq >= got[1].Seq {
		t.Errorf("updates out of order: %d then %d", got[0].Seq, got[1].Seq)
	}
	if got[1].PriceMicros != quant.ToPriceMicros(50100) {
		t.Errorf("price = %d, want %d", got[1].PriceMicros, quant.ToPriceMicros(50100))
	}
}

func TestEngineResyncAfterGap(t *testing.T) {
	s := sim.New()
	m := newTestEngine(t, s)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop(time.Second)

	s.SetPrice("BTC-USD", quant.ToPriceMicros(50000))
	s.DropPush(true) // connection gap: venue state moves, pushes are lost

	order, err := m.Submit(context.Background(), venue.OrderRequest{
		Symbol:  "BTC-USD",
		Side:    domain.SideBuy,
		Type:    domain.TypeMarket,
		QtySats: quant.ToQtySats(1),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	s.DropPush(false)
	if err := m.Resync(context.Background()); err != nil {
		t.Fatalf("Resync: %v", err)
	}
	// A second overlapping backfill must be a no-op.
	if err := m.Resync(context.Background()); err != nil {
		t.Fatalf("Resync again: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		o, ok := m.Tracker().Get(order.ClientOrderID)
		return ok && o.Status == domain.StatusFilled && o.FilledSats == o.QtySats
	})
}

func TestEngineStopHonorsDeadlineWithBlockedQueue(t *testing.T) {
	// Block policy with nobody draining MarketData: the event loop ends
	// up parked on the full queue. Stop must still return around its
	// deadline instead of waiting for a consumer that never comes.
	cfg := testConfig()
	cfg.Engine.QueueCapacity = 1
	cfg.Engine.QueueOverflowPolicy = infra.OverflowBlock

	s := sim.New()
	m, err := New(cfg, s, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	s.SetPrice("BTC-USD", quant.ToPriceMicros(50000))
	s.SetPrice("BTC-USD", quant.ToPriceMicros(50100))
	s.SetPrice("BTC-USD", quant.ToPriceMicros(50200))
	time.Sleep(100 * time.Millisecond) // let the loop wedge on the queue

	start := time.Now()
	m.Stop(200 * time.Millisecond)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Stop took %v despite 200ms deadline", elapsed)
	}
}

func TestEngineMarketGapTriggersBackfill(t *testing.T) {
	s := sim.New()
	m := newTestEngine(t, s)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop(time.Second)

	s.SetPrice("BTC-USD", quant.ToPriceMicros(50000))

	order, err := m.Submit(context.Background(), venue.OrderRequest{
		Symbol:      "BTC-USD",
		Side:        domain.SideBuy,
		Type:        domain.TypeLimit,
		PriceMicros: quant.ToPriceMicros(49000),
		QtySats:     quant.ToQtySats(1),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Pushes drop while the venue keeps moving: the order fills and a
	// ticker sequence number is consumed, both unseen by the engine.
	s.DropPush(true)
	s.SetPrice("BTC-USD", quant.ToPriceMicros(48000))
	s.DropPush(false)

	// The next ticker arrives with a sequence jump; the engine must
	// notice and recover the missed order updates on its own.
	s.SetPrice("BTC-USD", quant.ToPriceMicros(47000))

	waitFor(t, 2*time.Second, func() bool {
		o, ok := m.Tracker().Get(order.ClientOrderID)
		return ok && o.Status == domain.StatusFilled && o.FilledSats == o.QtySats
	})
	if m.MarketData() == nil {
		t.Fatal("market data channel missing")
	}
}

func TestEngineBalanceTracking(t *testing.T) {
	s := sim.New()
	s.SetBalance("USD", int64(quant.ToQtySats(100000)))

	m := newTestEngine(t, s)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop(time.Second)

	// The balance worker refreshes once at startup.
	waitFor(t, 2*time.Second, func() bool {
		b, ok := m.Balance("USD")
		return ok && b.AmountSats == int64(quant.ToQtySats(100000))
	})

	s.SetPrice("BTC-USD", quant.ToPriceMicros(50000))
	if _, err := m.Submit(context.Background(), venue.OrderRequest{
		Symbol:  "BTC-USD",
		Side:    domain.SideBuy,
		Type:    domain.TypeMarket,
		QtySats: quant.ToQtySats(1),
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// The fill moves both legs: base credited, quote debited by the
	// notional, without waiting for the next venue snapshot.
	waitFor(t, 2*time.Second, func() bool {
		btc, ok := m.Balance("BTC")
		return ok && btc.AmountSats == int64(quant.ToQtySats(1))
	})
	usd, _ := m.Balance("USD")
	if usd.AmountSats != int64(quant.ToQtySats(50000)) {
		t.Errorf("USD after buy = %d, want %d", usd.AmountSats, int64(quant.ToQtySats(50000)))
	}
}

func TestEngineStopReportsUnsettledOrders(t *testing.T) {
	s := sim.New()
	m := newTestEngine(t, s)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	s.SetPrice("BTC-USD", quant.ToPriceMicros(50000))
	order, err := m.Submit(context.Background(), venue.OrderRequest{
		Symbol:      "BTC-USD",
		Side:        domain.SideBuy,
		Type:        domain.TypeLimit,
		PriceMicros: quant.ToPriceMicros(40000), // rests far from market
		QtySats:     quant.ToQtySats(1),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	remaining := m.Stop(time.Second)
	var reported bool
	for _, o := range remaining {
		if o.ClientOrderID == order.ClientOrderID {
			reported = true
		}
	}
	if !reported {
		t.Errorf("open order %s not reported at shutdown: %+v", order.ClientOrderID, remaining)
	}

	if _, err := m.Submit(context.Background(), venue.OrderRequest{
		Symbol:  "BTC-USD",
		Side:    domain.SideBuy,
		Type:    domain.TypeMarket,
		QtySats: quant.ToQtySats(1),
	}); err == nil {
		t.Error("Submit after Stop should be refused")
	}
}

func TestEngineRecoversFromSnapshotAndJournal(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "events.db")
	s := sim.New()
	s.SetPrice("BTC-USD", quant.ToPriceMicros(50000))

	store, err := storage.NewEventStore(dbPath)
	if err != nil {
		t.Fatalf("NewEventStore: %v", err)
	}
	snaps := storage.NewSnapshotManager(filepath.Join(dir, "snapshots"))

	m, err := New(testConfig(), s, store, snaps, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	order, err := m.Submit(context.Background(), venue.OrderRequest{
		Symbol:      "BTC-USD",
		Side:        domain.SideBuy,
		Type:        domain.TypeLimit,
		PriceMicros: quant.ToPriceMicros(49000),
		QtySats:     quant.ToQtySats(1),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := s.PartialFill(order.ClientOrderID, quant.ToQtySats(0.4)); err != nil {
		t.Fatalf("PartialFill: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		o, ok := m.Tracker().Get(order.ClientOrderID)
		return ok && o.Status == domain.StatusPartiallyFilled
	})

	m.Stop(time.Second)
	store.Close()

	// Second life: same journal and snapshot directory.
	store2, err := storage.NewEventStore(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store2.Close()

	m2, err := New(testConfig(), s, store2, snaps, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m2.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer m2.Stop(time.Second)

	o, ok := m2.Tracker().Get(order.ClientOrderID)
	if !ok {
		t.Fatal("order lost across restart")
	}
	if o.Status != domain.StatusPartiallyFilled {
		t.Errorf("restored status = %s, want PARTIALLY_FILLED", o.Status)
	}
	if o.FilledSats != quant.ToQtySats(0.4) {
		t.Errorf("restored filled = %d, want %d", o.FilledSats, quant.ToQtySats(0.4))
	}
}

// stubHandler is a minimal session handler for fatal-path testing.
type stubHandler struct{ url string }

func (h *stubHandler) ID() string  { return "stub" }
func (h *stubHandler) URL() string { return h.url }
func (h *stubHandler) OnConnect(ctx context.Context, conn *websocket.Conn) error { return nil }
func (h *stubHandler) OnMessage(ctx context.Context, msg []byte)                 {}
func (h *stubHandler) Subscribe(ctx context.Context, conn *websocket.Conn, symbol string, sinceSeq uint64) error {
	return nil
}
func (h *stubHandler) Ping(ctx context.Context, conn *websocket.Conn) error { return nil }

func TestEngineSurfacesSessionFatal(t *testing.T) {
	s := sim.New()
	m := newTestEngine(t, s)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop(time.Second)

	// Nothing listens on this address; the session burns through its
	// reconnect budget and the failure must land on Errors().
	sess := session.New(&stubHandler{url: "ws://127.0.0.1:1"}, session.Config{
		HeartbeatInterval:    50 * time.Millisecond,
		HeartbeatTimeout:     200 * time.Millisecond,
		MaxReconnectAttempts: 2,
		BaseDelay:            5 * time.Millisecond,
		MaxDelay:             20 * time.Millisecond,
	}, nil)
	m.AttachSession(context.Background(), sess)

	select {
	case err := <-m.Errors():
		if err == nil {
			t.Fatal("nil fatal error")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("fatal error not surfaced")
	}
}

func TestEngineResubscribeOverWS(t *testing.T) {
	// Sanity check that a real session attaches and reaches CONNECTED
	// under the manager.
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(300 * time.Millisecond)
	}))
	defer server.Close()

	s := sim.New()
	m := newTestEngine(t, s)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop(time.Second)

	url := strings.Replace(server.URL, "http://", "ws://", 1)
	sess := session.New(&stubHandler{url: url}, session.Config{
		HeartbeatInterval:    50 * time.Millisecond,
		HeartbeatTimeout:     200 * time.Millisecond,
		MaxReconnectAttempts: 2,
	}, nil)
	m.AttachSession(context.Background(), sess)

	waitFor(t, 2*time.Second, func() bool { return sess.State() == session.StateConnected })
}
