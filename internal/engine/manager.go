// Package engine wires the venue adapter, gateway, tracker, bracket
// coordinator and market data pipeline into one running unit. All
// order and group state mutation happens on a single event loop fed by
// an inbox channel, so push and poll updates to the same order never
// race destructively.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"venuelink/internal/bracket"
	"venuelink/internal/domain"
	"venuelink/internal/event"
	"venuelink/internal/gateway"
	"venuelink/internal/infra"
	"venuelink/internal/marketdata"
	"venuelink/internal/session"
	"venuelink/internal/storage"
	"venuelink/internal/tracker"
	"venuelink/internal/venue"
	"venuelink/pkg/quant"
)

func nowTs() quant.TimeStamp {
	return quant.TimeStamp(time.Now().UnixMicro())
}

// Manager is the top-level orchestrator.
type Manager struct {
	cfg    *infra.Config
	venue  venue.Venue
	logger *slog.Logger

	limiter  *infra.RateLimiter
	breaker  *infra.CircuitBreaker
	gw       *gateway.Gateway
	tracker  *tracker.Tracker
	coord    *bracket.Coordinator
	pipeline *marketdata.Pipeline
	poller   *marketdata.Poller
	balances *BalanceWorker

	bookMu sync.Mutex
	book   *domain.BalanceBook

	store *storage.EventStore
	snaps *storage.SnapshotManager

	inbox    chan event.Event
	fatal    chan error
	nextSeq  uint64
	external tracker.TransitionFunc

	sessions []*session.Session

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopping atomic.Bool
	started  bool
}

// New assembles a manager from configuration. store and snaps are
// optional; without them the engine runs without persistence.
func New(cfg *infra.Config, v venue.Venue, store *storage.EventStore, snaps *storage.SnapshotManager, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	limiter := infra.NewRateLimiterForWindow(cfg.Engine.RequestsPerWindow, cfg.Window())
	breaker := infra.NewCircuitBreaker(infra.DefaultCircuitBreakerConfig(v.Name()))
	retry := infra.NewRetryExecutor(infra.RetryConfig{
		MaxRetries: cfg.Engine.MaxRetries,
		BaseDelay:  cfg.BaseDelay(),
		MaxDelay:   cfg.MaxDelay(),
	}, breaker)

	gw, err := gateway.New(v, limiter, retry, cfg.RequestTimeout(), logger)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		venue:    v,
		logger:   logger.With(slog.String("venue", v.Name())),
		limiter:  limiter,
		breaker:  breaker,
		gw:       gw,
		tracker:  tracker.New(logger),
		pipeline: marketdata.New(cfg.Engine.QueueCapacity, cfg.Engine.QueueOverflowPolicy),
		book:     domain.NewBalanceBook(),
		store:    store,
		snaps:    snaps,
		inbox:    make(chan event.Event, cfg.Engine.QueueCapacity),
		fatal:    make(chan error, 8),
		nextSeq:  1,
	}
	m.coord = bracket.New(gw, m.tracker.Track, logger)
	m.balances = NewBalanceWorker(v, limiter, time.Duration(cfg.Engine.BalanceRefreshSec)*time.Second, m.inbox, logger)
	return m, nil
}

// Tracker exposes read access to order state.
func (m *Manager) Tracker() *tracker.Tracker { return m.tracker }

// Coordinator exposes read access to bracket groups.
func (m *Manager) Coordinator() *bracket.Coordinator { return m.coord }

// MarketData returns the normalized market update stream.
func (m *Manager) MarketData() <-chan domain.MarketUpdate { return m.pipeline.Updates() }

// Errors returns the channel of fatal conditions. It aggregates
// authentication failures and sessions that exhausted reconnects.
func (m *Manager) Errors() <-chan error { return m.fatal }

// Balance returns the engine's local view of an asset balance:
// the latest venue snapshot adjusted by fills applied since.
func (m *Manager) Balance(symbol string) (domain.Balance, bool) {
	m.bookMu.Lock()
	defer m.bookMu.Unlock()
	return m.book.Lookup(symbol)
}

// OnOrderTransition registers the order transition observer for the
// external layer. Must be called before Start.
func (m *Manager) OnOrderTransition(fn tracker.TransitionFunc) {
	m.external = fn
}

// OnGroupTransition registers the bracket group observer.
func (m *Manager) OnGroupTransition(fn bracket.GroupTransitionFunc) {
	m.coord.OnTransition(fn)
}

// Start recovers persisted state and launches the worker loops.
func (m *Manager) Start(ctx context.Context) error {
	if m.started {
		return fmt.Errorf("engine already started")
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)

	m.tracker.OnTransition(func(from domain.OrderStatus, order domain.Order) {
		m.coord.HandleTransition(ctx, from, order)
		if m.external != nil {
			m.external(from, order)
		}
	})
	m.tracker.OnFill(func(fill domain.Fill, order domain.Order) {
		m.settleFill(order, fill)
	})

	// Lost ticks are unrecoverable for market data (last value wins),
	// but they also mean order pushes may have been lost on the same
	// connection, so a gap triggers the order backfill.
	m.pipeline.OnGap(func(symbol string, fromSeq, toSeq uint64) {
		go func() {
			if err := m.Resync(ctx); err != nil {
				m.logger.Error("Gap-triggered resync failed",
					slog.String("symbol", symbol),
					slog.Any("error", err))
			}
		}()
	})

	if err := m.recover(ctx); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	m.wg.Add(1)
	go m.runLoop(ctx)

	if push := m.venue.Push(); push != nil {
		m.wg.Add(1)
		go m.consumePush(ctx, push)
	} else if len(m.cfg.Venue.Symbols) > 0 {
		// Poll-only venue: fall back to periodic ticker polling.
		m.poller = marketdata.NewPoller(marketdata.PollerConfig{
			Interval: time.Duration(m.cfg.Engine.PollIntervalSec) * time.Second,
			Timeout:  m.cfg.RequestTimeout(),
		}, m.venue, m.cfg.Venue.Symbols, m.limiter, m.pipeline)
		m.poller.Start(ctx)
	}

	if m.cfg.Engine.PollIntervalSec > 0 {
		m.wg.Add(1)
		go m.pollOrders(ctx, time.Duration(m.cfg.Engine.PollIntervalSec)*time.Second)
	}

	m.balances.Start(ctx)

	m.logger.Info("Engine started",
		slog.String("venue", m.venue.Name()),
		slog.Any("symbols", m.cfg.Venue.Symbols))
	return nil
}

// AttachSession hands a connection session to the manager, which wires
// its lifecycle events into the engine and starts it with the rest.
func (m *Manager) AttachSession(ctx context.Context, s *session.Session) {
	s.OnStateChange(func(from, to session.State, attempt int) {
		select {
		case m.inbox <- event.ConnStateEvent{
			SessionID: "primary",
			From:      string(from),
			To:        string(to),
			Attempt:   attempt,
		}:
		default:
			m.logger.Warn("Inbox full, dropped connection state event")
		}
	})
	s.OnFatal(func(err error) {
		m.reportFatal(err)
	})
	s.OnResync(func(ctx context.Context) {
		if err := m.Resync(ctx); err != nil {
			m.logger.Error("Post-reconnect resync failed", slog.Any("error", err))
		}
	})
	m.sessions = append(m.sessions, s)
	s.Start(ctx)
}

// Submit places an order and registers it with the tracker.
// The rejected-order result contract of the gateway is preserved.
func (m *Manager) Submit(ctx context.Context, req venue.OrderRequest) (*domain.Order, error) {
	if m.stopping.Load() {
		return nil, fmt.Errorf("engine is shutting down")
	}
	order, err := m.gw.Submit(ctx, req)
	if order != nil {
		m.tracker.Track(order)
	}
	return order, err
}

// Cancel requests cancellation of an order.
func (m *Manager) Cancel(ctx context.Context, clientOrderID string) error {
	return m.gw.Cancel(ctx, clientOrderID)
}

// OpenBracket creates a bracket group: entry plus protective legs.
func (m *Manager) OpenBracket(ctx context.Context, req bracket.Request) (domain.BracketGroup, error) {
	if m.stopping.Load() {
		return domain.BracketGroup{}, fmt.Errorf("engine is shutting down")
	}
	return m.coord.CreateGroup(ctx, req)
}

// CancelBracket cancels all non-terminal legs of a group.
func (m *Manager) CancelBracket(ctx context.Context, groupID string) error {
	return m.coord.CancelGroup(ctx, groupID)
}

// Resync reconciles state after a connection gap: it backfills order
// updates since the last journaled venue sequence and re-applies them.
// Idempotent by construction, so overlapping backfills are harmless.
func (m *Manager) Resync(ctx context.Context) error {
	var since uint64
	if m.store != nil {
		v, err := m.store.GetMetadata(ctx, storage.MetaLastBackfillSeq)
		if err != nil {
			return err
		}
		if v != "" {
			since, _ = strconv.ParseUint(v, 10, 64)
		}
	}

	updates, err := m.gw.Backfill(ctx, venue.BackfillQuery{SinceSeq: since})
	if err != nil {
		return err
	}

	var maxSeq uint64
	for _, u := range updates {
		if s := uint64(u.StatusSeq); s > maxSeq {
			maxSeq = s
		}
		select {
		case m.inbox <- u:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if m.store != nil && maxSeq > since {
		if err := m.store.UpsertMetadata(ctx, storage.MetaLastBackfillSeq,
			strconv.FormatUint(maxSeq, 10), time.Now().UnixMicro()); err != nil {
			m.logger.Warn("Failed to persist backfill watermark", slog.Any("error", err))
		}
	}

	m.logger.Info("Resync complete",
		slog.Uint64("since", since),
		slog.Int("updates", len(updates)))
	return nil
}

// Stop shuts the engine down gracefully: new order flow is refused,
// the inbox is drained until empty or the deadline passes, then
// everything is closed. Orders still non-terminal at that point are
// returned so the caller can reconcile them, never silently lost.
func (m *Manager) Stop(deadline time.Duration) []domain.Order {
	if !m.started {
		return nil
	}
	m.stopping.Store(true)

	if m.poller != nil {
		m.poller.Stop()
	}
	m.balances.Stop()
	for _, s := range m.sessions {
		s.Stop()
	}

	// Let in-flight updates land before cutting the loop.
	drained := make(chan struct{})
	quit := make(chan struct{})
	go func() {
		defer close(drained)
		for len(m.inbox) > 0 {
			select {
			case <-quit:
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}()
	select {
	case <-drained:
	case <-time.After(deadline):
		close(quit)
		m.logger.Warn("Shutdown deadline passed with inbox not drained",
			slog.Int("pending", len(m.inbox)))
	}

	m.cancel()
	m.wg.Wait()

	m.snapshot()

	remaining := m.tracker.Open()
	for _, o := range remaining {
		m.logger.Warn("Order non-terminal at shutdown, needs reconciliation",
			slog.String("order_id", o.ClientOrderID),
			slog.String("status", string(o.Status)),
			slog.String("symbol", o.Symbol))
	}
	m.logger.Info("Engine stopped", slog.Int("unsettled_orders", len(remaining)))
	return remaining
}

// runLoop is the single owner of tracker and coordinator mutation.
func (m *Manager) runLoop(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.inbox:
			m.processEvent(ctx, ev)
		}
	}
}

func (m *Manager) processEvent(ctx context.Context, ev event.Event) {
	switch e := ev.(type) {
	case event.OrderUpdateEvent:
		e.Seq = m.nextSeq
		m.nextSeq++
		e.Ts = nowTs()
		m.journal(ctx, e)

		if err := m.tracker.Apply(e); err != nil {
			// Unknown orders can show up in backfills after a crash;
			// inconsistent transitions are diagnostic, state is intact.
			m.logger.Warn("Update not applied",
				slog.String("order_id", e.OrderID),
				slog.String("source", e.Source),
				slog.Any("error", err))
		}
	case *event.MarketUpdateEvent:
		// Hot path: republish and recycle, never journaled.
		u := domain.MarketUpdate{
			Symbol:      e.Symbol,
			Seq:         e.Seq,
			TsUnixM:     int64(e.Ts),
			PriceMicros: e.PriceMicros,
			QtySats:     e.QtySats,
		}
		event.ReleaseMarketUpdateEvent(e)
		m.pipeline.Publish(ctx, u)
	case event.BalanceUpdateEvent:
		e.Seq = m.nextSeq
		m.nextSeq++
		e.Ts = nowTs()
		m.journal(ctx, e)
		m.applyBalance(e)
	case event.FatalEvent:
		e.Seq = m.nextSeq
		m.nextSeq++
		e.Ts = nowTs()
		m.journal(ctx, e)
		m.logger.Error("Fatal condition",
			slog.String("session", e.SessionID),
			slog.String("message", e.Message))
	case event.ConnStateEvent:
		m.logger.Info("Connection state",
			slog.String("session", e.SessionID),
			slog.String("from", e.From),
			slog.String("to", e.To))
	default:
		m.logger.Warn("Unknown event type", slog.Any("type", ev.GetType()))
	}
}

// settleFill adjusts the local balance book for an accepted fill: the
// base asset moves by the fill quantity, the quote asset by its
// notional. The periodic venue snapshot remains authoritative.
func (m *Manager) settleFill(order domain.Order, fill domain.Fill) {
	base, quote, ok := domain.SplitSymbol(order.Symbol)
	if !ok {
		return
	}
	notional := fill.NotionalSats()

	m.bookMu.Lock()
	defer m.bookMu.Unlock()
	if order.Side == domain.SideBuy {
		m.book.Get(base).Credit(int64(fill.QtySats), fill.TsUnixM)
		m.book.Get(quote).Debit(notional, fill.TsUnixM)
	} else {
		m.book.Get(base).Debit(int64(fill.QtySats), fill.TsUnixM)
		m.book.Get(quote).Credit(notional, fill.TsUnixM)
	}
}

// applyBalance overwrites an asset from an authoritative venue snapshot.
func (m *Manager) applyBalance(e event.BalanceUpdateEvent) {
	if e.AmountSats < 0 || e.ReservedSats < 0 || e.ReservedSats > e.AmountSats {
		m.logger.Warn("Inconsistent venue balance ignored",
			slog.String("symbol", e.Symbol),
			slog.Int64("amount", e.AmountSats),
			slog.Int64("reserved", e.ReservedSats))
		return
	}
	m.bookMu.Lock()
	defer m.bookMu.Unlock()
	m.book.Get(e.Symbol).Set(e.AmountSats, e.ReservedSats, int64(e.Ts))
}

func (m *Manager) journal(ctx context.Context, ev event.Event) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveEvent(ctx, ev); err != nil {
		m.logger.Error("Journal write failed", slog.Any("error", err))
	}
}

// consumePush is the dedicated sequential reader for the venue's push
// stream. Everything funnels through the inbox; tickers ride pooled
// events and reach the pipeline from the event loop.
func (m *Manager) consumePush(ctx context.Context, push <-chan venue.PushEvent) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-push:
			if !ok {
				return
			}
			switch {
			case ev.Ticker != nil:
				u := marketdata.NormalizeTicker(*ev.Ticker)
				mu := event.AcquireMarketUpdateEvent()
				mu.Seq = u.Seq
				mu.Ts = quant.TimeStamp(u.TsUnixM)
				mu.Symbol = u.Symbol
				mu.PriceMicros = u.PriceMicros
				mu.QtySats = u.QtySats
				mu.Venue = m.venue.Name()
				select {
				case m.inbox <- mu:
				case <-ctx.Done():
					event.ReleaseMarketUpdateEvent(mu)
					return
				}
			case ev.Order != nil:
				updates, err := m.gw.NormalizeState(*ev.Order, event.SourcePush)
				if err != nil {
					m.logger.Warn("Unnormalizable push state",
						slog.String("order_id", ev.Order.ClientOrderID),
						slog.Any("error", err))
					continue
				}
				for _, u := range updates {
					select {
					case m.inbox <- u:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}
}

// pollOrders periodically queries all open orders, feeding the results
// through the same reconciliation path as push updates.
func (m *Manager) pollOrders(ctx context.Context, interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, order := range m.tracker.Open() {
				updates, err := m.gw.Query(ctx, order.ClientOrderID)
				if err != nil {
					m.logger.Warn("Order poll failed",
						slog.String("order_id", order.ClientOrderID),
						slog.Any("error", err))
					continue
				}
				for _, u := range updates {
					select {
					case m.inbox <- u:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}
}

// recover restores tracked state from the latest snapshot plus the
// journal tail, then reconciles against the venue with a backfill.
func (m *Manager) recover(ctx context.Context) error {
	if m.snaps == nil {
		return nil
	}

	snap, err := m.snaps.LoadLatest()
	if err != nil {
		return err
	}
	var fromSeq uint64 = 1
	if snap != nil {
		for _, order := range snap.Orders {
			m.tracker.Restore(order, snap.Fills[order.ClientOrderID])
		}
		for _, group := range snap.Groups {
			m.coord.Restore(group)
		}
		fromSeq = snap.Seq + 1
		m.nextSeq = snap.Seq + 1
	}

	if m.store == nil {
		return nil
	}
	events, err := m.store.LoadOrderEvents(ctx, fromSeq)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := m.tracker.Apply(ev); err != nil {
			m.logger.Warn("Replay event not applied",
				slog.String("order_id", ev.OrderID),
				slog.Any("error", err))
		}
		if ev.GetSeq() >= m.nextSeq {
			m.nextSeq = ev.GetSeq() + 1
		}
	}
	if len(events) > 0 {
		m.logger.Info("State recovered from journal",
			slog.Int("events", len(events)),
			slog.Uint64("next_seq", m.nextSeq))
	}
	return nil
}

// snapshot persists current state for fast recovery.
func (m *Manager) snapshot() {
	if m.snaps == nil {
		return
	}
	orders := m.tracker.Snapshot()
	fills := make(map[string][]domain.Fill, len(orders))
	for _, o := range orders {
		fills[o.ClientOrderID] = m.tracker.Fills(o.ClientOrderID)
	}
	snap := storage.CreateSnapshot(m.nextSeq-1, orders, fills, m.coord.Groups())
	if err := m.snaps.Save(snap); err != nil {
		m.logger.Error("Snapshot failed", slog.Any("error", err))
	}
	if err := m.snaps.Cleanup(5); err != nil {
		m.logger.Warn("Snapshot cleanup failed", slog.Any("error", err))
	}
}

func (m *Manager) reportFatal(err error) {
	// Journal the condition alongside the order stream so a postmortem
	// can line it up against the last applied updates.
	select {
	case m.inbox <- event.FatalEvent{Message: err.Error(), Err: err}:
	default:
	}
	select {
	case m.fatal <- err:
	default:
		m.logger.Error("Fatal channel full, dropping error", slog.Any("error", err))
	}
}
