package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"venuelink/internal/event"
	"venuelink/internal/infra"
	"venuelink/internal/venue"
)

// BalanceWorker periodically refreshes venue balances through the
// shared rate limiter and publishes authoritative snapshots as
// BalanceUpdateEvents on the engine inbox.
type BalanceWorker struct {
	venue    venue.Venue
	limiter  *infra.RateLimiter
	interval time.Duration
	inbox    chan<- event.Event
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBalanceWorker(v venue.Venue, limiter *infra.RateLimiter, interval time.Duration, inbox chan<- event.Event, logger *slog.Logger) *BalanceWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BalanceWorker{
		venue:    v,
		limiter:  limiter,
		interval: interval,
		inbox:    inbox,
		logger:   logger,
	}
}

// Start launches the refresh loop.
func (w *BalanceWorker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop terminates the worker and waits for the loop to exit.
func (w *BalanceWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *BalanceWorker) run(ctx context.Context) {
	defer w.wg.Done()

	w.refresh(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.refresh(ctx)
		}
	}
}

func (w *BalanceWorker) refresh(ctx context.Context) {
	if err := w.limiter.Wait(ctx); err != nil {
		return
	}

	balances, err := w.venue.Balances(ctx)
	if err != nil {
		w.logger.Warn("Balance refresh failed", slog.Any("error", err))
		return
	}

	for _, b := range balances {
		ev := event.BalanceUpdateEvent{
			BaseEvent:    event.BaseEvent{Ts: nowTs()},
			Symbol:       b.Symbol,
			AmountSats:   int64(venue.ParseSats(b.Amount)),
			ReservedSats: int64(venue.ParseSats(b.Reserved)),
		}
		select {
		case w.inbox <- ev:
		case <-ctx.Done():
			return
		}
	}
}
