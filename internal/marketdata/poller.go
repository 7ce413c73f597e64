package marketdata

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"venuelink/internal/domain"
	"venuelink/internal/infra"
	"venuelink/internal/venue"
)

// PollerConfig holds REST fallback polling configuration.
type PollerConfig struct {
	Interval time.Duration // per-cycle interval across all symbols
	Timeout  time.Duration // per-request timeout
}

// DefaultPollerConfig returns sensible defaults.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval: 5 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// Poller periodically fetches tickers over REST when streaming is
// unavailable, publishing them into the pipeline. Every request is
// throttled by the shared venue rate limiter.
type Poller struct {
	cfg      PollerConfig
	v        venue.Venue
	symbols  []string
	limiter  *infra.RateLimiter
	pipeline *Pipeline

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a poller for the given symbols.
func NewPoller(cfg PollerConfig, v venue.Venue, symbols []string, limiter *infra.RateLimiter, pipeline *Pipeline) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollerConfig().Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultPollerConfig().Timeout
	}
	return &Poller{
		cfg:      cfg,
		v:        v,
		symbols:  symbols,
		limiter:  limiter,
		pipeline: pipeline,
	}
}

// Start begins the polling loop.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.run(ctx)
}

// Stop terminates the poller and waits for the loop to exit.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// First cycle immediately; the engine should not wait a full
	// interval for its first price.
	p.pollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	for _, symbol := range p.symbols {
		if err := p.limiter.Wait(ctx); err != nil {
			return // ctx cancelled
		}

		reqCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		tick, err := p.v.Ticker(reqCtx, symbol)
		cancel()
		if err != nil {
			slog.Warn("Ticker poll failed",
				slog.String("symbol", symbol),
				slog.Any("error", err))
			continue
		}

		p.pipeline.Publish(ctx, NormalizeTicker(tick))
	}
}

// NormalizeTicker converts a venue-native ticker into the canonical
// MarketUpdate. Decimal strings are parsed exactly, never through float.
func NormalizeTicker(t venue.WireTicker) domain.MarketUpdate {
	return domain.MarketUpdate{
		Symbol:      t.Symbol,
		Seq:         t.Seq,
		TsUnixM:     t.TsUnixM,
		PriceMicros: venue.ParseMicros(t.Price),
		QtySats:     venue.ParseSats(t.Qty),
	}
}
