// Package marketdata normalizes venue market updates into a bounded,
// per-symbol ordered stream consumed by the engine and external layers.
package marketdata

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"venuelink/internal/domain"
	"venuelink/internal/infra"
)

// GapFunc observes a forward gap in a symbol's sequence numbers.
// fromSeq..toSeq is the missing range. Called from the producer
// goroutine; implementations must not block.
type GapFunc func(symbol string, fromSeq, toSeq uint64)

// Pipeline is a bounded queue of normalized MarketUpdates.
// A single sequential producer per venue connection preserves
// per-symbol ordering; stale updates are dropped before enqueueing.
type Pipeline struct {
	policy string
	out    chan domain.MarketUpdate

	mu      sync.Mutex
	lastSeq map[string]uint64
	onGap   GapFunc

	dropped uint64 // atomic
	stale   uint64 // atomic
	gaps    uint64 // atomic
}

// New creates a pipeline with the given capacity and overflow policy
// (infra.OverflowBlock or infra.OverflowDropOldest).
func New(capacity int, policy string) *Pipeline {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Pipeline{
		policy:  policy,
		out:     make(chan domain.MarketUpdate, capacity),
		lastSeq: make(map[string]uint64),
	}
}

// Updates returns the consumer side of the queue.
func (p *Pipeline) Updates() <-chan domain.MarketUpdate {
	return p.out
}

// OnGap registers the gap observer. Must be set before producers start.
func (p *Pipeline) OnGap(fn GapFunc) {
	p.mu.Lock()
	p.onGap = fn
	p.mu.Unlock()
}

// Publish enqueues an update. Returns false if the update was discarded
// (stale sequence, overflow under the dropOldest policy, or ctx
// cancelled while blocked under the block policy).
// Must be called from a single producer goroutine per symbol.
func (p *Pipeline) Publish(ctx context.Context, u domain.MarketUpdate) bool {
	p.mu.Lock()
	last, seen := p.lastSeq[u.Symbol]
	if seen && u.Seq <= last {
		p.mu.Unlock()
		atomic.AddUint64(&p.stale, 1)
		return false
	}
	p.lastSeq[u.Symbol] = u.Seq
	onGap := p.onGap
	p.mu.Unlock()

	// A forward jump means updates were lost in flight. The update
	// itself is still delivered; the observer decides how to recover.
	if seen && u.Seq > last+1 {
		atomic.AddUint64(&p.gaps, 1)
		slog.Warn("Market data sequence gap",
			slog.String("symbol", u.Symbol),
			slog.Uint64("from", last+1),
			slog.Uint64("to", u.Seq-1))
		if onGap != nil {
			onGap(u.Symbol, last+1, u.Seq-1)
		}
	}

	if p.policy == infra.OverflowBlock {
		select {
		case p.out <- u:
			return true
		case <-ctx.Done():
			atomic.AddUint64(&p.dropped, 1)
			return false
		}
	}

	// dropOldest: make room by discarding the head, then retry once.
	select {
	case p.out <- u:
		return true
	default:
	}

	select {
	case old := <-p.out:
		atomic.AddUint64(&p.dropped, 1)
		slog.Warn("Market update dropped (queue full)",
			slog.String("symbol", old.Symbol),
			slog.Uint64("seq", old.Seq))
	default:
	}

	select {
	case p.out <- u:
		return true
	default:
		atomic.AddUint64(&p.dropped, 1)
		return false
	}
}

// LastSeq returns the last accepted sequence for symbol.
func (p *Pipeline) LastSeq(symbol string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeq[symbol]
}

// Dropped returns the count of data-loss events under dropOldest.
func (p *Pipeline) Dropped() uint64 {
	return atomic.LoadUint64(&p.dropped)
}

// StaleRejected returns the count of discarded stale updates.
func (p *Pipeline) StaleRejected() uint64 {
	return atomic.LoadUint64(&p.stale)
}

// GapsDetected returns the count of forward sequence gaps observed.
func (p *Pipeline) GapsDetected() uint64 {
	return atomic.LoadUint64(&p.gaps)
}
