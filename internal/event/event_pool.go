package event

import (
	"sync"
)

// marketUpdatePool recycles MarketUpdateEvent allocations on the hotpath.
// Market ticks dominate event volume; order/balance events are rare enough
// to allocate normally.
var marketUpdatePool = sync.Pool{
	New: func() any {
		return &MarketUpdateEvent{}
	},
}

// AcquireMarketUpdateEvent returns a zeroed event from the pool.
func AcquireMarketUpdateEvent() *MarketUpdateEvent {
	return marketUpdatePool.Get().(*MarketUpdateEvent)
}

// ReleaseMarketUpdateEvent resets and returns the event to the pool.
// The caller must not touch the event afterwards.
func ReleaseMarketUpdateEvent(ev *MarketUpdateEvent) {
	*ev = MarketUpdateEvent{}
	marketUpdatePool.Put(ev)
}

// Warmup pre-populates the pool to avoid allocation spikes at startup.
func Warmup() {
	const warmupSize = 256
	events := make([]*MarketUpdateEvent, warmupSize)
	for i := range events {
		events[i] = AcquireMarketUpdateEvent()
	}
	for _, ev := range events {
		ReleaseMarketUpdateEvent(ev)
	}
}
