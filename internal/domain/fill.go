package domain

import (
	"strings"

	"venuelink/pkg/quant"
	"venuelink/pkg/safe"
)

// Fill is a single trade execution record.
// TradeID is venue-unique and is the dedup key: applying the same
// TradeID twice must be a no-op.
type Fill struct {
	OrderID     string            `json:"order_id"` // client order id
	TradeID     string            `json:"trade_id"`
	PriceMicros quant.PriceMicros `json:"price"`
	QtySats     quant.QtySats     `json:"qty"`
	TsUnixM     int64             `json:"ts"`
}

// NotionalSats returns the quote-asset value of the fill at QtyScale.
// price(1e6) * qty(1e8) / PriceScale keeps the result in 1e8 units.
func (f *Fill) NotionalSats() int64 {
	return safe.SafeDiv(safe.SafeMul(int64(f.PriceMicros), int64(f.QtySats)), quant.PriceScale)
}

// SplitSymbol splits a BASE-QUOTE pair like "BTC-USD".
// Symbols without a separator report ok=false.
func SplitSymbol(symbol string) (base, quote string, ok bool) {
	base, quote, ok = strings.Cut(symbol, "-")
	if !ok || base == "" || quote == "" {
		return "", "", false
	}
	return base, quote, true
}

// MarketUpdate is a normalized market data tick.
// Seq is monotonic per symbol; consumers discard anything not newer
// than the last accepted sequence for that symbol.
type MarketUpdate struct {
	Symbol      string            `json:"symbol"`
	Seq         uint64            `json:"seq"`
	TsUnixM     int64             `json:"ts"`
	PriceMicros quant.PriceMicros `json:"price"`
	QtySats     quant.QtySats     `json:"qty"`
}
