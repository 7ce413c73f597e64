package venue

import (
	"github.com/shopspring/decimal"

	"venuelink/pkg/quant"
)

// Wire-format numeric conversions. Venues carry decimal strings; the
// engine carries int64 fixed point. Parsing goes through decimal, never
// float, so no precision is lost at the boundary.

// FormatMicros renders a price for the wire. Zero renders empty,
// matching the "field absent" convention for market orders.
func FormatMicros(p quant.PriceMicros) string {
	if p == 0 {
		return ""
	}
	return decimal.New(int64(p), -6).String()
}

// FormatSats renders a quantity for the wire.
func FormatSats(q quant.QtySats) string {
	return decimal.New(int64(q), -8).String()
}

// ParseMicros parses a wire price into micros. Empty or malformed
// strings parse to zero.
func ParseMicros(s string) quant.PriceMicros {
	return quant.PriceMicros(parseShift(s, 6))
}

// ParseSats parses a wire quantity into sats.
func ParseSats(s string) quant.QtySats {
	return quant.QtySats(parseShift(s, 8))
}

func parseShift(s string, exp int32) int64 {
	if s == "" {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	return d.Shift(exp).IntPart()
}
