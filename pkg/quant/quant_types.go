// Package quant defines the fixed-point numeric types the engine
// carries internally. Money never travels as float64 past the venue
// boundary; wire strings are converted exactly in internal/venue.
package quant

import (
	"fmt"
	"math"
)

// PriceMicros is a price scaled by 1,000,000 (10^6).
// E.g. 1.23 USD = 1,230,000 PriceMicros.
type PriceMicros int64

// QtySats is a quantity scaled by 100,000,000 (10^8).
// E.g. 1.0 BTC = 100,000,000 QtySats.
type QtySats int64

// TimeStamp is Unix microseconds.
type TimeStamp int64

const (
	PriceScale = 1000000
	QtyScale   = 100000000
)

// ToPriceMicros converts a float64 to PriceMicros. Only for test
// fixtures and operator input; wire values go through internal/venue.
func ToPriceMicros(f float64) PriceMicros {
	return PriceMicros(math.Round(f * PriceScale))
}

// ToQtySats converts a float64 to QtySats. Same caveat as ToPriceMicros.
func ToQtySats(f float64) QtySats {
	return QtySats(math.Round(f * QtyScale))
}

func (p PriceMicros) String() string {
	return fmt.Sprintf("%.6f", float64(p)/PriceScale)
}

func (q QtySats) String() string {
	return fmt.Sprintf("%.8f", float64(q)/QtyScale)
}
