package domain

import (
	"venuelink/pkg/safe"
)

// Balance tracks holdings of a single asset.
// ReservedSats is the portion locked by open orders.
type Balance struct {
	Symbol       string `json:"symbol"`
	AmountSats   int64  `json:"amount"`
	ReservedSats int64  `json:"reserved"`
	UpdatedUnixM int64  `json:"updated_unix"`
}

// AvailableSats returns the spendable amount.
func (b *Balance) AvailableSats() int64 {
	return b.AmountSats - b.ReservedSats
}

// Credit adds funds.
func (b *Balance) Credit(amountSats int64, tsUnixM int64) {
	b.AmountSats = safe.SafeAdd(b.AmountSats, amountSats)
	b.UpdatedUnixM = tsUnixM
}

// Debit removes funds.
func (b *Balance) Debit(amountSats int64, tsUnixM int64) {
	b.AmountSats = safe.SafeSub(b.AmountSats, amountSats)
	b.UpdatedUnixM = tsUnixM
}

// Set overwrites the balance from an authoritative venue snapshot.
func (b *Balance) Set(amountSats, reservedSats, tsUnixM int64) {
	b.AmountSats = amountSats
	b.ReservedSats = reservedSats
	b.UpdatedUnixM = tsUnixM
}

// VerifyInvariant panics if the balance is in an impossible state.
func (b *Balance) VerifyInvariant() {
	if b.AmountSats < 0 {
		panic("BALANCE_NEGATIVE_AMOUNT: " + b.Symbol)
	}
	if b.ReservedSats < 0 || b.ReservedSats > b.AmountSats {
		panic("BALANCE_RESERVED_EXCEEDS_AMOUNT: " + b.Symbol)
	}
}

// BalanceBook is a per-asset balance map.
// Owned by a single goroutine; not internally synchronized.
type BalanceBook struct {
	balances map[string]*Balance
}

// NewBalanceBook creates an empty balance book.
func NewBalanceBook() *BalanceBook {
	return &BalanceBook{balances: make(map[string]*Balance)}
}

// Lookup returns a copy of the balance for symbol, if present.
func (bb *BalanceBook) Lookup(symbol string) (Balance, bool) {
	b, ok := bb.balances[symbol]
	if !ok {
		return Balance{}, false
	}
	return *b, true
}

// Get returns the balance for symbol, creating a zero entry if absent.
func (bb *BalanceBook) Get(symbol string) *Balance {
	b, ok := bb.balances[symbol]
	if !ok {
		b = &Balance{Symbol: symbol}
		bb.balances[symbol] = b
	}
	return b
}

// Snapshot returns a copy of all balances.
func (bb *BalanceBook) Snapshot() []Balance {
	out := make([]Balance, 0, len(bb.balances))
	for _, b := range bb.balances {
		out = append(out, *b)
	}
	return out
}
