package domain

import (
	"venuelink/pkg/quant"
)

// GroupState is the lifecycle state of a bracket order group.
type GroupState string

const (
	GroupPendingEntry     GroupState = "PENDING_ENTRY"
	GroupActiveProtection GroupState = "ACTIVE_PROTECTION"
	GroupStopped          GroupState = "STOPPED"  // stop leg filled
	GroupTargeted         GroupState = "TARGETED" // target leg filled
	GroupCancelled        GroupState = "CANCELLED"
)

// Terminal reports whether the group admits no further transitions.
func (s GroupState) Terminal() bool {
	switch s {
	case GroupStopped, GroupTargeted, GroupCancelled:
		return true
	}
	return false
}

// BracketGroup is an entry order plus protective stop and target legs.
// Once one protective leg fills, the other is cancelled; the group never
// ends with both protective legs filled.
type BracketGroup struct {
	GroupID           string            `json:"group_id"`
	Symbol            string            `json:"symbol"`
	EntryOrderID      string            `json:"entry_order_id"`
	StopOrderID       string            `json:"stop_order_id,omitempty"`
	TargetOrderID     string            `json:"target_order_id,omitempty"`
	State             GroupState        `json:"state"`
	StopPriceMicros   quant.PriceMicros `json:"stop_price"`
	TargetPriceMicros quant.PriceMicros `json:"target_price"`
	QtySats           quant.QtySats     `json:"qty"`
	CreatedUnixM      int64             `json:"created_unix"`
	UpdatedUnixM      int64             `json:"updated_unix"`
}

// ProtectiveLegs returns the ids of protective legs that have been placed.
func (g *BracketGroup) ProtectiveLegs() []string {
	legs := make([]string, 0, 2)
	if g.StopOrderID != "" {
		legs = append(legs, g.StopOrderID)
	}
	if g.TargetOrderID != "" {
		legs = append(legs, g.TargetOrderID)
	}
	return legs
}

// Sibling returns the other protective leg for the given leg id.
func (g *BracketGroup) Sibling(orderID string) string {
	switch orderID {
	case g.StopOrderID:
		return g.TargetOrderID
	case g.TargetOrderID:
		return g.StopOrderID
	}
	return ""
}
