package venue

import (
	"fmt"

	"venuelink/internal/domain"
)

// Vocabulary maps between the engine's canonical order vocabulary and a
// venue's native one. It is an explicit table supplied by each adapter
// and validated once at startup, never resolved dynamically at call time.
type Vocabulary struct {
	Sides    map[domain.Side]string        // canonical -> venue
	Types    map[domain.OrderType]string   // canonical -> venue
	Statuses map[string]domain.OrderStatus // venue -> canonical
}

var canonicalSides = []domain.Side{domain.SideBuy, domain.SideSell}

var canonicalTypes = []domain.OrderType{
	domain.TypeMarket, domain.TypeLimit, domain.TypeStop, domain.TypeStopLimit,
}

var canonicalStatuses = map[domain.OrderStatus]bool{
	domain.StatusPending:         true,
	domain.StatusSubmitted:       true,
	domain.StatusOpen:            true,
	domain.StatusPartiallyFilled: true,
	domain.StatusFilled:          true,
	domain.StatusCancelled:       true,
	domain.StatusRejected:        true,
	domain.StatusExpired:         true,
}

// Validate checks the table is complete: every canonical side and type
// must map to a venue term, and every venue status must map into the
// canonical status set.
func (v Vocabulary) Validate() error {
	for _, s := range canonicalSides {
		if v.Sides[s] == "" {
			return fmt.Errorf("vocabulary missing side mapping for %s", s)
		}
	}
	for _, ot := range canonicalTypes {
		if v.Types[ot] == "" {
			return fmt.Errorf("vocabulary missing type mapping for %s", ot)
		}
	}
	if len(v.Statuses) == 0 {
		return fmt.Errorf("vocabulary has no status mappings")
	}
	for native, canonical := range v.Statuses {
		if !canonicalStatuses[canonical] {
			return fmt.Errorf("vocabulary maps %q to unknown status %q", native, canonical)
		}
	}
	return nil
}

// Side translates a canonical side to the venue term.
func (v Vocabulary) Side(s domain.Side) (string, error) {
	native, ok := v.Sides[s]
	if !ok {
		return "", fmt.Errorf("unmapped side: %s", s)
	}
	return native, nil
}

// Type translates a canonical order type to the venue term.
func (v Vocabulary) Type(t domain.OrderType) (string, error) {
	native, ok := v.Types[t]
	if !ok {
		return "", fmt.Errorf("unmapped order type: %s", t)
	}
	return native, nil
}

// Status translates a venue status to the canonical one.
func (v Vocabulary) Status(native string) (domain.OrderStatus, error) {
	canonical, ok := v.Statuses[native]
	if !ok {
		return "", fmt.Errorf("unmapped venue status: %q", native)
	}
	return canonical, nil
}
