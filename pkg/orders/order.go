package orders

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusPlaced    Status = "placed"
	StatusCancelled Status = "cancelled"
)

const maxItems = 100

var (
	ErrNotFound         = errors.New("orders: not found")
	ErrInvalidOrder     = errors.New("orders: invalid order")
	ErrAlreadyCancelled = errors.New("orders: already cancelled")
)

type Item struct {
	SKU            string `json:"sku"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unitPriceCents"`
}

type Order struct {
	ID          string     `json:"id"`
	Actor       string     `json:"actor,omitempty"`
	Items       []Item     `json:"items"`
	TotalCents  int64      `json:"totalCents"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`
}

// ValidateItems rejects empty orders, blank SKUs, non-positive quantities and
// negative prices.
func ValidateItems(items []Item) error {
	if len(items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrInvalidOrder)
	}
	if len(items) > maxItems {
		return fmt.Errorf("%w: at most %d items allowed", ErrInvalidOrder, maxItems)
	}
	for i, it := range items {
		if strings.TrimSpace(it.SKU) == "" {
			return fmt.Errorf("%w: item %d has no sku", ErrInvalidOrder, i)
		}
		if it.Quantity <= 0 {
			return fmt.Errorf("%w: item %d quantity must be positive", ErrInvalidOrder, i)
		}
		if it.UnitPriceCents < 0 {
			return fmt.Errorf("%w: item %d price must not be negative", ErrInvalidOrder, i)
		}
	}
	return nil
}

func totalCents(items []Item) int64 {
	var total int64
	for _, it := range items {
		total += int64(it.Quantity) * it.UnitPriceCents
	}
	return total
}

// visibleTo hides other actors' orders. Anonymous orders are visible to
// anonymous callers only.
func (o Order) visibleTo(actor string) bool {
	return o.Actor == actor
}
