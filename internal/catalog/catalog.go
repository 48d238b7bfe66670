// Package catalog is the read/stock side of the product collaborator. The
// order pipeline reads prices and display stock from it and mutates stock
// only through the atomic conditional decrement and the restock increment.
package catalog

import (
	"context"
	"time"
)

const (
	StatusPublished = "published"
	StatusHidden    = "hidden"

	DefaultLowStockThreshold = 10
)

type Product struct {
	ID                string    `json:"id"`
	FarmerID          string    `json:"farmer_id"`
	Name              string    `json:"name"`
	Unit              string    `json:"unit"`
	PriceCents        int       `json:"price_cents"`
	Stock             int       `json:"stock"`
	LowStockThreshold int       `json:"low_stock_threshold"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (p Product) Published() bool { return p.Status == StatusPublished }

type Store interface {
	Get(ctx context.Context, id string) (Product, error)
	GetBatch(ctx context.Context, ids []string) (map[string]Product, error)
	List(ctx context.Context) ([]Product, error)

	// DecrementStock commits only when stock >= qty and returns the
	// remaining stock. Insufficient stock is a fault.Conflict with no side
	// effects.
	DecrementStock(ctx context.Context, id string, qty int) (int, error)

	// IncrementStock adds qty back, used by cancellation and reservation
	// rollback.
	IncrementStock(ctx context.Context, id string, qty int) error
}
