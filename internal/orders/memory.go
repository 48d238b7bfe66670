package orders

import (
	"context"
	"sort"
	"sync"

	"github.com/greenharvest/marketplace/internal/fault"
)

// MemoryRepo keeps orders in a mutex-guarded map with deep copies on every
// boundary, matching the isolation callers get from the postgres repo.
type MemoryRepo struct {
	mu sync.Mutex
	m  map[string]*Order
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{m: make(map[string]*Order)}
}

func cloneOrder(o *Order) *Order {
	c := *o
	c.Items = append([]OrderItem(nil), o.Items...)
	c.Timeline = append([]TimelineEntry(nil), o.Timeline...)
	if o.Delivery != nil {
		d := *o.Delivery
		c.Delivery = &d
	}
	return &c
}

func (r *MemoryRepo) Create(_ context.Context, o *Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[o.ID]; ok {
		return fault.Newf(fault.Conflict, "order already exists: %s", o.ID)
	}
	r.m[o.ID] = cloneOrder(o)
	return nil
}

func (r *MemoryRepo) Get(_ context.Context, id string) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.m[id]
	if !ok {
		return nil, fault.Newf(fault.NotFound, "order not found: %s", id)
	}
	return cloneOrder(o), nil
}

func (r *MemoryRepo) Update(_ context.Context, o *Order, entry TimelineEntry, from Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.m[o.ID]
	if !ok {
		return fault.Newf(fault.NotFound, "order not found: %s", o.ID)
	}
	if cur.Status != from {
		return fault.Newf(fault.Conflict, "order %s already moved to %s", o.ID, cur.Status)
	}
	// The caller already appended entry to o.Timeline; storing the clone is
	// the single atomic step, like the postgres transaction.
	_ = entry
	r.m[o.ID] = cloneOrder(o)
	return nil
}

func (r *MemoryRepo) ListByCustomer(_ context.Context, customerID string) ([]*Order, error) {
	return r.list(func(o *Order) bool { return o.CustomerID == customerID })
}

func (r *MemoryRepo) ListByFarmer(_ context.Context, farmerID string) ([]*Order, error) {
	return r.list(func(o *Order) bool { return o.OwnedByFarmer(farmerID) })
}

func (r *MemoryRepo) list(match func(*Order) bool) ([]*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Order
	for _, o := range r.m {
		if match(o) {
			out = append(out, cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

var _ Repo = (*MemoryRepo)(nil)
