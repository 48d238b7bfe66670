package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/greenharvest/marketplace/internal/fault"
)

// MemoryStore mirrors the postgres store's conditional-update semantics
// behind a mutex, so concurrency tests exercise the same guarantees.
type MemoryStore struct {
	mu sync.Mutex
	m  map[string]Product
}

func NewMemoryStore(products ...Product) *MemoryStore {
	s := &MemoryStore{m: make(map[string]Product)}
	for _, p := range products {
		s.put(p)
	}
	return s
}

func (s *MemoryStore) put(p Product) {
	if p.LowStockThreshold == 0 {
		p.LowStockThreshold = DefaultLowStockThreshold
	}
	if p.Status == "" {
		p.Status = StatusPublished
	}
	s.m[p.ID] = p
}

func (s *MemoryStore) Add(p Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(p)
}

func (s *MemoryStore) Get(_ context.Context, id string) (Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.m[id]
	if !ok {
		return Product{}, fault.Newf(fault.NotFound, "product not found: %s", id)
	}
	return p, nil
}

func (s *MemoryStore) GetBatch(_ context.Context, ids []string) (map[string]Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Product, len(ids))
	for _, id := range ids {
		if p, ok := s.m[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Product
	for _, p := range s.m {
		if p.Published() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) DecrementStock(_ context.Context, id string, qty int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.m[id]
	if !ok {
		return 0, fault.Newf(fault.NotFound, "product not found: %s", id)
	}
	if p.Stock < qty {
		return 0, fault.Newf(fault.Conflict, "insufficient stock for product %s", id)
	}
	p.Stock -= qty
	p.UpdatedAt = time.Now()
	s.m[id] = p
	return p.Stock, nil
}

func (s *MemoryStore) IncrementStock(_ context.Context, id string, qty int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.m[id]
	if !ok {
		return fault.Newf(fault.NotFound, "product not found: %s", id)
	}
	p.Stock += qty
	p.UpdatedAt = time.Now()
	s.m[id] = p
	return nil
}

var _ Store = (*MemoryStore)(nil)
