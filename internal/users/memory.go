package users

import (
	"context"
	"sync"

	"github.com/greenharvest/marketplace/internal/fault"
)

type MemoryDirectory struct {
	mu sync.RWMutex
	m  map[string]User
}

func NewMemoryDirectory(users ...User) *MemoryDirectory {
	d := &MemoryDirectory{m: make(map[string]User)}
	for _, u := range users {
		d.m[u.ID] = u
	}
	return d
}

func (d *MemoryDirectory) Add(u User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.m[u.ID] = u
}

func (d *MemoryDirectory) Get(_ context.Context, id string) (User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.m[id]
	if !ok {
		return User{}, fault.Newf(fault.NotFound, "user not found: %s", id)
	}
	return u, nil
}

func (d *MemoryDirectory) Admins(_ context.Context) ([]User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []User
	for _, u := range d.m {
		if u.Role == RoleAdmin {
			out = append(out, u)
		}
	}
	return out, nil
}

type MemoryPartners struct {
	mu       sync.RWMutex
	partners []DeliveryPartner
}

func NewMemoryPartners(partners ...DeliveryPartner) *MemoryPartners {
	return &MemoryPartners{partners: partners}
}

func (p *MemoryPartners) FirstActive(_ context.Context) (DeliveryPartner, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, dp := range p.partners {
		if dp.Active {
			return dp, true, nil
		}
	}
	return DeliveryPartner{}, false, nil
}

var (
	_ Directory    = (*MemoryDirectory)(nil)
	_ PartnerStore = (*MemoryPartners)(nil)
)
