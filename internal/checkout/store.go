// Package checkout manages short-lived purchase intents. Sessions live in
// the ephemeral cache under a TTL and are single-use: Consume wins for at
// most one caller per session id.
package checkout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/greenharvest/marketplace/internal/cache"
	"github.com/greenharvest/marketplace/internal/catalog"
	"github.com/greenharvest/marketplace/internal/fault"
	"github.com/greenharvest/marketplace/internal/redisx"
)

type SessionItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type Session struct {
	ID         string        `json:"id"`
	CustomerID string        `json:"customer_id"`
	Items      []SessionItem `json:"items"`
	TotalCents int           `json:"total_cents"`
	CreatedAt  time.Time     `json:"created_at"`
	ExpiresAt  time.Time     `json:"expires_at"`
}

type Store struct {
	Cache    cache.Cache
	Products catalog.Store
	TTL      time.Duration
	Now      func() time.Time
}

func NewStore(c cache.Cache, products catalog.Store) *Store {
	return &Store{Cache: c, Products: products, TTL: redisx.TTLCheckout, Now: time.Now}
}

func sessionKey(id string) string { return fmt.Sprintf(redisx.KeyCheckout, id) }

// Create validates the cart against the displayed catalog and prices it.
// The stock check here is a soft gate; the authoritative check happens at
// finalize via the conditional decrement.
func (s *Store) Create(ctx context.Context, customerID string, items []SessionItem) (Session, error) {
	if customerID == "" {
		return Session{}, fault.New(fault.Validation, "customer id required")
	}
	if len(items) == 0 {
		return Session{}, fault.New(fault.Validation, "cart is empty")
	}

	total := 0
	for _, it := range items {
		if it.Quantity <= 0 {
			return Session{}, fault.Newf(fault.Validation, "invalid quantity for product %s", it.ProductID)
		}
		p, err := s.Products.Get(ctx, it.ProductID)
		if err != nil {
			return Session{}, err
		}
		if !p.Published() {
			return Session{}, fault.Newf(fault.NotFound, "product not found: %s", it.ProductID)
		}
		if p.Stock < it.Quantity {
			return Session{}, fault.Newf(fault.Validation, "insufficient stock for %s", p.Name)
		}
		total += p.PriceCents * it.Quantity
	}

	now := s.Now()
	sess := Session{
		ID:         uuid.NewString(),
		CustomerID: customerID,
		Items:      items,
		TotalCents: total,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.TTL),
	}
	b, err := json.Marshal(sess)
	if err != nil {
		return Session{}, err
	}
	if err := s.Cache.Set(ctx, sessionKey(sess.ID), string(b), s.TTL); err != nil {
		return Session{}, err
	}
	return sess, nil
}

func (s *Store) Get(ctx context.Context, id string) (Session, error) {
	v, ok, err := s.Cache.Get(ctx, sessionKey(id))
	if err != nil {
		return Session{}, err
	}
	if !ok {
		return Session{}, fault.New(fault.Expired, "checkout expired")
	}
	return decode(v)
}

// Consume atomically retrieves and deletes the session. Concurrent finalize
// calls on one id see exactly one success.
func (s *Store) Consume(ctx context.Context, id string) (Session, error) {
	v, ok, err := s.Cache.GetDel(ctx, sessionKey(id))
	if err != nil {
		return Session{}, err
	}
	if !ok {
		return Session{}, fault.New(fault.Expired, "checkout expired")
	}
	return decode(v)
}

// Restore puts a consumed session back under its remaining TTL. Finalize
// uses it when reservation hits a transient conflict, so the client may
// retry the same checkout id. A session already past its expiry stays gone.
func (s *Store) Restore(ctx context.Context, sess Session) error {
	ttl := sess.ExpiresAt.Sub(s.Now())
	if ttl <= 0 {
		return nil
	}
	b, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.Cache.Set(ctx, sessionKey(sess.ID), string(b), ttl)
}

func decode(v string) (Session, error) {
	var sess Session
	if err := json.Unmarshal([]byte(v), &sess); err != nil {
		return Session{}, fmt.Errorf("decode checkout session: %w", err)
	}
	return sess, nil
}
