package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/greenharvest/marketplace/internal/bus"
	"github.com/greenharvest/marketplace/internal/cache"
	"github.com/greenharvest/marketplace/internal/catalog"
	"github.com/greenharvest/marketplace/internal/checkout"
	"github.com/greenharvest/marketplace/internal/fault"
	"github.com/greenharvest/marketplace/internal/inventory"
	"github.com/greenharvest/marketplace/internal/redisx"
	"github.com/greenharvest/marketplace/internal/users"
)

// Service drives the checkout-to-fulfillment pipeline: finalizing sessions
// into orders, advancing the lifecycle, and cancellation. Every mutation
// goes through here; side effects leave on the bus and never feed back into
// the committed transaction.
type Service struct {
	Repo      Repo
	Checkout  *checkout.Store
	Inventory *inventory.Service
	Products  catalog.Store
	Partners  users.PartnerStore
	Bus       *bus.Bus
	Cache     cache.Cache
	Logger    *zap.Logger
	Now       func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Finalize converts a checkout session into a committed order. The session
// is consumed first (single use), then every item passes the reservation
// double guard; any failure restocks what was already taken so the caller
// observes an atomic outcome.
func (s *Service) Finalize(ctx context.Context, checkoutID, paymentRef string) (*Order, error) {
	if paymentRef == "" {
		return nil, fault.New(fault.Validation, "payment reference required")
	}

	sess, err := s.Checkout.Consume(ctx, checkoutID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(sess.Items))
	lines := make([]inventory.Line, 0, len(sess.Items))
	for _, it := range sess.Items {
		ids = append(ids, it.ProductID)
		lines = append(lines, inventory.Line{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	products, err := s.Products.GetBatch(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := products[id]; !ok {
			return nil, fault.Newf(fault.NotFound, "product not found: %s", id)
		}
	}

	reserved, err := s.Inventory.ReserveItems(ctx, lines)
	if err != nil {
		// Lock contention is transient; put the session back so the caller
		// can retry the same checkout id within its original TTL.
		if errors.Is(err, inventory.ErrBusy) {
			if rerr := s.Checkout.Restore(ctx, sess); rerr != nil {
				s.Logger.Warn("restore checkout session failed",
					zap.String("checkout_id", sess.ID), zap.Error(rerr))
			}
		}
		return nil, err
	}

	now := s.now()
	order := &Order{
		ID:         uuid.NewString(),
		CustomerID: sess.CustomerID,
		Status:     StatusPending,
		PaymentRef: paymentRef,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, it := range sess.Items {
		p := products[it.ProductID]
		order.Items = append(order.Items, OrderItem{
			ProductID:      p.ID,
			FarmerID:       p.FarmerID,
			Name:           p.Name,
			Quantity:       it.Quantity,
			UnitPriceCents: p.PriceCents,
		})
		order.TotalCents += p.PriceCents * it.Quantity
	}
	order.Timeline = []TimelineEntry{{
		State:     StatusPending,
		Note:      "Order placed by customer",
		Actor:     sess.CustomerID,
		ActorRole: users.RoleCustomer,
		At:        now,
	}}

	if err := s.Repo.Create(ctx, order); err != nil {
		// Stock was already taken; hand it back before failing.
		for _, r := range reserved {
			if rbErr := s.Inventory.Restock(ctx, r.ProductID, r.Quantity); rbErr != nil {
				s.Logger.Error("restock after failed order create",
					zap.String("product_id", r.ProductID), zap.Error(rbErr))
			}
		}
		return nil, err
	}

	var alerts []LowStockAlert
	for _, r := range reserved {
		p := products[r.ProductID]
		threshold := p.LowStockThreshold
		if threshold <= 0 {
			threshold = catalog.DefaultLowStockThreshold
		}
		if r.Remaining <= threshold {
			alerts = append(alerts, LowStockAlert{
				ProductID: p.ID,
				Name:      p.Name,
				FarmerID:  p.FarmerID,
				Remaining: r.Remaining,
			})
		}
	}

	s.cacheSnapshot(ctx, order)
	s.Bus.Publish(ctx, TopicCreated, OrderEvent{Order: order, LowStock: alerts})
	return order, nil
}

// Advance moves an order along the lifecycle graph. Admins may force any
// transition; farmers must own produce in the order; customers never
// advance (they cancel). Advancing to the current state is a no-op that
// appends nothing.
func (s *Service) Advance(ctx context.Context, orderID, nextState, note string, actor users.Actor) (*Order, error) {
	next, ok := ParseStatus(nextState)
	if !ok {
		return nil, fault.Newf(fault.Validation, "unknown state %q", nextState)
	}

	order, err := s.Repo.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	switch actor.Role {
	case users.RoleAdmin:
		// override: any transition allowed
	case users.RoleFarmer:
		if !order.OwnedByFarmer(actor.ID) {
			return nil, fault.New(fault.Forbidden, "order contains none of your products")
		}
	default:
		return nil, fault.New(fault.Forbidden, "role may not update order status")
	}

	if next == order.Status {
		return order, nil
	}
	if actor.Role != users.RoleAdmin && !CanTransition(order.Status, next) {
		return nil, fault.Newf(fault.Validation, "cannot transition from %s to %s", order.Status, next)
	}

	now := s.now()
	from := order.Status
	order.Status = next
	order.UpdatedAt = now
	entry := TimelineEntry{State: next, Note: note, Actor: actor.Name, ActorRole: actor.Role, At: now}
	order.Timeline = append(order.Timeline, entry)

	if next == StatusPacked && order.Delivery == nil {
		s.assignDelivery(ctx, order)
	}

	if err := s.Repo.Update(ctx, order, entry, from); err != nil {
		return nil, err
	}

	s.cacheSnapshot(ctx, order)
	s.Bus.Publish(ctx, TopicUpdated, OrderEvent{Order: order, Transition: &entry})
	return order, nil
}

// assignDelivery picks an available partner when the order is packed.
// Having no partner registered is not an error; fulfillment proceeds.
func (s *Service) assignDelivery(ctx context.Context, order *Order) {
	partner, ok, err := s.Partners.FirstActive(ctx)
	if err != nil {
		s.Logger.Warn("delivery partner lookup failed",
			zap.String("order_id", order.ID), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	order.Delivery = &DeliveryAssignment{
		PartnerID:  partner.ID,
		Name:       partner.Name,
		Contact:    partner.Contact,
		AssignedAt: s.now(),
	}
}

// Cancel is customer-only and allowed while the order is still Pending or
// Accepted. The status flips first through the repo's compare-and-swap, so
// of two racing cancels exactly one wins and restocks; the loser touches no
// stock at all.
func (s *Service) Cancel(ctx context.Context, orderID, customerID, note string) (*Order, error) {
	order, err := s.Repo.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.CustomerID != customerID {
		return nil, fault.New(fault.Forbidden, "not your order")
	}
	if !order.Status.Cancellable() {
		return nil, fault.Newf(fault.Validation, "order in state %s can no longer be cancelled", order.Status)
	}

	now := s.now()
	from := order.Status
	order.Status = StatusCancelled
	order.UpdatedAt = now
	entry := TimelineEntry{
		State:     StatusCancelled,
		Note:      note,
		Actor:     customerID,
		ActorRole: users.RoleCustomer,
		At:        now,
	}
	order.Timeline = append(order.Timeline, entry)

	if err := s.Repo.Update(ctx, order, entry, from); err != nil {
		return nil, err
	}

	for _, it := range order.Items {
		if err := s.Inventory.Restock(ctx, it.ProductID, it.Quantity); err != nil {
			s.Logger.Error("restock after cancel",
				zap.String("order_id", order.ID),
				zap.String("product_id", it.ProductID),
				zap.Error(err))
		}
	}

	s.cacheSnapshot(ctx, order)
	s.Bus.Publish(ctx, TopicUpdated, OrderEvent{Order: order, Transition: &entry})
	return order, nil
}

// Track returns the full order snapshot for an authorized actor, served
// from the snapshot cache when warm.
func (s *Service) Track(ctx context.Context, orderID string, actor users.Actor) (*Order, error) {
	if order := s.cachedSnapshot(ctx, orderID); order != nil {
		if err := authorizeRead(order, actor); err != nil {
			return nil, err
		}
		return order, nil
	}

	order, err := s.Repo.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := authorizeRead(order, actor); err != nil {
		return nil, err
	}
	s.cacheSnapshot(ctx, order)
	return order, nil
}

func authorizeRead(order *Order, actor users.Actor) error {
	switch actor.Role {
	case users.RoleAdmin:
		return nil
	case users.RoleCustomer:
		if order.CustomerID == actor.ID {
			return nil
		}
	case users.RoleFarmer:
		if order.OwnedByFarmer(actor.ID) {
			return nil
		}
	}
	return fault.New(fault.Forbidden, "not authorized to view this order")
}

func (s *Service) ListForCustomer(ctx context.Context, customerID string) ([]*Order, error) {
	return s.Repo.ListByCustomer(ctx, customerID)
}

func (s *Service) ListForFarmer(ctx context.Context, farmerID string) ([]*Order, error) {
	return s.Repo.ListByFarmer(ctx, farmerID)
}

func snapshotKey(orderID string) string { return fmt.Sprintf(redisx.KeyOrderSnapshot, orderID) }

// cacheSnapshot is best effort; the repo stays the source of truth.
func (s *Service) cacheSnapshot(ctx context.Context, order *Order) {
	b, err := json.Marshal(order)
	if err != nil {
		return
	}
	if err := s.Cache.Set(ctx, snapshotKey(order.ID), string(b), redisx.TTLSnapshot); err != nil {
		s.Logger.Warn("cache order snapshot failed",
			zap.String("order_id", order.ID), zap.Error(err))
	}
}

func (s *Service) cachedSnapshot(ctx context.Context, orderID string) *Order {
	v, ok, err := s.Cache.Get(ctx, snapshotKey(orderID))
	if err != nil || !ok {
		return nil
	}
	var order Order
	if err := json.Unmarshal([]byte(v), &order); err != nil {
		return nil
	}
	return &order
}
