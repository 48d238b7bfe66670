package orders

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/greenharvest/marketplace/internal/bus"
	"github.com/greenharvest/marketplace/internal/cache"
	"github.com/greenharvest/marketplace/internal/catalog"
	"github.com/greenharvest/marketplace/internal/checkout"
	"github.com/greenharvest/marketplace/internal/fault"
	"github.com/greenharvest/marketplace/internal/inventory"
	"github.com/greenharvest/marketplace/internal/users"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *eventRecorder) subscribe(b *bus.Bus) {
	h := func(_ context.Context, ev bus.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, ev)
	}
	b.Subscribe(TopicCreated, h)
	b.Subscribe(TopicUpdated, h)
}

func (r *eventRecorder) byTopic(topic string) []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bus.Event
	for _, ev := range r.events {
		if ev.Topic == topic {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	svc      *Service
	store    *catalog.MemoryStore
	recorder *eventRecorder
}

func newFixture(products ...catalog.Product) *fixture {
	if products == nil {
		products = []catalog.Product{
			{ID: "p1", FarmerID: "farm-1", Name: "Carrots", Unit: "kg", PriceCents: 500, Stock: 10},
			{ID: "p2", FarmerID: "farm-2", Name: "Honey", Unit: "jar", PriceCents: 1200, Stock: 5},
		}
	}
	store := catalog.NewMemoryStore(products...)
	c := cache.NewMemory()
	b := bus.New(zap.NewNop())
	rec := &eventRecorder{}
	rec.subscribe(b)

	svc := &Service{
		Repo:      NewMemoryRepo(),
		Checkout:  checkout.NewStore(c, store),
		Inventory: inventory.NewService(c, store, zap.NewNop()),
		Products:  store,
		Partners:  users.NewMemoryPartners(users.DeliveryPartner{ID: "dp-1", Name: "Speedy", Contact: "speedy@test", Zone: "north", Active: true}),
		Bus:       b,
		Cache:     c,
		Logger:    zap.NewNop(),
	}
	return &fixture{svc: svc, store: store, recorder: rec}
}

func (f *fixture) placeOrder(t *testing.T, items ...checkout.SessionItem) *Order {
	t.Helper()
	ctx := context.Background()
	if items == nil {
		items = []checkout.SessionItem{{ProductID: "p1", Quantity: 2}}
	}
	sess, err := f.svc.Checkout.Create(ctx, "cust-1", items)
	require.NoError(t, err)
	order, err := f.svc.Finalize(ctx, sess.ID, "SIM-ref")
	require.NoError(t, err)
	return order
}

func (f *fixture) stockOf(t *testing.T, id string) int {
	t.Helper()
	p, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return p.Stock
}

var (
	farmer1 = users.Actor{ID: "farm-1", Name: "Fred", Role: users.RoleFarmer}
	farmer2 = users.Actor{ID: "farm-2", Name: "Fran", Role: users.RoleFarmer}
	admin   = users.Actor{ID: "adm-1", Name: "Ada", Role: users.RoleAdmin}
	cust    = users.Actor{ID: "cust-1", Name: "Cora", Role: users.RoleCustomer}
)

func TestFinalizeRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	sess, err := f.svc.Checkout.Create(ctx, "cust-1", []checkout.SessionItem{
		{ProductID: "p1", Quantity: 2},
		{ProductID: "p2", Quantity: 1},
	})
	require.NoError(t, err)

	order, err := f.svc.Finalize(ctx, sess.ID, "SIM-abc")
	require.NoError(t, err)

	assert.Equal(t, StatusPending, order.Status)
	assert.Equal(t, "SIM-abc", order.PaymentRef)
	assert.Equal(t, 2*500+1200, order.TotalCents)
	require.Len(t, order.Items, 2)
	assert.Equal(t, 2, order.Items[0].Quantity)
	assert.Equal(t, "farm-1", order.Items[0].FarmerID)
	require.Len(t, order.Timeline, 1)
	assert.Equal(t, StatusPending, order.Timeline[0].State)

	assert.Equal(t, 8, f.stockOf(t, "p1"))
	assert.Equal(t, 4, f.stockOf(t, "p2"))

	f.svc.Bus.Wait()
	created := f.recorder.byTopic(TopicCreated)
	require.Len(t, created, 1)
	oe := created[0].Payload.(OrderEvent)
	assert.Equal(t, order.ID, oe.Order.ID)

	// Session is single use.
	_, err = f.svc.Finalize(ctx, sess.ID, "SIM-again")
	assert.True(t, fault.Is(err, fault.Expired))
}

func TestFinalizeExpiredSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	_, err := f.svc.Finalize(ctx, "never-existed", "SIM-x")
	require.True(t, fault.Is(err, fault.Expired))
	assert.Equal(t, 400, fault.HTTPStatus(err))
}

func TestFinalizeInsufficientStockCompensates(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	sess, err := f.svc.Checkout.Create(ctx, "cust-1", []checkout.SessionItem{
		{ProductID: "p1", Quantity: 2},
		{ProductID: "p2", Quantity: 3},
	})
	require.NoError(t, err)

	// Stock drains between checkout and finalize.
	_, err = f.store.DecrementStock(ctx, "p2", 4)
	require.NoError(t, err)

	_, err = f.svc.Finalize(ctx, sess.ID, "SIM-x")
	require.True(t, fault.Is(err, fault.Conflict))
	assert.Equal(t, 409, fault.HTTPStatus(err))

	assert.Equal(t, 10, f.stockOf(t, "p1"), "reserved stock must be rolled back")
	assert.Equal(t, 1, f.stockOf(t, "p2"))
}

func TestConcurrentFinalizeNoOversell(t *testing.T) {
	ctx := context.Background()
	f := newFixture(catalog.Product{ID: "p1", FarmerID: "farm-1", Name: "Carrots", PriceCents: 500, Stock: 3})

	// All sessions are created first; stock 3 admits up to 10 soft checks.
	sessions := make([]string, 10)
	for i := range sessions {
		sess, err := f.svc.Checkout.Create(ctx, "cust-1", []checkout.SessionItem{{ProductID: "p1", Quantity: 1}})
		require.NoError(t, err)
		sessions[i] = sess.ID
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, conflicted := 0, 0
	for _, id := range sessions {
		wg.Add(1)
		go func(checkoutID string) {
			defer wg.Done()
			var err error
			for {
				// A busy conflict restores the session, so the retry reuses
				// the same checkout id.
				_, err = f.svc.Finalize(ctx, checkoutID, "SIM-x")
				if !errors.Is(err, inventory.ErrBusy) {
					break
				}
			}
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case fault.Is(err, fault.Conflict):
				conflicted++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	assert.Equal(t, 7, conflicted)
	assert.Equal(t, 0, f.stockOf(t, "p1"))
}

func TestFinalizeRetryAfterBusy(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	sess, err := f.svc.Checkout.Create(ctx, "cust-1", []checkout.SessionItem{{ProductID: "p1", Quantity: 2}})
	require.NoError(t, err)

	ok, err := f.svc.Inventory.AcquireLock(ctx, "p1")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.svc.Finalize(ctx, sess.ID, "SIM-x")
	require.ErrorIs(t, err, inventory.ErrBusy)
	assert.Equal(t, 409, fault.HTTPStatus(err))
	assert.Equal(t, 10, f.stockOf(t, "p1"), "busy conflict touches no stock")

	// The conflict was transient; the same checkout id works once the lock
	// is gone.
	f.svc.Inventory.ReleaseLock(ctx, "p1")
	order, err := f.svc.Finalize(ctx, sess.ID, "SIM-x")
	require.NoError(t, err)
	assert.Equal(t, sess.TotalCents, order.TotalCents)
	assert.Equal(t, 8, f.stockOf(t, "p1"))
}

// gateRepo holds every reader at the Get until all expected racers have read,
// forcing the read-modify-write overlap a loaded server would see.
type gateRepo struct {
	Repo
	readers *sync.WaitGroup
}

func (g *gateRepo) Get(ctx context.Context, id string) (*Order, error) {
	o, err := g.Repo.Get(ctx, id)
	g.readers.Done()
	g.readers.Wait()
	return o, err
}

func TestConcurrentCancelRestocksOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	order := f.placeOrder(t, checkout.SessionItem{ProductID: "p1", Quantity: 3})
	require.Equal(t, 7, f.stockOf(t, "p1"))

	inner := f.svc.Repo
	var readers sync.WaitGroup
	readers.Add(2)
	f.svc.Repo = &gateRepo{Repo: inner, readers: &readers}

	var wg sync.WaitGroup
	var mu sync.Mutex
	cancelled, conflicted := 0, 0
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Cancel(ctx, order.ID, "cust-1", "race")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				cancelled++
			case fault.Is(err, fault.Conflict):
				conflicted++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, cancelled)
	assert.Equal(t, 1, conflicted)
	assert.Equal(t, 10, f.stockOf(t, "p1"), "reserved quantity restored exactly once")

	got, err := inner.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Len(t, got.Timeline, 2, "single cancel entry")
}

func TestConcurrentAdvanceOneWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	order := f.placeOrder(t)

	inner := f.svc.Repo
	var readers sync.WaitGroup
	readers.Add(2)
	f.svc.Repo = &gateRepo{Repo: inner, readers: &readers}

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied, conflicted := 0, 0
	for _, next := range []Status{StatusAccepted, StatusRejected} {
		wg.Add(1)
		go func(next Status) {
			defer wg.Done()
			_, err := f.svc.Advance(ctx, order.ID, string(next), "", farmer1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				applied++
			case fault.Is(err, fault.Conflict):
				conflicted++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(next)
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, conflicted)

	got, err := inner.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Contains(t, []Status{StatusAccepted, StatusRejected}, got.Status)
	assert.Len(t, got.Timeline, 2, "loser appends nothing")
}

func TestUpdateStaleStatusConflicts(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepo()
	o := &Order{ID: "o1", CustomerID: "c1", Status: StatusPending}
	require.NoError(t, repo.Create(ctx, o))

	accepted := cloneOrder(o)
	accepted.Status = StatusAccepted
	require.NoError(t, repo.Update(ctx, accepted, TimelineEntry{State: StatusAccepted}, StatusPending))

	// Second writer still holding the Pending read loses.
	rejected := cloneOrder(o)
	rejected.Status = StatusRejected
	err := repo.Update(ctx, rejected, TimelineEntry{State: StatusRejected}, StatusPending)
	require.True(t, fault.Is(err, fault.Conflict))

	got, err := repo.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, got.Status)
}

func TestAdvanceLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	order := f.placeOrder(t)

	for _, step := range []Status{StatusAccepted, StatusPacked, StatusShipped, StatusDelivered} {
		var err error
		order, err = f.svc.Advance(ctx, order.ID, string(step), "ok", farmer1)
		require.NoError(t, err, "transition to %s", step)
		assert.Equal(t, step, order.Status)
	}
	assert.Len(t, order.Timeline, 5) // placed + 4 transitions
	assert.Equal(t, StatusDelivered, order.Timeline[len(order.Timeline)-1].State)
}

func TestAdvanceIdempotentFastPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	order := f.placeOrder(t)

	got, err := f.svc.Advance(ctx, order.ID, string(StatusPending), "noop", farmer1)
	require.NoError(t, err)
	assert.Len(t, got.Timeline, 1, "no duplicate timeline entry")

	f.svc.Bus.Wait()
	assert.Empty(t, f.recorder.byTopic(TopicUpdated), "no event for a no-op")
}

func TestAdvanceInvalidTransitionRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	order := f.placeOrder(t)

	_, err := f.svc.Advance(ctx, order.ID, string(StatusPacked), "skip ahead", farmer1)
	require.True(t, fault.Is(err, fault.Validation))
	assert.Equal(t, 400, fault.HTTPStatus(err))

	got, gerr := f.svc.Repo.Get(ctx, order.ID)
	require.NoError(t, gerr)
	assert.Equal(t, StatusPending, got.Status, "status unchanged after rejection")
}

func TestAdvanceUnknownStateName(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	order := f.placeOrder(t)

	_, err := f.svc.Advance(ctx, order.ID, "Teleported", "", admin)
	require.True(t, fault.Is(err, fault.Validation))
}

func TestAdvanceFarmerOwnershipRequired(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	order := f.placeOrder(t) // only p1, owned by farm-1

	_, err := f.svc.Advance(ctx, order.ID, string(StatusAccepted), "", farmer2)
	require.True(t, fault.Is(err, fault.Forbidden))
	assert.Equal(t, 403, fault.HTTPStatus(err))
}

func TestAdvanceCustomerForbidden(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	order := f.placeOrder(t)

	_, err := f.svc.Advance(ctx, order.ID, string(StatusAccepted), "", cust)
	require.True(t, fault.Is(err, fault.Forbidden))
}

func TestAdminOverride(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	order := f.placeOrder(t)

	// Pending -> Shipped is not an edge, but admins may force it.
	got, err := f.svc.Advance(ctx, order.ID, string(StatusShipped), "manual fix", admin)
	require.NoError(t, err)
	assert.Equal(t, StatusShipped, got.Status)
	assert.Equal(t, users.RoleAdmin, got.Timeline[len(got.Timeline)-1].ActorRole)
}

func TestPackedAssignsDelivery(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	order := f.placeOrder(t)

	_, err := f.svc.Advance(ctx, order.ID, string(StatusAccepted), "", farmer1)
	require.NoError(t, err)
	got, err := f.svc.Advance(ctx, order.ID, string(StatusPacked), "crates sealed", farmer1)
	require.NoError(t, err)

	require.NotNil(t, got.Delivery)
	assert.Equal(t, "Speedy", got.Delivery.Name)
	assert.False(t, got.Delivery.AssignedAt.IsZero())
}

func TestCancelRestoresStock(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	order := f.placeOrder(t, checkout.SessionItem{ProductID: "p1", Quantity: 3}, checkout.SessionItem{ProductID: "p2", Quantity: 2})

	require.Equal(t, 7, f.stockOf(t, "p1"))
	require.Equal(t, 3, f.stockOf(t, "p2"))

	got, err := f.svc.Cancel(ctx, order.ID, "cust-1", "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	assert.Equal(t, 10, f.stockOf(t, "p1"), "exact reserved quantity restored")
	assert.Equal(t, 5, f.stockOf(t, "p2"))
}

func TestCancelNotOwner(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	order := f.placeOrder(t)

	_, err := f.svc.Cancel(ctx, order.ID, "someone-else", "")
	require.True(t, fault.Is(err, fault.Forbidden))
}

func TestCancelPastCancellableStage(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	order := f.placeOrder(t)

	_, err := f.svc.Advance(ctx, order.ID, string(StatusAccepted), "", farmer1)
	require.NoError(t, err)
	_, err = f.svc.Advance(ctx, order.ID, string(StatusPacked), "", farmer1)
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, order.ID, "cust-1", "too late")
	require.True(t, fault.Is(err, fault.Validation))
	assert.Equal(t, 8, f.stockOf(t, "p1"), "no restock on rejected cancel")
}

func TestLowStockAlertInEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(catalog.Product{ID: "p1", FarmerID: "farm-1", Name: "Carrots", PriceCents: 500, Stock: 11, LowStockThreshold: 10})

	sess, err := f.svc.Checkout.Create(ctx, "cust-1", []checkout.SessionItem{{ProductID: "p1", Quantity: 2}})
	require.NoError(t, err)
	_, err = f.svc.Finalize(ctx, sess.ID, "SIM-x")
	require.NoError(t, err)

	f.svc.Bus.Wait()
	created := f.recorder.byTopic(TopicCreated)
	require.Len(t, created, 1)
	oe := created[0].Payload.(OrderEvent)
	require.Len(t, oe.LowStock, 1)
	assert.Equal(t, "p1", oe.LowStock[0].ProductID)
	assert.Equal(t, 9, oe.LowStock[0].Remaining)
}

func TestTrackAuthorization(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	order := f.placeOrder(t)

	got, err := f.svc.Track(ctx, order.ID, cust)
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)

	_, err = f.svc.Track(ctx, order.ID, users.Actor{ID: "other-cust", Role: users.RoleCustomer})
	require.True(t, fault.Is(err, fault.Forbidden))

	_, err = f.svc.Track(ctx, order.ID, farmer1)
	require.NoError(t, err)
	_, err = f.svc.Track(ctx, order.ID, farmer2)
	require.True(t, fault.Is(err, fault.Forbidden))

	_, err = f.svc.Track(ctx, order.ID, admin)
	require.NoError(t, err)

	_, err = f.svc.Track(ctx, "missing", admin)
	require.True(t, fault.Is(err, fault.NotFound))
}

func TestEventsCarryTransition(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	order := f.placeOrder(t)

	_, err := f.svc.Advance(ctx, order.ID, string(StatusAccepted), "ready", farmer1)
	require.NoError(t, err)
	f.svc.Bus.Wait()

	updated := f.recorder.byTopic(TopicUpdated)
	require.Len(t, updated, 1)
	oe := updated[0].Payload.(OrderEvent)
	require.NotNil(t, oe.Transition)
	assert.Equal(t, StatusAccepted, oe.Transition.State)
	assert.Equal(t, "ready", oe.Transition.Note)
	assert.Equal(t, StatusAccepted, oe.Order.Status, "event carries full snapshot")
}
