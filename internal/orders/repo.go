package orders

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/greenharvest/marketplace/internal/fault"
)

// Repo is the persistent order store. Update persists the status change and
// the timeline append in a single transaction, so the append-only timeline
// can never drift from the status column. The flip is a compare-and-swap on
// the status read by the caller: a concurrent writer that got there first
// turns the loser's Update into a conflict instead of a lost update.
type Repo interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	Update(ctx context.Context, o *Order, entry TimelineEntry, from Status) error
	ListByCustomer(ctx context.Context, customerID string) ([]*Order, error)
	ListByFarmer(ctx context.Context, farmerID string) ([]*Order, error)
}

type PostgresRepo struct{ DB *pgxpool.Pool }

func (r *PostgresRepo) Create(ctx context.Context, o *Order) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO orders(id, customer_id, status, total_cents, payment_ref, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		o.ID, o.CustomerID, o.Status, o.TotalCents, o.PaymentRef, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return err
	}

	for _, it := range o.Items {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_items(order_id, product_id, farmer_id, name, quantity, unit_price_cents)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			o.ID, it.ProductID, it.FarmerID, it.Name, it.Quantity, it.UnitPriceCents)
		if err != nil {
			return err
		}
	}

	for _, e := range o.Timeline {
		if err := insertTimeline(ctx, tx, o.ID, e); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func insertTimeline(ctx context.Context, tx pgx.Tx, orderID string, e TimelineEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO order_timeline(order_id, state, note, actor, actor_role, at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		orderID, e.State, e.Note, e.Actor, e.ActorRole, e.At)
	return err
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*Order, error) {
	o := &Order{}
	var partnerID, partnerName, partnerContact *string
	var assignedAt *time.Time
	err := r.DB.QueryRow(ctx, `
		SELECT id, customer_id, status, total_cents, payment_ref,
		       delivery_partner_id, delivery_name, delivery_contact, delivery_assigned_at,
		       created_at, updated_at
		FROM orders WHERE id=$1`, id).
		Scan(&o.ID, &o.CustomerID, &o.Status, &o.TotalCents, &o.PaymentRef,
			&partnerID, &partnerName, &partnerContact, &assignedAt,
			&o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.Newf(fault.NotFound, "order not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	if partnerID != nil {
		o.Delivery = &DeliveryAssignment{
			PartnerID: *partnerID,
			Name:      deref(partnerName),
			Contact:   deref(partnerContact),
		}
		if assignedAt != nil {
			o.Delivery.AssignedAt = *assignedAt
		}
	}

	rows, err := r.DB.Query(ctx, `
		SELECT product_id, farmer_id, name, quantity, unit_price_cents
		FROM order_items WHERE order_id=$1 ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.ProductID, &it.FarmerID, &it.Name, &it.Quantity, &it.UnitPriceCents); err != nil {
			return nil, err
		}
		o.Items = append(o.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	trows, err := r.DB.Query(ctx, `
		SELECT state, note, actor, actor_role, at
		FROM order_timeline WHERE order_id=$1 ORDER BY at, id`, id)
	if err != nil {
		return nil, err
	}
	defer trows.Close()
	for trows.Next() {
		var e TimelineEntry
		if err := trows.Scan(&e.State, &e.Note, &e.Actor, &e.ActorRole, &e.At); err != nil {
			return nil, err
		}
		o.Timeline = append(o.Timeline, e)
	}
	return o, trows.Err()
}

func (r *PostgresRepo) Update(ctx context.Context, o *Order, entry TimelineEntry, from Status) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var partnerID, partnerName, partnerContact any
	var assignedAt any
	if o.Delivery != nil {
		partnerID, partnerName, partnerContact = o.Delivery.PartnerID, o.Delivery.Name, o.Delivery.Contact
		assignedAt = o.Delivery.AssignedAt
	}
	ct, err := tx.Exec(ctx, `
		UPDATE orders SET status=$2, updated_at=$3,
		       delivery_partner_id=$4, delivery_name=$5, delivery_contact=$6, delivery_assigned_at=$7
		WHERE id=$1 AND status=$8`,
		o.ID, o.Status, o.UpdatedAt, partnerID, partnerName, partnerContact, assignedAt, from)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		var cur Status
		err := tx.QueryRow(ctx, `SELECT status FROM orders WHERE id=$1`, o.ID).Scan(&cur)
		if errors.Is(err, pgx.ErrNoRows) {
			return fault.Newf(fault.NotFound, "order not found: %s", o.ID)
		}
		if err != nil {
			return err
		}
		return fault.Newf(fault.Conflict, "order %s already moved to %s", o.ID, cur)
	}

	if err := insertTimeline(ctx, tx, o.ID, entry); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepo) ListByCustomer(ctx context.Context, customerID string) ([]*Order, error) {
	return r.listByIDs(ctx, `
		SELECT id FROM orders WHERE customer_id=$1 ORDER BY created_at DESC`, customerID)
}

func (r *PostgresRepo) ListByFarmer(ctx context.Context, farmerID string) ([]*Order, error) {
	return r.listByIDs(ctx, `
		SELECT DISTINCT o.id FROM orders o
		JOIN order_items i ON i.order_id = o.id
		WHERE i.farmer_id=$1 ORDER BY o.id`, farmerID)
}

func (r *PostgresRepo) listByIDs(ctx context.Context, q string, arg any) ([]*Order, error) {
	rows, err := r.DB.Query(ctx, q, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*Order, 0, len(ids))
	for _, id := range ids {
		o, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var _ Repo = (*PostgresRepo)(nil)
