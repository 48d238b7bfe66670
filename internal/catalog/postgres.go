package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/greenharvest/marketplace/internal/fault"
)

type PostgresStore struct{ DB *pgxpool.Pool }

const productColumns = `id, farmer_id, name, unit, price_cents, stock, low_stock_threshold, status, created_at, updated_at`

func scanProduct(row pgx.Row) (Product, error) {
	var p Product
	err := row.Scan(&p.ID, &p.FarmerID, &p.Name, &p.Unit, &p.PriceCents,
		&p.Stock, &p.LowStockThreshold, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Product, error) {
	p, err := scanProduct(s.DB.QueryRow(ctx,
		`SELECT `+productColumns+` FROM products WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, fault.Newf(fault.NotFound, "product not found: %s", id)
	}
	if err != nil {
		return Product{}, err
	}
	return p, nil
}

func (s *PostgresStore) GetBatch(ctx context.Context, ids []string) (map[string]Product, error) {
	if len(ids) == 0 {
		return map[string]Product{}, nil
	}
	params := ""
	args := make([]any, 0, len(ids))
	for i, id := range ids {
		if i > 0 {
			params += ","
		}
		params += fmt.Sprintf("$%d", i+1)
		args = append(args, id)
	}
	rows, err := s.DB.Query(ctx,
		`SELECT `+productColumns+` FROM products WHERE id IN (`+params+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]Product, len(ids))
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

func (s *PostgresStore) List(ctx context.Context) ([]Product, error) {
	rows, err := s.DB.Query(ctx,
		`SELECT `+productColumns+` FROM products WHERE status='published' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DecrementStock relies on the conditional UPDATE alone for correctness; the
// reservation lock above it only narrows contention.
func (s *PostgresStore) DecrementStock(ctx context.Context, id string, qty int) (int, error) {
	var remaining int
	err := s.DB.QueryRow(ctx, `
		UPDATE products SET stock = stock - $2, updated_at = now()
		WHERE id = $1 AND stock >= $2
		RETURNING stock`, id, qty).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either missing or short on stock; distinguish for the caller.
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return 0, getErr
		}
		return 0, fault.Newf(fault.Conflict, "insufficient stock for product %s", id)
	}
	if err != nil {
		return 0, err
	}
	return remaining, nil
}

func (s *PostgresStore) IncrementStock(ctx context.Context, id string, qty int) error {
	ct, err := s.DB.Exec(ctx, `
		UPDATE products SET stock = stock + $2, updated_at = now()
		WHERE id = $1`, id, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return fault.Newf(fault.NotFound, "product not found: %s", id)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
