package users

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/greenharvest/marketplace/internal/fault"
)

type PostgresDirectory struct{ DB *pgxpool.Pool }

func (d *PostgresDirectory) Get(ctx context.Context, id string) (User, error) {
	var u User
	err := d.DB.QueryRow(ctx,
		`SELECT id, name, email, role FROM users WHERE id=$1`, id).
		Scan(&u.ID, &u.Name, &u.Email, &u.Role)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, fault.Newf(fault.NotFound, "user not found: %s", id)
	}
	if err != nil {
		return User{}, err
	}
	return u, nil
}

func (d *PostgresDirectory) Admins(ctx context.Context) ([]User, error) {
	rows, err := d.DB.Query(ctx,
		`SELECT id, name, email, role FROM users WHERE role='admin' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.Role); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

type PostgresPartners struct{ DB *pgxpool.Pool }

func (p *PostgresPartners) FirstActive(ctx context.Context) (DeliveryPartner, bool, error) {
	var dp DeliveryPartner
	err := p.DB.QueryRow(ctx,
		`SELECT id, name, contact, zone, active FROM delivery_partners
		 WHERE active ORDER BY name LIMIT 1`).
		Scan(&dp.ID, &dp.Name, &dp.Contact, &dp.Zone, &dp.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return DeliveryPartner{}, false, nil
	}
	if err != nil {
		return DeliveryPartner{}, false, err
	}
	return dp, true, nil
}

var (
	_ Directory    = (*PostgresDirectory)(nil)
	_ PartnerStore = (*PostgresPartners)(nil)
)
