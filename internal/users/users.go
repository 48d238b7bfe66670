// Package users exposes the marketplace actor directory consumed by the
// order pipeline: customers, farmers, admins and delivery partners. Profile
// management itself lives outside this service.
package users

import (
	"context"

	"github.com/greenharvest/marketplace/internal/fault"
)

// Role is the closed set of marketplace roles. Authorization rules compare
// roles, never raw strings from the wire.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleFarmer   Role = "farmer"
	RoleAdmin    Role = "admin"
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleCustomer, RoleFarmer, RoleAdmin:
		return Role(s), nil
	}
	return "", fault.Newf(fault.Validation, "unknown role %q", s)
}

// Actor identifies who is performing an order mutation.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

type User struct {
	ID    string
	Name  string
	Email string
	Role  Role
}

type DeliveryPartner struct {
	ID      string
	Name    string
	Contact string
	Zone    string
	Active  bool
}

type Directory interface {
	Get(ctx context.Context, id string) (User, error)
	Admins(ctx context.Context) ([]User, error)
}

type PartnerStore interface {
	// FirstActive returns an available delivery partner, or ok=false when
	// none is registered.
	FirstActive(ctx context.Context) (DeliveryPartner, bool, error)
}
