package orders

import (
	"time"

	"github.com/greenharvest/marketplace/internal/users"
)

type OrderItem struct {
	ProductID      string `json:"product_id"`
	FarmerID       string `json:"farmer_id"`
	Name           string `json:"name"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int    `json:"unit_price_cents"`
}

// TimelineEntry is one row of the append-only transition history.
type TimelineEntry struct {
	State     Status     `json:"state"`
	Note      string     `json:"note"`
	Actor     string     `json:"actor"`
	ActorRole users.Role `json:"actor_role"`
	At        time.Time  `json:"timestamp"`
}

type DeliveryAssignment struct {
	PartnerID  string    `json:"partner_id"`
	Name       string    `json:"name"`
	Contact    string    `json:"contact"`
	AssignedAt time.Time `json:"assigned_at"`
}

type Order struct {
	ID         string              `json:"id"`
	CustomerID string              `json:"customer_id"`
	Items      []OrderItem         `json:"items"`
	TotalCents int                 `json:"total_cents"`
	Status     Status              `json:"status"`
	PaymentRef string              `json:"payment_reference"`
	Timeline   []TimelineEntry     `json:"timeline"`
	Delivery   *DeliveryAssignment `json:"delivery,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

// OwnedByFarmer reports whether at least one item in the order belongs to
// the given farmer. Farmer authorization for transitions hinges on this.
func (o *Order) OwnedByFarmer(farmerID string) bool {
	for _, it := range o.Items {
		if it.FarmerID == farmerID {
			return true
		}
	}
	return false
}

// FarmerIDs returns the distinct farmers implicated in the order, in item
// order.
func (o *Order) FarmerIDs() []string {
	seen := make(map[string]bool, len(o.Items))
	var out []string
	for _, it := range o.Items {
		if !seen[it.FarmerID] {
			seen[it.FarmerID] = true
			out = append(out, it.FarmerID)
		}
	}
	return out
}
