// Package notify turns order events into outbound email. Everything here is
// best effort: a failed send is logged and forgotten, never reported back to
// the mutation that triggered it.
package notify

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/greenharvest/marketplace/internal/bus"
	"github.com/greenharvest/marketplace/internal/orders"
	"github.com/greenharvest/marketplace/internal/users"
)

type Dispatcher struct {
	Mailer     Mailer
	Users      users.Directory
	AdminEmail string
	Logger     *zap.Logger
}

func (d *Dispatcher) Subscribe(b *bus.Bus) {
	b.Subscribe(orders.TopicCreated, d.HandleOrderCreated)
	b.Subscribe(orders.TopicUpdated, d.HandleOrderUpdated)
}

// HandleOrderCreated fans out: confirmation to the customer, an alert to
// each implicated farmer, the admin digest, and low-stock warnings.
func (d *Dispatcher) HandleOrderCreated(ctx context.Context, ev bus.Event) {
	oe, ok := ev.Payload.(orders.OrderEvent)
	if !ok || oe.Order == nil {
		return
	}
	order := oe.Order

	if customer, err := d.Users.Get(ctx, order.CustomerID); err == nil {
		d.send(ctx, Email{
			To:      customer.Email,
			Subject: fmt.Sprintf("Order #%s confirmed", order.ID),
			Body: fmt.Sprintf("Thanks, %s!\n\nYour order is confirmed and our farmers are getting it ready.\n\n%s\nTotal: %s\n\nCurrent status: %s\n",
				customer.Name, itemLines(order), money(order.TotalCents), order.Status),
		})
	} else {
		d.Logger.Warn("customer lookup for confirmation failed",
			zap.String("order_id", order.ID), zap.Error(err))
	}

	for _, farmerID := range order.FarmerIDs() {
		farmer, err := d.Users.Get(ctx, farmerID)
		if err != nil {
			d.Logger.Warn("farmer lookup for new-order alert failed",
				zap.String("farmer_id", farmerID), zap.Error(err))
			continue
		}
		d.send(ctx, Email{
			To:      farmer.Email,
			Subject: fmt.Sprintf("New order #%s awaiting action", order.ID),
			Body: fmt.Sprintf("Fresh order for you, %s.\n\nA customer just bought your produce. Please accept or reject it soon.\n\n%s\n",
				farmer.Name, itemLines(order)),
		})
	}

	if d.AdminEmail != "" {
		d.send(ctx, Email{
			To:      d.AdminEmail,
			Subject: fmt.Sprintf("Order #%s placed", order.ID),
			Body: fmt.Sprintf("Customer %s placed an order for %s.\n",
				order.CustomerID, money(order.TotalCents)),
		})
	}

	for _, alert := range oe.LowStock {
		farmer, err := d.Users.Get(ctx, alert.FarmerID)
		if err != nil {
			continue
		}
		d.send(ctx, Email{
			To:      farmer.Email,
			Subject: fmt.Sprintf("Low Stock Alert: %s", alert.Name),
			Body: fmt.Sprintf("Heads up, %s!\n\nYour product %s is running low on stock.\nCurrent stock: %d\nPlease restock soon to keep selling.\n",
				farmer.Name, alert.Name, alert.Remaining),
		})
	}
}

// HandleOrderUpdated notifies the customer of the transition, plus the
// delivery partner the moment they are assigned.
func (d *Dispatcher) HandleOrderUpdated(ctx context.Context, ev bus.Event) {
	oe, ok := ev.Payload.(orders.OrderEvent)
	if !ok || oe.Order == nil || oe.Transition == nil {
		return
	}
	order, tr := oe.Order, oe.Transition

	if customer, err := d.Users.Get(ctx, order.CustomerID); err == nil {
		note := ""
		if tr.Note != "" {
			note = "\nUpdate: " + tr.Note
		}
		d.send(ctx, Email{
			To:      customer.Email,
			Subject: fmt.Sprintf("Order #%s is now %s", order.ID, tr.State),
			Body: fmt.Sprintf("Hi %s,\n\nYour order just moved to %s.%s\n",
				customer.Name, tr.State, note),
		})
	} else {
		d.Logger.Warn("customer lookup for status update failed",
			zap.String("order_id", order.ID), zap.Error(err))
	}

	if tr.State == orders.StatusPacked && order.Delivery != nil {
		d.send(ctx, Email{
			To:      order.Delivery.Contact,
			Subject: fmt.Sprintf("Pickup assignment for order #%s", order.ID),
			Body: fmt.Sprintf("Hi %s,\n\nOrder %s is packed and assigned to you for delivery.\n",
				order.Delivery.Name, order.ID),
		})
	}
}

func (d *Dispatcher) send(ctx context.Context, e Email) {
	if err := d.Mailer.Send(ctx, e); err != nil {
		d.Logger.Warn("email send failed",
			zap.String("to", e.To),
			zap.String("subject", e.Subject),
			zap.Error(err))
	}
}

func itemLines(order *orders.Order) string {
	var b strings.Builder
	for _, it := range order.Items {
		fmt.Fprintf(&b, "%s x %d  %s\n", it.Name, it.Quantity, money(it.UnitPriceCents*it.Quantity))
	}
	return b.String()
}

func money(cents int) string {
	return fmt.Sprintf("$%d.%02d", cents/100, cents%100)
}
