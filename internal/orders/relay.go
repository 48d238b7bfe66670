package orders

import (
	"context"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/greenharvest/marketplace/internal/bus"
	kafkax "github.com/greenharvest/marketplace/internal/kafka"
)

// Relay republishes bus events to Kafka so out-of-process consumers (the
// notifier, analytics) see the same stream. It is one more best-effort
// subscriber: a broker outage never touches the order mutation.
type Relay struct {
	Created  *kafkax.Producer
	Updated  *kafkax.Producer
	Producer string // service name stamped on envelopes
}

func (r *Relay) Subscribe(b *bus.Bus) {
	b.Subscribe(TopicCreated, func(_ context.Context, ev bus.Event) {
		r.publish(r.Created, ev)
	})
	b.Subscribe(TopicUpdated, func(_ context.Context, ev bus.Event) {
		r.publish(r.Updated, ev)
	})
}

func (r *Relay) publish(p *kafkax.Producer, ev bus.Event) {
	oe, ok := ev.Payload.(OrderEvent)
	if !ok || oe.Order == nil {
		return
	}
	env := Envelope{
		EventID:       uuid.NewString(),
		EventType:     ev.Topic,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      r.Producer,
		CorrelationID: oe.Order.ID,
		Payload:       kafkax.MustMarshal(oe),
	}
	p.Publish(PartitionKey(oe.Order.ID), kafkax.MustMarshal(env),
		kafkago.Header{Key: "x-event-type", Value: []byte(ev.Topic)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}
