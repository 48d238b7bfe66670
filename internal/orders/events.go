package orders

import (
	"encoding/json"
	"time"
)

// Bus topics inside the process.
const (
	TopicCreated = "order:created"
	TopicUpdated = "order:updated"
)

// Kafka topics for the cross-process leg. Partition key = order id so all
// events for one order stay ordered.
const (
	KafkaTopicCreated = "order.created"
	KafkaTopicUpdated = "order.updated"
)

func PartitionKey(orderID string) []byte { return []byte(orderID) }

// LowStockAlert marks a product whose post-reservation stock fell to or
// below its threshold.
type LowStockAlert struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	FarmerID  string `json:"farmer_id"`
	Remaining int    `json:"remaining"`
}

// OrderEvent is the payload published on the bus for both topics. It carries
// the full current order snapshot; consumers treat each event as an
// idempotent replacement, never a diff.
type OrderEvent struct {
	Order      *Order          `json:"order"`
	Transition *TimelineEntry  `json:"transition,omitempty"` // nil for order:created
	LowStock   []LowStockAlert `json:"low_stock,omitempty"`
}

// Envelope is the versioned wire form used on Kafka.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"` // bus topic name
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	CorrelationID string          `json:"correlation_id"` // order id
	Payload       json.RawMessage `json:"payload"`        // OrderEvent
}
