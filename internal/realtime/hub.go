// Package realtime pushes full order snapshots to websocket clients grouped
// in per-order rooms. Each push replaces the client's local state wholesale;
// there is no diffing and no ordering promise beyond bus emission order.
package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/greenharvest/marketplace/internal/bus"
	"github.com/greenharvest/marketplace/internal/orders"
)

const clientBuffer = 8

type Hub struct {
	mu     sync.Mutex
	rooms  map[string]map[chan []byte]struct{}
	logger *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{rooms: make(map[string]map[chan []byte]struct{}), logger: logger}
}

func (h *Hub) Subscribe(b *bus.Bus) {
	push := func(_ context.Context, ev bus.Event) {
		oe, ok := ev.Payload.(orders.OrderEvent)
		if !ok || oe.Order == nil {
			return
		}
		h.Broadcast(oe.Order.ID, oe.Order)
	}
	b.Subscribe(orders.TopicCreated, push)
	b.Subscribe(orders.TopicUpdated, push)
}

// Join subscribes to an order's room. Unknown order ids join an empty room
// silently. The returned leave func is idempotent.
func (h *Hub) Join(orderID string) (<-chan []byte, func()) {
	ch := make(chan []byte, clientBuffer)

	h.mu.Lock()
	room, ok := h.rooms[orderID]
	if !ok {
		room = make(map[chan []byte]struct{})
		h.rooms[orderID] = room
	}
	room[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	leave := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.drop(orderID, ch)
		})
	}
	return ch, leave
}

// drop must be called with the lock held.
func (h *Hub) drop(orderID string, ch chan []byte) {
	room, ok := h.rooms[orderID]
	if !ok {
		return
	}
	if _, member := room[ch]; !member {
		return
	}
	delete(room, ch)
	close(ch)
	if len(room) == 0 {
		delete(h.rooms, orderID)
	}
}

// Broadcast pushes the snapshot to every member of the room. A client whose
// buffer is full is dropped rather than stalling the hub.
func (h *Hub) Broadcast(orderID string, snapshot any) {
	b, err := json.Marshal(snapshot)
	if err != nil {
		h.logger.Error("marshal order snapshot", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.rooms[orderID] {
		select {
		case ch <- b:
		default:
			h.logger.Warn("dropping slow realtime client", zap.String("order_id", orderID))
			h.drop(orderID, ch)
		}
	}
}

// RoomSize is used by tests and the health endpoint.
func (h *Hub) RoomSize(orderID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[orderID])
}
