// Package bus is the in-process pub/sub decoupling order mutations from
// their side effects. It is constructed once at startup and injected; there
// is no package-level singleton. Dispatch is asynchronous and panic-safe:
// a failing subscriber can never affect the mutation that already committed,
// nor its sibling subscribers.
package bus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Event struct {
	Topic   string
	At      time.Time
	Payload any
}

type Handler func(ctx context.Context, ev Event)

type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]Handler
	wg     sync.WaitGroup
	logger *zap.Logger
}

func New(logger *zap.Logger) *Bus {
	return &Bus{subs: make(map[string][]Handler), logger: logger}
}

func (b *Bus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], h)
}

// Publish hands the event to every subscriber on its own goroutine. The
// passed context is detached from cancellation so side effects outlive the
// request that triggered them.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) {
	b.mu.RLock()
	handlers := b.subs[topic]
	b.mu.RUnlock()

	ev := Event{Topic: topic, At: time.Now().UTC(), Payload: payload}
	detached := context.WithoutCancel(ctx)
	for _, h := range handlers {
		b.wg.Add(1)
		go b.dispatch(detached, h, ev)
	}
}

func (b *Bus) dispatch(ctx context.Context, h Handler, ev Event) {
	defer b.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				zap.String("topic", ev.Topic),
				zap.Any("panic", r))
		}
	}()
	h(ctx, ev)
}

// Wait blocks until all in-flight deliveries finish. Used on shutdown and
// by tests to observe side effects deterministically.
func (b *Bus) Wait() { b.wg.Wait() }
