// Package events publishes order state-change notifications for downstream
// display and notification subscribers. The engine only emits.
package events

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/quantfleet/ordergate/internal/model"
)

// Emitter delivers state-change events. Implementations must never block the
// order pipeline for long and must swallow their own delivery failures.
type Emitter interface {
	Emit(ctx context.Context, ev model.Event)
	Close() error
}

// Bus is an in-process fan-out emitter with bounded subscriber channels.
// Slow subscribers lose events rather than stalling rebalancing.
type Bus struct {
	mu     sync.RWMutex
	subs   []chan model.Event
	logger *zap.Logger
}

// NewBus creates an in-process event bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe registers a new subscriber channel.
func (b *Bus) Subscribe(buffer int) <-chan model.Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan model.Event, buffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Emit fans the event out to all subscribers, dropping on full channels.
func (b *Bus) Emit(ctx context.Context, ev model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("dropping event for slow subscriber",
				zap.String("type", ev.Type),
				zap.String("order_id", ev.OrderID.String()))
		}
	}
}

// Close closes all subscriber channels.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
	return nil
}

// Multi emits to several emitters in order.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, ev model.Event) {
	for _, e := range m {
		e.Emit(ctx, ev)
	}
}

func (m Multi) Close() error {
	var firstErr error
	for _, e := range m {
		if err := e.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
