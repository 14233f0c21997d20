package events

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/quantfleet/ordergate/internal/model"
)

func TestBusFanOut(t *testing.T) {
	b := NewBus(zap.NewNop())
	a := b.Subscribe(4)
	c := b.Subscribe(4)

	ev := model.Event{Type: model.EventPromoted, OrderID: uuid.New()}
	b.Emit(context.Background(), ev)

	assert.Equal(t, ev, <-a)
	assert.Equal(t, ev, <-c)
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	b := NewBus(zap.NewNop())
	slow := b.Subscribe(1)
	ctx := context.Background()

	first := model.Event{Type: model.EventCreated, OrderID: uuid.New()}
	second := model.Event{Type: model.EventPromoted, OrderID: uuid.New()}

	// The buffer holds one event; the second emit must not block, it drops.
	b.Emit(ctx, first)
	b.Emit(ctx, second)

	assert.Equal(t, first, <-slow)
	select {
	case ev := <-slow:
		t.Fatalf("unexpected second event %v", ev)
	default:
	}
}

func TestBusCloseClosesSubscribers(t *testing.T) {
	b := NewBus(zap.NewNop())
	sub := b.Subscribe(1)

	assert.NoError(t, b.Close())
	_, open := <-sub
	assert.False(t, open)
}

type countingEmitter struct{ n int }

func (c *countingEmitter) Emit(ctx context.Context, ev model.Event) { c.n++ }
func (c *countingEmitter) Close() error                             { return nil }

func TestMultiEmitsToAll(t *testing.T) {
	a, b := &countingEmitter{}, &countingEmitter{}
	m := Multi{a, b}

	m.Emit(context.Background(), model.Event{Type: model.EventFilled})
	assert.Equal(t, 1, a.n)
	assert.Equal(t, 1, b.n)
	assert.NoError(t, m.Close())
}
