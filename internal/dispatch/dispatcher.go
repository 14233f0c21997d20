// Package dispatch is the bypass path for immediate-class intents (market
// execution, blanket cancel): straight through the rate limiter and circuit
// breaker to the venue, no queue involvement.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/quantfleet/ordergate/internal/breaker"
	"github.com/quantfleet/ordergate/internal/model"
	"github.com/quantfleet/ordergate/internal/ratelimit"
	"github.com/quantfleet/ordergate/internal/venue"
)

// Dispatcher executes immediate intents synchronously.
type Dispatcher struct {
	registry    *venue.Registry
	limiter     *ratelimit.Limiter
	breaker     *breaker.Breaker
	callTimeout time.Duration
	logger      *zap.Logger
}

// NewDispatcher wires the bypass path.
func NewDispatcher(registry *venue.Registry, limiter *ratelimit.Limiter, brk *breaker.Breaker, callTimeout time.Duration, logger *zap.Logger) *Dispatcher {
	if callTimeout <= 0 {
		callTimeout = 5 * time.Second
	}
	return &Dispatcher{
		registry:    registry,
		limiter:     limiter,
		breaker:     brk,
		callTimeout: callTimeout,
		logger:      logger,
	}
}

// DispatchImmediate executes a MARKET or CANCEL_ALL intent. Unlike queued
// orders, failures here surface directly to the caller.
func (d *Dispatcher) DispatchImmediate(ctx context.Context, in *model.OrderIntent) (venue.Ack, error) {
	if !in.Immediate() {
		return venue.Ack{}, fmt.Errorf("%w: type %s is not immediate-class", model.ErrInvalidIntent, in.Type)
	}

	adapter, err := d.registry.Get(in.Venue)
	if err != nil {
		return venue.Ack{}, err
	}
	if !d.breaker.ShouldAttempt(in.Venue) {
		return venue.Ack{}, fmt.Errorf("venue %s circuit is open", in.Venue)
	}

	class := ratelimit.ClassSubmit
	if in.Type == model.OrderTypeCancelAll {
		class = ratelimit.ClassCancel
	}
	if err := d.limiter.AcquireSlot(ctx, in.Venue, class, in.AccountID); err != nil {
		return venue.Ack{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()

	if in.Type == model.OrderTypeCancelAll {
		err := adapter.CancelAll(callCtx, in.Symbol)
		d.breaker.RecordResult(in.Venue, err == nil)
		if err != nil {
			return venue.Ack{}, fmt.Errorf("cancel all: %w", err)
		}
		return venue.Ack{Status: venue.StatusCancelled}, nil
	}

	ack, err := adapter.Submit(callCtx, venue.OrderSpec{
		Symbol:   in.Symbol,
		Side:     in.Side,
		Type:     in.Type,
		Quantity: in.Quantity,
	})
	d.breaker.RecordResult(in.Venue, err == nil)
	if err != nil {
		return venue.Ack{}, fmt.Errorf("market dispatch: %w", err)
	}

	d.logger.Info("immediate intent dispatched",
		zap.String("venue", in.Venue),
		zap.String("symbol", in.Symbol),
		zap.String("type", in.Type),
		zap.String("venue_order_id", ack.VenueOrderID))
	return ack, nil
}
