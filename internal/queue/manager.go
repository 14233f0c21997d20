// Package queue owns queued orders and runs the rebalancing algorithm that
// decides, per (account, symbol) partition, which orders are live at the
// venue and which wait locally.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/tidwall/btree"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/quantfleet/ordergate/internal/alerts"
	"github.com/quantfleet/ordergate/internal/breaker"
	"github.com/quantfleet/ordergate/internal/events"
	"github.com/quantfleet/ordergate/internal/limits"
	"github.com/quantfleet/ordergate/internal/metrics"
	"github.com/quantfleet/ordergate/internal/model"
	"github.com/quantfleet/ordergate/internal/ratelimit"
	"github.com/quantfleet/ordergate/internal/store"
	"github.com/quantfleet/ordergate/internal/venue"
)

// Config tunes the queue manager.
type Config struct {
	MaxRetries    int           `mapstructure:"max_retries"`
	LockTimeout   time.Duration `mapstructure:"lock_timeout"`
	CallTimeout   time.Duration `mapstructure:"call_timeout"`
	SlowThreshold time.Duration `mapstructure:"slow_threshold"`
}

func (c *Config) defaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 10 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Second
	}
	if c.SlowThreshold <= 0 {
		c.SlowThreshold = 800 * time.Millisecond
	}
}

// Manager is the order admission engine. The scheduler, the fill monitor and
// inbound batch handlers all funnel into RebalanceSymbol, which is idempotent
// and safe under concurrent invocation.
type Manager struct {
	cfg      Config
	store    store.Repository
	limits   *limits.Tracker
	limiter  *ratelimit.Limiter
	breaker  *breaker.Breaker
	registry *venue.Registry
	alerts   alerts.Sink
	emitter  events.Emitter
	metrics  *metrics.Metrics
	logger   *zap.Logger

	validate *validator.Validate
	locks    *partitionLocks
}

// NewManager wires the admission engine.
func NewManager(
	cfg Config,
	repo store.Repository,
	tracker *limits.Tracker,
	limiter *ratelimit.Limiter,
	brk *breaker.Breaker,
	registry *venue.Registry,
	sink alerts.Sink,
	emitter events.Emitter,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Manager {
	cfg.defaults()
	return &Manager{
		cfg:      cfg,
		store:    repo,
		limits:   tracker,
		limiter:  limiter,
		breaker:  brk,
		registry: registry,
		alerts:   sink,
		emitter:  emitter,
		metrics:  m,
		logger:   logger,
		validate: validator.New(),
		locks:    newPartitionLocks(),
	}
}

// Enqueue inserts a queued order. With a nil tx the insert commits on its
// own; passing the caller's transaction defers the commit so Enqueue and the
// subsequent rebalance land atomically together.
func (m *Manager) Enqueue(ctx context.Context, tx *gorm.DB, order *model.Order) error {
	order.Status = model.OrderStatusQueued
	if err := m.store.CreateOrderTx(ctx, tx, order); err != nil {
		return err
	}
	m.logger.Debug("order enqueued",
		zap.String("order_id", order.ID.String()),
		zap.String("symbol", order.Symbol),
		zap.String("type", order.Type))
	return nil
}

// ValidateIntent rejects malformed intents before they reach the queue.
func (m *Manager) ValidateIntent(in *model.OrderIntent) error {
	if err := m.validate.Struct(in); err != nil {
		return err
	}
	if in.Immediate() {
		if in.Type == model.OrderTypeMarket && !in.Quantity.IsPositive() {
			return model.ErrInvalidIntent
		}
		return nil
	}
	if !in.Quantity.IsPositive() {
		return model.ErrInvalidIntent
	}
	if (in.Type == model.OrderTypeLimit || in.Type == model.OrderTypeStopLimit) && !in.Price.IsPositive() {
		return model.ErrInvalidIntent
	}
	if (in.Type == model.OrderTypeStopMarket || in.Type == model.OrderTypeStopLimit) && !in.TriggerPrice.IsPositive() {
		return model.ErrInvalidIntent
	}
	return nil
}

// ProcessBatch enqueues a batch of queueable intents and rebalances every
// touched partition. Each partition's enqueue+rebalance runs in one
// transaction: a fatal store failure rolls that partition's insertions back,
// so a caller never sees an order accepted and then silently lost. Per-order
// venue failures never abort the rest of the batch. Partial success is the
// expected outcome.
func (m *Manager) ProcessBatch(ctx context.Context, intents []model.OrderIntent) model.BatchResult {
	result := model.BatchResult{BatchID: uuid.New()}

	grouped := make(map[string][]*model.Order)
	indexOf := make(map[uuid.UUID]int, len(intents))
	var keys []string
	for i := range intents {
		in := &intents[i]
		if err := m.ValidateIntent(in); err != nil {
			result.Rejected = append(result.Rejected, model.IntentRejection{
				Index: i, Symbol: in.Symbol, Reason: err.Error(),
			})
			continue
		}
		if in.Immediate() {
			result.Rejected = append(result.Rejected, model.IntentRejection{
				Index: i, Symbol: in.Symbol, Reason: "immediate-class intent must use the dispatch path",
			})
			continue
		}
		order := model.NewOrder(in, result.BatchID)
		indexOf[order.ID] = i
		key := order.OwnerID.String() + "|" + partitionKey(order.AccountID, order.Symbol)
		if _, ok := grouped[key]; !ok {
			keys = append(keys, key)
		}
		grouped[key] = append(grouped[key], order)
	}

	for _, key := range keys {
		orders := grouped[key]
		ownerID, accountID, symbol := orders[0].OwnerID, orders[0].AccountID, orders[0].Symbol

		out, err := m.enqueueAndRebalance(ctx, ownerID, accountID, symbol, orders)
		if err != nil {
			// The whole partition batch rolled back; report every order.
			m.logger.Error("partition batch failed",
				zap.String("account_id", accountID.String()),
				zap.String("symbol", symbol),
				zap.Error(err))
			for _, o := range orders {
				result.Rejected = append(result.Rejected, model.IntentRejection{
					Index: indexOf[o.ID], Symbol: o.Symbol, Reason: err.Error(),
				})
			}
			continue
		}

		for _, o := range orders {
			result.Accepted = append(result.Accepted, o.ID)
		}
		result.Promoted += out.result.Promoted
		result.StillQueued += out.result.StillQueued
		result.Failed = append(result.Failed, out.result.Failed...)
	}

	return result
}

func (m *Manager) enqueueAndRebalance(ctx context.Context, ownerID, accountID uuid.UUID, symbol string, orders []*model.Order) (*passOutput, error) {
	// One partition routes through one adapter; a second venue for the same
	// (account, symbol) scope would send cancels to the wrong exchange.
	venueName := orders[0].Venue
	for _, o := range orders[1:] {
		if o.Venue != venueName {
			return nil, model.ErrVenueMismatch
		}
	}

	if err := m.locks.acquire(ctx, accountID, symbol, m.cfg.LockTimeout); err != nil {
		return nil, err
	}
	defer m.locks.release(accountID, symbol)

	var out *passOutput
	err := m.store.ExecuteInTransaction(ctx, func(tx *gorm.DB) error {
		existing, err := m.store.PartitionOrders(ctx, tx, ownerID, accountID, symbol,
			model.OrderStatusQueued, model.OrderStatusActive, model.OrderStatusCancelling)
		if err != nil {
			return err
		}
		if len(existing) > 0 && existing[0].Venue != venueName {
			return model.ErrVenueMismatch
		}

		for _, o := range orders {
			if err := m.Enqueue(ctx, tx, o); err != nil {
				return err
			}
		}
		out, err = m.rebalanceLocked(ctx, tx, ownerID, accountID, symbol)
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, o := range orders {
		out.events = append(out.events, model.Event{
			Type: model.EventCreated, OrderID: o.ID, AccountID: o.AccountID,
			OwnerID: o.OwnerID, Venue: o.Venue, Symbol: o.Symbol, At: time.Now().UTC(),
		})
	}
	m.flush(ctx, out)
	return out, nil
}

// RebalanceSymbol recomputes the active/queued split for one partition on
// behalf of one owner. The result is idempotent: with no intervening state
// change a second call promotes and evicts nothing. The lock and ceiling are
// scoped to (account, symbol); only the acting owner's orders are read or
// mutated, with foreign owners' live orders subtracted from the ceiling.
func (m *Manager) RebalanceSymbol(ctx context.Context, ownerID, accountID uuid.UUID, symbol string) (model.RebalanceResult, error) {
	if err := m.locks.acquire(ctx, accountID, symbol, m.cfg.LockTimeout); err != nil {
		return model.RebalanceResult{}, err
	}
	defer m.locks.release(accountID, symbol)

	var out *passOutput
	err := m.store.ExecuteInTransaction(ctx, func(tx *gorm.DB) error {
		var err error
		out, err = m.rebalanceLocked(ctx, tx, ownerID, accountID, symbol)
		return err
	})
	if err != nil {
		return model.RebalanceResult{}, err
	}

	m.flush(ctx, out)
	return out.result, nil
}

type passOutput struct {
	result model.RebalanceResult
	events []model.Event
	alerts []model.FailureAlert
}

// rebalanceLocked runs one pass under the partition lock and inside tx. All
// store mutations go through tx so a fatal error leaves no half-applied
// state. Venue calls are synchronous I/O; evictions run before promotions so
// freed capacity is usable within the same pass.
func (m *Manager) rebalanceLocked(ctx context.Context, tx *gorm.DB, ownerID, accountID uuid.UUID, symbol string) (*passOutput, error) {
	started := time.Now()
	out := &passOutput{result: model.RebalanceResult{AccountID: accountID, Symbol: symbol}}

	orders, err := m.store.PartitionOrders(ctx, tx, ownerID, accountID, symbol,
		model.OrderStatusQueued, model.OrderStatusActive)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return out, nil
	}

	venueName, market := orders[0].Venue, orders[0].Market
	adapter, err := m.registry.Get(venueName)
	if err != nil {
		return nil, err
	}

	limit := m.limits.ComputeLimit(ctx, venueName, market, symbol, accountID)

	// Foreign owners' live orders occupy partition capacity but are off
	// limits to this pass; shrink the effective ceiling instead.
	foreign, foreignStops, err := m.store.CountForeignActive(ctx, tx, ownerID, accountID, symbol)
	if err != nil {
		return nil, err
	}
	limit.MaxActive -= int(foreign)
	if limit.MaxActive < 0 {
		limit.MaxActive = 0
	}
	limit.MaxStopActive -= int(foreignStops)
	if limit.MaxStopActive < 0 {
		limit.MaxStopActive = 0
	}
	if limit.MaxStopActive > limit.MaxActive {
		limit.MaxStopActive = limit.MaxActive
	}

	// Total admission order over the whole partition snapshot.
	tree := btree.NewBTreeG[*model.Order](admitBefore)
	for _, o := range orders {
		tree.Set(o)
	}

	// Greedy prefix selection with the STOP sub-quota: a STOP order past the
	// sub-quota is skipped without consuming a general slot, letting a
	// lower-priority non-STOP order take it instead.
	selected := make(map[uuid.UUID]bool, limit.MaxActive)
	stops := 0
	tree.Scan(func(o *model.Order) bool {
		if len(selected) >= limit.MaxActive {
			return false
		}
		if o.IsStop() {
			if stops >= limit.MaxStopActive {
				return true
			}
			stops++
		}
		selected[o.ID] = true
		return true
	})

	// Evictions first: active orders that lost their slot.
	for _, o := range orders {
		if o.Status != model.OrderStatusActive || selected[o.ID] {
			continue
		}
		m.evict(ctx, tx, adapter, o, out)
	}

	// A failed or skipped eviction keeps its venue slot, so the promotion
	// budget is whatever is actually free now, not the selected set.
	liveTotal, liveStops := 0, 0
	for _, o := range orders {
		if o.Status == model.OrderStatusActive {
			liveTotal++
			if o.IsStop() {
				liveStops++
			}
		}
	}

	// Promotions: queued orders that won a slot, in admission order, while
	// free slots remain. Overflow stays queued for the next pass.
	tree.Scan(func(o *model.Order) bool {
		if liveTotal >= limit.MaxActive {
			return false
		}
		if o.Status != model.OrderStatusQueued || !selected[o.ID] {
			return true
		}
		if o.IsStop() && liveStops >= limit.MaxStopActive {
			return true
		}
		if m.promote(ctx, tx, adapter, o, out) {
			liveTotal++
			if o.IsStop() {
				liveStops++
			}
		}
		return true
	})

	// Everything still QUEUED at this point, demoted, retried, skipped or
	// simply over quota, is reported as such once.
	for _, o := range orders {
		if o.Status == model.OrderStatusQueued {
			out.result.StillQueued++
		}
	}

	out.result.Duration = time.Since(started)
	if m.metrics != nil {
		m.metrics.RebalanceDuration.WithLabelValues(venueName).Observe(out.result.Duration.Seconds())
	}
	if out.result.Duration > m.cfg.SlowThreshold {
		m.logger.Warn("slow rebalance pass, possible venue latency degradation",
			zap.String("account_id", accountID.String()),
			zap.String("symbol", symbol),
			zap.Duration("duration", out.result.Duration))
	}

	m.logger.Debug("rebalance pass complete",
		zap.String("account_id", accountID.String()),
		zap.String("symbol", symbol),
		zap.Int("promoted", out.result.Promoted),
		zap.Int("evicted", out.result.Evicted),
		zap.Int("still_queued", out.result.StillQueued),
		zap.Int("failed", len(out.result.Failed)))

	return out, nil
}

// evict cancels an active order at the venue and requeues it. A cancel
// failure reverts the order to active; it keeps its slot until the next
// pass.
func (m *Manager) evict(ctx context.Context, tx *gorm.DB, adapter venue.Adapter, o *model.Order, out *passOutput) {
	if !m.breaker.ShouldAttempt(o.Venue) {
		return
	}
	if err := m.limiter.AcquireSlot(ctx, o.Venue, ratelimit.ClassCancel, o.AccountID); err != nil {
		m.countRateTimeout(o.Venue, ratelimit.ClassCancel, err)
		return
	}

	if err := m.store.UpdateStatusTx(ctx, tx, o.ID, model.OrderStatusActive, model.OrderStatusCancelling); err != nil {
		m.logger.Warn("eviction transition failed", zap.String("order_id", o.ID.String()), zap.Error(err))
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	err := adapter.Cancel(callCtx, o.VenueOrderID, o.Symbol)
	cancel()

	if err != nil {
		m.breaker.RecordResult(o.Venue, false)
		// Revert: the order is still live at the venue.
		if uerr := m.store.UpdateStatusTx(ctx, tx, o.ID, model.OrderStatusCancelling, model.OrderStatusActive); uerr != nil {
			m.logger.Error("failed to revert cancelling order",
				zap.String("order_id", o.ID.String()), zap.Error(uerr))
		}
		m.logger.Warn("venue cancel failed, order keeps its slot",
			zap.String("order_id", o.ID.String()),
			zap.String("class", string(Classify(err))),
			zap.Error(err))
		return
	}

	m.breaker.RecordResult(o.Venue, true)
	if err := m.store.DemoteTx(ctx, tx, o.ID); err != nil {
		m.logger.Error("failed to requeue evicted order",
			zap.String("order_id", o.ID.String()), zap.Error(err))
		return
	}

	// The demoted order is counted as still-queued by the caller's sweep.
	o.Status = model.OrderStatusQueued
	out.result.Evicted++
	if m.metrics != nil {
		m.metrics.RebalanceEvicted.WithLabelValues(o.Venue).Inc()
	}
	out.events = append(out.events, model.Event{
		Type: model.EventDemoted, OrderID: o.ID, AccountID: o.AccountID,
		OwnerID: o.OwnerID, Venue: o.Venue, Symbol: o.Symbol, At: time.Now().UTC(),
	})
}

// promote submits a queued order to the venue. Recoverable failures leave it
// queued with a bumped retry budget; non-recoverable ones (or an exhausted
// budget) fail it permanently, alert the owner, and never abort the rest of
// the pass. The return value reports whether a venue slot was consumed.
func (m *Manager) promote(ctx context.Context, tx *gorm.DB, adapter venue.Adapter, o *model.Order, out *passOutput) bool {
	if !m.breaker.ShouldAttempt(o.Venue) {
		// Left queued for the next scheduler tick or fill event.
		return false
	}

	if err := m.limiter.AcquireSlot(ctx, o.Venue, ratelimit.ClassSubmit, o.AccountID); err != nil {
		m.countRateTimeout(o.Venue, ratelimit.ClassSubmit, err)
		m.retryOrFail(ctx, tx, o, err, out)
		return false
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	ack, err := adapter.Submit(callCtx, venue.OrderSpec{
		ClientOrderID: o.ID.String(),
		Symbol:        o.Symbol,
		Side:          o.Side,
		Type:          o.Type,
		Price:         o.Price,
		TriggerPrice:  o.TriggerPrice,
		Quantity:      o.Quantity,
	})
	cancel()

	if err != nil {
		m.breaker.RecordResult(o.Venue, false)
		m.retryOrFail(ctx, tx, o, err, out)
		return false
	}

	m.breaker.RecordResult(o.Venue, true)
	if err := m.store.PromoteTx(ctx, tx, o.ID, ack.VenueOrderID); err != nil {
		// The order is live at the venue regardless; the slot is taken.
		m.logger.Error("failed to persist promotion",
			zap.String("order_id", o.ID.String()), zap.Error(err))
		return true
	}

	o.Status = model.OrderStatusActive
	o.VenueOrderID = ack.VenueOrderID
	out.result.Promoted++
	if m.metrics != nil {
		m.metrics.RebalancePromoted.WithLabelValues(o.Venue).Inc()
	}
	out.events = append(out.events, model.Event{
		Type: model.EventPromoted, OrderID: o.ID, AccountID: o.AccountID,
		OwnerID: o.OwnerID, Venue: o.Venue, Symbol: o.Symbol, At: time.Now().UTC(),
	})
	return true
}

func (m *Manager) retryOrFail(ctx context.Context, tx *gorm.DB, o *model.Order, cause error, out *passOutput) {
	class := Classify(cause)
	if m.metrics != nil {
		m.metrics.OrderFailures.WithLabelValues(o.Venue, string(class)).Inc()
	}

	if class.Recoverable() && o.RetryCount+1 < m.cfg.MaxRetries {
		if err := m.store.IncrementRetryTx(ctx, tx, o.ID, cause.Error()); err != nil {
			m.logger.Error("failed to record retry",
				zap.String("order_id", o.ID.String()), zap.Error(err))
		}
		o.RetryCount++
		m.logger.Debug("promotion failed, order stays queued",
			zap.String("order_id", o.ID.String()),
			zap.String("class", string(class)),
			zap.Int("retry_count", o.RetryCount))
		return
	}

	if err := m.store.MarkFailedTx(ctx, tx, o.ID, cause.Error()); err != nil {
		m.logger.Error("failed to mark order failed",
			zap.String("order_id", o.ID.String()), zap.Error(err))
		return
	}

	o.Status = model.OrderStatusFailed
	out.result.Failed = append(out.result.Failed, model.OrderFailure{
		OrderID:   o.ID,
		AccountID: o.AccountID,
		Symbol:    o.Symbol,
		Class:     class,
		Message:   cause.Error(),
	})
	out.alerts = append(out.alerts, model.FailureAlert{
		AccountID: o.AccountID,
		OwnerID:   o.OwnerID,
		Symbol:    o.Symbol,
		Class:     class,
		Message:   cause.Error(),
	})
	out.events = append(out.events, model.Event{
		Type: model.EventFailed, OrderID: o.ID, AccountID: o.AccountID,
		OwnerID: o.OwnerID, Venue: o.Venue, Symbol: o.Symbol, At: time.Now().UTC(),
	})
}

// flush delivers events and alerts gathered during a committed pass. Venue
// side-effects have already happened by now, so delivery is best-effort.
func (m *Manager) flush(ctx context.Context, out *passOutput) {
	for _, ev := range out.events {
		m.emitter.Emit(ctx, ev)
	}
	for _, a := range out.alerts {
		m.alerts.NotifyFailure(ctx, a)
	}
}

func (m *Manager) countRateTimeout(venueName string, class ratelimit.EndpointClass, err error) {
	if m.metrics != nil && errors.Is(err, model.ErrRateLimitTimeout) {
		m.metrics.RateLimitTimeouts.WithLabelValues(venueName, string(class)).Inc()
	}
}
