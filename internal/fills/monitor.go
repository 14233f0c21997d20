// Package fills consumes venue push notifications, confirms fills against
// the venue, updates stored orders and re-triggers rebalancing on every
// terminal transition.
package fills

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quantfleet/ordergate/internal/events"
	"github.com/quantfleet/ordergate/internal/metrics"
	"github.com/quantfleet/ordergate/internal/model"
	"github.com/quantfleet/ordergate/internal/store"
	"github.com/quantfleet/ordergate/internal/venue"
)

// Rebalancer is the slice of the queue manager the monitor needs.
type Rebalancer interface {
	RebalanceSymbol(ctx context.Context, ownerID, accountID uuid.UUID, symbol string) (model.RebalanceResult, error)
}

// Config tunes the fill monitor.
type Config struct {
	Workers       int           `mapstructure:"workers"`
	ClaimTimeout  time.Duration `mapstructure:"claim_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	FetchTimeout  time.Duration `mapstructure:"fetch_timeout"`
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 5 * time.Second
	}
}

// Monitor consumes PushEvents from every connected venue session. The push
// payload is a hint only: the true status is always confirmed with a direct
// read-back before any state change. A compare-and-swap claim on the order
// keeps the monitor and the periodic scheduler from double-processing, and a
// background sweeper releases claims orphaned by a crashed worker.
type Monitor struct {
	cfg        Config
	store      store.Repository
	registry   *venue.Registry
	rebalancer Rebalancer
	emitter    events.Emitter
	metrics    *metrics.Metrics
	logger     *zap.Logger

	in <-chan venue.PushEvent

	running int32
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	processed int64
}

// NewMonitor creates a fill monitor reading from in.
func NewMonitor(
	cfg Config,
	repo store.Repository,
	registry *venue.Registry,
	rebalancer Rebalancer,
	emitter events.Emitter,
	m *metrics.Metrics,
	in <-chan venue.PushEvent,
	logger *zap.Logger,
) *Monitor {
	cfg.defaults()
	return &Monitor{
		cfg:        cfg,
		store:      repo,
		registry:   registry,
		rebalancer: rebalancer,
		emitter:    emitter,
		metrics:    m,
		in:         in,
		logger:     logger,
	}
}

// Start launches the event workers and the claim sweeper.
func (m *Monitor) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&m.running, 0, 1) {
		return nil
	}
	ctx, m.cancel = context.WithCancel(ctx)

	// Each worker owns one context for its whole lifetime.
	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx)
	}
	m.wg.Add(1)
	go m.sweeper(ctx)

	m.logger.Info("fill monitor started", zap.Int("workers", m.cfg.Workers))
	return nil
}

// Stop shuts the monitor down and waits for in-flight events to finish.
func (m *Monitor) Stop() error {
	if !atomic.CompareAndSwapInt32(&m.running, 1, 0) {
		return nil
	}
	m.cancel()
	m.wg.Wait()
	return nil
}

// Processed returns how many push events have been fully handled.
func (m *Monitor) Processed() int64 {
	return atomic.LoadInt64(&m.processed)
}

func (m *Monitor) worker(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.in:
			if !ok {
				return
			}
			m.Handle(ctx, ev)
			atomic.AddInt64(&m.processed, 1)
		}
	}
}

// Handle processes one push event end to end. Exported so tests and replay
// tooling can drive the monitor synchronously.
func (m *Monitor) Handle(ctx context.Context, ev venue.PushEvent) {
	if m.metrics != nil {
		m.metrics.FillEventsConsumed.WithLabelValues(ev.Venue).Inc()
	}

	adapter, err := m.registry.Get(ev.Venue)
	if err != nil {
		m.logger.Warn("push event for unknown venue", zap.String("venue", ev.Venue))
		return
	}
	symbol := adapter.NormalizeSymbol(ev.Symbol)

	order, err := m.store.GetOrderByVenueID(ctx, ev.Venue, ev.VenueOrderID)
	if err != nil {
		if errors.Is(err, model.ErrOrderNotFound) {
			// Stale or duplicate push for an order already resolved.
			m.logger.Debug("push event matched no order",
				zap.String("venue", ev.Venue),
				zap.String("venue_order_id", ev.VenueOrderID))
			return
		}
		m.logger.Error("order lookup failed", zap.Error(err))
		return
	}

	// CAS claim: exactly one worker wins; everyone else drops the event.
	if err := m.store.ClaimOrder(ctx, order.ID); err != nil {
		if errors.Is(err, model.ErrOrderClaimed) {
			return
		}
		m.logger.Error("order claim failed", zap.Error(err))
		return
	}

	terminal := m.confirmAndApply(ctx, adapter, order, symbol)

	if err := m.store.ReleaseClaim(ctx, order.ID); err != nil && !errors.Is(err, model.ErrOrderNotFound) {
		m.logger.Warn("claim release failed", zap.String("order_id", order.ID.String()), zap.Error(err))
	}

	if terminal {
		if _, err := m.rebalancer.RebalanceSymbol(ctx, order.OwnerID, order.AccountID, order.Symbol); err != nil {
			m.logger.Warn("post-fill rebalance failed",
				zap.String("account_id", order.AccountID.String()),
				zap.String("symbol", order.Symbol),
				zap.Error(err))
		}
	}
}

// confirmAndApply reads the authoritative status back from the venue and
// applies it. Returns true when the order reached a terminal state.
func (m *Monitor) confirmAndApply(ctx context.Context, adapter venue.Adapter, order *model.Order, symbol string) bool {
	fetchCtx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
	status, err := adapter.Fetch(fetchCtx, order.VenueOrderID, symbol)
	cancel()
	if err != nil {
		m.logger.Warn("fill confirmation fetch failed",
			zap.String("order_id", order.ID.String()), zap.Error(err))
		return false
	}

	switch status.Status {
	case venue.StatusFilled:
		m.finalize(ctx, order, status, model.EventFilled)
		return true
	case venue.StatusCancelled:
		m.finalize(ctx, order, status, model.EventCancelled)
		return true
	case venue.StatusPartiallyFilled:
		if err := m.store.UpdateFill(ctx, order.ID, status.FilledQty, status.AvgPrice); err != nil {
			m.logger.Error("partial fill update failed",
				zap.String("order_id", order.ID.String()), zap.Error(err))
		}
		return false
	default:
		// Push hint was stale; the order is still open.
		return false
	}
}

func (m *Monitor) finalize(ctx context.Context, order *model.Order, status venue.OrderStatus, eventType string) {
	if err := m.store.UpdateFill(ctx, order.ID, status.FilledQty, status.AvgPrice); err != nil {
		m.logger.Error("final fill update failed",
			zap.String("order_id", order.ID.String()), zap.Error(err))
	}
	if err := m.store.DeleteOrder(ctx, order.ID); err != nil {
		m.logger.Error("terminal order removal failed",
			zap.String("order_id", order.ID.String()), zap.Error(err))
		return
	}

	m.emitter.Emit(ctx, model.Event{
		Type:      eventType,
		OrderID:   order.ID,
		AccountID: order.AccountID,
		OwnerID:   order.OwnerID,
		Venue:     order.Venue,
		Symbol:    order.Symbol,
		At:        time.Now().UTC(),
	})
	m.logger.Info("order resolved",
		zap.String("order_id", order.ID.String()),
		zap.String("outcome", eventType),
		zap.String("symbol", order.Symbol))
}

// sweeper releases claims held past the timeout, recovering orders stranded
// by a crashed claimant.
func (m *Monitor) sweeper(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			released, err := m.store.ReleaseExpiredClaims(ctx, m.cfg.ClaimTimeout)
			if err != nil {
				m.logger.Warn("claim sweep failed", zap.Error(err))
				continue
			}
			if released > 0 {
				if m.metrics != nil {
					m.metrics.ClaimsReleased.Add(float64(released))
				}
				m.logger.Info("released stale claims", zap.Int64("count", released))
			}
		}
	}
}
