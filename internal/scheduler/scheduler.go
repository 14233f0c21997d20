// Package scheduler is the periodic fallback driver: every tick it
// rebalances each partition that still holds queued orders, so orders parked
// by an open circuit or a transient failure are retried without waiting for
// a fill event.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quantfleet/ordergate/internal/model"
	"github.com/quantfleet/ordergate/internal/store"
)

// Rebalancer is the slice of the queue manager the scheduler drives.
type Rebalancer interface {
	RebalanceSymbol(ctx context.Context, ownerID, accountID uuid.UUID, symbol string) (model.RebalanceResult, error)
}

// Config tunes the scheduler.
type Config struct {
	Interval time.Duration `mapstructure:"interval"`
	Workers  int           `mapstructure:"workers"`
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
}

// Scheduler drives periodic rebalancing with a fixed worker pool. Each
// worker is created at startup and owns its context for its full lifetime.
type Scheduler struct {
	cfg        Config
	store      store.Repository
	rebalancer Rebalancer
	logger     *zap.Logger

	work    chan store.Partition
	running int32
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	ticks int64
}

// New creates a scheduler.
func New(cfg Config, repo store.Repository, rebalancer Rebalancer, logger *zap.Logger) *Scheduler {
	cfg.defaults()
	return &Scheduler{
		cfg:        cfg,
		store:      repo,
		rebalancer: rebalancer,
		logger:     logger,
		work:       make(chan store.Partition, 256),
	}
}

// Start launches the tick loop and the worker pool.
func (s *Scheduler) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return nil
	}
	ctx, s.cancel = context.WithCancel(ctx)

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	s.wg.Add(1)
	go s.tickLoop(ctx)

	s.logger.Info("scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("workers", s.cfg.Workers))
	return nil
}

// Stop halts ticking and waits for in-flight rebalances.
func (s *Scheduler) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return nil
	}
	s.cancel()
	s.wg.Wait()
	return nil
}

// Ticks returns how many sweep passes have run.
func (s *Scheduler) Ticks() int64 {
	return atomic.LoadInt64(&s.ticks)
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
			atomic.AddInt64(&s.ticks, 1)
		}
	}
}

// Sweep enqueues one rebalance per partition holding queued orders.
// Exported so tests and admin tooling can force a pass.
func (s *Scheduler) Sweep(ctx context.Context) {
	parts, err := s.store.ListQueuedPartitions(ctx)
	if err != nil {
		s.logger.Warn("queued partition listing failed", zap.Error(err))
		return
	}

	for _, p := range parts {
		select {
		case s.work <- p:
		case <-ctx.Done():
			return
		default:
			// Backlogged pool; the partition will be picked up next tick.
			s.logger.Debug("scheduler pool saturated, deferring partition",
				zap.String("symbol", p.Symbol))
		}
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case p := <-s.work:
			if _, err := s.rebalancer.RebalanceSymbol(ctx, p.OwnerID, p.AccountID, p.Symbol); err != nil {
				s.logger.Warn("scheduled rebalance failed",
					zap.String("account_id", p.AccountID.String()),
					zap.String("symbol", p.Symbol),
					zap.Error(err))
			}
		}
	}
}
