package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantfleet/ordergate/internal/model"
)

// partitionLocks provides one mutex per (accountID, symbol) partition. The
// granularity is load-bearing: per-account would serialize unrelated symbols,
// per-order would break the rebalancer's consistent partition snapshot.
type partitionLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newPartitionLocks() *partitionLocks {
	return &partitionLocks{locks: make(map[string]chan struct{})}
}

func partitionKey(accountID uuid.UUID, symbol string) string {
	return accountID.String() + "|" + symbol
}

func (p *partitionLocks) get(key string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, ok := p.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		p.locks[key] = ch
	}
	return ch
}

// acquire takes the partition lock, waiting up to timeout. Contention past
// the timeout surfaces as a retriable concurrency error.
func (p *partitionLocks) acquire(ctx context.Context, accountID uuid.UUID, symbol string, timeout time.Duration) error {
	ch := p.get(partitionKey(accountID, symbol))

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return model.ErrPartitionLockTimeout
	}
}

func (p *partitionLocks) release(accountID uuid.UUID, symbol string) {
	ch := p.get(partitionKey(accountID, symbol))
	select {
	case <-ch:
	default:
		// Releasing an unheld lock is a programming error; don't block.
	}
}
