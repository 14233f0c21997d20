// Package breaker contains the per-venue failure gate. Unlike a classic
// half-open breaker, recovery here is gradual: every success decrements the
// consecutive-failure counter by one, and the circuit re-closes only when the
// counter reaches zero.
package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantfleet/ordergate/internal/metrics"
)

// State of one venue's circuit.
type State int32

const (
	StateClosed State = iota
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// FailureRecord tracks one venue's recent failures.
type FailureRecord struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	State               State     `json:"state"`
	LastChangeAt        time.Time `json:"last_change_at"`
}

// Breaker gates dispatch per venue. While a venue's circuit is open the
// rebalancer leaves its orders queued; no error surfaces to callers.
type Breaker struct {
	maxFailures int
	logger      *zap.Logger
	metrics     *metrics.Metrics

	records map[string]*FailureRecord
	mu      sync.Mutex
}

// New creates a breaker that opens after maxFailures consecutive failures
// (default 3).
func New(maxFailures int, m *metrics.Metrics, logger *zap.Logger) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	return &Breaker{
		maxFailures: maxFailures,
		logger:      logger,
		metrics:     m,
		records:     make(map[string]*FailureRecord),
	}
}

// ShouldAttempt reports whether calls against the venue may proceed.
func (b *Breaker) ShouldAttempt(venueName string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[venueName]
	if !ok {
		return true
	}
	return rec.State == StateClosed
}

// RecordResult feeds one call outcome into the venue's record. Failures
// increment the counter and open the circuit at the threshold; successes
// decrement it (never reset) and re-close the circuit at zero.
func (b *Breaker) RecordResult(venueName string, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[venueName]
	if !ok {
		rec = &FailureRecord{}
		b.records[venueName] = rec
	}

	if success {
		if rec.ConsecutiveFailures > 0 {
			rec.ConsecutiveFailures--
		}
		if rec.State == StateOpen && rec.ConsecutiveFailures == 0 {
			rec.State = StateClosed
			rec.LastChangeAt = time.Now()
			b.logger.Info("circuit re-closed after gradual recovery",
				zap.String("venue", venueName))
			b.setGauge(venueName, rec.State)
		}
		return
	}

	rec.ConsecutiveFailures++
	if rec.State == StateClosed && rec.ConsecutiveFailures >= b.maxFailures {
		rec.State = StateOpen
		rec.LastChangeAt = time.Now()
		b.logger.Warn("circuit opened",
			zap.String("venue", venueName),
			zap.Int("consecutive_failures", rec.ConsecutiveFailures))
		b.setGauge(venueName, rec.State)
	}
}

// Record returns a copy of the venue's failure record.
func (b *Breaker) Record(venueName string) FailureRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	if rec, ok := b.records[venueName]; ok {
		return *rec
	}
	return FailureRecord{}
}

func (b *Breaker) setGauge(venueName string, s State) {
	if b.metrics != nil {
		b.metrics.BreakerState.WithLabelValues(venueName).Set(float64(s))
	}
}
