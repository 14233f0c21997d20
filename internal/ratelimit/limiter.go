// Package ratelimit bounds the rate of outbound venue calls per
// (venue, endpoint class, account). Partitioning by account keeps one
// account's burst from starving a sibling account on the same venue.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quantfleet/ordergate/internal/model"
)

// EndpointClass groups venue endpoints with a shared rate budget.
type EndpointClass string

const (
	ClassSubmit EndpointClass = "submit"
	ClassCancel EndpointClass = "cancel"
	ClassFetch  EndpointClass = "fetch"
)

// Config holds the token-bucket parameters. Rate is tokens per second.
type Config struct {
	Rate    float64       `mapstructure:"rate"`
	Burst   int           `mapstructure:"burst"`
	MaxWait time.Duration `mapstructure:"max_wait"`
}

// Limiter is a set of token buckets keyed by (venue, class, account).
// AcquireSlot suspends only the calling worker; other keys are untouched.
type Limiter struct {
	cfg    Config
	logger *zap.Logger

	buckets map[string]*bucket
	mu      sync.Mutex
}

type bucket struct {
	mu       sync.Mutex
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a limiter; zero config fields pick defaults.
func NewLimiter(cfg Config, logger *zap.Logger) *Limiter {
	if cfg.Rate <= 0 {
		cfg.Rate = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 5 * time.Second
	}
	return &Limiter{
		cfg:     cfg,
		logger:  logger,
		buckets: make(map[string]*bucket),
	}
}

// AcquireSlot blocks until a token is available for the key, the context is
// cancelled, or MaxWait elapses. On timeout it returns the retriable
// model.ErrRateLimitTimeout; a request is never dropped silently.
func (l *Limiter) AcquireSlot(ctx context.Context, venueName string, class EndpointClass, accountID uuid.UUID) error {
	b := l.bucket(venueName + ":" + string(class) + ":" + accountID.String())
	deadline := time.Now().Add(l.cfg.MaxWait)

	for {
		wait, ok := b.take(l.cfg.Rate, float64(l.cfg.Burst))
		if ok {
			return nil
		}

		if time.Now().Add(wait).After(deadline) {
			l.logger.Debug("rate limit wait exceeded",
				zap.String("venue", venueName),
				zap.String("class", string(class)),
				zap.String("account_id", accountID.String()))
			return model.ErrRateLimitTimeout
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Limiter) bucket(key string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.cfg.Burst), lastFill: time.Now()}
		l.buckets[key] = b
	}
	return b
}

// take refills the bucket and consumes one token. When empty it returns the
// time until the next token becomes available.
func (b *bucket) take(rate, burst float64) (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens += now.Sub(b.lastFill).Seconds() * rate
	if b.tokens > burst {
		b.tokens = burst
	}
	b.lastFill = now

	if b.tokens >= 1 {
		b.tokens--
		return 0, true
	}

	deficit := 1 - b.tokens
	return time.Duration(deficit / rate * float64(time.Second)), false
}
