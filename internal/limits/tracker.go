// Package limits computes the admission ceiling for a (venue, market, symbol)
// scope: how many orders may be concurrently live at the venue, and the
// stricter sub-ceiling for STOP-type orders.
package limits

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/quantfleet/ordergate/internal/model"
)

// QuotaSource exposes the venue's published quotas. Zero means unpublished.
type QuotaSource interface {
	SymbolQuota(ctx context.Context, venue, market, symbol string) (int, error)
	AccountQuota(ctx context.Context, venue, market string, accountID uuid.UUID) (int, error)
}

// Tracker derives SymbolLimits from semi-static venue configuration. The
// result is cheap to recompute and cached with a short TTL, locally and, when
// a redis client is supplied, in a shared cache so sibling processes agree.
type Tracker struct {
	source QuotaSource
	cache  *redis.Client // optional, nil when redis is unavailable
	logger *zap.Logger

	ttl        time.Duration
	defaultMax int
	stopQuota  int

	local   map[string]cachedLimit
	localMu sync.RWMutex
}

type cachedLimit struct {
	limit     model.SymbolLimit
	expiresAt time.Time
}

const (
	minActive = 1
	maxActive = 20
)

// Config for the tracker; zero values pick defaults.
type Config struct {
	TTL        time.Duration `mapstructure:"ttl"`
	DefaultMax int           `mapstructure:"default_max"`
	StopQuota  int           `mapstructure:"stop_quota"`
}

// NewTracker creates a limit tracker. cache may be nil.
func NewTracker(source QuotaSource, cache *redis.Client, cfg Config, logger *zap.Logger) *Tracker {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.DefaultMax <= 0 {
		cfg.DefaultMax = 10
	}
	if cfg.StopQuota <= 0 {
		cfg.StopQuota = 5
	}
	return &Tracker{
		source:     source,
		cache:      cache,
		logger:     logger,
		ttl:        cfg.TTL,
		defaultMax: cfg.DefaultMax,
		stopQuota:  cfg.StopQuota,
		local:      make(map[string]cachedLimit),
	}
}

// ComputeLimit returns the admission ceiling for the scope. Source priority:
// published per-symbol quota (10% of it), then published per-account quota
// (10% of it), then the fixed default. MaxActive is clamped to [1,20] and
// MaxStopActive never exceeds it.
func (t *Tracker) ComputeLimit(ctx context.Context, venueName, market, symbol string, accountID uuid.UUID) model.SymbolLimit {
	key := fmt.Sprintf("%s:%s:%s:%s", venueName, market, symbol, accountID)

	t.localMu.RLock()
	if c, ok := t.local[key]; ok && time.Now().Before(c.expiresAt) {
		t.localMu.RUnlock()
		return c.limit
	}
	t.localMu.RUnlock()

	if limit, ok := t.fromSharedCache(ctx, key); ok {
		t.storeLocal(key, limit)
		return limit
	}

	limit := t.derive(ctx, venueName, market, symbol, accountID)
	t.storeLocal(key, limit)
	t.storeSharedCache(ctx, key, limit)
	return limit
}

func (t *Tracker) derive(ctx context.Context, venueName, market, symbol string, accountID uuid.UUID) model.SymbolLimit {
	quota := 0

	if q, err := t.source.SymbolQuota(ctx, venueName, market, symbol); err != nil {
		t.logger.Warn("symbol quota lookup failed",
			zap.String("venue", venueName), zap.String("symbol", symbol), zap.Error(err))
	} else if q > 0 {
		quota = q
	}

	if quota == 0 {
		if q, err := t.source.AccountQuota(ctx, venueName, market, accountID); err != nil {
			t.logger.Warn("account quota lookup failed",
				zap.String("venue", venueName), zap.Error(err))
		} else if q > 0 {
			quota = q
		}
	}

	// A published quota grants 10% of itself; clamping keeps a tiny quota
	// from starving the partition and a huge one from flooding it.
	max := t.defaultMax
	if quota > 0 {
		max = quota / 10
	}
	if max < minActive {
		max = minActive
	}
	if max > maxActive {
		max = maxActive
	}

	stop := t.stopQuota
	if stop > max {
		stop = max
	}
	return model.SymbolLimit{MaxActive: max, MaxStopActive: stop}
}

func (t *Tracker) storeLocal(key string, limit model.SymbolLimit) {
	t.localMu.Lock()
	t.local[key] = cachedLimit{limit: limit, expiresAt: time.Now().Add(t.ttl)}
	t.localMu.Unlock()
}

func (t *Tracker) fromSharedCache(ctx context.Context, key string) (model.SymbolLimit, bool) {
	if t.cache == nil {
		return model.SymbolLimit{}, false
	}
	raw, err := t.cache.Get(ctx, "ordergate:limit:"+key).Result()
	if err != nil {
		if err != redis.Nil {
			t.logger.Debug("shared limit cache read failed", zap.Error(err))
		}
		return model.SymbolLimit{}, false
	}
	var limit model.SymbolLimit
	if err := json.Unmarshal([]byte(raw), &limit); err != nil {
		return model.SymbolLimit{}, false
	}
	return limit, true
}

func (t *Tracker) storeSharedCache(ctx context.Context, key string, limit model.SymbolLimit) {
	if t.cache == nil {
		return
	}
	raw, err := json.Marshal(limit)
	if err != nil {
		return
	}
	if err := t.cache.Set(ctx, "ordergate:limit:"+key, raw, t.ttl).Err(); err != nil {
		t.logger.Debug("shared limit cache write failed", zap.Error(err))
	}
}

// Invalidate drops the cached limit for a scope, forcing recomputation on
// the next rebalance.
func (t *Tracker) Invalidate(venueName, market, symbol string, accountID uuid.UUID) {
	key := fmt.Sprintf("%s:%s:%s:%s", venueName, market, symbol, accountID)
	t.localMu.Lock()
	delete(t.local, key)
	t.localMu.Unlock()
}

// StaticQuotaSource serves quotas from in-memory venue configuration.
type StaticQuotaSource struct {
	mu       sync.RWMutex
	symbols  map[string]int // venue:market:symbol
	accounts map[string]int // venue:market
}

// NewStaticQuotaSource creates an empty static source.
func NewStaticQuotaSource() *StaticQuotaSource {
	return &StaticQuotaSource{
		symbols:  make(map[string]int),
		accounts: make(map[string]int),
	}
}

// SetSymbolQuota publishes a per-symbol quota.
func (s *StaticQuotaSource) SetSymbolQuota(venueName, market, symbol string, quota int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbols[venueName+":"+market+":"+symbol] = quota
}

// SetAccountQuota publishes a per-account quota for the venue/market.
func (s *StaticQuotaSource) SetAccountQuota(venueName, market string, quota int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[venueName+":"+market] = quota
}

func (s *StaticQuotaSource) SymbolQuota(ctx context.Context, venueName, market, symbol string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.symbols[venueName+":"+market+":"+symbol], nil
}

func (s *StaticQuotaSource) AccountQuota(ctx context.Context, venueName, market string, accountID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accounts[venueName+":"+market], nil
}
