package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/quantfleet/ordergate/internal/alerts"
	"github.com/quantfleet/ordergate/internal/breaker"
	"github.com/quantfleet/ordergate/internal/events"
	"github.com/quantfleet/ordergate/internal/limits"
	"github.com/quantfleet/ordergate/internal/model"
	"github.com/quantfleet/ordergate/internal/ratelimit"
	"github.com/quantfleet/ordergate/internal/store"
	"github.com/quantfleet/ordergate/internal/venue"
)

const testVenue = "simex"

type engine struct {
	mgr      *Manager
	repo     *store.GormStore
	db       *gorm.DB
	sim      *venue.SimAdapter
	registry *venue.Registry
	quotas   *limits.StaticQuotaSource
	brk      *breaker.Breaker
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	return db
}

// newEngine builds a full admission engine against an in-memory store and a
// simulated venue. symbolQuota drives maxActive (10% of it), stopQuota caps
// STOP orders.
func newEngine(t *testing.T, symbolQuota, stopQuota int) *engine {
	t.Helper()
	log := zap.NewNop()

	db := newTestDB(t)
	repo, err := store.NewGormStore(db, log)
	require.NoError(t, err)

	sim := venue.NewSimAdapter(testVenue)
	registry := venue.NewRegistry(log)
	registry.Register(sim)

	quotas := limits.NewStaticQuotaSource()
	if symbolQuota > 0 {
		quotas.SetSymbolQuota(testVenue, "spot", "BTCUSDT", symbolQuota)
	}
	tracker := limits.NewTracker(quotas, nil, limits.Config{
		TTL:       time.Millisecond,
		StopQuota: stopQuota,
	}, log)

	limiter := ratelimit.NewLimiter(ratelimit.Config{Rate: 10000, Burst: 10000}, log)
	brk := breaker.New(3, nil, log)
	bus := events.NewBus(log)
	sink := alerts.NewLogSink(log)

	mgr := NewManager(Config{}, repo, tracker, limiter, brk, registry, sink, bus, nil, log)
	return &engine{mgr: mgr, repo: repo, db: db, sim: sim, registry: registry, quotas: quotas, brk: brk}
}

func limitIntent(owner, account uuid.UUID, symbol, side, price, qty string) model.OrderIntent {
	p, _ := decimal.NewFromString(price)
	q, _ := decimal.NewFromString(qty)
	return model.OrderIntent{
		AccountID: account,
		OwnerID:   owner,
		Venue:     testVenue,
		Market:    "spot",
		Symbol:    symbol,
		Side:      side,
		Type:      model.OrderTypeLimit,
		Price:     p,
		Quantity:  q,
	}
}

func stopIntent(owner, account uuid.UUID, symbol, side, trigger, qty string) model.OrderIntent {
	in := limitIntent(owner, account, symbol, side, "0", qty)
	in.Type = model.OrderTypeStopMarket
	in.Price = decimal.Zero
	in.TriggerPrice = decimal.RequireFromString(trigger)
	return in
}

func (e *engine) statusCounts(t *testing.T, account uuid.UUID, symbol string) map[string]int {
	t.Helper()
	var orders []model.Order
	require.NoError(t, e.db.Where("account_id = ? AND symbol = ?", account, symbol).Find(&orders).Error)
	counts := make(map[string]int)
	for _, o := range orders {
		counts[o.Status]++
	}
	return counts
}

func TestProcessBatchPromotesUpToCeiling(t *testing.T) {
	e := newEngine(t, 30, 5) // maxActive = 3
	owner, account := uuid.New(), uuid.New()

	var intents []model.OrderIntent
	for i := 0; i < 5; i++ {
		intents = append(intents, limitIntent(owner, account, "BTCUSDT", "BUY", fmt.Sprintf("%d", 100+i), "1"))
	}

	res := e.mgr.ProcessBatch(context.Background(), intents)
	require.Len(t, res.Accepted, 5)
	assert.Equal(t, 3, res.Promoted)
	assert.Equal(t, 2, res.StillQueued)
	assert.Empty(t, res.Failed)
	assert.Equal(t, 3, e.sim.ActiveCount("BTCUSDT"))

	counts := e.statusCounts(t, account, "BTCUSDT")
	assert.Equal(t, 3, counts[model.OrderStatusActive])
	assert.Equal(t, 2, counts[model.OrderStatusQueued])
}

func TestRebalanceIsIdempotent(t *testing.T) {
	e := newEngine(t, 30, 5)
	owner, account := uuid.New(), uuid.New()

	var intents []model.OrderIntent
	for i := 0; i < 5; i++ {
		intents = append(intents, limitIntent(owner, account, "BTCUSDT", "BUY", fmt.Sprintf("%d", 100+i), "1"))
	}
	e.mgr.ProcessBatch(context.Background(), intents)

	res, err := e.mgr.RebalanceSymbol(context.Background(), owner, account, "BTCUSDT")
	require.NoError(t, err)
	assert.Zero(t, res.Promoted)
	assert.Zero(t, res.Evicted)
	assert.Empty(t, res.Failed)
}

func TestHigherPricedBuyEvictsLowerPriced(t *testing.T) {
	e := newEngine(t, 10, 5) // maxActive = 1
	owner, account := uuid.New(), uuid.New()
	ctx := context.Background()

	res := e.mgr.ProcessBatch(ctx, []model.OrderIntent{
		limitIntent(owner, account, "BTCUSDT", "BUY", "100", "1"),
	})
	require.Equal(t, 1, res.Promoted)

	res = e.mgr.ProcessBatch(ctx, []model.OrderIntent{
		limitIntent(owner, account, "BTCUSDT", "BUY", "110", "1"),
	})
	assert.Equal(t, 1, res.Promoted)

	// The @100 order lost its slot to the @110 order.
	var active model.Order
	require.NoError(t, e.db.Where("account_id = ? AND status = ?", account, model.OrderStatusActive).First(&active).Error)
	assert.True(t, active.Price.Equal(decimal.RequireFromString("110")))

	counts := e.statusCounts(t, account, "BTCUSDT")
	assert.Equal(t, 1, counts[model.OrderStatusActive])
	assert.Equal(t, 1, counts[model.OrderStatusQueued])
	assert.Equal(t, 1, e.sim.ActiveCount("BTCUSDT"))
}

func TestStopSubQuotaLeavesGeneralCapacityUnused(t *testing.T) {
	e := newEngine(t, 100, 2) // maxActive = 10, maxStopActive = 2
	owner, account := uuid.New(), uuid.New()

	intents := []model.OrderIntent{
		stopIntent(owner, account, "BTCUSDT", "SELL", "90", "1"),
		stopIntent(owner, account, "BTCUSDT", "SELL", "91", "1"),
		stopIntent(owner, account, "BTCUSDT", "SELL", "92", "1"),
		limitIntent(owner, account, "BTCUSDT", "BUY", "100", "1"),
		limitIntent(owner, account, "BTCUSDT", "BUY", "101", "1"),
	}

	res := e.mgr.ProcessBatch(context.Background(), intents)
	// Both limit orders and exactly two of the three stops promote; the
	// third stop stays queued despite seven spare general slots.
	assert.Equal(t, 4, res.Promoted)
	assert.Equal(t, 1, res.StillQueued)

	var stops []model.Order
	require.NoError(t, e.db.
		Where("account_id = ? AND type = ? AND status = ?", account, model.OrderTypeStopMarket, model.OrderStatusActive).
		Find(&stops).Error)
	assert.Len(t, stops, 2)
}

func TestOwnerIsolationSharedAccount(t *testing.T) {
	e := newEngine(t, 10, 5) // maxActive = 1, shared by both owners
	ownerA, ownerB := uuid.New(), uuid.New()
	account := uuid.New()
	ctx := context.Background()

	resA := e.mgr.ProcessBatch(ctx, []model.OrderIntent{
		limitIntent(ownerA, account, "BTCUSDT", "BUY", "100", "1"),
	})
	require.Equal(t, 1, resA.Promoted)

	// Owner B enqueues a better-priced order, but owner A's active order is
	// off limits: B must wait for the shared slot instead of evicting A.
	resB := e.mgr.ProcessBatch(ctx, []model.OrderIntent{
		limitIntent(ownerB, account, "BTCUSDT", "BUY", "120", "1"),
	})
	assert.Zero(t, resB.Promoted)
	assert.Equal(t, 1, resB.StillQueued)

	_, cancels, _ := e.sim.Counts()
	assert.Zero(t, cancels, "a pass for owner B must never cancel owner A's orders")

	var aOrder model.Order
	require.NoError(t, e.db.Where("owner_id = ?", ownerA).First(&aOrder).Error)
	assert.Equal(t, model.OrderStatusActive, aOrder.Status)

	// Rebalancing for owner A sees only its own order and changes nothing.
	resRebA, err := e.mgr.RebalanceSymbol(ctx, ownerA, account, "BTCUSDT")
	require.NoError(t, err)
	assert.Zero(t, resRebA.Promoted)
	assert.Zero(t, resRebA.Evicted)
}

func TestPartialFailureContinuesBatch(t *testing.T) {
	e := newEngine(t, 100, 5) // maxActive = 10
	owner, account := uuid.New(), uuid.New()

	// Admission order is by price descending for buy limits, so the third
	// submit is the 103 order.
	e.sim.RejectSubmitAt(3, &venue.Error{Code: venue.CodeInsufficientBalance, Message: "insufficient balance"})

	intents := []model.OrderIntent{
		limitIntent(owner, account, "BTCUSDT", "BUY", "105", "1"),
		limitIntent(owner, account, "BTCUSDT", "BUY", "104", "1"),
		limitIntent(owner, account, "BTCUSDT", "BUY", "103", "1"),
		limitIntent(owner, account, "BTCUSDT", "BUY", "102", "1"),
		limitIntent(owner, account, "BTCUSDT", "BUY", "101", "1"),
	}

	res := e.mgr.ProcessBatch(context.Background(), intents)
	assert.Equal(t, 4, res.Promoted, "orders after the failed one must still be attempted")
	require.Len(t, res.Failed, 1)
	assert.Equal(t, model.FailureInsufficientBalance, res.Failed[0].Class)

	var failed model.Order
	require.NoError(t, e.db.Where("id = ?", res.Failed[0].OrderID).First(&failed).Error)
	assert.Equal(t, model.OrderStatusFailed, failed.Status)
	assert.True(t, failed.Price.Equal(decimal.RequireFromString("103")))
}

func TestRecoverableFailureStaysQueued(t *testing.T) {
	e := newEngine(t, 10, 5)
	owner, account := uuid.New(), uuid.New()

	e.sim.RejectSubmitAt(1, &venue.Error{Code: venue.CodeRateLimited, Message: "too many requests"})

	res := e.mgr.ProcessBatch(context.Background(), []model.OrderIntent{
		limitIntent(owner, account, "BTCUSDT", "BUY", "100", "1"),
	})
	assert.Zero(t, res.Promoted)
	assert.Equal(t, 1, res.StillQueued)
	assert.Empty(t, res.Failed)

	var order model.Order
	require.NoError(t, e.db.Where("account_id = ?", account).First(&order).Error)
	assert.Equal(t, model.OrderStatusQueued, order.Status)
	assert.Equal(t, 1, order.RetryCount)
}

// failingStore forces a fatal store error during the rebalance step so the
// whole partition batch must roll back.
type failingStore struct {
	store.Repository
	fail bool
}

func (f *failingStore) PartitionOrders(ctx context.Context, tx *gorm.DB, ownerID, accountID uuid.UUID, symbol string, statuses ...string) ([]*model.Order, error) {
	if f.fail {
		return nil, fmt.Errorf("forced store failure")
	}
	return f.Repository.PartitionOrders(ctx, tx, ownerID, accountID, symbol, statuses...)
}

func TestFatalErrorRollsBackEnqueue(t *testing.T) {
	e := newEngine(t, 30, 5)
	log := zap.NewNop()

	broken := &failingStore{Repository: e.repo, fail: true}
	sim := venue.NewSimAdapter(testVenue)
	registry := venue.NewRegistry(log)
	registry.Register(sim)
	tracker := limits.NewTracker(e.quotas, nil, limits.Config{TTL: time.Millisecond}, log)
	mgr := NewManager(Config{}, broken, tracker, ratelimit.NewLimiter(ratelimit.Config{}, log),
		breaker.New(3, nil, log), registry, alerts.NewLogSink(log), events.NewBus(log), nil, log)

	owner, account := uuid.New(), uuid.New()
	res := mgr.ProcessBatch(context.Background(), []model.OrderIntent{
		limitIntent(owner, account, "BTCUSDT", "BUY", "100", "1"),
		limitIntent(owner, account, "BTCUSDT", "BUY", "101", "1"),
	})

	assert.Empty(t, res.Accepted)
	assert.Len(t, res.Rejected, 2)

	// No orphaned rows: the enqueue insertions rolled back with the pass.
	var count int64
	require.NoError(t, e.db.Model(&model.Order{}).Where("account_id = ?", account).Count(&count).Error)
	assert.Zero(t, count)
}

func TestFailedEvictionShrinksPromotionBudget(t *testing.T) {
	e := newEngine(t, 10, 5) // maxActive = 1
	owner, account := uuid.New(), uuid.New()
	ctx := context.Background()

	res := e.mgr.ProcessBatch(ctx, []model.OrderIntent{
		limitIntent(owner, account, "BTCUSDT", "BUY", "100", "1"),
	})
	require.Equal(t, 1, res.Promoted)

	// The venue refuses the cancel, so the @100 order keeps its slot and the
	// better-priced order must wait instead of double-booking the partition.
	e.sim.FailCancels(&venue.Error{Code: venue.CodeRateLimited, Message: "too many requests"})

	res = e.mgr.ProcessBatch(ctx, []model.OrderIntent{
		limitIntent(owner, account, "BTCUSDT", "BUY", "110", "1"),
	})
	assert.Zero(t, res.Promoted)
	assert.Equal(t, 1, res.StillQueued)
	assert.Empty(t, res.Failed)
	assert.Equal(t, 1, e.sim.ActiveCount("BTCUSDT"))

	var active model.Order
	require.NoError(t, e.db.Where("account_id = ? AND status = ?", account, model.OrderStatusActive).First(&active).Error)
	assert.True(t, active.Price.Equal(decimal.RequireFromString("100")))

	// Once cancels succeed again the next pass completes the swap.
	e.sim.FailCancels(nil)
	reb, err := e.mgr.RebalanceSymbol(ctx, owner, account, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 1, reb.Evicted)
	assert.Equal(t, 1, reb.Promoted)
	assert.Equal(t, 1, e.sim.ActiveCount("BTCUSDT"))

	active = model.Order{}
	require.NoError(t, e.db.Where("account_id = ? AND status = ?", account, model.OrderStatusActive).First(&active).Error)
	assert.True(t, active.Price.Equal(decimal.RequireFromString("110")))
}

func TestPartitionIsSingleVenue(t *testing.T) {
	e := newEngine(t, 30, 5)
	e.registry.Register(venue.NewSimAdapter("otherex"))
	owner, account := uuid.New(), uuid.New()
	ctx := context.Background()

	res := e.mgr.ProcessBatch(ctx, []model.OrderIntent{
		limitIntent(owner, account, "BTCUSDT", "BUY", "100", "1"),
	})
	require.Len(t, res.Accepted, 1)

	// Same partition, different venue: the order would route its cancels
	// through the wrong adapter, so it is refused outright.
	crossed := limitIntent(owner, account, "BTCUSDT", "BUY", "101", "1")
	crossed.Venue = "otherex"
	res = e.mgr.ProcessBatch(ctx, []model.OrderIntent{crossed})
	assert.Empty(t, res.Accepted)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, model.ErrVenueMismatch.Error(), res.Rejected[0].Reason)

	// A mixed-venue group is refused as a whole, before any row is written.
	freshSymbol := limitIntent(owner, account, "ETHUSDT", "BUY", "100", "1")
	crossedFresh := limitIntent(owner, account, "ETHUSDT", "BUY", "101", "1")
	crossedFresh.Venue = "otherex"
	res = e.mgr.ProcessBatch(ctx, []model.OrderIntent{freshSymbol, crossedFresh})
	assert.Empty(t, res.Accepted)
	assert.Len(t, res.Rejected, 2)

	var count int64
	require.NoError(t, e.db.Model(&model.Order{}).
		Where("account_id = ? AND symbol = ?", account, "ETHUSDT").Count(&count).Error)
	assert.Zero(t, count)
}

func TestOpenCircuitLeavesOrdersQueued(t *testing.T) {
	e := newEngine(t, 30, 5)
	owner, account := uuid.New(), uuid.New()

	for i := 0; i < 3; i++ {
		e.brk.RecordResult(testVenue, false)
	}
	require.False(t, e.brk.ShouldAttempt(testVenue))

	res := e.mgr.ProcessBatch(context.Background(), []model.OrderIntent{
		limitIntent(owner, account, "BTCUSDT", "BUY", "100", "1"),
	})

	// No error surfaces; the order is simply still queued for a later tick.
	require.Len(t, res.Accepted, 1)
	assert.Zero(t, res.Promoted)
	assert.Equal(t, 1, res.StillQueued)
	assert.Empty(t, res.Failed)
	submits, _, _ := e.sim.Counts()
	assert.Zero(t, submits)
}

func TestValidationRejectsMalformedIntents(t *testing.T) {
	e := newEngine(t, 30, 5)
	owner, account := uuid.New(), uuid.New()

	missingPrice := limitIntent(owner, account, "BTCUSDT", "BUY", "0", "1")
	badSide := limitIntent(owner, account, "BTCUSDT", "HOLD", "100", "1")
	market := limitIntent(owner, account, "BTCUSDT", "BUY", "100", "1")
	market.Type = model.OrderTypeMarket

	res := e.mgr.ProcessBatch(context.Background(), []model.OrderIntent{missingPrice, badSide, market})
	assert.Empty(t, res.Accepted)
	require.Len(t, res.Rejected, 3)

	// Rejections identify the offending intent by batch position.
	for i, rej := range res.Rejected {
		assert.Equal(t, i, rej.Index)
		assert.Equal(t, "BTCUSDT", rej.Symbol)
		assert.NotEmpty(t, rej.Reason)
	}
}

func TestConcurrentRebalancesHoldQuota(t *testing.T) {
	e := newEngine(t, 0, 5) // no symbol quota; account quota below
	owner, account := uuid.New(), uuid.New()
	ctx := context.Background()

	e.quotas.SetAccountQuota(testVenue, "spot", 30) // maxActive = 3 per partition

	symbols := make([]string, 10)
	for i := range symbols {
		symbols[i] = fmt.Sprintf("SYM%dUSDT", i)
		for j := 0; j < 6; j++ {
			o := model.NewOrder(&model.OrderIntent{
				AccountID: account, OwnerID: owner, Venue: testVenue, Market: "spot",
				Symbol: symbols[i], Side: model.OrderSideBuy, Type: model.OrderTypeLimit,
				Price:    decimal.NewFromInt(int64(100 + j)),
				Quantity: decimal.NewFromInt(1),
			}, uuid.New())
			require.NoError(t, e.repo.CreateOrderTx(ctx, nil, o))
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.mgr.RebalanceSymbol(ctx, owner, account, symbols[i%len(symbols)])
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	for _, symbol := range symbols {
		var active int64
		require.NoError(t, e.db.Model(&model.Order{}).
			Where("account_id = ? AND symbol = ? AND status = ?", account, symbol, model.OrderStatusActive).
			Count(&active).Error)
		assert.LessOrEqual(t, active, int64(3), "partition %s exceeded its quota", symbol)

		// No lost updates: every order is still either active or queued.
		var total int64
		require.NoError(t, e.db.Model(&model.Order{}).
			Where("account_id = ? AND symbol = ?", account, symbol).
			Count(&total).Error)
		assert.Equal(t, int64(6), total)
	}
}
