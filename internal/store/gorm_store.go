package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/quantfleet/ordergate/internal/model"
)

// GormStore implements Repository on GORM (postgres in production, sqlite in
// tests).
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore creates the store and migrates the orders table.
func NewGormStore(db *gorm.DB, logger *zap.Logger) (*GormStore, error) {
	if err := db.AutoMigrate(&model.Order{}); err != nil {
		return nil, fmt.Errorf("migrate orders: %w", err)
	}
	return &GormStore{db: db, logger: logger}, nil
}

func (s *GormStore) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return s.db
}

// CreateOrderTx inserts a new order.
func (s *GormStore) CreateOrderTx(ctx context.Context, tx *gorm.DB, order *model.Order) error {
	if err := s.conn(tx).WithContext(ctx).Create(order).Error; err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

// GetOrderByID retrieves an order by id.
func (s *GormStore) GetOrderByID(ctx context.Context, orderID uuid.UUID) (*model.Order, error) {
	var order model.Order
	if err := s.db.WithContext(ctx).Where("id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return &order, nil
}

// GetOrderByVenueID retrieves the order holding a venue-assigned id.
func (s *GormStore) GetOrderByVenueID(ctx context.Context, venueName, venueOrderID string) (*model.Order, error) {
	var order model.Order
	err := s.db.WithContext(ctx).
		Where("venue = ? AND venue_order_id = ?", venueName, venueOrderID).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order by venue id: %w", err)
	}
	return &order, nil
}

// PartitionOrders loads the acting owner's orders of the partition in the
// given statuses, oldest first. Foreign owners' orders are never read here.
func (s *GormStore) PartitionOrders(ctx context.Context, tx *gorm.DB, ownerID, accountID uuid.UUID, symbol string, statuses ...string) ([]*model.Order, error) {
	var orders []*model.Order
	err := s.conn(tx).WithContext(ctx).
		Where("owner_id = ? AND account_id = ? AND symbol = ? AND status IN ?", ownerID, accountID, symbol, statuses).
		Order("created_at asc").
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("load partition orders: %w", err)
	}
	return orders, nil
}

// CountForeignActive counts other owners' live orders in the partition.
func (s *GormStore) CountForeignActive(ctx context.Context, tx *gorm.DB, ownerID, accountID uuid.UUID, symbol string) (int64, int64, error) {
	conn := s.conn(tx).WithContext(ctx)
	live := []string{model.OrderStatusActive, model.OrderStatusCancelling}

	var total int64
	err := conn.Model(&model.Order{}).
		Where("owner_id <> ? AND account_id = ? AND symbol = ? AND status IN ?", ownerID, accountID, symbol, live).
		Count(&total).Error
	if err != nil {
		return 0, 0, fmt.Errorf("count foreign active: %w", err)
	}

	var stops int64
	err = conn.Model(&model.Order{}).
		Where("owner_id <> ? AND account_id = ? AND symbol = ? AND status IN ? AND type IN ?",
			ownerID, accountID, symbol, live,
			[]string{model.OrderTypeStopMarket, model.OrderTypeStopLimit}).
		Count(&stops).Error
	if err != nil {
		return 0, 0, fmt.Errorf("count foreign active stops: %w", err)
	}
	return total, stops, nil
}

// UpdateStatusTx applies a conditional status transition.
func (s *GormStore) UpdateStatusTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, from, to string) error {
	if !model.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, from, to)
	}
	res := s.conn(tx).WithContext(ctx).Model(&model.Order{}).
		Where("id = ? AND status = ?", orderID, from).
		Updates(map[string]interface{}{"status": to, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("update status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return model.ErrOrderNotFound
	}
	return nil
}

// PromoteTx marks a queued order active and records the venue id.
func (s *GormStore) PromoteTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, venueOrderID string) error {
	res := s.conn(tx).WithContext(ctx).Model(&model.Order{}).
		Where("id = ? AND status = ?", orderID, model.OrderStatusQueued).
		Updates(map[string]interface{}{
			"status":         model.OrderStatusActive,
			"venue_order_id": venueOrderID,
			"last_error":     "",
			"updated_at":     time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("promote order: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return model.ErrOrderNotFound
	}
	return nil
}

// DemoteTx requeues an evicted order and clears its venue id.
func (s *GormStore) DemoteTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) error {
	res := s.conn(tx).WithContext(ctx).Model(&model.Order{}).
		Where("id = ? AND status IN ?", orderID, []string{model.OrderStatusActive, model.OrderStatusCancelling}).
		Updates(map[string]interface{}{
			"status":         model.OrderStatusQueued,
			"venue_order_id": "",
			"updated_at":     time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("demote order: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return model.ErrOrderNotFound
	}
	return nil
}

// MarkFailedTx moves an order to its terminal FAILED status.
func (s *GormStore) MarkFailedTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, lastError string) error {
	res := s.conn(tx).WithContext(ctx).Model(&model.Order{}).
		Where("id = ?", orderID).
		Updates(map[string]interface{}{
			"status":     model.OrderStatusFailed,
			"last_error": lastError,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("mark failed: %w", res.Error)
	}
	return nil
}

// IncrementRetryTx bumps the retry budget on the order row itself so state
// and retry count roll back together.
func (s *GormStore) IncrementRetryTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, lastError string) error {
	res := s.conn(tx).WithContext(ctx).Model(&model.Order{}).
		Where("id = ?", orderID).
		Updates(map[string]interface{}{
			"retry_count": gorm.Expr("retry_count + 1"),
			"last_error":  lastError,
			"updated_at":  time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("increment retry: %w", res.Error)
	}
	return nil
}

// UpdateFill records partial-fill progress from the fill monitor.
func (s *GormStore) UpdateFill(ctx context.Context, orderID uuid.UUID, filledQty, avgPrice decimal.Decimal) error {
	res := s.db.WithContext(ctx).Model(&model.Order{}).
		Where("id = ?", orderID).
		Updates(map[string]interface{}{
			"filled_quantity": filledQty,
			"avg_price":       avgPrice,
			"updated_at":      time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("update fill: %w", res.Error)
	}
	return nil
}

// DeleteOrder removes a terminal order from the working table.
func (s *GormStore) DeleteOrder(ctx context.Context, orderID uuid.UUID) error {
	if err := s.db.WithContext(ctx).Delete(&model.Order{}, "id = ?", orderID).Error; err != nil {
		return fmt.Errorf("delete order: %w", err)
	}
	return nil
}

// ClaimOrder sets the in-progress flag iff it is currently unset.
func (s *GormStore) ClaimOrder(ctx context.Context, orderID uuid.UUID) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&model.Order{}).
		Where("id = ? AND claimed = ?", orderID, false).
		Updates(map[string]interface{}{"claimed": true, "claimed_at": now})
	if res.Error != nil {
		return fmt.Errorf("claim order: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return model.ErrOrderClaimed
	}
	return nil
}

// ReleaseClaim clears the in-progress flag.
func (s *GormStore) ReleaseClaim(ctx context.Context, orderID uuid.UUID) error {
	res := s.db.WithContext(ctx).Model(&model.Order{}).
		Where("id = ?", orderID).
		Updates(map[string]interface{}{"claimed": false, "claimed_at": nil})
	if res.Error != nil {
		return fmt.Errorf("release claim: %w", res.Error)
	}
	return nil
}

// ReleaseExpiredClaims frees claims held past maxAge, recovering from a
// crashed claimant.
func (s *GormStore) ReleaseExpiredClaims(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	res := s.db.WithContext(ctx).Model(&model.Order{}).
		Where("claimed = ? AND claimed_at < ?", true, cutoff).
		Updates(map[string]interface{}{"claimed": false, "claimed_at": nil})
	if res.Error != nil {
		return 0, fmt.Errorf("release expired claims: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ListQueuedPartitions returns every (owner, account, symbol) scope holding
// at least one queued order.
func (s *GormStore) ListQueuedPartitions(ctx context.Context) ([]Partition, error) {
	var parts []Partition
	err := s.db.WithContext(ctx).Model(&model.Order{}).
		Where("status = ?", model.OrderStatusQueued).
		Distinct("owner_id", "account_id", "symbol").
		Find(&parts).Error
	if err != nil {
		return nil, fmt.Errorf("list queued partitions: %w", err)
	}
	return parts, nil
}

// ExecuteInTransaction runs txFunc inside one transaction; any error rolls
// the whole batch back.
func (s *GormStore) ExecuteInTransaction(ctx context.Context, txFunc func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(txFunc)
}
