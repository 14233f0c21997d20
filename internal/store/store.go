// Package store persists engine orders. The queued/active order table is the
// engine's sole shared mutable resource; every mutation made during one
// rebalance pass runs inside a single transaction.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/quantfleet/ordergate/internal/model"
)

// Partition identifies the unit of rebalancing. The lock and the venue
// ceiling are scoped to (AccountID, Symbol); OwnerID narrows which orders a
// pass may read and mutate, so independent owners sharing one venue account
// stay isolated.
type Partition struct {
	OwnerID   uuid.UUID `json:"owner_id"`
	AccountID uuid.UUID `json:"account_id"`
	Symbol    string    `json:"symbol"`
}

// Repository defines order storage operations. Methods suffixed Tx accept a
// transaction handle so the queue manager can scope a whole rebalance pass to
// one commit; passing nil falls back to the root connection.
type Repository interface {
	CreateOrderTx(ctx context.Context, tx *gorm.DB, order *model.Order) error
	GetOrderByID(ctx context.Context, orderID uuid.UUID) (*model.Order, error)
	GetOrderByVenueID(ctx context.Context, venueName, venueOrderID string) (*model.Order, error)
	PartitionOrders(ctx context.Context, tx *gorm.DB, ownerID, accountID uuid.UUID, symbol string, statuses ...string) ([]*model.Order, error)

	// CountForeignActive returns how many orders of OTHER owners are live in
	// the (accountID, symbol) partition, total and STOP-type. The rebalancer
	// subtracts these from the ceiling instead of touching foreign orders.
	CountForeignActive(ctx context.Context, tx *gorm.DB, ownerID, accountID uuid.UUID, symbol string) (total, stops int64, err error)

	// UpdateStatusTx transitions an order conditionally: the row is touched
	// only when its current status equals from, so concurrent passes can
	// never double-apply a transition.
	UpdateStatusTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, from, to string) error
	PromoteTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, venueOrderID string) error
	DemoteTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) error
	MarkFailedTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, lastError string) error
	IncrementRetryTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, lastError string) error

	UpdateFill(ctx context.Context, orderID uuid.UUID, filledQty, avgPrice decimal.Decimal) error
	DeleteOrder(ctx context.Context, orderID uuid.UUID) error

	// ClaimOrder is a compare-and-swap on the order's in-progress flag: it
	// succeeds only when the flag is currently unset.
	ClaimOrder(ctx context.Context, orderID uuid.UUID) error
	ReleaseClaim(ctx context.Context, orderID uuid.UUID) error
	ReleaseExpiredClaims(ctx context.Context, maxAge time.Duration) (int64, error)

	ListQueuedPartitions(ctx context.Context) ([]Partition, error)
	ExecuteInTransaction(ctx context.Context, txFunc func(tx *gorm.DB) error) error
}
