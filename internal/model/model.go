package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Constants for order types, sides and statuses
const (
	// Queueable order types (admitted through the rebalancer)
	OrderTypeLimit      = "LIMIT"
	OrderTypeStopMarket = "STOP_MARKET"
	OrderTypeStopLimit  = "STOP_LIMIT"

	// Immediate order types (bypass the queue entirely)
	OrderTypeMarket    = "MARKET"
	OrderTypeCancelAll = "CANCEL_ALL"

	// Order sides
	OrderSideBuy  = "BUY"
	OrderSideSell = "SELL"

	// Order statuses
	OrderStatusQueued     = "QUEUED"
	OrderStatusActive     = "ACTIVE"
	OrderStatusCancelling = "CANCELLING"
	OrderStatusFilled     = "FILLED"
	OrderStatusCancelled  = "CANCELLED"
	OrderStatusFailed     = "FAILED"
)

// Priority classes, lower is more urgent. Market and cancel orders never
// reach the rebalancer so they carry no class.
const (
	PriorityLimit      = 3
	PriorityStopMarket = 4
	PriorityStopLimit  = 5
)

// Order is an order owned by the admission engine. VenueOrderID is set only
// while the order is live at the venue. RetryCount travels on the order row
// itself so a transaction rollback reverts state and retry budget together.
type Order struct {
	ID             uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	AccountID      uuid.UUID       `json:"account_id" gorm:"type:uuid;index:idx_orders_partition"`
	OwnerID        uuid.UUID       `json:"owner_id" gorm:"type:uuid;index"`
	Venue          string          `json:"venue"`
	Market         string          `json:"market"`
	Symbol         string          `json:"symbol" gorm:"index:idx_orders_partition"`
	Side           string          `json:"side"`
	Type           string          `json:"type"`
	Price          decimal.Decimal `json:"price" gorm:"type:decimal(30,10)"`
	TriggerPrice   decimal.Decimal `json:"trigger_price" gorm:"type:decimal(30,10)"`
	Quantity       decimal.Decimal `json:"quantity" gorm:"type:decimal(30,10)"`
	FilledQuantity decimal.Decimal `json:"filled_quantity" gorm:"type:decimal(30,10)"`
	AvgPrice       decimal.Decimal `json:"avg_price" gorm:"type:decimal(30,10)"`
	Status         string          `json:"status" gorm:"index"`
	VenueOrderID   string          `json:"venue_order_id" gorm:"index"`
	RetryCount     int             `json:"retry_count"`
	LastError      string          `json:"last_error"`
	Claimed        bool            `json:"claimed"`
	ClaimedAt      *time.Time      `json:"claimed_at,omitempty"`
	BatchID        uuid.UUID       `json:"batch_id" gorm:"type:uuid;index"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// IsStop reports whether the order counts against the STOP sub-quota.
func (o *Order) IsStop() bool {
	return o.Type == OrderTypeStopMarket || o.Type == OrderTypeStopLimit
}

// PriorityClass returns the admission priority class for queueable orders.
func (o *Order) PriorityClass() int {
	switch o.Type {
	case OrderTypeStopMarket:
		return PriorityStopMarket
	case OrderTypeStopLimit:
		return PriorityStopLimit
	default:
		return PriorityLimit
	}
}

// Terminal reports whether the status admits no further transitions.
func Terminal(status string) bool {
	return status == OrderStatusFilled || status == OrderStatusCancelled || status == OrderStatusFailed
}

// CanTransition enforces the order state machine in one place.
func CanTransition(from, to string) bool {
	if Terminal(from) {
		return false
	}
	switch {
	case from == OrderStatusQueued && to == OrderStatusActive:
		return true
	case from == OrderStatusActive && to == OrderStatusQueued:
		return true
	case from == OrderStatusActive && to == OrderStatusCancelling:
		return true
	case from == OrderStatusCancelling && to == OrderStatusActive:
		// Cancel failed at the venue, order is still live.
		return true
	case from == OrderStatusCancelling && to == OrderStatusCancelled:
		return true
	case Terminal(to):
		return true
	}
	return false
}

// OrderIntent is the normalized input produced by the intake layer.
// Immediate-class intents (MARKET, CANCEL_ALL) are routed around the queue
// by the caller.
type OrderIntent struct {
	AccountID    uuid.UUID       `json:"account_id" validate:"required"`
	OwnerID      uuid.UUID       `json:"owner_id" validate:"required"`
	Venue        string          `json:"venue" validate:"required"`
	Market       string          `json:"market" validate:"required,oneof=spot futures"`
	Symbol       string          `json:"symbol" validate:"required"`
	Side         string          `json:"side" validate:"required,oneof=BUY SELL"`
	Type         string          `json:"type" validate:"required,oneof=LIMIT STOP_MARKET STOP_LIMIT MARKET CANCEL_ALL"`
	Price        decimal.Decimal `json:"price,omitempty"`
	TriggerPrice decimal.Decimal `json:"trigger_price,omitempty"`
	Quantity     decimal.Decimal `json:"quantity"`
}

// Immediate reports whether the intent bypasses the admission queue.
func (in *OrderIntent) Immediate() bool {
	return in.Type == OrderTypeMarket || in.Type == OrderTypeCancelAll
}

// NewOrder materializes an intent into a queued order.
func NewOrder(in *OrderIntent, batchID uuid.UUID) *Order {
	now := time.Now().UTC()
	return &Order{
		ID:           uuid.New(),
		AccountID:    in.AccountID,
		OwnerID:      in.OwnerID,
		Venue:        in.Venue,
		Market:       in.Market,
		Symbol:       in.Symbol,
		Side:         in.Side,
		Type:         in.Type,
		Price:        in.Price,
		TriggerPrice: in.TriggerPrice,
		Quantity:     in.Quantity,
		Status:       OrderStatusQueued,
		BatchID:      batchID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// SymbolLimit is the admission ceiling for one (venue, market, symbol).
// STOP orders count against MaxActive too; MaxStopActive is always <= MaxActive.
type SymbolLimit struct {
	MaxActive     int `json:"max_active"`
	MaxStopActive int `json:"max_stop_active"`
}
