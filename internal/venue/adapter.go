// Package venue hides all wire-format detail of individual trading venues
// behind a single adapter capability. The engine depends only on the Adapter
// interface, never on concrete venue types.
package venue

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// OrderSpec is what the engine hands an adapter to place an order.
type OrderSpec struct {
	ClientOrderID string
	Symbol        string
	Side          string
	Type          string
	Price         decimal.Decimal
	TriggerPrice  decimal.Decimal
	Quantity      decimal.Decimal
}

// Ack is the venue's acknowledgement of a submitted order.
type Ack struct {
	VenueOrderID string
	Status       string
}

// OrderStatus is the authoritative state of an order read back from the
// venue. Push payloads are hints; Fetch is the source of truth.
type OrderStatus struct {
	VenueOrderID string
	Status       string
	FilledQty    decimal.Decimal
	AvgPrice     decimal.Decimal
}

// Venue-reported order statuses, already normalized by the adapter.
const (
	StatusOpen            = "OPEN"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusFilled          = "FILLED"
	StatusCancelled       = "CANCELLED"
	StatusRejected        = "REJECTED"
)

// PushEvent is one message off a venue push session. StatusHint may be
// stale or duplicated and is never trusted without a Fetch read-back.
type PushEvent struct {
	Venue        string `json:"venue"`
	VenueOrderID string `json:"venue_order_id"`
	Symbol       string `json:"symbol"`
	StatusHint   string `json:"status_hint"`
}

// Adapter is implemented once per venue. All calls are synchronous I/O and
// honour the passed context's deadline.
type Adapter interface {
	Name() string
	Submit(ctx context.Context, spec OrderSpec) (Ack, error)
	Cancel(ctx context.Context, venueOrderID, symbol string) error
	Fetch(ctx context.Context, venueOrderID, symbol string) (OrderStatus, error)
	CancelAll(ctx context.Context, symbol string) error
	// NormalizeSymbol maps the venue's native symbol representation
	// (e.g. "BTC_USDT", "btcusdt") to canonical form.
	NormalizeSymbol(raw string) string
}

// Error is a structured venue rejection. Adapters populate Code when the
// venue API exposes one; the classifier falls back to message matching for
// untyped errors.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("venue error %s: %s", e.Code, e.Message)
	}
	return e.Message
}

// Structured rejection codes shared across adapters.
const (
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeRateLimited         = "RATE_LIMITED"
	CodeInvalidSymbol       = "INVALID_SYMBOL"
	CodeQuotaExceeded       = "QUOTA_EXCEEDED"
)

// AsVenueError unwraps err into a *Error if there is one in the chain.
func AsVenueError(err error) (*Error, bool) {
	var ve *Error
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
