package model

import (
	"time"

	"github.com/google/uuid"
)

// OrderFailure is the per-order entry surfaced when a promotion fails
// permanently. Failures are returned in results, never thrown across the
// public boundary.
type OrderFailure struct {
	OrderID   uuid.UUID    `json:"order_id"`
	AccountID uuid.UUID    `json:"account_id"`
	Symbol    string       `json:"symbol"`
	Class     FailureClass `json:"class"`
	Message   string       `json:"message"`
}

// RebalanceResult summarizes one rebalance pass over a single partition.
type RebalanceResult struct {
	AccountID   uuid.UUID      `json:"account_id"`
	Symbol      string         `json:"symbol"`
	Promoted    int            `json:"promoted"`
	Evicted     int            `json:"evicted"`
	StillQueued int            `json:"still_queued"`
	Failed      []OrderFailure `json:"failed,omitempty"`
	Duration    time.Duration  `json:"duration"`
}

// IntentRejection identifies one intent refused before admission. Index is
// the intent's position in the submitted batch.
type IntentRejection struct {
	Index  int    `json:"index"`
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
}

// BatchResult is the synchronous contract for a multi-order enqueue: callers
// render per-order outcomes without polling. Partial success is the normal
// case.
type BatchResult struct {
	BatchID     uuid.UUID         `json:"batch_id"`
	Accepted    []uuid.UUID       `json:"accepted"`
	Promoted    int               `json:"promoted"`
	StillQueued int               `json:"still_queued"`
	Failed      []OrderFailure    `json:"failed,omitempty"`
	Rejected    []IntentRejection `json:"rejected,omitempty"`
}

// Event types published on every state change for downstream subscribers.
const (
	EventCreated   = "created"
	EventPromoted  = "promoted"
	EventDemoted   = "demoted"
	EventCancelled = "cancelled"
	EventFilled    = "filled"
	EventFailed    = "failed"
)

// Event is a state-change notification emitted by the engine.
type Event struct {
	Type      string    `json:"type"`
	OrderID   uuid.UUID `json:"order_id"`
	AccountID uuid.UUID `json:"account_id"`
	OwnerID   uuid.UUID `json:"owner_id"`
	Venue     string    `json:"venue"`
	Symbol    string    `json:"symbol"`
	At        time.Time `json:"at"`
}

// FailureAlert is the user-facing payload handed to the alert sink when an
// order fails permanently.
type FailureAlert struct {
	AccountID uuid.UUID    `json:"account_id"`
	OwnerID   uuid.UUID    `json:"owner_id"`
	Symbol    string       `json:"symbol"`
	Class     FailureClass `json:"error_class"`
	Message   string       `json:"message"`
}
