package venue

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// SimAdapter is an in-memory venue used by tests and paper-trading mode.
// Rejections can be scripted per client order id or per call ordinal.
type SimAdapter struct {
	name string

	mu         sync.Mutex
	nextID     int
	orders     map[string]*simOrder // keyed by venue order id
	rejections map[string]error     // keyed by client order id
	rejectAt   map[int]error        // keyed by 1-based submit ordinal
	cancelErr  error
	submits    int
	cancels    int
	fetches    int
}

type simOrder struct {
	spec      OrderSpec
	status    string
	filledQty decimal.Decimal
	avgPrice  decimal.Decimal
}

// NewSimAdapter creates a simulated venue.
func NewSimAdapter(name string) *SimAdapter {
	return &SimAdapter{
		name:       name,
		orders:     make(map[string]*simOrder),
		rejections: make(map[string]error),
		rejectAt:   make(map[int]error),
	}
}

func (s *SimAdapter) Name() string { return s.name }

// RejectNext scripts a rejection for the given client order id.
func (s *SimAdapter) RejectNext(clientOrderID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejections[clientOrderID] = err
}

// RejectSubmitAt scripts a rejection for the nth Submit call (1-based).
func (s *SimAdapter) RejectSubmitAt(ordinal int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectAt[ordinal] = err
}

// FailCancels makes every Cancel call fail with err until reset with nil.
func (s *SimAdapter) FailCancels(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelErr = err
}

// Submit places the order in the simulated book as OPEN.
func (s *SimAdapter) Submit(ctx context.Context, spec OrderSpec) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.submits++

	if err, ok := s.rejectAt[s.submits]; ok {
		delete(s.rejectAt, s.submits)
		return Ack{}, err
	}
	if err, ok := s.rejections[spec.ClientOrderID]; ok {
		delete(s.rejections, spec.ClientOrderID)
		return Ack{}, err
	}

	s.nextID++
	id := fmt.Sprintf("%s-%d", s.name, s.nextID)
	s.orders[id] = &simOrder{spec: spec, status: StatusOpen}
	return Ack{VenueOrderID: id, Status: StatusOpen}, nil
}

// Cancel removes a live order from the simulated book.
func (s *SimAdapter) Cancel(ctx context.Context, venueOrderID, symbol string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels++

	if s.cancelErr != nil {
		return s.cancelErr
	}
	o, ok := s.orders[venueOrderID]
	if !ok {
		return &Error{Code: CodeInvalidSymbol, Message: "order does not exist"}
	}
	o.status = StatusCancelled
	return nil
}

// Fetch reads back the authoritative order state.
func (s *SimAdapter) Fetch(ctx context.Context, venueOrderID, symbol string) (OrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return OrderStatus{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++

	o, ok := s.orders[venueOrderID]
	if !ok {
		return OrderStatus{}, &Error{Code: CodeInvalidSymbol, Message: "order does not exist"}
	}
	return OrderStatus{
		VenueOrderID: venueOrderID,
		Status:       o.status,
		FilledQty:    o.filledQty,
		AvgPrice:     o.avgPrice,
	}, nil
}

// CancelAll cancels every open order for the symbol.
func (s *SimAdapter) CancelAll(ctx context.Context, symbol string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.spec.Symbol == symbol && (o.status == StatusOpen || o.status == StatusPartiallyFilled) {
			o.status = StatusCancelled
		}
	}
	return nil
}

// NormalizeSymbol upper-cases and strips separators, the common venue quirk.
func (s *SimAdapter) NormalizeSymbol(raw string) string {
	out := strings.ToUpper(raw)
	out = strings.ReplaceAll(out, "_", "")
	out = strings.ReplaceAll(out, "-", "")
	return out
}

// Fill marks a simulated order filled, for driving fill-monitor tests.
func (s *SimAdapter) Fill(venueOrderID string, qty, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[venueOrderID]; ok {
		o.filledQty = o.filledQty.Add(qty)
		o.avgPrice = price
		if o.filledQty.GreaterThanOrEqual(o.spec.Quantity) {
			o.status = StatusFilled
		} else {
			o.status = StatusPartiallyFilled
		}
	}
}

// ActiveCount returns how many simulated orders are currently live for the
// symbol; tests assert quota invariants against this.
func (s *SimAdapter) ActiveCount(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, o := range s.orders {
		if o.spec.Symbol == symbol && (o.status == StatusOpen || o.status == StatusPartiallyFilled) {
			n++
		}
	}
	return n
}

// Counts returns call counters for assertions.
func (s *SimAdapter) Counts() (submits, cancels, fetches int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submits, s.cancels, s.fetches
}
