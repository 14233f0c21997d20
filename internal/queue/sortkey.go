package queue

import (
	"github.com/shopspring/decimal"

	"github.com/quantfleet/ordergate/internal/model"
)

// urgency reduces the price tie-break rules to a single comparable score,
// higher meaning more urgent within a priority class:
//
//	limit buy   -> price          (higher price first)
//	limit sell  -> -price         (lower price first)
//	stop buy    -> -trigger       (lower trigger first)
//	stop sell   -> trigger        (higher trigger first)
func urgency(o *model.Order) decimal.Decimal {
	if o.IsStop() {
		if o.Side == model.OrderSideBuy {
			return o.TriggerPrice.Neg()
		}
		return o.TriggerPrice
	}
	if o.Side == model.OrderSideBuy {
		return o.Price
	}
	return o.Price.Neg()
}

// admitBefore is the total admission order: priority class ascending, then
// urgency descending, then creation time ascending (strict FIFO), with the
// order id as a final deterministic tie-break.
func admitBefore(a, b *model.Order) bool {
	ca, cb := a.PriorityClass(), b.PriorityClass()
	if ca != cb {
		return ca < cb
	}

	switch urgency(a).Cmp(urgency(b)) {
	case 1:
		return true
	case -1:
		return false
	}

	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}
