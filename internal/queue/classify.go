package queue

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/quantfleet/ordergate/internal/model"
	"github.com/quantfleet/ordergate/internal/venue"
)

// Classify buckets a venue rejection for retry policy. A structured code
// from the adapter wins; substring matching on the error text is the
// fallback for venues whose APIs expose none.
func Classify(err error) model.FailureClass {
	if err == nil {
		return model.FailureUnknown
	}

	if ve, ok := venue.AsVenueError(err); ok && ve.Code != "" {
		switch ve.Code {
		case venue.CodeInsufficientBalance:
			return model.FailureInsufficientBalance
		case venue.CodeRateLimited:
			return model.FailureRateLimited
		case venue.CodeInvalidSymbol:
			return model.FailureInvalidSymbol
		case venue.CodeQuotaExceeded:
			return model.FailureQuotaExceeded
		}
	}

	if errors.Is(err, model.ErrRateLimitTimeout) {
		return model.FailureRateLimited
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.FailureNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return model.FailureNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "insufficient", "not enough balance", "margin is insufficient"):
		return model.FailureInsufficientBalance
	case containsAny(msg, "rate limit", "too many requests", "429"):
		return model.FailureRateLimited
	case containsAny(msg, "invalid symbol", "unknown symbol", "instrument does not exist", "does not exist"):
		return model.FailureInvalidSymbol
	case containsAny(msg, "quota", "max open orders", "too many open orders", "order limit exceeded"):
		return model.FailureQuotaExceeded
	case containsAny(msg, "timeout", "timed out", "connection refused", "connection reset", "network", "eof", "unreachable"):
		return model.FailureNetwork
	default:
		return model.FailureUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
