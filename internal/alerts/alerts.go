// Package alerts carries user-facing failure notifications out of the
// engine. The sink is fire-and-forget: its own failure never aborts the
// order pipeline.
package alerts

import (
	"context"

	"go.uber.org/zap"

	"github.com/quantfleet/ordergate/internal/model"
)

// Sink receives an alert for every permanently failed order.
type Sink interface {
	NotifyFailure(ctx context.Context, alert model.FailureAlert)
}

// LogSink writes alerts to the structured log; the default sink when no
// external notifier is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a log-backed alert sink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) NotifyFailure(ctx context.Context, alert model.FailureAlert) {
	s.logger.Warn("order failed permanently",
		zap.String("account_id", alert.AccountID.String()),
		zap.String("owner_id", alert.OwnerID.String()),
		zap.String("symbol", alert.Symbol),
		zap.String("error_class", string(alert.Class)),
		zap.String("message", alert.Message))
}

// Safe wraps a sink so panics and blocking inside the sink cannot reach the
// caller. Notification runs on its own goroutine.
type Safe struct {
	inner  Sink
	logger *zap.Logger
}

// NewSafe wraps sink with panic isolation.
func NewSafe(inner Sink, logger *zap.Logger) *Safe {
	return &Safe{inner: inner, logger: logger}
}

func (s *Safe) NotifyFailure(ctx context.Context, alert model.FailureAlert) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("alert sink panicked", zap.Any("panic", r))
			}
		}()
		s.inner.NotifyFailure(context.WithoutCancel(ctx), alert)
	}()
}
