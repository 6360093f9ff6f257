package notifier

import (
	"context"

	"go.uber.org/zap"

	"github.com/finpocket/finpocket/internal/domain"
)

// ZapSink writes alerts to the log. Used by the dev harness and anywhere a
// real alert transport is not wired.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink creates a log-backed alert sink.
func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: logger}
}

// Notify logs the alert.
func (s *ZapSink) Notify(_ context.Context, n domain.Notification) {
	s.logger.Info("alert", zap.String("title", n.Title), zap.String("body", n.Body))
}
