// Package notify delivers verification codes to users. The session core
// only depends on the Sink interface; delivery mechanics stay out of scope.
package notify

import (
	"context"
	"log/slog"
)

// Sink receives verification codes for delivery.
type Sink interface {
	SendVerificationCode(ctx context.Context, email, code string) error
}

// LogSink writes the dispatch to the structured log instead of sending
// mail. Default when email delivery is disabled.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink returns a sink logging through the given logger.
func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log}
}

func (s *LogSink) SendVerificationCode(_ context.Context, email, code string) error {
	s.log.Info("verification code dispatched", "email", email, "code", code)
	return nil
}
