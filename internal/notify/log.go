package notify

import (
	"context"
	"log/slog"
)

// LogSender is a ChannelSender that records deliveries to the log
// instead of sending anything. Used by the standalone daemon when no
// real transports are configured, and in tests.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a log-only sender.
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) SendEmail(ctx context.Context, recipient, subject, body string) error {
	s.logger.InfoContext(ctx, "email delivery",
		slog.String("to", recipient), slog.String("subject", subject), slog.Int("bytes", len(body)))
	return nil
}

func (s *LogSender) SendSMS(ctx context.Context, recipient, body string) error {
	s.logger.InfoContext(ctx, "sms delivery",
		slog.String("to", recipient), slog.Int("bytes", len(body)))
	return nil
}

func (s *LogSender) SendWhatsApp(ctx context.Context, recipient, body string) error {
	s.logger.InfoContext(ctx, "whatsapp delivery",
		slog.String("to", recipient), slog.Int("bytes", len(body)))
	return nil
}

var _ ChannelSender = (*LogSender)(nil)
