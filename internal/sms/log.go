package sms

import (
	"context"
	"log/slog"

	"github.com/BradenHooton/authcore/internal/models"
	"github.com/BradenHooton/authcore/pkg/logger"
	"github.com/google/uuid"
)

// LogProvider pretends to deliver messages by logging the masked destination.
// The message body is never logged since it carries the code.
type LogProvider struct {
	logger *slog.Logger
}

func NewLogProvider(logger *slog.Logger) *LogProvider {
	return &LogProvider{logger: logger}
}

func (p *LogProvider) Name() string {
	return "log"
}

func (p *LogProvider) Send(ctx context.Context, number, message string) (models.SMSSendResult, error) {
	id := uuid.NewString()
	p.logger.InfoContext(ctx, "sms delivery skipped (log provider)",
		logger.PhoneAttr("phone", number),
		slog.Int("length", len(message)),
		slog.String("message_id", id))
	return models.SMSSendResult{Success: true, ProviderMessageID: id}, nil
}
