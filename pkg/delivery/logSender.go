package delivery

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const providerLog = "log"

// logSender writes messages to the log instead of delivering them. Used for local runs.
type logSender struct {
	logger *zap.Logger
}

func newLogSender(logger *zap.Logger) *logSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &logSender{logger: logger.With(zap.String("sender", providerLog))}
}

func (l *logSender) Send(_ context.Context, msg Message) Result {
	if err := checkMessage(msg); err != nil {
		return Permanent(err)
	}
	id := uuid.NewString()
	l.logger.Info("email",
		zap.String("message_id", id),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.Any("headers", msg.Headers))
	return Success(id, providerLog)
}

func (l *logSender) Close() error { return nil }
