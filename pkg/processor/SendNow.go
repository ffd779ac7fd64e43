package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-reminder-outbox/pkg/delivery"
	"github.com/zoff-tech/go-reminder-outbox/pkg/logging"
	"github.com/zoff-tech/go-reminder-outbox/pkg/store"
)

// SendNowResult is returned by a successful synchronous send.
type SendNowResult struct {
	ReminderID int64                `json:"reminder_id"`
	Status     store.ReminderStatus `json:"status"`
	MessageID  string               `json:"message_id"`
	Provider   string               `json:"provider"`
	Forced     bool                 `json:"forced"`
}

// SendNowService delivers a single reminder immediately, bypassing the outbox.
type SendNowService struct {
	repo    store.ReminderRepository
	sender  delivery.Sender
	cfg     Config
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *pipelineMetrics
}

// NewSendNowService creates a new instance of SendNowService. It needs only the
// reminder side of the store.
func NewSendNowService(repo store.ReminderRepository, sender delivery.Sender, cfg Config, logger *zap.Logger) *SendNowService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SendNowService{
		repo:    repo,
		sender:  sender,
		cfg:     cfg.normalize(),
		logger:  logger.Named("send_now"),
		tracer:  otel.Tracer(tracerName),
		metrics: mustMetrics(nil),
	}
}

// SendNow sends the reminder once. Without force a sent or cancelled reminder is a
// conflict. With or without force, a send claim held by another caller is a conflict.
func (s *SendNowService) SendNow(ctx context.Context, reminderID int64, force bool) (SendNowResult, error) {
	ctx, span := s.tracer.Start(ctx, "SendNow", trace.WithAttributes(
		attribute.Int64("reminder.id", reminderID),
		attribute.Bool("send_now.force", force),
	))
	defer span.End()
	logger := logging.WithTrace(ctx, s.logger).With(zap.Int64("reminder_id", reminderID), zap.Bool("force", force))

	res, err := s.sendNow(ctx, logger, reminderID, force)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (s *SendNowService) sendNow(ctx context.Context, logger *zap.Logger, reminderID int64, force bool) (SendNowResult, error) {
	r, err := s.repo.GetReminder(ctx, reminderID)
	if err != nil {
		return SendNowResult{}, fmt.Errorf("load reminder %d: %w", reminderID, err)
	}
	if !force {
		switch r.Status {
		case store.ReminderSent:
			return SendNowResult{}, &ConflictError{Reason: "already sent", Status: r.Status}
		case store.ReminderCancelled:
			return SendNowResult{}, &ConflictError{Reason: "reminder cancelled", Status: r.Status}
		}
	}

	if r.Channel != store.ChannelEmail {
		return SendNowResult{}, &DeliveryError{Result: delivery.Permanent(fmt.Errorf("%w: %s", ErrUnsupportedChannel, r.Channel))}
	}
	recipient, err := s.repo.ResolveRecipient(ctx, r.InvoiceID)
	if err != nil {
		if permanentDataError(err) {
			return SendNowResult{}, &DeliveryError{Result: delivery.Permanent(err)}
		}
		return SendNowResult{}, fmt.Errorf("resolve recipient: %w", err)
	}
	payload := buildEmail(r, recipient)
	if err := payload.Validate(); err != nil {
		return SendNowResult{}, &DeliveryError{Result: delivery.Permanent(err)}
	}

	now := s.cfg.Now()
	claim := store.SendClaim{Token: uuid.NewString(), Now: now, Until: now.Add(s.cfg.ClaimTTL)}
	if !force {
		claim.Statuses = []store.ReminderStatus{store.ReminderScheduled, store.ReminderFailed}
	}
	if _, err := s.repo.ClaimSend(ctx, r.ID, claim); err != nil {
		var rejected *store.ClaimRejectedError
		if errors.As(err, &rejected) {
			if rejected.InProgress {
				return SendNowResult{}, &ConflictError{Reason: "send in progress", Status: rejected.Status}
			}
			return SendNowResult{}, &ConflictError{Reason: "already sent", Status: rejected.Status}
		}
		return SendNowResult{}, fmt.Errorf("claim reminder %d: %w", r.ID, err)
	}

	started := time.Now()
	result := s.sender.Send(ctx, toMessage(payload))
	s.metrics.recordDelivery(ctx, started, result.Outcome.String())

	completion := store.SendCompletion{Token: claim.Token, Now: s.cfg.Now(), SentVia: sentViaSendNow}
	if result.OK() {
		completion.Sent = true
		completion.MessageID = result.MessageID
		completion.Provider = result.Provider
	} else {
		completion.Error = result.Error()
	}
	if err := s.repo.FinishSend(ctx, r.ID, completion); err != nil {
		logger.Error("record send-now outcome", zap.Error(err), zap.String("outcome", result.Outcome.String()))
		return SendNowResult{}, fmt.Errorf("record send outcome: %w", err)
	}

	if !result.OK() {
		logger.Warn("send-now failed", zap.String("outcome", result.Outcome.String()), zap.String("error", completion.Error))
		return SendNowResult{}, &DeliveryError{Result: result}
	}
	logger.Info("reminder sent now", zap.String("message_id", result.MessageID), zap.String("provider", result.Provider))
	return SendNowResult{
		ReminderID: r.ID,
		Status:     store.ReminderSent,
		MessageID:  result.MessageID,
		Provider:   result.Provider,
		Forced:     force,
	}, nil
}
