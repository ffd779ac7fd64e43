package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-reminder-outbox/pkg/store"
	"github.com/zoff-tech/go-reminder-outbox/schema"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// DeadLetterPage is one keyset page of dead letters. NextAfterID is zero on the last page.
type DeadLetterPage struct {
	Data        []store.DeadLetter `json:"data"`
	NextAfterID int64              `json:"next_after_id,omitempty"`
}

// RequeueResult describes where a requeued dead letter went.
type RequeueResult struct {
	DeadLetterID int64  `json:"dead_letter_id"`
	Kind         string `json:"kind"`
	OutboxID     int64  `json:"outbox_id,omitempty"`
	ReminderID   int64  `json:"reminder_id,omitempty"`
}

// RetryResult is returned by RetryOutboxItem. Changed is false when the row was
// already pending.
type RetryResult struct {
	Entry   store.OutboxEntry `json:"entry"`
	Changed bool              `json:"changed"`
}

// RequeueRepository is the part of the store the operator surface needs.
type RequeueRepository interface {
	store.DeadLetterRepository
	GetOutbox(ctx context.Context, id int64) (store.OutboxEntry, error)
	ResetOutbox(ctx context.Context, id int64, reminderID int64, now time.Time) (store.OutboxEntry, bool, error)
	RequeueFailedReminders(ctx context.Context) (int64, error)
}

// RequeueService is the operator's way back from failures.
type RequeueService struct {
	repo   RequeueRepository
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer
}

// NewRequeueService creates a new instance of RequeueService.
func NewRequeueService(repo RequeueRepository, cfg Config, logger *zap.Logger) *RequeueService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RequeueService{
		repo:   repo,
		cfg:    cfg.normalize(),
		logger: logger.Named("requeue"),
		tracer: otel.Tracer(tracerName),
	}
}

// ListDeadLetters returns the dead letters with id > afterID in id order.
func (s *RequeueService) ListDeadLetters(ctx context.Context, afterID int64, limit int) (DeadLetterPage, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	} else if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if afterID < 0 {
		afterID = 0
	}

	rows, err := s.repo.ListDeadLetters(ctx, afterID, limit+1)
	if err != nil {
		return DeadLetterPage{}, fmt.Errorf("list dead letters: %w", err)
	}
	page := DeadLetterPage{Data: rows}
	if len(rows) > limit {
		page.Data = rows[:limit]
		page.NextAfterID = page.Data[limit-1].ID
	}
	if page.Data == nil {
		page.Data = []store.DeadLetter{}
	}
	return page, nil
}

func (s *RequeueService) GetDeadLetter(ctx context.Context, id int64) (store.DeadLetter, error) {
	dl, err := s.repo.GetDeadLetter(ctx, id)
	if err != nil {
		return store.DeadLetter{}, fmt.Errorf("get dead letter %d: %w", id, err)
	}
	return dl, nil
}

// RetryOutboxItem resets a failed outbox row to pending with zero attempts. A pending
// row is returned unchanged; a sent row is a conflict.
func (s *RequeueService) RetryOutboxItem(ctx context.Context, id int64) (RetryResult, error) {
	ctx, span := s.tracer.Start(ctx, "RetryOutboxItem", trace.WithAttributes(attribute.Int64("outbox.id", id)))
	defer span.End()

	entry, err := s.repo.GetOutbox(ctx, id)
	if err != nil {
		return RetryResult{}, fmt.Errorf("get outbox row %d: %w", id, err)
	}
	var reminderID int64
	if p, err := schema.Decode(entry.Topic, entry.Payload); err == nil {
		if email, ok := p.(*schema.EmailSendPayload); ok {
			reminderID = email.ReminderID
		}
	}

	reset, changed, err := s.repo.ResetOutbox(ctx, id, reminderID, s.cfg.Now())
	switch {
	case errors.Is(err, store.ErrOutboxAlreadySent):
		return RetryResult{}, &ConflictError{Reason: "outbox row already sent"}
	case errors.Is(err, store.ErrAlreadyEnqueued):
		return RetryResult{}, &ConflictError{Reason: "occurrence already has a pending row"}
	case err != nil:
		span.RecordError(err)
		return RetryResult{}, fmt.Errorf("reset outbox row %d: %w", id, err)
	}
	if changed {
		s.logger.Info("outbox row reset", zap.Int64("outbox_id", id), zap.Int64("reminder_id", reminderID))
	}
	return RetryResult{Entry: reset, Changed: changed}, nil
}

// RequeueDeadLetter re-injects a dead letter: outbox kinds become a fresh outbox row
// under a derived occurrence key, reminder kinds put the reminder back on schedule.
func (s *RequeueService) RequeueDeadLetter(ctx context.Context, id int64) (RequeueResult, error) {
	ctx, span := s.tracer.Start(ctx, "RequeueDeadLetter", trace.WithAttributes(attribute.Int64("dead_letter.id", id)))
	defer span.End()

	dl, err := s.repo.GetDeadLetter(ctx, id)
	if err != nil {
		return RequeueResult{}, fmt.Errorf("get dead letter %d: %w", id, err)
	}
	span.SetAttributes(attribute.String("dead_letter.kind", dl.Kind))
	res := RequeueResult{DeadLetterID: dl.ID, Kind: dl.Kind}

	decoded, err := schema.Decode(dl.Kind, dl.Payload)
	if err != nil {
		span.RecordError(err)
		return RequeueResult{}, &ConflictError{Reason: "dead letter payload cannot be requeued: " + err.Error()}
	}

	switch p := decoded.(type) {
	case *schema.EmailSendPayload:
		p.OccurrenceKey = schema.RequeueKey(p.OccurrenceKey, dl.ID)
		if p.Headers == nil {
			p.Headers = map[string]string{}
		}
		p.Headers[schema.HeaderIdempotencyKey] = p.OccurrenceKey
		raw, err := schema.Encode(p)
		if err != nil {
			return RequeueResult{}, fmt.Errorf("encode requeued payload: %w", err)
		}
		entry, err := s.repo.RequeueDeadLetterToOutbox(ctx, dl.ID, p.ReminderID, store.OutboxEntry{
			Topic:     dl.Kind,
			Payload:   raw,
			CreatedAt: s.cfg.Now(),
		})
		if errors.Is(err, store.ErrAlreadyEnqueued) {
			return RequeueResult{}, &ConflictError{Reason: "dead letter already requeued"}
		}
		if err != nil {
			span.RecordError(err)
			return RequeueResult{}, fmt.Errorf("requeue dead letter %d: %w", dl.ID, err)
		}
		res.OutboxID = entry.ID
		res.ReminderID = p.ReminderID

	case *schema.ReminderFailurePayload:
		err := s.repo.RequeueDeadLetterToReminder(ctx, dl.ID, p.ReminderID, s.cfg.Now())
		if errors.Is(err, store.ErrReminderNotFailed) {
			return RequeueResult{}, &ConflictError{Reason: "reminder is not failed"}
		}
		if err != nil {
			span.RecordError(err)
			return RequeueResult{}, fmt.Errorf("requeue dead letter %d: %w", dl.ID, err)
		}
		res.ReminderID = p.ReminderID

	default:
		return RequeueResult{}, &ConflictError{Reason: "unsupported dead letter kind " + dl.Kind}
	}

	s.logger.Info("dead letter requeued",
		zap.Int64("dead_letter_id", dl.ID), zap.String("kind", dl.Kind),
		zap.Int64("outbox_id", res.OutboxID), zap.Int64("reminder_id", res.ReminderID))
	return res, nil
}

// RequeueFailedReminders puts every failed reminder back on schedule and returns how
// many moved.
func (s *RequeueService) RequeueFailedReminders(ctx context.Context) (int64, error) {
	n, err := s.repo.RequeueFailedReminders(ctx)
	if err != nil {
		return 0, fmt.Errorf("requeue failed reminders: %w", err)
	}
	s.logger.Info("failed reminders requeued", zap.Int64("count", n))
	return n, nil
}
