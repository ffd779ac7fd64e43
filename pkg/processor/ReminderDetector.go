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
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-reminder-outbox/pkg/delivery"
	"github.com/zoff-tech/go-reminder-outbox/pkg/logging"
	"github.com/zoff-tech/go-reminder-outbox/pkg/store"
	"github.com/zoff-tech/go-reminder-outbox/schema"
)

const tracerName = "go-reminder-outbox/processor"

const (
	sentViaDirect  = "direct"
	sentViaSendNow = "send_now"
)

// DetectResult summarizes one detector invocation.
type DetectResult struct {
	Loops    int
	Scanned  int
	Enqueued int
	Sent     int
	// Skipped counts reminders already enqueued or claimed by someone else.
	Skipped int
	Failed  int
	// Deferred counts reminders left scheduled after a transient error.
	Deferred int
}

// DetectorRepository is the part of the store the detector needs.
type DetectorRepository interface {
	store.ReminderRepository
	EnqueueReminder(ctx context.Context, reminderID int64, occurrenceKey string, entry store.OutboxEntry) (store.OutboxEntry, error)
}

// ReminderDetector finds due reminders and hands them to the outbox, or sends them
// directly when the outbox is disabled.
type ReminderDetector struct {
	repo    DetectorRepository
	sender  delivery.Sender
	cfg     Config
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *pipelineMetrics
}

// NewReminderDetector creates a new instance of ReminderDetector. sender is only used
// in direct mode and may be nil when the outbox is enabled.
func NewReminderDetector(repo DetectorRepository, sender delivery.Sender, cfg Config, logger *zap.Logger) *ReminderDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReminderDetector{
		repo:    repo,
		sender:  sender,
		cfg:     cfg.normalize(),
		logger:  logger.Named("detector"),
		tracer:  otel.Tracer(tracerName),
		metrics: mustMetrics(nil),
	}
}

// EnqueueDueReminders walks the due reminders with a keyset cursor, at most MaxLoops
// batches per call. Per-reminder errors never abort the walk.
func (d *ReminderDetector) EnqueueDueReminders(ctx context.Context) (DetectResult, error) {
	var res DetectResult
	if !d.cfg.OutboxEnabled && d.sender == nil {
		return res, errors.New("direct mode requires a sender")
	}

	now := d.cfg.Now()
	q := store.DueQuery{Now: now, Limit: d.cfg.DetectBatchSize}
	if d.cfg.Lookback > 0 {
		notBefore := now.Add(-d.cfg.Lookback)
		q.NotBefore = &notBefore
	}

	for res.Loops < d.cfg.MaxLoops {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		due, err := d.repo.FetchDueReminders(ctx, q)
		if err != nil {
			return res, fmt.Errorf("fetch due reminders: %w", err)
		}
		res.Loops++
		for _, r := range due {
			res.Scanned++
			d.detect(ctx, r, now, &res)
		}
		if len(due) < q.Limit {
			break
		}
		last := due[len(due)-1]
		q.After = &store.DueCursor{SendAt: last.SendAt, ID: last.ID}
	}
	return res, nil
}

func (d *ReminderDetector) detect(ctx context.Context, r store.Reminder, now time.Time, res *DetectResult) {
	ctx, span := d.tracer.Start(ctx, "DetectReminder", trace.WithAttributes(
		attribute.Int64("reminder.id", r.ID),
		attribute.Int64("reminder.invoice_id", r.InvoiceID),
		attribute.String("reminder.channel", string(r.Channel)),
		attribute.String("reminder.send_at", r.SendAt.UTC().Format(time.RFC3339)),
		attribute.Bool("outbox.enabled", d.cfg.OutboxEnabled),
	))
	defer span.End()
	logger := logging.WithTrace(ctx, d.logger).With(zap.Int64("reminder_id", r.ID))

	if d.cfg.OutboxEnabled && r.Meta.String(store.MetaOutboxOccurrence) == schema.OccurrenceKey(r.ID, r.SendAt) {
		res.Skipped++
		return
	}

	payload, err := d.prepare(ctx, r)
	if err != nil {
		span.RecordError(err)
		if !permanentDataError(err) && !errors.Is(err, schema.ErrMalformedPayload) {
			logger.Warn("reminder deferred", zap.Error(err))
			span.SetStatus(codes.Error, err.Error())
			res.Deferred++
			return
		}
		d.failReminder(ctx, logger, r, schema.StageEnqueue, err, now, res)
		return
	}

	if d.cfg.OutboxEnabled {
		d.enqueue(ctx, logger, span, r, payload, now, res)
		return
	}
	d.sendDirect(ctx, logger, span, r, payload, now, res)
}

// prepare resolves the recipient and renders the email payload.
func (d *ReminderDetector) prepare(ctx context.Context, r store.Reminder) (*schema.EmailSendPayload, error) {
	if r.Channel != store.ChannelEmail {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChannel, r.Channel)
	}
	recipient, err := d.repo.ResolveRecipient(ctx, r.InvoiceID)
	if err != nil {
		return nil, fmt.Errorf("resolve recipient: %w", err)
	}
	payload := buildEmail(r, recipient)
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return payload, nil
}

func (d *ReminderDetector) enqueue(ctx context.Context, logger *zap.Logger, span trace.Span, r store.Reminder, payload *schema.EmailSendPayload, now time.Time, res *DetectResult) {
	raw, err := schema.Encode(payload)
	if err != nil {
		d.failReminder(ctx, logger, r, schema.StageEnqueue, err, now, res)
		return
	}

	entry, err := d.repo.EnqueueReminder(ctx, r.ID, payload.OccurrenceKey, store.OutboxEntry{
		Topic:     string(schema.TopicEmailSend),
		Payload:   raw,
		CreatedAt: now,
	})
	switch {
	case errors.Is(err, store.ErrAlreadyEnqueued), errors.Is(err, store.ErrNotScheduled), errors.Is(err, store.ErrReminderNotFound):
		logger.Debug("reminder skipped", zap.Error(err))
		res.Skipped++
		return
	case err != nil:
		logger.Warn("enqueue failed, reminder stays scheduled", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		res.Deferred++
		return
	}

	span.SetAttributes(attribute.Int64("outbox.id", entry.ID))
	d.metrics.enqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", "outbox")))
	logger.Debug("reminder enqueued", zap.Int64("outbox_id", entry.ID), zap.String("occurrence_key", payload.OccurrenceKey))
	res.Enqueued++
}

func (d *ReminderDetector) sendDirect(ctx context.Context, logger *zap.Logger, span trace.Span, r store.Reminder, payload *schema.EmailSendPayload, now time.Time, res *DetectResult) {
	token := uuid.NewString()
	_, err := d.repo.ClaimSend(ctx, r.ID, store.SendClaim{
		Token:    token,
		Now:      now,
		Until:    now.Add(d.cfg.ClaimTTL),
		Statuses: []store.ReminderStatus{store.ReminderScheduled},
	})
	switch {
	case store.IsClaimRejected(err), errors.Is(err, store.ErrReminderNotFound):
		res.Skipped++
		return
	case err != nil:
		logger.Warn("send claim failed, reminder stays scheduled", zap.Error(err))
		span.RecordError(err)
		res.Deferred++
		return
	}

	started := time.Now()
	result := d.sender.Send(ctx, toMessage(payload))
	d.metrics.recordDelivery(ctx, started, result.Outcome.String())
	span.SetAttributes(attribute.String("delivery.outcome", result.Outcome.String()))

	done := d.cfg.Now()
	completion := store.SendCompletion{Token: token, Now: done, SentVia: sentViaDirect}
	if result.OK() {
		completion.Sent = true
		completion.MessageID = result.MessageID
		completion.Provider = result.Provider
	} else {
		completion.Error = result.Error()
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, completion.Error)
		if d.cfg.DeadLetterDirectFailures {
			dl, err := reminderDeadLetter(r, schema.StageDirectSend, completion.Error, 1)
			if err != nil {
				logger.Error("build dead letter", zap.Error(err))
			} else {
				completion.DeadLetter = dl
			}
		}
	}

	if err := d.repo.FinishSend(ctx, r.ID, completion); err != nil {
		logger.Error("record direct send outcome", zap.Error(err), zap.String("outcome", result.Outcome.String()))
		span.RecordError(err)
		res.Deferred++
		return
	}

	if result.OK() {
		d.metrics.enqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", "direct")))
		logger.Info("reminder sent", zap.String("message_id", result.MessageID), zap.String("provider", result.Provider))
		res.Sent++
		return
	}
	if completion.DeadLetter != nil {
		d.metrics.recordDeadLetter(ctx, string(schema.TopicReminderSend))
	}
	logger.Warn("direct send failed", zap.String("outcome", result.Outcome.String()), zap.String("error", completion.Error))
	res.Failed++
}

func (d *ReminderDetector) failReminder(ctx context.Context, logger *zap.Logger, r store.Reminder, stage string, cause error, now time.Time, res *DetectResult) {
	dl, err := reminderDeadLetter(r, stage, cause.Error(), 0)
	if err != nil {
		logger.Error("build dead letter", zap.Error(err))
		res.Deferred++
		return
	}
	err = d.repo.FailReminder(ctx, r.ID, cause.Error(), now, dl)
	switch {
	case errors.Is(err, store.ErrNotScheduled), errors.Is(err, store.ErrReminderNotFound):
		res.Skipped++
		return
	case err != nil:
		logger.Error("mark reminder failed", zap.Error(err), zap.NamedError("cause", cause))
		res.Deferred++
		return
	}
	d.metrics.recordDeadLetter(ctx, dl.Kind)
	logger.Warn("reminder failed permanently", zap.Error(cause))
	res.Failed++
}

func reminderDeadLetter(r store.Reminder, stage, reason string, retries int) (*store.DeadLetter, error) {
	raw, err := failurePayload(r, stage)
	if err != nil {
		return nil, err
	}
	return &store.DeadLetter{
		Kind:    string(schema.TopicReminderSend),
		Payload: raw,
		Error:   reason,
		Retries: retries,
	}, nil
}
