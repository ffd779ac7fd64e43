package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
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

// ErrNotDeliverable is recorded on outbox rows whose topic has no delivery path.
var ErrNotDeliverable = errors.New("topic is not deliverable")

// DispatchResult summarizes one dispatcher batch.
type DispatchResult struct {
	Claimed      int
	Delivered    int
	Retried      int
	DeadLettered int
	// Closed counts rows completed or failed without a delivery attempt.
	Closed int
	// Deferred counts rows whose reminder was being sent by another caller. They stay
	// leased and are picked up again.
	Deferred int
	// StateUpdateFailed counts rows whose outcome could not be written back. Their
	// lease expires and they are picked up again.
	StateUpdateFailed int
}

type dispatchOutcome int

const (
	outcomeDelivered dispatchOutcome = iota
	outcomeRetried
	outcomeDeadLettered
	outcomeClosed
	outcomeDeferred
	outcomeStateUpdateFailed
)

func (r *DispatchResult) add(o dispatchOutcome) {
	switch o {
	case outcomeDelivered:
		r.Delivered++
	case outcomeRetried:
		r.Retried++
	case outcomeDeadLettered:
		r.DeadLettered++
	case outcomeClosed:
		r.Closed++
	case outcomeDeferred:
		r.Deferred++
	case outcomeStateUpdateFailed:
		r.StateUpdateFailed++
	}
}

// DispatcherRepository is the part of the store the dispatcher needs.
type DispatcherRepository interface {
	store.OutBoxRepository
	ClaimSend(ctx context.Context, id int64, claim store.SendClaim) (store.Reminder, error)
	ReleaseSend(ctx context.Context, id int64, token string) error
}

// OutboxProcessor delivers pending outbox rows.
type OutboxProcessor struct {
	repo    DispatcherRepository
	sender  delivery.Sender
	cfg     Config
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *pipelineMetrics
}

// NewOutboxProcessor creates a new instance of OutboxProcessor.
func NewOutboxProcessor(repo DispatcherRepository, sender delivery.Sender, cfg Config, logger *zap.Logger) *OutboxProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OutboxProcessor{
		repo:    repo,
		sender:  sender,
		cfg:     cfg.normalize(),
		logger:  logger.Named("dispatcher"),
		tracer:  otel.Tracer(tracerName),
		metrics: mustMetrics(nil),
	}
}

// DispatchOutboxBatch leases one batch of ready rows and delivers them with bounded
// parallelism. A row failing never affects the others.
func (p *OutboxProcessor) DispatchOutboxBatch(ctx context.Context) (DispatchResult, error) {
	var res DispatchResult
	now := p.cfg.Now()
	entries, err := p.repo.ClaimPending(ctx, now, now.Add(p.cfg.Lease), p.cfg.DispatchBatchSize)
	if err != nil {
		return res, fmt.Errorf("claim pending outbox rows: %w", err)
	}
	res.Claimed = len(entries)
	if len(entries) == 0 {
		return res, nil
	}

	var mu sync.Mutex
	workers := pool.New().WithMaxGoroutines(p.cfg.Parallelism)
	for _, entry := range entries {
		workers.Go(func() {
			outcome := p.dispatch(ctx, entry)
			mu.Lock()
			res.add(outcome)
			mu.Unlock()
		})
	}
	workers.Wait()
	return res, nil
}

func (p *OutboxProcessor) dispatch(ctx context.Context, entry store.OutboxEntry) dispatchOutcome {
	ctx, span := p.tracer.Start(ctx, "ProcessOutboxEvent", trace.WithAttributes(
		attribute.Int64("event.id", entry.ID),
		attribute.String("event.topic", entry.Topic),
		attribute.String("event.status", string(entry.Status)),
		attribute.Int("event.attempts", entry.Attempts),
		attribute.String("event.created_at", entry.CreatedAt.String()),
	))
	defer span.End()
	logger := logging.WithTrace(ctx, p.logger).With(zap.Int64("outbox_id", entry.ID), zap.String("topic", entry.Topic))

	decoded, err := schema.Decode(entry.Topic, entry.Payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return p.deadLetter(ctx, logger, entry, 0, entry.Attempts+1, err.Error())
	}
	email, ok := decoded.(*schema.EmailSendPayload)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrNotDeliverable, entry.Topic)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return p.deadLetter(ctx, logger, entry, 0, entry.Attempts+1, err.Error())
	}
	span.SetAttributes(attribute.Int64("reminder.id", email.ReminderID))
	logger = logger.With(zap.Int64("reminder_id", email.ReminderID))

	if email.ReminderID > 0 {
		token, outcome, handled := p.claimReminder(ctx, logger, entry, email)
		if handled {
			return outcome
		}
		if token != "" {
			defer p.release(ctx, logger, email.ReminderID, token)
		}
	}

	started := time.Now()
	result := p.sender.Send(ctx, toMessage(email))
	p.metrics.recordDelivery(ctx, started, result.Outcome.String())
	span.SetAttributes(attribute.String("delivery.outcome", result.Outcome.String()))
	now := p.cfg.Now()

	switch result.Outcome {
	case delivery.OutcomeSuccess:
		err := p.repo.CompleteOutbox(ctx, store.OutboxCompletion{
			OutboxID:   entry.ID,
			ReminderID: email.ReminderID,
			Now:        now,
			MessageID:  result.MessageID,
			Provider:   result.Provider,
		})
		if err != nil {
			logger.Error("Failed to mark outbox row delivered", zap.Error(err), zap.String("message_id", result.MessageID))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return outcomeStateUpdateFailed
		}
		p.metrics.delivered.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", result.Provider)))
		logger.Info("outbox row delivered", zap.String("message_id", result.MessageID), zap.String("provider", result.Provider))
		return outcomeDelivered

	case delivery.OutcomeRetryable:
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Error())
		attempts := entry.Attempts + 1
		if attempts >= p.cfg.MaxAttempts {
			return p.deadLetter(ctx, logger, entry, email.ReminderID, attempts, result.Error())
		}
		next := now.Add(Backoff(p.cfg.RetryBackoff, p.cfg.MaxBackoff, attempts))
		if err := p.repo.ScheduleRetry(ctx, entry.ID, attempts, next, now); err != nil {
			logger.Error("Failed to schedule retry", zap.Error(err))
			span.RecordError(err)
			return outcomeStateUpdateFailed
		}
		p.metrics.retried.Add(ctx, 1)
		logger.Warn("delivery failed, retry scheduled",
			zap.Int("attempts", attempts), zap.Time("next_attempt_at", next), zap.String("error", result.Error()))
		return outcomeRetried

	default:
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Error())
		return p.deadLetter(ctx, logger, entry, email.ReminderID, entry.Attempts+1, result.Error())
	}
}

// claimReminder takes the reminder's send claim, the same one send-now takes, for the
// duration of the delivery. A claim held by another caller leaves the row leased. The
// returned token is empty when the row was handled here or has no reminder.
func (p *OutboxProcessor) claimReminder(ctx context.Context, logger *zap.Logger, entry store.OutboxEntry, email *schema.EmailSendPayload) (string, dispatchOutcome, bool) {
	now := p.cfg.Now()
	token := uuid.NewString()
	r, err := p.repo.ClaimSend(ctx, email.ReminderID, store.SendClaim{Token: token, Now: now, Until: now.Add(p.cfg.ClaimTTL)})
	var rejected *store.ClaimRejectedError
	switch {
	case errors.Is(err, store.ErrReminderNotFound):
		return "", 0, false
	case errors.As(err, &rejected):
		logger.Info("reminder send in progress, row left leased", zap.String("reminder_status", string(rejected.Status)))
		return "", outcomeDeferred, true
	case err != nil:
		logger.Warn("claim reminder failed, row left leased", zap.Error(err))
		return "", outcomeStateUpdateFailed, true
	}

	if outcome, handled := p.shortCircuit(ctx, logger, entry, email, r); handled {
		p.release(ctx, logger, r.ID, token)
		return "", outcome, true
	}
	return token, 0, false
}

func (p *OutboxProcessor) release(ctx context.Context, logger *zap.Logger, reminderID int64, token string) {
	if err := p.repo.ReleaseSend(ctx, reminderID, token); err != nil {
		logger.Warn("release send claim", zap.Error(err))
	}
}

// shortCircuit closes rows whose claimed reminder no longer needs a delivery.
func (p *OutboxProcessor) shortCircuit(ctx context.Context, logger *zap.Logger, entry store.OutboxEntry, email *schema.EmailSendPayload, r store.Reminder) (dispatchOutcome, bool) {
	var err error
	now := p.cfg.Now()
	switch r.Status {
	case store.ReminderCancelled:
		err = p.repo.FailOutbox(ctx, store.OutboxFailure{
			OutboxID: entry.ID,
			Attempts: entry.Attempts,
			Now:      now,
			Error:    "reminder cancelled",
		})
		if err != nil {
			logger.Error("Failed to close cancelled row", zap.Error(err))
			return outcomeStateUpdateFailed, true
		}
		logger.Info("reminder cancelled, row closed without delivery")
		return outcomeClosed, true

	case store.ReminderSent:
		if r.Meta.String(store.MetaOutboxOccurrence) != email.OccurrenceKey {
			// Rows for another occurrence, such as requeued dead letters, are still delivered.
			return 0, false
		}
		err = p.repo.CompleteOutbox(ctx, store.OutboxCompletion{
			OutboxID:   entry.ID,
			ReminderID: r.ID,
			Now:        now,
			MessageID:  r.Meta.String(store.MetaMessageID),
			Provider:   r.Meta.String(store.MetaProvider),
		})
		if err != nil {
			logger.Error("Failed to close already sent row", zap.Error(err))
			return outcomeStateUpdateFailed, true
		}
		logger.Info("reminder already sent, row completed without delivery")
		return outcomeClosed, true
	}
	return 0, false
}

func (p *OutboxProcessor) deadLetter(ctx context.Context, logger *zap.Logger, entry store.OutboxEntry, reminderID int64, attempts int, reason string) dispatchOutcome {
	err := p.repo.FailOutbox(ctx, store.OutboxFailure{
		OutboxID:   entry.ID,
		ReminderID: reminderID,
		Attempts:   attempts,
		Now:        p.cfg.Now(),
		Error:      reason,
		DeadLetter: &store.DeadLetter{
			Kind:    entry.Topic,
			Payload: entry.Payload,
			Error:   reason,
			Retries: attempts,
		},
	})
	if err != nil {
		logger.Error("Failed to dead-letter outbox row", zap.Error(err), zap.String("reason", reason))
		return outcomeStateUpdateFailed
	}
	p.metrics.recordDeadLetter(ctx, entry.Topic)
	logger.Warn("outbox row dead-lettered", zap.Int("attempts", attempts), zap.String("error", reason))
	return outcomeDeadLettered
}
