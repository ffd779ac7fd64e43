package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/spanner"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
)

const (
	spannerReminderColumns   = "id, invoice_id, send_at, channel, status, subject, body, sent_at, meta"
	spannerOutboxColumns     = "id, topic, payload, status, attempts, next_attempt_at, dispatched_at, created_at, updated_at"
	spannerDeadLetterColumns = "id, kind, payload, error, retries, next_attempt_at, created_at, updated_at"
)

// SpannerRepository stores the work items in Cloud Spanner. JSON documents (meta,
// payloads) live in STRING(MAX) columns and a NULL_FILTERED unique index on
// outbox.occurrence_key guards live rows.
type SpannerRepository struct {
	client *spanner.Client
	logger *zap.Logger
	tracer trace.Tracer
}

// spannerQuerier is satisfied by both read-only and read-write transactions.
type spannerQuerier interface {
	Query(ctx context.Context, statement spanner.Statement) *spanner.RowIterator
}

func NewSpannerRepository(client *spanner.Client, logger *zap.Logger) *SpannerRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SpannerRepository{client: client, logger: logger, tracer: otel.Tracer(tracerName)}
}

func (s *SpannerRepository) Close() error {
	s.client.Close()
	return nil
}

func (s *SpannerRepository) FetchDueReminders(ctx context.Context, q DueQuery) ([]Reminder, error) {
	var reminders []Reminder
	err := s.traced(ctx, "FetchDueReminders", func(ctx context.Context) (int, error) {
		return queryRows(ctx, s.client.Single(), dueStatement(q), func(row *spanner.Row) error {
			r, err := scanSpannerReminder(row)
			if err != nil {
				return err
			}
			reminders = append(reminders, r)
			return nil
		})
	})
	return reminders, err
}

func (s *SpannerRepository) GetReminder(ctx context.Context, id int64) (Reminder, error) {
	var r Reminder
	err := s.traced(ctx, "GetReminder", func(ctx context.Context) (int, error) {
		var err error
		r, err = loadSpannerReminder(ctx, s.client.Single(), id)
		return 1, err
	})
	return r, err
}

func (s *SpannerRepository) ResolveRecipient(ctx context.Context, invoiceID int64) (Recipient, error) {
	var recipient Recipient
	err := s.traced(ctx, "ResolveRecipient", func(ctx context.Context) (int, error) {
		stmt := spanner.Statement{
			SQL: `SELECT c.id, c.email, c.name FROM invoices i
			      LEFT JOIN clients c ON c.id = i.client_id
			      WHERE i.id = @invoiceID`,
			Params: map[string]interface{}{"invoiceID": invoiceID},
		}
		var clientID spanner.NullInt64
		var email, name spanner.NullString
		n, err := queryRows(ctx, s.client.Single(), stmt, func(row *spanner.Row) error {
			return row.Columns(&clientID, &email, &name)
		})
		if err != nil {
			return 0, err
		}
		switch {
		case n == 0:
			return 0, ErrInvoiceNotFound
		case !clientID.Valid:
			return 0, ErrClientNotFound
		case email.StringVal == "":
			return 0, ErrRecipientMissing
		}
		recipient = Recipient{Email: email.StringVal, Name: name.StringVal}
		return 1, nil
	})
	return recipient, err
}

func (s *SpannerRepository) ClaimSend(ctx context.Context, id int64, claim SendClaim) (Reminder, error) {
	var claimed Reminder
	err := s.readWrite(ctx, "ClaimSend", func(ctx context.Context, txn *spanner.ReadWriteTransaction) (int, error) {
		r, err := loadSpannerReminder(ctx, txn, id)
		if err != nil {
			return 0, err
		}
		if !claim.allows(r.Status) {
			return 0, &ClaimRejectedError{Status: r.Status}
		}
		if r.Meta.ClaimActive(claim.Now) {
			return 0, &ClaimRejectedError{Status: r.Status, InProgress: true}
		}
		r.Meta = r.Meta.withClaim(claim.Token, claim.Until)
		if err := updateSpannerReminder(ctx, txn, r); err != nil {
			return 0, err
		}
		claimed = r
		return 1, nil
	})
	return claimed, err
}

func (s *SpannerRepository) FinishSend(ctx context.Context, id int64, c SendCompletion) error {
	return s.readWrite(ctx, "FinishSend", func(ctx context.Context, txn *spanner.ReadWriteTransaction) (int, error) {
		r, err := loadSpannerReminder(ctx, txn, id)
		if err != nil {
			return 0, err
		}
		updated, err := applyCompletion(r, c)
		if err != nil {
			return 0, err
		}
		if err := updateSpannerReminder(ctx, txn, updated); err != nil {
			return 0, err
		}
		if c.DeadLetter != nil {
			if err := insertSpannerDeadLetter(ctx, txn, *c.DeadLetter, c.Now); err != nil {
				return 0, err
			}
		}
		return 1, nil
	})
}

func (s *SpannerRepository) ReleaseSend(ctx context.Context, id int64, token string) error {
	return s.readWrite(ctx, "ReleaseSend", func(ctx context.Context, txn *spanner.ReadWriteTransaction) (int, error) {
		r, err := loadSpannerReminder(ctx, txn, id)
		if errors.Is(err, ErrReminderNotFound) {
			return 0, ErrClaimLost
		}
		if err != nil {
			return 0, err
		}
		if r.Meta.String(MetaSendClaim) != token {
			return 0, ErrClaimLost
		}
		r.Meta = r.Meta.withoutClaim()
		return 1, updateSpannerReminder(ctx, txn, r)
	})
}

func (s *SpannerRepository) FailReminder(ctx context.Context, id int64, reason string, now time.Time, dl *DeadLetter) error {
	return s.readWrite(ctx, "FailReminder", func(ctx context.Context, txn *spanner.ReadWriteTransaction) (int, error) {
		r, err := loadSpannerReminder(ctx, txn, id)
		if err != nil {
			return 0, err
		}
		if r.Status != ReminderScheduled {
			return 0, ErrNotScheduled
		}
		if err := updateSpannerReminder(ctx, txn, applyFailure(r, reason, now)); err != nil {
			return 0, err
		}
		if dl != nil {
			if err := insertSpannerDeadLetter(ctx, txn, *dl, now); err != nil {
				return 0, err
			}
		}
		return 1, nil
	})
}

func (s *SpannerRepository) RequeueFailedReminders(ctx context.Context) (int64, error) {
	var count int64
	err := s.readWrite(ctx, "RequeueFailedReminders", func(ctx context.Context, txn *spanner.ReadWriteTransaction) (int, error) {
		stmt := spanner.Statement{
			SQL:    `SELECT ` + spannerReminderColumns + ` FROM reminders WHERE status = @status`,
			Params: map[string]interface{}{"status": string(ReminderFailed)},
		}
		var failed []Reminder
		if _, err := queryRows(ctx, txn, stmt, func(row *spanner.Row) error {
			r, err := scanSpannerReminder(row)
			failed = append(failed, r)
			return err
		}); err != nil {
			return 0, err
		}
		for _, r := range failed {
			if err := updateSpannerReminder(ctx, txn, applyRequeue(r, true)); err != nil {
				return 0, err
			}
		}
		count = int64(len(failed))
		return len(failed), nil
	})
	return count, err
}

func (s *SpannerRepository) EnqueueReminder(ctx context.Context, reminderID int64, occurrenceKey string, entry OutboxEntry) (OutboxEntry, error) {
	var inserted OutboxEntry
	err := s.readWrite(ctx, "EnqueueReminder", func(ctx context.Context, txn *spanner.ReadWriteTransaction) (int, error) {
		r, err := loadSpannerReminder(ctx, txn, reminderID)
		if err != nil {
			return 0, err
		}
		if r.Status != ReminderScheduled {
			return 0, ErrNotScheduled
		}
		if r.Meta.String(MetaOutboxOccurrence) == occurrenceKey {
			return 0, ErrAlreadyEnqueued
		}

		inserted, err = insertSpannerOutbox(ctx, txn, entry, occurrenceKey)
		if err != nil {
			return 0, err
		}
		r.Meta = r.Meta.Clone()
		r.Meta[MetaOutboxID] = inserted.ID
		r.Meta[MetaOutboxOccurrence] = occurrenceKey
		return 1, updateSpannerReminder(ctx, txn, r)
	})
	return inserted, err
}

func (s *SpannerRepository) ClaimPending(ctx context.Context, now, leaseUntil time.Time, limit int) ([]OutboxEntry, error) {
	var entries []OutboxEntry
	err := s.readWrite(ctx, "ClaimPending", func(ctx context.Context, txn *spanner.ReadWriteTransaction) (int, error) {
		entries = entries[:0]
		var ids []int64
		_, err := queryRows(ctx, txn, readyStatement(now, limit), func(row *spanner.Row) error {
			e, err := scanSpannerOutbox(row)
			if err != nil {
				return err
			}
			lease := leaseUntil
			e.NextAttemptAt = &lease
			e.UpdatedAt = now
			entries = append(entries, e)
			ids = append(ids, e.ID)
			return nil
		})
		if err != nil || len(ids) == 0 {
			return 0, err
		}

		_, err = txn.Update(ctx, spanner.Statement{
			SQL: `UPDATE outbox SET next_attempt_at = @lease, updated_at = @now WHERE id IN UNNEST(@ids)`,
			Params: map[string]interface{}{
				"lease": leaseUntil,
				"now":   now,
				"ids":   ids,
			},
		})
		return len(ids), err
	})
	if err != nil {
		return nil, err
	}
	sortByCreated(entries)
	return entries, nil
}

func (s *SpannerRepository) GetOutbox(ctx context.Context, id int64) (OutboxEntry, error) {
	var e OutboxEntry
	err := s.traced(ctx, "GetOutbox", func(ctx context.Context) (int, error) {
		var err error
		e, err = loadSpannerOutbox(ctx, s.client.Single(), id)
		return 1, err
	})
	return e, err
}

func (s *SpannerRepository) CompleteOutbox(ctx context.Context, c OutboxCompletion) error {
	return s.readWrite(ctx, "CompleteOutbox", func(ctx context.Context, txn *spanner.ReadWriteTransaction) (int, error) {
		e, err := loadSpannerOutbox(ctx, txn, c.OutboxID)
		if err != nil {
			return 0, err
		}
		if e.Status != StatusPending {
			return 0, ErrOutboxNotPending
		}
		if _, err := txn.Update(ctx, spanner.Statement{
			SQL: `UPDATE outbox SET status = @status, dispatched_at = @now, next_attempt_at = NULL, updated_at = @now
			      WHERE id = @id`,
			Params: map[string]interface{}{"status": string(StatusSent), "now": c.Now, "id": c.OutboxID},
		}); err != nil {
			return 0, err
		}

		if c.ReminderID <= 0 {
			return 1, nil
		}
		r, err := loadSpannerReminder(ctx, txn, c.ReminderID)
		if errors.Is(err, ErrReminderNotFound) {
			return 1, nil
		}
		if err != nil {
			return 0, err
		}
		if r.Status == ReminderScheduled {
			return 1, updateSpannerReminder(ctx, txn, applyOutboxDelivered(r, c))
		}
		return 1, nil
	})
}

func (s *SpannerRepository) ScheduleRetry(ctx context.Context, id int64, attempts int, next, now time.Time) error {
	return s.readWrite(ctx, "ScheduleRetry", func(ctx context.Context, txn *spanner.ReadWriteTransaction) (int, error) {
		n, err := txn.Update(ctx, spanner.Statement{
			SQL: `UPDATE outbox SET attempts = @attempts, next_attempt_at = @next, updated_at = @now
			      WHERE id = @id AND status = @status`,
			Params: map[string]interface{}{
				"attempts": int64(attempts),
				"next":     next,
				"now":      now,
				"id":       id,
				"status":   string(StatusPending),
			},
		})
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, ErrOutboxNotPending
		}
		return int(n), nil
	})
}

func (s *SpannerRepository) FailOutbox(ctx context.Context, f OutboxFailure) error {
	return s.readWrite(ctx, "FailOutbox", func(ctx context.Context, txn *spanner.ReadWriteTransaction) (int, error) {
		e, err := loadSpannerOutbox(ctx, txn, f.OutboxID)
		if err != nil {
			return 0, err
		}
		if e.Status != StatusPending {
			return 0, ErrOutboxNotPending
		}
		if _, err := txn.Update(ctx, spanner.Statement{
			SQL: `UPDATE outbox SET status = @status, attempts = @attempts, next_attempt_at = NULL,
			      occurrence_key = NULL, updated_at = @now WHERE id = @id`,
			Params: map[string]interface{}{
				"status":   string(StatusFailed),
				"attempts": int64(f.Attempts),
				"now":      f.Now,
				"id":       f.OutboxID,
			},
		}); err != nil {
			return 0, err
		}

		if f.DeadLetter != nil {
			if err := insertSpannerDeadLetter(ctx, txn, *f.DeadLetter, f.Now); err != nil {
				return 0, err
			}
		}
		if f.ReminderID <= 0 {
			return 1, nil
		}
		r, err := loadSpannerReminder(ctx, txn, f.ReminderID)
		if errors.Is(err, ErrReminderNotFound) {
			return 1, nil
		}
		if err != nil {
			return 0, err
		}
		return 1, updateSpannerReminder(ctx, txn, applyOutboxFailure(r, f.Error, f.Now))
	})
}

func (s *SpannerRepository) ResetOutbox(ctx context.Context, id int64, reminderID int64, now time.Time) (OutboxEntry, bool, error) {
	var e OutboxEntry
	var changed bool
	err := s.readWrite(ctx, "ResetOutbox", func(ctx context.Context, txn *spanner.ReadWriteTransaction) (int, error) {
		var err error
		e, err = loadSpannerOutbox(ctx, txn, id)
		if err != nil {
			return 0, err
		}
		switch e.Status {
		case StatusSent:
			return 0, ErrOutboxAlreadySent
		case StatusPending:
			return 0, nil
		}

		_, err = txn.Update(ctx, spanner.Statement{
			SQL: `UPDATE outbox SET status = @status, attempts = 0, next_attempt_at = NULL,
			      occurrence_key = @occurrence, updated_at = @now WHERE id = @id`,
			Params: map[string]interface{}{
				"status":     string(StatusPending),
				"occurrence": nullString(occurrenceOf(e.Payload)),
				"now":        now,
				"id":         id,
			},
		})
		if spanner.ErrCode(err) == codes.AlreadyExists {
			return 0, ErrAlreadyEnqueued
		}
		if err != nil {
			return 0, err
		}
		if _, err := txn.Update(ctx, spanner.Statement{
			SQL:    `DELETE FROM dead_letters WHERE kind = @kind AND payload = @payload`,
			Params: map[string]interface{}{"kind": e.Topic, "payload": string(e.Payload)},
		}); err != nil {
			return 0, err
		}

		if reminderID > 0 {
			r, err := loadSpannerReminder(ctx, txn, reminderID)
			if err != nil && !errors.Is(err, ErrReminderNotFound) {
				return 0, err
			}
			if err == nil && r.Status == ReminderFailed {
				if err := updateSpannerReminder(ctx, txn, applyRequeue(r, false)); err != nil {
					return 0, err
				}
			}
		}

		e.Status = StatusPending
		e.Attempts = 0
		e.NextAttemptAt = nil
		e.UpdatedAt = now
		changed = true
		return 1, nil
	})
	return e, changed, err
}

func (s *SpannerRepository) ListDeadLetters(ctx context.Context, afterID int64, limit int) ([]DeadLetter, error) {
	deadLetters := []DeadLetter{}
	err := s.traced(ctx, "ListDeadLetters", func(ctx context.Context) (int, error) {
		stmt := spanner.Statement{
			SQL:    `SELECT ` + spannerDeadLetterColumns + ` FROM dead_letters WHERE id > @afterID ORDER BY id LIMIT @limit`,
			Params: map[string]interface{}{"afterID": afterID, "limit": int64(limit)},
		}
		return queryRows(ctx, s.client.Single(), stmt, func(row *spanner.Row) error {
			dl, err := scanSpannerDeadLetter(row)
			if err != nil {
				return err
			}
			deadLetters = append(deadLetters, dl)
			return nil
		})
	})
	return deadLetters, err
}

func (s *SpannerRepository) GetDeadLetter(ctx context.Context, id int64) (DeadLetter, error) {
	var dl DeadLetter
	err := s.traced(ctx, "GetDeadLetter", func(ctx context.Context) (int, error) {
		var err error
		dl, err = loadSpannerDeadLetter(ctx, s.client.Single(), id)
		return 1, err
	})
	return dl, err
}

func (s *SpannerRepository) RequeueDeadLetterToOutbox(ctx context.Context, deadLetterID int64, reminderID int64, entry OutboxEntry) (OutboxEntry, error) {
	var inserted OutboxEntry
	err := s.readWrite(ctx, "RequeueDeadLetterToOutbox", func(ctx context.Context, txn *spanner.ReadWriteTransaction) (int, error) {
		if _, err := loadSpannerDeadLetter(ctx, txn, deadLetterID); err != nil {
			return 0, err
		}
		var err error
		inserted, err = insertSpannerOutbox(ctx, txn, entry, occurrenceOf(entry.Payload))
		if err != nil {
			return 0, err
		}
		if err := deleteSpannerDeadLetter(ctx, txn, deadLetterID); err != nil {
			return 0, err
		}

		if reminderID <= 0 {
			return 1, nil
		}
		r, err := loadSpannerReminder(ctx, txn, reminderID)
		if errors.Is(err, ErrReminderNotFound) {
			return 1, nil
		}
		if err != nil {
			return 0, err
		}
		if r.Status == ReminderFailed {
			r = applyRequeue(r, false)
			r.Meta[MetaOutboxID] = inserted.ID
			return 1, updateSpannerReminder(ctx, txn, r)
		}
		return 1, nil
	})
	return inserted, err
}

func (s *SpannerRepository) RequeueDeadLetterToReminder(ctx context.Context, deadLetterID int64, reminderID int64, _ time.Time) error {
	return s.readWrite(ctx, "RequeueDeadLetterToReminder", func(ctx context.Context, txn *spanner.ReadWriteTransaction) (int, error) {
		if _, err := loadSpannerDeadLetter(ctx, txn, deadLetterID); err != nil {
			return 0, err
		}
		r, err := loadSpannerReminder(ctx, txn, reminderID)
		if err != nil {
			return 0, err
		}
		switch r.Status {
		case ReminderFailed:
			if err := updateSpannerReminder(ctx, txn, applyRequeue(r, true)); err != nil {
				return 0, err
			}
		case ReminderScheduled:
		default:
			return 0, ErrReminderNotFailed
		}
		return 1, deleteSpannerDeadLetter(ctx, txn, deadLetterID)
	})
}

func (s *SpannerRepository) traced(ctx context.Context, spanName string, fn func(ctx context.Context) (int, error)) error {
	ctx, span := s.tracer.Start(ctx, spanName)
	defer span.End()
	start := time.Now()

	count, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}
	addDBStatsToSpan(span, "spanner", spanName, count, time.Since(start))
	return nil
}

func (s *SpannerRepository) readWrite(ctx context.Context, spanName string, fn func(ctx context.Context, txn *spanner.ReadWriteTransaction) (int, error)) error {
	return s.traced(ctx, spanName, func(ctx context.Context) (int, error) {
		var count int
		_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
			var err error
			count, err = fn(ctx, txn)
			return err
		})
		if err != nil {
			return 0, unwrapSpanner(err)
		}
		return count, nil
	})
}

// unwrapSpanner returns the store error carried by a failed transaction, if any.
func unwrapSpanner(err error) error {
	for _, sentinel := range []error{
		ErrReminderNotFound, ErrOutboxNotFound, ErrDeadLetterNotFound, ErrAlreadyEnqueued,
		ErrNotScheduled, ErrReminderNotFailed, ErrOutboxNotPending, ErrOutboxAlreadySent, ErrClaimLost,
	} {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	var rejected *ClaimRejectedError
	if errors.As(err, &rejected) {
		return rejected
	}
	return err
}

func queryRows(ctx context.Context, q spannerQuerier, stmt spanner.Statement, fn func(row *spanner.Row) error) (int, error) {
	iter := q.Query(ctx, stmt)
	defer iter.Stop()

	n := 0
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if err := fn(row); err != nil {
			return n, err
		}
		n++
	}
}

func dueStatement(q DueQuery) spanner.Statement {
	params := map[string]interface{}{
		"status": string(ReminderScheduled),
		"now":    q.Now,
		"limit":  int64(q.Limit),
	}
	var sql strings.Builder
	sql.WriteString(`SELECT ` + spannerReminderColumns + ` FROM reminders WHERE status = @status AND send_at <= @now`)
	sql.WriteString(` AND (JSON_VALUE(meta, '$.outbox_occurrence') IS NULL` +
		` OR JSON_VALUE(meta, '$.outbox_occurrence') != CONCAT('reminder:', CAST(id AS STRING), ':', CAST(UNIX_SECONDS(send_at) AS STRING)))`)
	if q.NotBefore != nil {
		sql.WriteString(` AND send_at >= @notBefore`)
		params["notBefore"] = *q.NotBefore
	}
	if q.After != nil {
		sql.WriteString(` AND (send_at > @afterSendAt OR (send_at = @afterSendAt AND id > @afterID))`)
		params["afterSendAt"] = q.After.SendAt
		params["afterID"] = q.After.ID
	}
	sql.WriteString(` ORDER BY send_at, id LIMIT @limit`)
	return spanner.Statement{SQL: sql.String(), Params: params}
}

func readyStatement(now time.Time, limit int) spanner.Statement {
	return spanner.Statement{
		SQL: `SELECT ` + spannerOutboxColumns + ` FROM outbox
		      WHERE status = @status AND (next_attempt_at IS NULL OR next_attempt_at <= @now)
		      ORDER BY created_at, id LIMIT @limit`,
		Params: map[string]interface{}{
			"status": string(StatusPending),
			"now":    now,
			"limit":  int64(limit),
		},
	}
}

func loadSpannerReminder(ctx context.Context, q spannerQuerier, id int64) (Reminder, error) {
	var r Reminder
	stmt := spanner.Statement{
		SQL:    `SELECT ` + spannerReminderColumns + ` FROM reminders WHERE id = @id`,
		Params: map[string]interface{}{"id": id},
	}
	n, err := queryRows(ctx, q, stmt, func(row *spanner.Row) error {
		var err error
		r, err = scanSpannerReminder(row)
		return err
	})
	if err != nil {
		return Reminder{}, err
	}
	if n == 0 {
		return Reminder{}, ErrReminderNotFound
	}
	return r, nil
}

func loadSpannerOutbox(ctx context.Context, q spannerQuerier, id int64) (OutboxEntry, error) {
	var e OutboxEntry
	stmt := spanner.Statement{
		SQL:    `SELECT ` + spannerOutboxColumns + ` FROM outbox WHERE id = @id`,
		Params: map[string]interface{}{"id": id},
	}
	n, err := queryRows(ctx, q, stmt, func(row *spanner.Row) error {
		var err error
		e, err = scanSpannerOutbox(row)
		return err
	})
	if err != nil {
		return OutboxEntry{}, err
	}
	if n == 0 {
		return OutboxEntry{}, ErrOutboxNotFound
	}
	return e, nil
}

func loadSpannerDeadLetter(ctx context.Context, q spannerQuerier, id int64) (DeadLetter, error) {
	var dl DeadLetter
	stmt := spanner.Statement{
		SQL:    `SELECT ` + spannerDeadLetterColumns + ` FROM dead_letters WHERE id = @id`,
		Params: map[string]interface{}{"id": id},
	}
	n, err := queryRows(ctx, q, stmt, func(row *spanner.Row) error {
		var err error
		dl, err = scanSpannerDeadLetter(row)
		return err
	})
	if err != nil {
		return DeadLetter{}, err
	}
	if n == 0 {
		return DeadLetter{}, ErrDeadLetterNotFound
	}
	return dl, nil
}

func updateSpannerReminder(ctx context.Context, txn *spanner.ReadWriteTransaction, r Reminder) error {
	meta, err := r.Meta.Value()
	if err != nil {
		return err
	}
	_, err = txn.Update(ctx, spanner.Statement{
		SQL: `UPDATE reminders SET status = @status, sent_at = @sentAt, meta = @meta WHERE id = @id`,
		Params: map[string]interface{}{
			"status": string(r.Status),
			"sentAt": spannerNullTime(r.SentAt),
			"meta":   meta.(string),
			"id":     r.ID,
		},
	})
	return err
}

// insertSpannerOutbox allocates the next id inside the transaction.
func insertSpannerOutbox(ctx context.Context, txn *spanner.ReadWriteTransaction, entry OutboxEntry, occurrenceKey string) (OutboxEntry, error) {
	id, err := nextSpannerID(ctx, txn, "outbox")
	if err != nil {
		return OutboxEntry{}, err
	}
	now := orNow(entry.CreatedAt)
	_, err = txn.Update(ctx, spanner.Statement{
		SQL: `INSERT INTO outbox (id, topic, payload, status, attempts, occurrence_key, created_at, updated_at)
		      VALUES (@id, @topic, @payload, @status, 0, @occurrence, @now, @now)`,
		Params: map[string]interface{}{
			"id":         id,
			"topic":      entry.Topic,
			"payload":    string(entry.Payload),
			"status":     string(StatusPending),
			"occurrence": nullString(occurrenceKey),
			"now":        now,
		},
	})
	if spanner.ErrCode(err) == codes.AlreadyExists {
		return OutboxEntry{}, ErrAlreadyEnqueued
	}
	if err != nil {
		return OutboxEntry{}, err
	}
	return OutboxEntry{
		ID:        id,
		Topic:     entry.Topic,
		Payload:   entry.Payload,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func insertSpannerDeadLetter(ctx context.Context, txn *spanner.ReadWriteTransaction, dl DeadLetter, now time.Time) error {
	id, err := nextSpannerID(ctx, txn, "dead_letters")
	if err != nil {
		return err
	}
	now = orNow(now)
	_, err = txn.Update(ctx, spanner.Statement{
		SQL: `INSERT INTO dead_letters (id, kind, payload, error, retries, created_at, updated_at)
		      VALUES (@id, @kind, @payload, @error, @retries, @now, @now)`,
		Params: map[string]interface{}{
			"id":      id,
			"kind":    dl.Kind,
			"payload": string(dl.Payload),
			"error":   dl.Error,
			"retries": int64(dl.Retries),
			"now":     now,
		},
	})
	return err
}

func deleteSpannerDeadLetter(ctx context.Context, txn *spanner.ReadWriteTransaction, id int64) error {
	_, err := txn.Update(ctx, spanner.Statement{
		SQL:    `DELETE FROM dead_letters WHERE id = @id`,
		Params: map[string]interface{}{"id": id},
	})
	return err
}

func nextSpannerID(ctx context.Context, txn *spanner.ReadWriteTransaction, table string) (int64, error) {
	var id int64
	_, err := queryRows(ctx, txn, spanner.Statement{SQL: `SELECT COALESCE(MAX(id), 0) + 1 FROM ` + table}, func(row *spanner.Row) error {
		return row.Columns(&id)
	})
	return id, err
}

func scanSpannerReminder(row *spanner.Row) (Reminder, error) {
	var r Reminder
	var channel, status string
	var subject, body, meta spanner.NullString
	var sentAt spanner.NullTime
	if err := row.Columns(&r.ID, &r.InvoiceID, &r.SendAt, &channel, &status, &subject, &body, &sentAt, &meta); err != nil {
		return Reminder{}, err
	}
	r.Channel = Channel(channel)
	r.Status = ReminderStatus(status)
	r.Subject = subject.StringVal
	r.Body = body.StringVal
	r.SentAt = fromSpannerNullTime(sentAt)
	if err := r.Meta.Scan(meta.StringVal); err != nil {
		return Reminder{}, err
	}
	return r, nil
}

func scanSpannerOutbox(row *spanner.Row) (OutboxEntry, error) {
	var e OutboxEntry
	var payload, status string
	var attempts int64
	var next, dispatched spanner.NullTime
	if err := row.Columns(&e.ID, &e.Topic, &payload, &status, &attempts, &next, &dispatched, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return OutboxEntry{}, err
	}
	e.Payload = []byte(payload)
	e.Status = Status(status)
	e.Attempts = int(attempts)
	e.NextAttemptAt = fromSpannerNullTime(next)
	e.DispatchedAt = fromSpannerNullTime(dispatched)
	return e, nil
}

func scanSpannerDeadLetter(row *spanner.Row) (DeadLetter, error) {
	var dl DeadLetter
	var payload string
	var errText spanner.NullString
	var retries int64
	var next spanner.NullTime
	if err := row.Columns(&dl.ID, &dl.Kind, &payload, &errText, &retries, &next, &dl.CreatedAt, &dl.UpdatedAt); err != nil {
		return DeadLetter{}, err
	}
	dl.Payload = []byte(payload)
	dl.Error = errText.StringVal
	dl.Retries = int(retries)
	dl.NextAttemptAt = fromSpannerNullTime(next)
	return dl, nil
}

func spannerNullTime(t *time.Time) spanner.NullTime {
	if t == nil {
		return spanner.NullTime{}
	}
	return spanner.NullTime{Time: *t, Valid: true}
}

func fromSpannerNullTime(t spanner.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s string) spanner.NullString {
	return spanner.NullString{StringVal: s, Valid: s != ""}
}

var _ Repository = (*SpannerRepository)(nil)
