package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const uniqueViolation = "23505"

const (
	reminderColumns   = `id, invoice_id, send_at, channel, status, subject, body, sent_at, meta`
	outboxColumns     = `id, topic, payload, status, attempts, next_attempt_at, dispatched_at, created_at, updated_at`
	deadLetterColumns = `id, kind, payload, error, retries, next_attempt_at, created_at, updated_at`
)

type txKey struct{}

// PostgresRepository is the SQL work item store. It needs the reminders, invoices,
// clients, outbox and dead_letters tables of testdata/schema.sql.
type PostgresRepository struct {
	db     *sql.DB // using database/sql
	logger *zap.Logger
	tracer trace.Tracer
}

// NewPostgresRepository wraps an open lib/pq connection pool.
func NewPostgresRepository(db *sql.DB, logger *zap.Logger) *PostgresRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresRepository{db: db, logger: logger, tracer: otel.Tracer(tracerName)}
}

func (p *PostgresRepository) Close() error {
	return p.db.Close()
}

// CheckCapabilities reports whether the optional occurrence unique index exists. Without
// it duplicate suppression relies on the reminder's occurrence marker alone.
func (p *PostgresRepository) CheckCapabilities(ctx context.Context) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE tablename = 'outbox' AND indexname = $1)`,
		occurrenceIndexName).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check occurrence index: %w", err)
	}
	if exists {
		p.logger.Info("occurrence unique index present", zap.String("index", occurrenceIndexName))
	} else {
		p.logger.Warn("occurrence unique index missing, relying on reminder marker for duplicate suppression",
			zap.String("index", occurrenceIndexName))
	}
	return exists, nil
}

func (p *PostgresRepository) FetchDueReminders(ctx context.Context, q DueQuery) ([]Reminder, error) {
	var reminders []Reminder
	err := p.withTransaction(ctx, "FetchDueReminders", func(ctx context.Context, tx *sql.Tx) (int, error) {
		var notBefore, afterSendAt sql.NullTime
		var afterID int64
		if q.NotBefore != nil {
			notBefore = sql.NullTime{Time: *q.NotBefore, Valid: true}
		}
		if q.After != nil {
			afterSendAt = sql.NullTime{Time: q.After.SendAt, Valid: true}
			afterID = q.After.ID
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT `+reminderColumns+` FROM reminders
             WHERE status = 'scheduled' AND send_at <= $1
               AND ($2::timestamptz IS NULL OR send_at >= $2)
               AND ($3::timestamptz IS NULL OR (send_at, id) > ($3, $4::bigint))
               AND (meta->>'outbox_occurrence') IS DISTINCT FROM
                   ('reminder:' || id::text || ':' || floor(extract(epoch FROM send_at))::bigint::text)
             ORDER BY send_at ASC, id ASC
             LIMIT $5`,
			q.Now, notBefore, afterSendAt, afterID, q.Limit)
		if err != nil {
			return 0, err
		}
		defer rows.Close()

		for rows.Next() {
			r, err := scanReminder(rows)
			if err != nil {
				return 0, err
			}
			reminders = append(reminders, r)
		}
		return len(reminders), rows.Err()
	})
	return reminders, err
}

func (p *PostgresRepository) GetReminder(ctx context.Context, id int64) (Reminder, error) {
	var r Reminder
	err := p.withTransaction(ctx, "GetReminder", func(ctx context.Context, tx *sql.Tx) (int, error) {
		var err error
		r, err = scanReminder(tx.QueryRowContext(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id = $1`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrReminderNotFound
		}
		return 1, err
	})
	return r, err
}

func (p *PostgresRepository) ResolveRecipient(ctx context.Context, invoiceID int64) (Recipient, error) {
	var recipient Recipient
	err := p.withTransaction(ctx, "ResolveRecipient", func(ctx context.Context, tx *sql.Tx) (int, error) {
		var clientID sql.NullInt64
		var email, name sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT c.id, c.email, c.name FROM invoices i
             LEFT JOIN clients c ON c.id = i.client_id
             WHERE i.id = $1`, invoiceID).Scan(&clientID, &email, &name)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return 0, ErrInvoiceNotFound
		case err != nil:
			return 0, err
		case !clientID.Valid:
			return 0, ErrClientNotFound
		case email.String == "":
			return 0, ErrRecipientMissing
		}
		recipient = Recipient{Email: email.String, Name: name.String}
		return 1, nil
	})
	return recipient, err
}

func (p *PostgresRepository) ClaimSend(ctx context.Context, id int64, claim SendClaim) (Reminder, error) {
	var r Reminder
	err := p.withTransaction(ctx, "ClaimSend", func(ctx context.Context, tx *sql.Tx) (int, error) {
		statuses := make([]string, 0, len(claim.Statuses))
		for _, s := range claim.Statuses {
			statuses = append(statuses, string(s))
		}

		var err error
		r, err = scanReminder(tx.QueryRowContext(ctx,
			`UPDATE reminders
             SET meta = COALESCE(meta, '{}'::jsonb) || jsonb_build_object('send_claim', $2::text, 'send_claim_until', $3::text)
             WHERE id = $1
               AND ($4::boolean OR status = ANY($5::text[]))
               AND (meta->>'send_claim' IS NULL OR meta->>'send_claim_until' IS NULL
                    OR (meta->>'send_claim_until')::timestamptz <= $6)
             RETURNING `+reminderColumns,
			id, claim.Token, FormatTime(claim.Until), len(statuses) == 0, pq.Array(statuses), claim.Now))
		if err == nil {
			return 1, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, err
		}

		// Nothing matched: tell a missing reminder apart from a rejected claim.
		var status string
		var meta Meta
		err = tx.QueryRowContext(ctx, `SELECT status, meta FROM reminders WHERE id = $1`, id).Scan(&status, &meta)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrReminderNotFound
		}
		if err != nil {
			return 0, err
		}
		return 0, &ClaimRejectedError{Status: ReminderStatus(status), InProgress: claim.allows(ReminderStatus(status)) && meta.ClaimActive(claim.Now)}
	})
	return r, err
}

func (p *PostgresRepository) FinishSend(ctx context.Context, id int64, c SendCompletion) error {
	return p.withTransaction(ctx, "FinishSend", func(ctx context.Context, tx *sql.Tx) (int, error) {
		r, err := scanReminder(tx.QueryRowContext(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrReminderNotFound
		}
		if err != nil {
			return 0, err
		}

		updated, err := applyCompletion(r, c)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE reminders SET status = $2, sent_at = $3, meta = $4 WHERE id = $1`,
			id, string(updated.Status), nullTime(updated.SentAt), updated.Meta); err != nil {
			return 0, err
		}

		if c.DeadLetter != nil {
			if err := insertDeadLetter(ctx, tx, *c.DeadLetter, c.Now); err != nil {
				return 0, err
			}
		}
		return 1, nil
	})
}

func (p *PostgresRepository) ReleaseSend(ctx context.Context, id int64, token string) error {
	return p.withTransaction(ctx, "ReleaseSend", func(ctx context.Context, tx *sql.Tx) (int, error) {
		res, err := tx.ExecContext(ctx,
			`UPDATE reminders SET meta = meta - 'send_claim' - 'send_claim_until'
             WHERE id = $1 AND meta->>'send_claim' = $2`,
			id, token)
		return 1, expectOne(res, err, ErrClaimLost)
	})
}

func (p *PostgresRepository) FailReminder(ctx context.Context, id int64, reason string, now time.Time, dl *DeadLetter) error {
	return p.withTransaction(ctx, "FailReminder", func(ctx context.Context, tx *sql.Tx) (int, error) {
		res, err := tx.ExecContext(ctx,
			`UPDATE reminders
             SET status = 'failed',
                 meta = COALESCE(meta, '{}'::jsonb) || jsonb_build_object('last_error', $2::text, 'last_error_at', $3::text)
             WHERE id = $1 AND status = 'scheduled'`,
			id, reason, FormatTime(now))
		if err := expectOne(res, err, ErrNotScheduled); err != nil {
			return 0, err
		}

		if dl != nil {
			if err := insertDeadLetter(ctx, tx, *dl, now); err != nil {
				return 0, err
			}
		}
		return 1, nil
	})
}

func (p *PostgresRepository) RequeueFailedReminders(ctx context.Context) (int64, error) {
	var count int64
	err := p.withTransaction(ctx, "RequeueFailedReminders", func(ctx context.Context, tx *sql.Tx) (int, error) {
		res, err := tx.ExecContext(ctx,
			`UPDATE reminders
             SET status = 'scheduled',
                 meta = COALESCE(meta, '{}'::jsonb) - 'outbox_occurrence' - 'send_claim' - 'send_claim_until'
             WHERE status = 'failed'`)
		if err != nil {
			return 0, err
		}
		count, err = res.RowsAffected()
		return int(count), err
	})
	return count, err
}

func (p *PostgresRepository) EnqueueReminder(ctx context.Context, reminderID int64, occurrenceKey string, entry OutboxEntry) (OutboxEntry, error) {
	var inserted OutboxEntry
	err := p.withTransaction(ctx, "EnqueueReminder", func(ctx context.Context, tx *sql.Tx) (int, error) {
		var status string
		var meta Meta
		err := tx.QueryRowContext(ctx, `SELECT status, meta FROM reminders WHERE id = $1 FOR UPDATE`, reminderID).Scan(&status, &meta)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrReminderNotFound
		}
		if err != nil {
			return 0, err
		}
		if ReminderStatus(status) != ReminderScheduled {
			return 0, ErrNotScheduled
		}
		if meta.String(MetaOutboxOccurrence) == occurrenceKey {
			return 0, ErrAlreadyEnqueued
		}

		inserted, err = insertOutbox(ctx, tx, entry)
		if err != nil {
			return 0, err
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE reminders
             SET meta = COALESCE(meta, '{}'::jsonb) || jsonb_build_object('outbox_id', $2::bigint, 'outbox_occurrence', $3::text)
             WHERE id = $1`,
			reminderID, inserted.ID, occurrenceKey)
		return 1, err
	})
	return inserted, err
}

func (p *PostgresRepository) ClaimPending(ctx context.Context, now, leaseUntil time.Time, limit int) ([]OutboxEntry, error) {
	var entries []OutboxEntry
	err := p.withTransaction(ctx, "ClaimPending", func(ctx context.Context, tx *sql.Tx) (int, error) {
		rows, err := tx.QueryContext(ctx,
			`UPDATE outbox SET next_attempt_at = $2, updated_at = $1
             WHERE id IN (
                 SELECT id FROM outbox
                 WHERE status = 'pending' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
                 ORDER BY created_at ASC, id ASC
                 LIMIT $3
                 FOR UPDATE SKIP LOCKED)
             RETURNING `+outboxColumns,
			now, leaseUntil, limit)
		if err != nil {
			return 0, err
		}
		defer rows.Close()

		for rows.Next() {
			e, err := scanOutbox(rows)
			if err != nil {
				return 0, err
			}
			entries = append(entries, e)
		}
		return len(entries), rows.Err()
	})
	// RETURNING does not preserve the inner ORDER BY.
	sortByCreated(entries)
	return entries, err
}

func (p *PostgresRepository) GetOutbox(ctx context.Context, id int64) (OutboxEntry, error) {
	var e OutboxEntry
	err := p.withTransaction(ctx, "GetOutbox", func(ctx context.Context, tx *sql.Tx) (int, error) {
		var err error
		e, err = scanOutbox(tx.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE id = $1`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrOutboxNotFound
		}
		return 1, err
	})
	return e, err
}

func (p *PostgresRepository) CompleteOutbox(ctx context.Context, c OutboxCompletion) error {
	return p.withTransaction(ctx, "CompleteOutbox", func(ctx context.Context, tx *sql.Tx) (int, error) {
		res, err := tx.ExecContext(ctx,
			`UPDATE outbox SET status = 'sent', dispatched_at = $2, next_attempt_at = NULL, updated_at = $2
             WHERE id = $1 AND status = 'pending'`,
			c.OutboxID, c.Now)
		if err := expectOne(res, err, ErrOutboxNotPending); err != nil {
			return 0, err
		}

		if c.ReminderID > 0 {
			if _, err := tx.ExecContext(ctx,
				`UPDATE reminders
                 SET status = 'sent', sent_at = $2,
                     meta = (COALESCE(meta, '{}'::jsonb) - 'last_error' - 'last_error_at')
                            || jsonb_build_object('message_id', $3::text, 'provider', $4::text, 'sent_via', 'outbox', 'outbox_id', $5::bigint)
                 WHERE id = $1 AND status = 'scheduled'`,
				c.ReminderID, c.Now, c.MessageID, c.Provider, c.OutboxID); err != nil {
				return 0, err
			}
		}
		return 1, nil
	})
}

func (p *PostgresRepository) ScheduleRetry(ctx context.Context, id int64, attempts int, next, now time.Time) error {
	return p.withTransaction(ctx, "ScheduleRetry", func(ctx context.Context, tx *sql.Tx) (int, error) {
		res, err := tx.ExecContext(ctx,
			`UPDATE outbox SET attempts = $2, next_attempt_at = $3, updated_at = $4 WHERE id = $1 AND status = 'pending'`,
			id, attempts, next, now)
		return 1, expectOne(res, err, ErrOutboxNotPending)
	})
}

func (p *PostgresRepository) FailOutbox(ctx context.Context, f OutboxFailure) error {
	return p.withTransaction(ctx, "FailOutbox", func(ctx context.Context, tx *sql.Tx) (int, error) {
		res, err := tx.ExecContext(ctx,
			`UPDATE outbox SET status = 'failed', attempts = $2, next_attempt_at = NULL, updated_at = $3
             WHERE id = $1 AND status = 'pending'`,
			f.OutboxID, f.Attempts, f.Now)
		if err := expectOne(res, err, ErrOutboxNotPending); err != nil {
			return 0, err
		}

		if f.DeadLetter != nil {
			if err := insertDeadLetter(ctx, tx, *f.DeadLetter, f.Now); err != nil {
				return 0, err
			}
		}

		if f.ReminderID > 0 {
			if _, err := tx.ExecContext(ctx,
				`UPDATE reminders
                 SET meta = COALESCE(meta, '{}'::jsonb) || jsonb_build_object('last_error', $2::text, 'last_error_at', $3::text)
                 WHERE id = $1`,
				f.ReminderID, f.Error, FormatTime(f.Now)); err != nil {
				return 0, err
			}
		}
		return 1, nil
	})
}

func (p *PostgresRepository) ResetOutbox(ctx context.Context, id int64, reminderID int64, now time.Time) (OutboxEntry, bool, error) {
	var e OutboxEntry
	var changed bool
	err := p.withTransaction(ctx, "ResetOutbox", func(ctx context.Context, tx *sql.Tx) (int, error) {
		var err error
		e, err = scanOutbox(tx.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrOutboxNotFound
		}
		if err != nil {
			return 0, err
		}
		switch e.Status {
		case StatusSent:
			return 0, ErrOutboxAlreadySent
		case StatusPending:
			return 0, nil
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE outbox SET status = 'pending', attempts = 0, next_attempt_at = NULL, updated_at = $2 WHERE id = $1`,
			id, now); err != nil {
			return 0, mapUniqueViolation(err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM dead_letters WHERE kind = $1 AND payload = $2::jsonb`,
			e.Topic, string(e.Payload)); err != nil {
			return 0, err
		}
		if reminderID > 0 {
			if _, err := tx.ExecContext(ctx,
				`UPDATE reminders
                 SET status = 'scheduled', meta = COALESCE(meta, '{}'::jsonb) - 'send_claim' - 'send_claim_until'
                 WHERE id = $1 AND status = 'failed'`,
				reminderID); err != nil {
				return 0, err
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

func (p *PostgresRepository) ListDeadLetters(ctx context.Context, afterID int64, limit int) ([]DeadLetter, error) {
	deadLetters := []DeadLetter{}
	err := p.withTransaction(ctx, "ListDeadLetters", func(ctx context.Context, tx *sql.Tx) (int, error) {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+deadLetterColumns+` FROM dead_letters WHERE id > $1 ORDER BY id ASC LIMIT $2`,
			afterID, limit)
		if err != nil {
			return 0, err
		}
		defer rows.Close()

		for rows.Next() {
			dl, err := scanDeadLetter(rows)
			if err != nil {
				return 0, err
			}
			deadLetters = append(deadLetters, dl)
		}
		return len(deadLetters), rows.Err()
	})
	return deadLetters, err
}

func (p *PostgresRepository) GetDeadLetter(ctx context.Context, id int64) (DeadLetter, error) {
	var dl DeadLetter
	err := p.withTransaction(ctx, "GetDeadLetter", func(ctx context.Context, tx *sql.Tx) (int, error) {
		var err error
		dl, err = scanDeadLetter(tx.QueryRowContext(ctx, `SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = $1`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrDeadLetterNotFound
		}
		return 1, err
	})
	return dl, err
}

func (p *PostgresRepository) RequeueDeadLetterToOutbox(ctx context.Context, deadLetterID int64, reminderID int64, entry OutboxEntry) (OutboxEntry, error) {
	var inserted OutboxEntry
	err := p.withTransaction(ctx, "RequeueDeadLetterToOutbox", func(ctx context.Context, tx *sql.Tx) (int, error) {
		if err := lockDeadLetter(ctx, tx, deadLetterID); err != nil {
			return 0, err
		}

		var err error
		inserted, err = insertOutbox(ctx, tx, entry)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = $1`, deadLetterID); err != nil {
			return 0, err
		}

		if reminderID > 0 {
			if _, err := tx.ExecContext(ctx,
				`UPDATE reminders
                 SET status = 'scheduled',
                     meta = (COALESCE(meta, '{}'::jsonb) - 'send_claim' - 'send_claim_until') || jsonb_build_object('outbox_id', $2::bigint)
                 WHERE id = $1 AND status = 'failed'`,
				reminderID, inserted.ID); err != nil {
				return 0, err
			}
		}
		return 1, nil
	})
	return inserted, err
}

func (p *PostgresRepository) RequeueDeadLetterToReminder(ctx context.Context, deadLetterID int64, reminderID int64, _ time.Time) error {
	return p.withTransaction(ctx, "RequeueDeadLetterToReminder", func(ctx context.Context, tx *sql.Tx) (int, error) {
		if err := lockDeadLetter(ctx, tx, deadLetterID); err != nil {
			return 0, err
		}

		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM reminders WHERE id = $1 FOR UPDATE`, reminderID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrReminderNotFound
		}
		if err != nil {
			return 0, err
		}

		switch ReminderStatus(status) {
		case ReminderFailed:
			if _, err := tx.ExecContext(ctx,
				`UPDATE reminders
                 SET status = 'scheduled',
                     meta = COALESCE(meta, '{}'::jsonb) - 'outbox_occurrence' - 'send_claim' - 'send_claim_until'
                 WHERE id = $1`,
				reminderID); err != nil {
				return 0, err
			}
		case ReminderScheduled:
		default:
			return 0, ErrReminderNotFailed
		}

		_, err = tx.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = $1`, deadLetterID)
		return 1, err
	})
}

func (p *PostgresRepository) withTransaction(ctx context.Context, spanName string, fn func(ctx context.Context, tx *sql.Tx) (int, error)) (err error) {
	ctx, span := p.tracer.Start(ctx, spanName)
	defer span.End()
	start := time.Now()

	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	if !ok {
		tx, err = p.db.BeginTx(ctx, nil)
		if err != nil {
			span.RecordError(err)
			return err
		}
		defer func() {
			if err != nil {
				_ = tx.Rollback()
				return
			}
			if err = tx.Commit(); err != nil {
				span.RecordError(err)
			}
		}()
		ctx = context.WithValue(ctx, txKey{}, tx)
	}

	count, err := fn(ctx, tx)
	if err != nil {
		span.RecordError(err)
		return err
	}

	addDBStatsToSpan(span, "postgresql", spanName, count, time.Since(start))
	return nil
}

func insertOutbox(ctx context.Context, tx *sql.Tx, entry OutboxEntry) (OutboxEntry, error) {
	now := orNow(entry.CreatedAt)
	inserted := OutboxEntry{
		Topic:     entry.Topic,
		Payload:   entry.Payload,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := tx.QueryRowContext(ctx,
		`INSERT INTO outbox (topic, payload, status, attempts, next_attempt_at, created_at, updated_at)
         VALUES ($1, $2, 'pending', 0, NULL, $3, $3) RETURNING id`,
		entry.Topic, string(entry.Payload), now).Scan(&inserted.ID)
	if err != nil {
		return OutboxEntry{}, mapUniqueViolation(err)
	}
	return inserted, nil
}

func insertDeadLetter(ctx context.Context, tx *sql.Tx, dl DeadLetter, now time.Time) error {
	now = orNow(now)
	_, err := tx.ExecContext(ctx,
		`INSERT INTO dead_letters (kind, payload, error, retries, next_attempt_at, created_at, updated_at)
         VALUES ($1, $2, $3, $4, NULL, $5, $5)`,
		dl.Kind, string(dl.Payload), dl.Error, dl.Retries, now)
	return err
}

func lockDeadLetter(ctx context.Context, tx *sql.Tx, id int64) error {
	var locked int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM dead_letters WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrDeadLetterNotFound
	}
	return err
}

func expectOne(res sql.Result, err error, none error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return none
	}
	return nil
}

func mapUniqueViolation(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrAlreadyEnqueued
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(row rowScanner) (Reminder, error) {
	var r Reminder
	var channel, status string
	var subject, body sql.NullString
	var sentAt sql.NullTime
	if err := row.Scan(&r.ID, &r.InvoiceID, &r.SendAt, &channel, &status, &subject, &body, &sentAt, &r.Meta); err != nil {
		return Reminder{}, err
	}
	r.Channel = Channel(channel)
	r.Status = ReminderStatus(status)
	r.Subject = subject.String
	r.Body = body.String
	if sentAt.Valid {
		r.SentAt = &sentAt.Time
	}
	if r.Meta == nil {
		r.Meta = Meta{}
	}
	return r, nil
}

func scanOutbox(row rowScanner) (OutboxEntry, error) {
	var e OutboxEntry
	var status string
	var nextAttemptAt, dispatchedAt sql.NullTime
	if err := row.Scan(&e.ID, &e.Topic, &e.Payload, &status, &e.Attempts, &nextAttemptAt, &dispatchedAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return OutboxEntry{}, err
	}
	e.Status = Status(status)
	e.NextAttemptAt = timePtr(nextAttemptAt)
	e.DispatchedAt = timePtr(dispatchedAt)
	return e, nil
}

func scanDeadLetter(row rowScanner) (DeadLetter, error) {
	var dl DeadLetter
	var errText sql.NullString
	var nextAttemptAt sql.NullTime
	if err := row.Scan(&dl.ID, &dl.Kind, &dl.Payload, &errText, &dl.Retries, &nextAttemptAt, &dl.CreatedAt, &dl.UpdatedAt); err != nil {
		return DeadLetter{}, err
	}
	dl.Error = errText.String
	dl.NextAttemptAt = timePtr(nextAttemptAt)
	return dl, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Repository = (*PostgresRepository)(nil)
