package store

import (
	"context"
	"time"
)

// ReminderRepository covers the reminder side of the work item store.
type ReminderRepository interface {
	// FetchDueReminders returns scheduled reminders due at q.Now, ordered by (send_at, id).
	FetchDueReminders(ctx context.Context, q DueQuery) ([]Reminder, error)
	GetReminder(ctx context.Context, id int64) (Reminder, error)
	// ResolveRecipient follows invoice -> client and returns the billing contact.
	ResolveRecipient(ctx context.Context, invoiceID int64) (Recipient, error)
	// ClaimSend acquires the send claim with a single conditional write. A rejected claim
	// returns *ClaimRejectedError.
	ClaimSend(ctx context.Context, id int64, claim SendClaim) (Reminder, error)
	// FinishSend releases the claim identified by c.Token and records the outcome.
	FinishSend(ctx context.Context, id int64, c SendCompletion) error
	// ReleaseSend drops the claim identified by token without touching the status. It
	// returns ErrClaimLost when the reminder no longer holds that claim.
	ReleaseSend(ctx context.Context, id int64, token string) error
	// FailReminder moves a scheduled reminder to failed, inserting dl in the same
	// transaction when it is not nil.
	FailReminder(ctx context.Context, id int64, reason string, now time.Time, dl *DeadLetter) error
	// RequeueFailedReminders moves every failed reminder back to scheduled.
	RequeueFailedReminders(ctx context.Context) (int64, error)
}

// OutBoxRepository covers the outbox table.
type OutBoxRepository interface {
	// EnqueueReminder inserts entry for the reminder occurrence and stamps the reminder's
	// occurrence marker, in one transaction. It fails with ErrNotScheduled when the reminder
	// is no longer scheduled and ErrAlreadyEnqueued when the occurrence has a row.
	EnqueueReminder(ctx context.Context, reminderID int64, occurrenceKey string, entry OutboxEntry) (OutboxEntry, error)
	// ClaimPending leases up to limit ready rows by pushing next_attempt_at to leaseUntil.
	// Rows come back ordered by (created_at, id).
	ClaimPending(ctx context.Context, now, leaseUntil time.Time, limit int) ([]OutboxEntry, error)
	GetOutbox(ctx context.Context, id int64) (OutboxEntry, error)
	CompleteOutbox(ctx context.Context, c OutboxCompletion) error
	// ScheduleRetry records a failed attempt that will be retried at next.
	ScheduleRetry(ctx context.Context, id int64, attempts int, next, now time.Time) error
	// FailOutbox closes the row as failed. The reminder, when ReminderID is set, keeps its
	// status and gets the failure recorded in meta.
	FailOutbox(ctx context.Context, f OutboxFailure) error
	// ResetOutbox moves a failed row back to pending with zero attempts, removes its
	// matching dead letter and puts the reminder back on schedule. A pending row is left
	// untouched and reported with changed=false.
	ResetOutbox(ctx context.Context, id int64, reminderID int64, now time.Time) (entry OutboxEntry, changed bool, err error)
}

// DeadLetterRepository covers the dead letter sink.
type DeadLetterRepository interface {
	// ListDeadLetters returns up to limit dead letters with id > afterID, ordered by id.
	ListDeadLetters(ctx context.Context, afterID int64, limit int) ([]DeadLetter, error)
	GetDeadLetter(ctx context.Context, id int64) (DeadLetter, error)
	// RequeueDeadLetterToOutbox materializes entry from a dead letter of an outbox kind
	// and deletes the dead letter.
	RequeueDeadLetterToOutbox(ctx context.Context, deadLetterID int64, reminderID int64, entry OutboxEntry) (OutboxEntry, error)
	// RequeueDeadLetterToReminder moves the reminder failed -> scheduled and deletes the
	// dead letter.
	RequeueDeadLetterToReminder(ctx context.Context, deadLetterID int64, reminderID int64, now time.Time) error
}

// Repository is the full work item store.
type Repository interface {
	ReminderRepository
	OutBoxRepository
	DeadLetterRepository
	Close() error
}
