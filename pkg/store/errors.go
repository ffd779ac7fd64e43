package store

import (
	"errors"
	"fmt"
)

var (
	ErrReminderNotFound   = errors.New("reminder not found")
	ErrOutboxNotFound     = errors.New("outbox entry not found")
	ErrDeadLetterNotFound = errors.New("dead letter not found")
	ErrInvoiceNotFound    = errors.New("invoice not found")
	ErrClientNotFound     = errors.New("client not found")
	ErrRecipientMissing   = errors.New("client has no email address")

	// ErrAlreadyEnqueued means an outbox row already exists for the occurrence.
	ErrAlreadyEnqueued = errors.New("occurrence already enqueued")
	// ErrNotScheduled means the reminder left the scheduled state concurrently.
	ErrNotScheduled = errors.New("reminder is not scheduled")
	// ErrReminderNotFailed is returned when requeueing a reminder that is not failed.
	ErrReminderNotFailed = errors.New("reminder is not failed")
	// ErrOutboxNotPending is returned by writes that expect a pending row.
	ErrOutboxNotPending = errors.New("outbox entry is not pending")
	// ErrOutboxAlreadySent is returned when resetting a delivered row.
	ErrOutboxAlreadySent = errors.New("outbox entry already sent")
	// ErrClaimLost means the send claim expired and was taken by another caller.
	ErrClaimLost = errors.New("send claim lost")

	ErrUnsupportedBackend = errors.New("unsupported DB type")
)

// ClaimRejectedError is returned when a send claim cannot be acquired.
type ClaimRejectedError struct {
	Status ReminderStatus
	// InProgress is set when another caller holds an unexpired claim.
	InProgress bool
}

func (e *ClaimRejectedError) Error() string {
	if e.InProgress {
		return "send claim rejected: send in progress"
	}
	return fmt.Sprintf("send claim rejected: reminder is %s", e.Status)
}

// IsClaimRejected reports whether err is a ClaimRejectedError.
func IsClaimRejected(err error) bool {
	var rejected *ClaimRejectedError
	return errors.As(err, &rejected)
}
