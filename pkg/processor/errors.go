package processor

import (
	"errors"
	"fmt"

	"github.com/zoff-tech/go-reminder-outbox/pkg/delivery"
	"github.com/zoff-tech/go-reminder-outbox/pkg/store"
)

// ErrConflict matches every ConflictError.
var ErrConflict = errors.New("conflict")

// ErrUnsupportedChannel is recorded on reminders whose channel has no transport.
var ErrUnsupportedChannel = errors.New("unsupported channel")

// ConflictError reports an operation refused because of the item's current state.
type ConflictError struct {
	Reason string
	Status store.ReminderStatus
}

func (e *ConflictError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("conflict: %s (status %s)", e.Reason, e.Status)
	}
	return "conflict: " + e.Reason
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// DeliveryError carries a failed delivery result.
type DeliveryError struct {
	Result delivery.Result
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed (%s): %s", e.Result.Outcome, e.Result.Error())
}

func (e *DeliveryError) Unwrap() error { return e.Result.Err }

// permanentDataError reports whether err means the reminder can never be sent as it
// stands.
func permanentDataError(err error) bool {
	return errors.Is(err, store.ErrInvoiceNotFound) ||
		errors.Is(err, store.ErrClientNotFound) ||
		errors.Is(err, store.ErrRecipientMissing) ||
		errors.Is(err, ErrUnsupportedChannel)
}
