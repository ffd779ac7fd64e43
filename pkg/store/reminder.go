package store

import "time"

type ReminderStatus string

const (
	ReminderScheduled ReminderStatus = "scheduled"
	ReminderSent      ReminderStatus = "sent"
	ReminderFailed    ReminderStatus = "failed"
	ReminderCancelled ReminderStatus = "cancelled"
)

type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
)

// Reminder is a scheduled notification about an invoice. Reminders are created
// elsewhere; this module only moves them through their delivery lifecycle.
type Reminder struct {
	ID        int64          `json:"id"`
	InvoiceID int64          `json:"invoice_id"`
	SendAt    time.Time      `json:"send_at"`
	Channel   Channel        `json:"channel"`
	Status    ReminderStatus `json:"status"`
	Subject   string         `json:"subject"`
	Body      string         `json:"body"`
	SentAt    *time.Time     `json:"sent_at,omitempty"`
	Meta      Meta           `json:"meta"`
}

// Recipient is the billing contact of an invoice's client.
type Recipient struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// DueQuery selects scheduled reminders whose send_at has passed.
type DueQuery struct {
	Now time.Time
	// NotBefore bounds the lookback window when set.
	NotBefore *time.Time
	// After is the keyset cursor: only reminders strictly after it in (send_at, id) order.
	After *DueCursor
	Limit int
}

type DueCursor struct {
	SendAt time.Time
	ID     int64
}

// SendClaim is the lease taken on a reminder before a synchronous delivery.
type SendClaim struct {
	Token string
	Now   time.Time
	Until time.Time
	// Statuses the reminder must be in. Empty means any status.
	Statuses []ReminderStatus
}

func (c SendClaim) allows(status ReminderStatus) bool {
	if len(c.Statuses) == 0 {
		return true
	}
	for _, s := range c.Statuses {
		if s == status {
			return true
		}
	}
	return false
}

// SendCompletion releases a send claim and records the outcome of the delivery.
type SendCompletion struct {
	Token     string
	Now       time.Time
	Sent      bool
	MessageID string
	Provider  string
	SentVia   string
	Error     string
	// DeadLetter is inserted in the same transaction when set.
	DeadLetter *DeadLetter
}

// OutboxCompletion marks an outbox row delivered and, when ReminderID is set, the
// reminder sent, in one transaction.
type OutboxCompletion struct {
	OutboxID   int64
	ReminderID int64
	Now        time.Time
	MessageID  string
	Provider   string
}

// OutboxFailure closes an outbox row as failed. The dead letter and the reminder's
// last_error, when present, commit together with the row.
type OutboxFailure struct {
	OutboxID   int64
	ReminderID int64
	Attempts   int
	Now        time.Time
	Error      string
	DeadLetter *DeadLetter
}
