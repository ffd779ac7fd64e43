package store

import "time"

// Status represents the status of an outbox entry.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// OutboxEntry is a durable intent to deliver one payload. Rows are never deleted.
type OutboxEntry struct {
	ID            int64      `json:"id"`
	Topic         string     `json:"topic"`
	Payload       []byte     `json:"payload"`
	Status        Status     `json:"status"`
	Attempts      int        `json:"attempts"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	DispatchedAt  *time.Time `json:"dispatched_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Ready reports whether the entry may be picked up by a dispatcher at now.
func (e OutboxEntry) Ready(now time.Time) bool {
	return e.Status == StatusPending && (e.NextAttemptAt == nil || !e.NextAttemptAt.After(now))
}

// DeadLetter records work that failed permanently or exhausted its retries.
type DeadLetter struct {
	ID            int64      `json:"id"`
	Kind          string     `json:"kind"`
	Payload       []byte     `json:"payload"`
	Error         string     `json:"error"`
	Retries       int        `json:"retries"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
