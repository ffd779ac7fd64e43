// Package schema defines the typed payloads carried by outbox rows and dead letters.
//
// Every payload is keyed by a Topic. Rows store the payload as JSON; callers decode
// it back into its concrete shape with Decode at the boundary where it is consumed.
package schema

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
)

// Topic identifies the shape of a payload.
type Topic string

const (
	// TopicEmailSend is the outbox topic for a single reminder email.
	TopicEmailSend Topic = "email.send"
	// TopicReminderSend is the dead-letter kind for reminders that failed before or
	// outside the outbox (detection errors, direct sends).
	TopicReminderSend Topic = "reminder.send"
)

// Headers attached to every outgoing email.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReminderID     = "X-Reminder-ID"
	HeaderInvoiceID      = "X-Invoice-ID"
)

// Stages recorded on a ReminderFailurePayload.
const (
	StageEnqueue    = "enqueue"
	StageDirectSend = "direct_send"
)

var (
	// ErrUnknownTopic is returned when no payload shape is registered for a topic.
	ErrUnknownTopic = errors.New("schema: unknown topic")
	// ErrMalformedPayload is returned when a payload cannot be decoded or fails validation.
	ErrMalformedPayload = errors.New("schema: malformed payload")
)

var validate = validator.New()

// Payload is implemented by every concrete payload shape.
type Payload interface {
	Topic() Topic
	Validate() error
}

// EmailSendPayload is the transport envelope for one reminder email.
type EmailSendPayload struct {
	ReminderID    int64             `json:"reminder_id" validate:"gte=0"`
	InvoiceID     int64             `json:"invoice_id" validate:"gte=0"`
	OccurrenceKey string            `json:"occurrence_key"`
	To            string            `json:"to" validate:"required,email"`
	Subject       string            `json:"subject" validate:"required"`
	HTML          string            `json:"html" validate:"required_without=Text"`
	Text          string            `json:"text" validate:"required_without=HTML"`
	Headers       map[string]string `json:"headers,omitempty"`
}

func (p *EmailSendPayload) Topic() Topic { return TopicEmailSend }

func (p *EmailSendPayload) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, TopicEmailSend, err)
	}
	return nil
}

// ReminderFailurePayload snapshots a reminder that could not be handed to delivery.
// It carries enough to put the reminder back on schedule.
type ReminderFailurePayload struct {
	ReminderID int64     `json:"reminder_id" validate:"required,gt=0"`
	InvoiceID  int64     `json:"invoice_id"`
	Channel    string    `json:"channel"`
	SendAt     time.Time `json:"send_at"`
	Stage      string    `json:"stage" validate:"required,oneof=enqueue direct_send"`
}

func (p *ReminderFailurePayload) Topic() Topic { return TopicReminderSend }

func (p *ReminderFailurePayload) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, TopicReminderSend, err)
	}
	return nil
}

// IsOutboxTopic reports whether payloads of this topic are delivered through the outbox.
func IsOutboxTopic(topic Topic) bool {
	return topic == TopicEmailSend
}

// Encode validates and serializes a payload.
func Encode(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrMalformedPayload)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return raw, nil
}

// Decode parses raw into the payload shape registered for topic.
func Decode(topic string, raw []byte) (Payload, error) {
	var p Payload
	switch Topic(topic) {
	case TopicEmailSend:
		p = &EmailSendPayload{}
	case TopicReminderSend:
		p = &ReminderFailurePayload{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: %s: empty payload", ErrMalformedPayload, topic)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, topic, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// OccurrenceKey identifies one due occurrence of a reminder. Rescheduling a reminder
// (a new send_at) yields a new occurrence.
func OccurrenceKey(reminderID int64, sendAt time.Time) string {
	return "reminder:" + strconv.FormatInt(reminderID, 10) + ":" + strconv.FormatInt(sendAt.Unix(), 10)
}

// RequeueKey derives the occurrence key of an outbox row materialized from a dead letter.
func RequeueKey(occurrenceKey string, deadLetterID int64) string {
	base, _, _ := strings.Cut(occurrenceKey, ":requeue:")
	return base + ":requeue:" + strconv.FormatInt(deadLetterID, 10)
}
