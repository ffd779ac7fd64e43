// Package delivery hands reminder emails to a transport. Senders never return bare
// errors: every call yields a Result that says whether the message went out, may
// succeed on a later attempt, or can never succeed.
package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Outcome classifies a delivery attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetryable
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomePermanent:
		return "permanent"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

var (
	ErrInvalidRecipient = errors.New("invalid recipient")
	ErrEmptyMessage     = errors.New("message has no body")
	ErrTimeout          = errors.New("delivery timed out")
	ErrCircuitOpen      = errors.New("delivery circuit open")
)

// Message is one email handed to a transport.
type Message struct {
	To      string            `json:"to"`
	Subject string            `json:"subject"`
	HTML    string            `json:"html,omitempty"`
	Text    string            `json:"text,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Result is the outcome of a single Send.
type Result struct {
	Outcome   Outcome
	MessageID string
	Provider  string
	Err       error
}

func Success(messageID, provider string) Result {
	return Result{Outcome: OutcomeSuccess, MessageID: messageID, Provider: provider}
}

func Retryable(err error) Result {
	return Result{Outcome: OutcomeRetryable, Err: err}
}

func Permanent(err error) Result {
	return Result{Outcome: OutcomePermanent, Err: err}
}

func (r Result) OK() bool { return r.Outcome == OutcomeSuccess }

// Error describes a failed result; it is empty on success.
func (r Result) Error() string {
	if r.OK() {
		return ""
	}
	if r.Err == nil {
		return r.Outcome.String() + " failure"
	}
	return r.Err.Error()
}

// Sender delivers messages. Implementations are safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, msg Message) Result
	Close() error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, msg Message) Result

func (f SenderFunc) Send(ctx context.Context, msg Message) Result { return f(ctx, msg) }

func (f SenderFunc) Close() error { return nil }

var validate = validator.New()

// checkMessage rejects messages no transport could deliver.
func checkMessage(msg Message) error {
	if err := validate.Var(msg.To, "required,email"); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidRecipient, msg.To)
	}
	if msg.HTML == "" && msg.Text == "" {
		return ErrEmptyMessage
	}
	return nil
}
