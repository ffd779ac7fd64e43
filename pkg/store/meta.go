package store

import (
	"database/sql/driver"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// Well-known reminder meta keys.
const (
	MetaMessageID        = "message_id"
	MetaProvider         = "provider"
	MetaOutboxID         = "outbox_id"
	MetaOutboxOccurrence = "outbox_occurrence"
	MetaLastError        = "last_error"
	MetaLastErrorAt      = "last_error_at"
	MetaSendClaim        = "send_claim"
	MetaSendClaimUntil   = "send_claim_until"
	MetaSentVia          = "sent_via"
)

// TimeLayout is used for every timestamp kept in meta. It is fixed width in UTC so
// timestamps also compare correctly as strings.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Meta is the free-form JSON object attached to a reminder.
type Meta map[string]any

// Value encodes the meta as a JSON string so it binds to json and jsonb columns.
func (m Meta) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func (m *Meta) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = Meta{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("meta: unsupported type %T", src)
	}
	if len(raw) == 0 {
		*m = Meta{}
		return nil
	}
	decoded := Meta{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("meta: %w", err)
	}
	*m = decoded
	return nil
}

// Clone returns a shallow copy that is safe to modify.
func (m Meta) Clone() Meta {
	out := make(Meta, len(m)+4)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (m Meta) String(key string) string {
	s, _ := m[key].(string)
	return s
}

func (m Meta) Time(key string) (time.Time, bool) {
	s, ok := m[key].(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, false
		}
	}
	return t, true
}

// Int64 reads a numeric value. JSON round trips turn integers into float64.
func (m Meta) Int64(key string) (int64, bool) {
	switch v := m[key].(type) {
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}

// ClaimActive reports whether another caller holds an unexpired send claim.
func (m Meta) ClaimActive(now time.Time) bool {
	if m.String(MetaSendClaim) == "" {
		return false
	}
	until, ok := m.Time(MetaSendClaimUntil)
	return ok && until.After(now)
}

func (m Meta) withClaim(token string, until time.Time) Meta {
	out := m.Clone()
	out[MetaSendClaim] = token
	out[MetaSendClaimUntil] = FormatTime(until)
	return out
}

func (m Meta) withoutClaim() Meta {
	out := m.Clone()
	delete(out, MetaSendClaim)
	delete(out, MetaSendClaimUntil)
	return out
}

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// applyCompletion computes the reminder state after a claimed send finished.
// A failed forced resend of a sent reminder keeps it sent.
func applyCompletion(r Reminder, c SendCompletion) (Reminder, error) {
	if r.Meta.String(MetaSendClaim) != c.Token {
		return r, ErrClaimLost
	}
	meta := r.Meta.withoutClaim()
	if c.Sent {
		sentAt := c.Now
		r.Status = ReminderSent
		r.SentAt = &sentAt
		meta[MetaMessageID] = c.MessageID
		meta[MetaProvider] = c.Provider
		meta[MetaSentVia] = c.SentVia
		delete(meta, MetaLastError)
		delete(meta, MetaLastErrorAt)
	} else {
		if r.Status != ReminderSent {
			r.Status = ReminderFailed
		}
		meta[MetaLastError] = c.Error
		meta[MetaLastErrorAt] = FormatTime(c.Now)
	}
	r.Meta = meta
	return r, nil
}

// applyOutboxDelivered records a successful outbox delivery on the reminder.
func applyOutboxDelivered(r Reminder, c OutboxCompletion) Reminder {
	sentAt := c.Now
	meta := r.Meta.Clone()
	meta[MetaMessageID] = c.MessageID
	meta[MetaProvider] = c.Provider
	meta[MetaSentVia] = "outbox"
	meta[MetaOutboxID] = c.OutboxID
	delete(meta, MetaLastError)
	delete(meta, MetaLastErrorAt)
	r.Status = ReminderSent
	r.SentAt = &sentAt
	r.Meta = meta
	return r
}

// applyOutboxFailure records a failed outbox row on the reminder. The status is left
// as it is.
func applyOutboxFailure(r Reminder, reason string, now time.Time) Reminder {
	meta := r.Meta.Clone()
	meta[MetaLastError] = reason
	meta[MetaLastErrorAt] = FormatTime(now)
	r.Meta = meta
	return r
}

func applyFailure(r Reminder, reason string, now time.Time) Reminder {
	meta := r.Meta.Clone()
	meta[MetaLastError] = reason
	meta[MetaLastErrorAt] = FormatTime(now)
	r.Status = ReminderFailed
	r.Meta = meta
	return r
}

// applyRequeue moves a failed reminder back to scheduled. Clearing the occurrence
// marker lets the detector enqueue it again; it is kept when an outbox row already
// carries the occurrence.
func applyRequeue(r Reminder, clearOccurrence bool) Reminder {
	meta := r.Meta.Clone()
	if clearOccurrence {
		delete(meta, MetaOutboxOccurrence)
	}
	delete(meta, MetaSendClaim)
	delete(meta, MetaSendClaimUntil)
	r.Status = ReminderScheduled
	r.Meta = meta
	return r
}
