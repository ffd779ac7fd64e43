package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_EmailSend(t *testing.T) {
	p := &EmailSendPayload{
		ReminderID:    7,
		InvoiceID:     3,
		OccurrenceKey: "reminder:7:1700000000",
		To:            "ada@example.com",
		Subject:       "Invoice #3 is due",
		Text:          "Please pay",
		Headers:       map[string]string{HeaderIdempotencyKey: "reminder:7:1700000000"},
	}

	raw, err := Encode(p)
	require.NoError(t, err)

	decoded, err := Decode(string(TopicEmailSend), raw)
	require.NoError(t, err)

	email, ok := decoded.(*EmailSendPayload)
	require.True(t, ok)
	assert.Equal(t, p, email)
}

func TestEncode_RejectsInvalidRecipient(t *testing.T) {
	_, err := Encode(&EmailSendPayload{To: "not-an-address", Subject: "s", Text: "t"})
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestEncode_RequiresSomeBody(t *testing.T) {
	_, err := Encode(&EmailSendPayload{To: "ada@example.com", Subject: "s"})
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestDecode_UnknownTopic(t *testing.T) {
	_, err := Decode("sms.send", []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownTopic)
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{name: "empty", raw: nil},
		{name: "not json", raw: []byte(`{"to":`)},
		{name: "missing recipient", raw: []byte(`{"subject":"s","text":"t"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(string(TopicEmailSend), tt.raw)
			assert.ErrorIs(t, err, ErrMalformedPayload)
		})
	}
}

func TestDecode_ReminderFailure(t *testing.T) {
	sendAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	raw, err := Encode(&ReminderFailurePayload{ReminderID: 9, InvoiceID: 1, Channel: "email", SendAt: sendAt, Stage: StageEnqueue})
	require.NoError(t, err)

	decoded, err := Decode(string(TopicReminderSend), raw)
	require.NoError(t, err)
	failure := decoded.(*ReminderFailurePayload)
	assert.Equal(t, int64(9), failure.ReminderID)
	assert.True(t, sendAt.Equal(failure.SendAt))
}

func TestOccurrenceAndRequeueKeys(t *testing.T) {
	sendAt := time.Unix(1700000000, 0)
	key := OccurrenceKey(42, sendAt)
	assert.Equal(t, "reminder:42:1700000000", key)

	first := RequeueKey(key, 5)
	assert.Equal(t, "reminder:42:1700000000:requeue:5", first)
	assert.Equal(t, "reminder:42:1700000000:requeue:8", RequeueKey(first, 8))
}

func TestIsOutboxTopic(t *testing.T) {
	assert.True(t, IsOutboxTopic(TopicEmailSend))
	assert.False(t, IsOutboxTopic(TopicReminderSend))
}
