package processor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-reminder-outbox/pkg/store"
	"github.com/zoff-tech/go-reminder-outbox/schema"
)

func TestBuildEmail(t *testing.T) {
	r := dueReminder(7, 42, time.Unix(1700000000, 0).UTC())
	r.Body = "Amount <b>due</b>: 10 & more\n\nThanks"

	p := buildEmail(r, store.Recipient{Email: "ada@example.com", Name: "Ada <Admin>"})
	require.NoError(t, p.Validate())

	assert.Equal(t, "reminder:7:1700000000", p.OccurrenceKey)
	assert.Equal(t, "ada@example.com", p.To)
	assert.Equal(t, "Invoice #42 is due", p.Subject)
	assert.Equal(t, "<p>Hello Ada &lt;Admin&gt;,</p><p>Amount &lt;b&gt;due&lt;/b&gt;: 10 &amp; more</p><p>Thanks</p>", p.HTML)
	assert.Equal(t, r.Body, p.Text)
	assert.Equal(t, map[string]string{
		schema.HeaderIdempotencyKey: "reminder:7:1700000000",
		schema.HeaderReminderID:     "7",
		schema.HeaderInvoiceID:      "42",
	}, p.Headers)
}

func TestBuildEmail_Defaults(t *testing.T) {
	r := dueReminder(1, 10, baseTime)
	r.Subject = "  "
	r.Body = ""

	p := buildEmail(r, store.Recipient{Email: "ada@example.com"})
	assert.Equal(t, "Payment reminder for invoice #10", p.Subject)
	assert.Equal(t, p.Subject, p.Text)
	assert.NotContains(t, p.HTML, "Hello")
}

func TestToMessage(t *testing.T) {
	p := &schema.EmailSendPayload{
		OccurrenceKey: "reminder:1:1:requeue:3",
		To:            "ada@example.com",
		Subject:       "s",
		Text:          "t",
		Headers:       map[string]string{schema.HeaderIdempotencyKey: "stale", schema.HeaderReminderID: "1"},
	}
	msg := toMessage(p)
	assert.Equal(t, "reminder:1:1:requeue:3", msg.Headers[schema.HeaderIdempotencyKey])
	assert.Equal(t, "1", msg.Headers[schema.HeaderReminderID])
	assert.Equal(t, "stale", p.Headers[schema.HeaderIdempotencyKey])
}
