package processor

import (
	"html"
	"strconv"
	"strings"

	"github.com/zoff-tech/go-reminder-outbox/pkg/delivery"
	"github.com/zoff-tech/go-reminder-outbox/pkg/store"
	"github.com/zoff-tech/go-reminder-outbox/schema"
)

// buildEmail renders a reminder for its recipient. The occurrence key doubles as the
// provider idempotency key.
func buildEmail(r store.Reminder, to store.Recipient) *schema.EmailSendPayload {
	key := schema.OccurrenceKey(r.ID, r.SendAt)
	subject := strings.TrimSpace(r.Subject)
	if subject == "" {
		subject = "Payment reminder for invoice #" + strconv.FormatInt(r.InvoiceID, 10)
	}
	text := r.Body
	if strings.TrimSpace(text) == "" {
		text = subject
	}
	return &schema.EmailSendPayload{
		ReminderID:    r.ID,
		InvoiceID:     r.InvoiceID,
		OccurrenceKey: key,
		To:            to.Email,
		Subject:       subject,
		HTML:          renderHTML(to.Name, text),
		Text:          text,
		Headers: map[string]string{
			schema.HeaderIdempotencyKey: key,
			schema.HeaderReminderID:     strconv.FormatInt(r.ID, 10),
			schema.HeaderInvoiceID:      strconv.FormatInt(r.InvoiceID, 10),
		},
	}
}

func renderHTML(name, text string) string {
	var b strings.Builder
	if name != "" {
		b.WriteString("<p>Hello ")
		b.WriteString(html.EscapeString(name))
		b.WriteString(",</p>")
	}
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(html.EscapeString(para), "\n", "<br>"))
		b.WriteString("</p>")
	}
	return b.String()
}

func toMessage(p *schema.EmailSendPayload) delivery.Message {
	headers := make(map[string]string, len(p.Headers)+1)
	for k, v := range p.Headers {
		headers[k] = v
	}
	if p.OccurrenceKey != "" {
		headers[schema.HeaderIdempotencyKey] = p.OccurrenceKey
	}
	return delivery.Message{
		To:      p.To,
		Subject: p.Subject,
		HTML:    p.HTML,
		Text:    p.Text,
		Headers: headers,
	}
}

// failurePayload snapshots a reminder for a reminder.send dead letter.
func failurePayload(r store.Reminder, stage string) ([]byte, error) {
	return schema.Encode(&schema.ReminderFailurePayload{
		ReminderID: r.ID,
		InvoiceID:  r.InvoiceID,
		Channel:    string(r.Channel),
		SendAt:     r.SendAt,
		Stage:      stage,
	})
}
