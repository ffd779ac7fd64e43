package store

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func emailPayload(key string) []byte {
	return []byte(`{"reminder_id":1,"occurrence_key":"` + key + `","to":"ada@example.com","subject":"s","text":"t"}`)
}

func newSeededMemory() *MemoryRepository {
	repo := NewMemoryRepository()
	repo.AddReminder(Reminder{ID: 1, InvoiceID: 10, SendAt: testNow.Add(-time.Hour), Channel: ChannelEmail, Status: ReminderScheduled})
	repo.AddInvoice(10, 100)
	repo.AddClient(100, Recipient{Email: "ada@example.com", Name: "Ada"})
	return repo
}

func TestMemory_FetchDueReminders_Ordering(t *testing.T) {
	repo := NewMemoryRepository()
	repo.AddReminder(Reminder{ID: 3, SendAt: testNow.Add(-time.Minute), Status: ReminderScheduled})
	repo.AddReminder(Reminder{ID: 2, SendAt: testNow.Add(-time.Hour), Status: ReminderScheduled})
	repo.AddReminder(Reminder{ID: 1, SendAt: testNow.Add(-time.Hour), Status: ReminderScheduled})
	repo.AddReminder(Reminder{ID: 4, SendAt: testNow.Add(time.Hour), Status: ReminderScheduled})
	repo.AddReminder(Reminder{ID: 5, SendAt: testNow.Add(-time.Hour), Status: ReminderSent})

	ctx := context.Background()
	first, err := repo.FetchDueReminders(ctx, DueQuery{Now: testNow, Limit: 2})
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, int64(1), first[0].ID)
	assert.Equal(t, int64(2), first[1].ID)

	last := first[1]
	rest, err := repo.FetchDueReminders(ctx, DueQuery{Now: testNow, After: &DueCursor{SendAt: last.SendAt, ID: last.ID}, Limit: 2})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, int64(3), rest[0].ID)

	notBefore := testNow.Add(-30 * time.Minute)
	recent, err := repo.FetchDueReminders(ctx, DueQuery{Now: testNow, NotBefore: &notBefore, Limit: 10})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, int64(3), recent[0].ID)
}

func TestMemory_FetchDueReminders_SkipsEnqueuedOccurrence(t *testing.T) {
	repo := newSeededMemory()
	repo.AddReminder(Reminder{ID: 2, InvoiceID: 10, SendAt: testNow.Add(-time.Hour), Channel: ChannelEmail, Status: ReminderScheduled})
	ctx := context.Background()

	key := "reminder:1:" + strconv.FormatInt(testNow.Add(-time.Hour).Unix(), 10)
	_, err := repo.EnqueueReminder(ctx, 1, key, OutboxEntry{Topic: "email.send", Payload: emailPayload(key)})
	require.NoError(t, err)

	due, err := repo.FetchDueReminders(ctx, DueQuery{Now: testNow, Limit: 10})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, int64(2), due[0].ID)

	r, _ := repo.GetReminder(ctx, 1)
	r.SendAt = testNow.Add(-time.Minute)
	repo.AddReminder(r)
	due, err = repo.FetchDueReminders(ctx, DueQuery{Now: testNow, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, due, 2, "a rescheduled reminder is a new occurrence")
}

func TestMemory_ReleaseSend(t *testing.T) {
	repo := newSeededMemory()
	ctx := context.Background()
	_, err := repo.ClaimSend(ctx, 1, SendClaim{Token: "t1", Now: testNow, Until: testNow.Add(time.Minute)})
	require.NoError(t, err)

	assert.ErrorIs(t, repo.ReleaseSend(ctx, 1, "other"), ErrClaimLost)
	require.NoError(t, repo.ReleaseSend(ctx, 1, "t1"))

	r, _ := repo.GetReminder(ctx, 1)
	assert.Equal(t, ReminderScheduled, r.Status)
	assert.Empty(t, r.Meta.String(MetaSendClaim))
	assert.Empty(t, r.Meta.String(MetaSendClaimUntil))
	assert.ErrorIs(t, repo.ReleaseSend(ctx, 1, "t1"), ErrClaimLost)
	assert.ErrorIs(t, repo.ReleaseSend(ctx, 9, "t1"), ErrClaimLost)
}

func TestMemory_ResolveRecipient(t *testing.T) {
	repo := newSeededMemory()
	repo.AddInvoice(11, 101)
	repo.AddInvoice(12, 102)
	repo.AddClient(102, Recipient{Name: "No Mail"})
	ctx := context.Background()

	got, err := repo.ResolveRecipient(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", got.Email)

	_, err = repo.ResolveRecipient(ctx, 99)
	assert.ErrorIs(t, err, ErrInvoiceNotFound)
	_, err = repo.ResolveRecipient(ctx, 11)
	assert.ErrorIs(t, err, ErrClientNotFound)
	_, err = repo.ResolveRecipient(ctx, 12)
	assert.ErrorIs(t, err, ErrRecipientMissing)
}

func TestMemory_ClaimSend(t *testing.T) {
	repo := newSeededMemory()
	ctx := context.Background()
	statuses := []ReminderStatus{ReminderScheduled, ReminderFailed}

	claimed, err := repo.ClaimSend(ctx, 1, SendClaim{Token: "a", Now: testNow, Until: testNow.Add(time.Minute), Statuses: statuses})
	require.NoError(t, err)
	assert.Equal(t, "a", claimed.Meta.String(MetaSendClaim))

	_, err = repo.ClaimSend(ctx, 1, SendClaim{Token: "b", Now: testNow, Until: testNow.Add(time.Minute), Statuses: statuses})
	var rejected *ClaimRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.True(t, rejected.InProgress)

	// an expired claim can be taken over
	later := testNow.Add(2 * time.Minute)
	_, err = repo.ClaimSend(ctx, 1, SendClaim{Token: "c", Now: later, Until: later.Add(time.Minute), Statuses: statuses})
	require.NoError(t, err)

	err = repo.FinishSend(ctx, 1, SendCompletion{Token: "a", Now: later, Sent: true})
	assert.ErrorIs(t, err, ErrClaimLost)

	require.NoError(t, repo.FinishSend(ctx, 1, SendCompletion{Token: "c", Now: later, Sent: true, MessageID: "m-1", Provider: "log", SentVia: "direct"}))
	r, err := repo.GetReminder(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ReminderSent, r.Status)
	assert.Equal(t, "m-1", r.Meta.String(MetaMessageID))
	assert.Empty(t, r.Meta.String(MetaSendClaim))

	_, err = repo.ClaimSend(ctx, 1, SendClaim{Token: "d", Now: later, Until: later.Add(time.Minute), Statuses: statuses})
	require.ErrorAs(t, err, &rejected)
	assert.False(t, rejected.InProgress)
	assert.Equal(t, ReminderSent, rejected.Status)

	_, err = repo.ClaimSend(ctx, 42, SendClaim{Token: "e", Now: later})
	assert.ErrorIs(t, err, ErrReminderNotFound)
}

func TestMemory_FinishSend_FailedForcedResendKeepsSent(t *testing.T) {
	repo := NewMemoryRepository()
	sentAt := testNow.Add(-time.Hour)
	repo.AddReminder(Reminder{ID: 1, Status: ReminderSent, SentAt: &sentAt})
	ctx := context.Background()

	_, err := repo.ClaimSend(ctx, 1, SendClaim{Token: "t", Now: testNow, Until: testNow.Add(time.Minute)})
	require.NoError(t, err)
	dl := &DeadLetter{Kind: "reminder.send", Payload: []byte(`{"reminder_id":1}`), Error: "boom", Retries: 1}
	require.NoError(t, repo.FinishSend(ctx, 1, SendCompletion{Token: "t", Now: testNow, Error: "boom", DeadLetter: dl}))

	r, _ := repo.GetReminder(ctx, 1)
	assert.Equal(t, ReminderSent, r.Status)
	assert.Equal(t, "boom", r.Meta.String(MetaLastError))
	assert.Len(t, repo.DeadLetters(), 1)
}

func TestMemory_EnqueueReminder_Idempotent(t *testing.T) {
	repo := newSeededMemory()
	ctx := context.Background()
	key := "reminder:1:1700000000"

	entry, err := repo.EnqueueReminder(ctx, 1, key, OutboxEntry{Topic: "email.send", Payload: emailPayload(key), CreatedAt: testNow})
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.ID)
	assert.Equal(t, StatusPending, entry.Status)

	_, err = repo.EnqueueReminder(ctx, 1, key, OutboxEntry{Topic: "email.send", Payload: emailPayload(key)})
	assert.ErrorIs(t, err, ErrAlreadyEnqueued)

	// the occurrence index rejects a second live row even without the marker
	repo.AddReminder(Reminder{ID: 1, Status: ReminderScheduled, SendAt: testNow})
	_, err = repo.EnqueueReminder(ctx, 1, key, OutboxEntry{Topic: "email.send", Payload: emailPayload(key)})
	assert.ErrorIs(t, err, ErrAlreadyEnqueued)
	assert.Len(t, repo.OutboxEntries(), 1)

	repo.AddReminder(Reminder{ID: 2, Status: ReminderCancelled})
	_, err = repo.EnqueueReminder(ctx, 2, "reminder:2:1", OutboxEntry{Topic: "email.send"})
	assert.ErrorIs(t, err, ErrNotScheduled)
}

func TestMemory_ClaimPending_Lease(t *testing.T) {
	repo := newSeededMemory()
	ctx := context.Background()
	_, err := repo.EnqueueReminder(ctx, 1, "k1", OutboxEntry{Topic: "email.send", Payload: emailPayload("k1"), CreatedAt: testNow})
	require.NoError(t, err)

	lease := testNow.Add(5 * time.Minute)
	claimed, err := repo.ClaimPending(ctx, testNow, lease, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.True(t, lease.Equal(*claimed[0].NextAttemptAt))

	again, err := repo.ClaimPending(ctx, testNow.Add(time.Minute), lease, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	expired, err := repo.ClaimPending(ctx, lease, lease.Add(5*time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, expired, 1)
}

func TestMemory_CompleteOutbox(t *testing.T) {
	repo := newSeededMemory()
	ctx := context.Background()
	entry, err := repo.EnqueueReminder(ctx, 1, "k1", OutboxEntry{Topic: "email.send", Payload: emailPayload("k1")})
	require.NoError(t, err)

	require.NoError(t, repo.CompleteOutbox(ctx, OutboxCompletion{OutboxID: entry.ID, ReminderID: 1, Now: testNow, MessageID: "m", Provider: "log"}))
	e, _ := repo.GetOutbox(ctx, entry.ID)
	assert.Equal(t, StatusSent, e.Status)
	assert.NotNil(t, e.DispatchedAt)

	r, _ := repo.GetReminder(ctx, 1)
	assert.Equal(t, ReminderSent, r.Status)
	assert.Equal(t, "outbox", r.Meta.String(MetaSentVia))

	assert.ErrorIs(t, repo.CompleteOutbox(ctx, OutboxCompletion{OutboxID: entry.ID, Now: testNow}), ErrOutboxNotPending)
}

func TestMemory_FailOutbox_ResetAndRequeue(t *testing.T) {
	repo := newSeededMemory()
	ctx := context.Background()
	entry, err := repo.EnqueueReminder(ctx, 1, "k1", OutboxEntry{Topic: "email.send", Payload: emailPayload("k1")})
	require.NoError(t, err)

	require.NoError(t, repo.FailOutbox(ctx, OutboxFailure{
		OutboxID:   entry.ID,
		ReminderID: 1,
		Attempts:   5,
		Now:        testNow,
		Error:      "smtp down",
		DeadLetter: &DeadLetter{Kind: "email.send", Payload: entry.Payload, Error: "smtp down", Retries: 5},
	}))

	r, _ := repo.GetReminder(ctx, 1)
	assert.Equal(t, ReminderScheduled, r.Status)
	assert.Equal(t, "smtp down", r.Meta.String(MetaLastError))
	require.Len(t, repo.DeadLetters(), 1)

	reset, changed, err := repo.ResetOutbox(ctx, entry.ID, 1, testNow)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusPending, reset.Status)
	assert.Zero(t, reset.Attempts)
	assert.Empty(t, repo.DeadLetters())

	r, _ = repo.GetReminder(ctx, 1)
	assert.Equal(t, ReminderScheduled, r.Status)
	assert.Equal(t, "k1", r.Meta.String(MetaOutboxOccurrence))

	_, changed, err = repo.ResetOutbox(ctx, entry.ID, 1, testNow)
	require.NoError(t, err)
	assert.False(t, changed)

	_, _, err = repo.ResetOutbox(ctx, 99, 1, testNow)
	assert.ErrorIs(t, err, ErrOutboxNotFound)
}

func TestMemory_ResetOutbox_Sent(t *testing.T) {
	repo := newSeededMemory()
	ctx := context.Background()
	entry, err := repo.EnqueueReminder(ctx, 1, "k1", OutboxEntry{Topic: "email.send", Payload: emailPayload("k1")})
	require.NoError(t, err)
	require.NoError(t, repo.CompleteOutbox(ctx, OutboxCompletion{OutboxID: entry.ID, ReminderID: 1, Now: testNow}))

	_, _, err = repo.ResetOutbox(ctx, entry.ID, 1, testNow)
	assert.ErrorIs(t, err, ErrOutboxAlreadySent)
}

func TestMemory_RequeueDeadLetterToOutbox(t *testing.T) {
	repo := newSeededMemory()
	ctx := context.Background()
	require.NoError(t, repo.FailReminder(ctx, 1, "no recipient", testNow, nil))
	dl := repo.AddDeadLetter(DeadLetter{Kind: "email.send", Payload: emailPayload("k1"), Error: "boom"})

	inserted, err := repo.RequeueDeadLetterToOutbox(ctx, dl.ID, 1, OutboxEntry{Topic: "email.send", Payload: emailPayload("k1:requeue:1")})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, inserted.Status)
	assert.Empty(t, repo.DeadLetters())

	r, _ := repo.GetReminder(ctx, 1)
	assert.Equal(t, ReminderScheduled, r.Status)
	id, _ := r.Meta.Int64(MetaOutboxID)
	assert.Equal(t, inserted.ID, id)

	_, err = repo.RequeueDeadLetterToOutbox(ctx, dl.ID, 1, OutboxEntry{Topic: "email.send"})
	assert.ErrorIs(t, err, ErrDeadLetterNotFound)
}

func TestMemory_RequeueDeadLetterToReminder(t *testing.T) {
	repo := newSeededMemory()
	ctx := context.Background()
	_, err := repo.EnqueueReminder(ctx, 1, "k1", OutboxEntry{Topic: "email.send", Payload: emailPayload("k1")})
	require.NoError(t, err)
	repo.AddReminder(Reminder{ID: 1, Status: ReminderFailed, Meta: Meta{MetaOutboxOccurrence: "k1"}})
	repo.AddReminder(Reminder{ID: 2, Status: ReminderSent})
	dl := repo.AddDeadLetter(DeadLetter{Kind: "reminder.send", Payload: []byte(`{"reminder_id":1}`)})
	sentDL := repo.AddDeadLetter(DeadLetter{Kind: "reminder.send", Payload: []byte(`{"reminder_id":2}`)})

	require.NoError(t, repo.RequeueDeadLetterToReminder(ctx, dl.ID, 1, testNow))
	r, _ := repo.GetReminder(ctx, 1)
	assert.Equal(t, ReminderScheduled, r.Status)
	assert.Empty(t, r.Meta.String(MetaOutboxOccurrence))

	assert.ErrorIs(t, repo.RequeueDeadLetterToReminder(ctx, sentDL.ID, 2, testNow), ErrReminderNotFailed)
	assert.Len(t, repo.DeadLetters(), 1)
}

func TestMemory_RequeueFailedReminders(t *testing.T) {
	repo := NewMemoryRepository()
	repo.AddReminder(Reminder{ID: 1, Status: ReminderFailed, Meta: Meta{MetaOutboxOccurrence: "k"}})
	repo.AddReminder(Reminder{ID: 2, Status: ReminderFailed})
	repo.AddReminder(Reminder{ID: 3, Status: ReminderSent})

	n, err := repo.RequeueFailedReminders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	r, _ := repo.GetReminder(context.Background(), 1)
	assert.Equal(t, ReminderScheduled, r.Status)
	assert.Empty(t, r.Meta.String(MetaOutboxOccurrence))
}

func TestMemory_ListDeadLetters_Paging(t *testing.T) {
	repo := NewMemoryRepository()
	for i := 0; i < 3; i++ {
		repo.AddDeadLetter(DeadLetter{Kind: "email.send"})
	}
	ctx := context.Background()

	page, err := repo.ListDeadLetters(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	next, err := repo.ListDeadLetters(ctx, page[1].ID, 2)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, int64(3), next[0].ID)

	_, err = repo.GetDeadLetter(ctx, 42)
	assert.ErrorIs(t, err, ErrDeadLetterNotFound)
}
