package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-reminder-outbox/pkg/delivery"
	"github.com/zoff-tech/go-reminder-outbox/pkg/store"
	"github.com/zoff-tech/go-reminder-outbox/schema"
)

func TestListDeadLetters_Pagination(t *testing.T) {
	p := newPipeline(t)
	for i := 0; i < 5; i++ {
		p.repo.AddDeadLetter(store.DeadLetter{Kind: string(schema.TopicEmailSend), Payload: []byte(`{}`), Error: "boom"})
	}

	page, err := p.requeue.ListDeadLetters(context.Background(), 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, deadLetterIDs(page.Data))
	assert.Equal(t, int64(2), page.NextAfterID)

	// Rows added between pages never shift the cursor.
	p.repo.AddDeadLetter(store.DeadLetter{Kind: string(schema.TopicEmailSend), Payload: []byte(`{}`)})

	page, err = p.requeue.ListDeadLetters(context.Background(), page.NextAfterID, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4}, deadLetterIDs(page.Data))

	page, err = p.requeue.ListDeadLetters(context.Background(), page.NextAfterID, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 6}, deadLetterIDs(page.Data))
	assert.Zero(t, page.NextAfterID)

	page, err = p.requeue.ListDeadLetters(context.Background(), 6, 0)
	require.NoError(t, err)
	assert.NotNil(t, page.Data)
	assert.Empty(t, page.Data)
}

func TestListDeadLetters_ConcurrentInserts(t *testing.T) {
	p := newPipeline(t)
	const existing = 20
	for i := 0; i < existing; i++ {
		p.repo.AddDeadLetter(store.DeadLetter{Kind: string(schema.TopicEmailSend), Payload: []byte(`{}`)})
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			p.repo.AddDeadLetter(store.DeadLetter{Kind: string(schema.TopicEmailSend), Payload: []byte(`{}`)})
		}
	}()

	seen := map[int64]bool{}
	var afterID int64
	for {
		page, err := p.requeue.ListDeadLetters(context.Background(), afterID, 3)
		require.NoError(t, err)
		for _, dl := range page.Data {
			assert.False(t, seen[dl.ID], "dead letter %d listed twice", dl.ID)
			assert.Greater(t, dl.ID, afterID)
			seen[dl.ID] = true
		}
		if page.NextAfterID == 0 {
			break
		}
		afterID = page.NextAfterID
	}
	wg.Wait()

	for id := int64(1); id <= existing; id++ {
		assert.True(t, seen[id], "dead letter %d missing", id)
	}
}

func TestGetDeadLetter(t *testing.T) {
	p := newPipeline(t)
	dl := p.repo.AddDeadLetter(store.DeadLetter{Kind: "email.send", Payload: []byte(`{}`), Error: "boom"})

	got, err := p.requeue.GetDeadLetter(context.Background(), dl.ID)
	require.NoError(t, err)
	assert.Equal(t, "boom", got.Error)

	_, err = p.requeue.GetDeadLetter(context.Background(), 99)
	assert.ErrorIs(t, err, store.ErrDeadLetterNotFound)
}

func TestRetryOutboxItem(t *testing.T) {
	p := newPipeline(t, delivery.Permanent(errors.New("422 rejected")))
	p.detect(t)
	p.dispatch(t)
	entry := p.repo.OutboxEntries()[0]
	require.Equal(t, store.StatusFailed, entry.Status)
	require.Len(t, p.repo.DeadLetters(), 1)

	res, err := p.requeue.RetryOutboxItem(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, store.StatusPending, res.Entry.Status)
	assert.Zero(t, res.Entry.Attempts)
	assert.Nil(t, res.Entry.NextAttemptAt)
	assert.Empty(t, p.repo.DeadLetters())
	assert.Equal(t, store.ReminderScheduled, mustReminder(p.repo, 1).Status)

	res, err = p.requeue.RetryOutboxItem(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.False(t, res.Changed)

	assert.Zero(t, p.detect(t).Enqueued)
	assert.Equal(t, 1, p.dispatch(t).Delivered)

	_, err = p.requeue.RetryOutboxItem(context.Background(), entry.ID)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = p.requeue.RetryOutboxItem(context.Background(), 99)
	assert.ErrorIs(t, err, store.ErrOutboxNotFound)
}

func TestRequeueDeadLetter_ReminderKind(t *testing.T) {
	p := newPipeline(t)
	p.repo.AddReminder(dueReminder(1, 99, baseTime.Add(-time.Minute)))
	assert.Equal(t, 1, p.detect(t).Failed)
	dls := p.repo.DeadLetters()
	require.Len(t, dls, 1)

	p.repo.AddInvoice(99, 100)
	res, err := p.requeue.RequeueDeadLetter(context.Background(), dls[0].ID)
	require.NoError(t, err)
	assert.Equal(t, RequeueResult{DeadLetterID: dls[0].ID, Kind: string(schema.TopicReminderSend), ReminderID: 1}, res)
	assert.Empty(t, p.repo.DeadLetters())
	assert.Equal(t, store.ReminderScheduled, mustReminder(p.repo, 1).Status)

	assert.Equal(t, 1, p.detect(t).Enqueued)
	assert.Equal(t, 1, p.dispatch(t).Delivered)
	assert.Equal(t, store.ReminderSent, mustReminder(p.repo, 1).Status)
}

func TestRequeueDeadLetter_Conflicts(t *testing.T) {
	p := newPipeline(t)

	unknown := p.repo.AddDeadLetter(store.DeadLetter{Kind: "sms.send", Payload: []byte(`{}`)})
	_, err := p.requeue.RequeueDeadLetter(context.Background(), unknown.ID)
	assert.ErrorIs(t, err, ErrConflict)

	malformed := p.repo.AddDeadLetter(store.DeadLetter{Kind: string(schema.TopicEmailSend), Payload: []byte(`{"to":"x"}`)})
	_, err = p.requeue.RequeueDeadLetter(context.Background(), malformed.ID)
	assert.ErrorIs(t, err, ErrConflict)

	raw, err := failurePayload(mustReminder(p.repo, 1), schema.StageEnqueue)
	require.NoError(t, err)
	scheduled := p.repo.AddDeadLetter(store.DeadLetter{Kind: string(schema.TopicReminderSend), Payload: raw})
	_, err = p.requeue.RequeueDeadLetter(context.Background(), scheduled.ID)
	require.NoError(t, err, "a reminder already back on schedule is accepted")

	r := mustReminder(p.repo, 1)
	r.Status = store.ReminderSent
	p.repo.AddReminder(r)
	sent := p.repo.AddDeadLetter(store.DeadLetter{Kind: string(schema.TopicReminderSend), Payload: raw})
	_, err = p.requeue.RequeueDeadLetter(context.Background(), sent.ID)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = p.requeue.RequeueDeadLetter(context.Background(), 999)
	assert.ErrorIs(t, err, store.ErrDeadLetterNotFound)
}

func TestRequeueFailedReminders(t *testing.T) {
	p := newPipeline(t)
	for id := int64(2); id <= 4; id++ {
		r := dueReminder(id, 10, baseTime)
		r.Status = store.ReminderFailed
		p.repo.AddReminder(r)
	}

	n, err := p.requeue.RequeueFailedReminders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	for id := int64(2); id <= 4; id++ {
		assert.Equal(t, store.ReminderScheduled, mustReminder(p.repo, id).Status)
	}

	n, err = p.requeue.RequeueFailedReminders(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func deadLetterIDs(dls []store.DeadLetter) []int64 {
	ids := make([]int64, 0, len(dls))
	for _, dl := range dls {
		ids = append(ids, dl.ID)
	}
	return ids
}
