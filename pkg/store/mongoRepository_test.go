package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestDueFilter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	plain := dueFilter(DueQuery{Now: now, Limit: 10})
	assert.Equal(t, "scheduled", plain["status"])
	assert.Equal(t, bson.M{"$lte": now}, plain["send_at"])
	assert.NotContains(t, plain, "$or")
	assert.Equal(t, bson.M{"$ne": bson.A{"$meta.outbox_occurrence", occurrenceExpr}}, plain["$expr"])

	notBefore := now.Add(-time.Hour)
	cursor := DueCursor{SendAt: now.Add(-time.Minute), ID: 4}
	bounded := dueFilter(DueQuery{Now: now, NotBefore: &notBefore, After: &cursor})
	assert.Equal(t, bson.M{"$lte": now, "$gte": notBefore}, bounded["send_at"])
	assert.Equal(t, bson.A{
		bson.M{"send_at": bson.M{"$gt": cursor.SendAt}},
		bson.M{"send_at": cursor.SendAt, "_id": bson.M{"$gt": int64(4)}},
	}, bounded["$or"])
}

func TestClaimFilter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	filter := claimFilter(5, SendClaim{Token: "t", Now: now, Statuses: []ReminderStatus{ReminderScheduled, ReminderFailed}})
	assert.Equal(t, int64(5), filter["_id"])
	assert.Equal(t, bson.M{"$in": bson.A{"scheduled", "failed"}}, filter["status"])

	or, ok := filter["$or"].(bson.A)
	require.True(t, ok)
	assert.Contains(t, or, bson.M{"meta.send_claim_until": bson.M{"$lte": FormatTime(now)}})

	forced := claimFilter(5, SendClaim{Token: "t", Now: now})
	assert.NotContains(t, forced, "status")
}

func TestRequeueReminderUpdate(t *testing.T) {
	keep := requeueReminderUpdate(false)
	assert.Equal(t, bson.M{"status": "scheduled"}, keep["$set"])
	assert.NotContains(t, keep["$unset"], "meta.outbox_occurrence")

	cleared := requeueReminderUpdate(true)
	assert.Contains(t, cleared["$unset"], "meta.outbox_occurrence")
	assert.Contains(t, cleared["$unset"], "meta.send_claim")
}

func TestMongoDocumentConversion(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	r := mongoReminder{
		ID:      3,
		SendAt:  now,
		Channel: "email",
		Status:  "scheduled",
		Meta:    bson.M{MetaOutboxID: int64(9), MetaOutboxOccurrence: "reminder:3:1"},
	}.toReminder()
	assert.Equal(t, ReminderScheduled, r.Status)
	id, ok := r.Meta.Int64(MetaOutboxID)
	assert.True(t, ok)
	assert.Equal(t, int64(9), id)

	empty := mongoReminder{ID: 4}.toReminder()
	assert.NotNil(t, empty.Meta)

	e := mongoOutbox{ID: 1, Topic: "email.send", Payload: `{"a":1}`, Status: "pending", Attempts: 2, CreatedAt: now}.toEntry()
	assert.Equal(t, []byte(`{"a":1}`), e.Payload)
	assert.Equal(t, StatusPending, e.Status)
	assert.True(t, e.Ready(now))
}
