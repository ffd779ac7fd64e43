//go:build integration

package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"
)

func setupPostgres(t *testing.T) *PostgresRepository {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("reminders"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		tcpostgres.WithInitScripts(filepath.Join("testdata", "schema.sql")),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	repo := NewPostgresRepository(db, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func seedReminder(t *testing.T, repo *PostgresRepository, email string, sendAt time.Time) int64 {
	t.Helper()
	var clientID, invoiceID, reminderID int64
	require.NoError(t, repo.db.QueryRow(`INSERT INTO clients (name, email) VALUES ('Ada', $1) RETURNING id`, email).Scan(&clientID))
	require.NoError(t, repo.db.QueryRow(`INSERT INTO invoices (client_id) VALUES ($1) RETURNING id`, clientID).Scan(&invoiceID))
	require.NoError(t, repo.db.QueryRow(
		`INSERT INTO reminders (invoice_id, send_at, subject, body) VALUES ($1, $2, 'Invoice due', 'Please pay') RETURNING id`,
		invoiceID, sendAt).Scan(&reminderID))
	return reminderID
}

func TestIntegration_Postgres_OutboxLifecycle(t *testing.T) {
	if os.Getenv("SKIP_CONTAINERS") != "" {
		t.Skip("containers disabled")
	}
	repo := setupPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	hasIndex, err := repo.CheckCapabilities(ctx)
	require.NoError(t, err)
	assert.True(t, hasIndex)

	id := seedReminder(t, repo, "ada@example.com", now.Add(-time.Minute))

	due, err := repo.FetchDueReminders(ctx, DueQuery{Now: now, Limit: 10})
	require.NoError(t, err)
	require.Len(t, due, 1)

	recipient, err := repo.ResolveRecipient(ctx, due[0].InvoiceID)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", recipient.Email)

	key := "reminder:1:1"
	entry, err := repo.EnqueueReminder(ctx, id, key, OutboxEntry{Topic: "email.send", Payload: emailPayload(key), CreatedAt: now})
	require.NoError(t, err)

	// once through the marker and once through the unique index
	_, err = repo.EnqueueReminder(ctx, id, key, OutboxEntry{Topic: "email.send", Payload: emailPayload(key)})
	assert.ErrorIs(t, err, ErrAlreadyEnqueued)
	_, err = repo.db.Exec(`UPDATE reminders SET meta = '{}'::jsonb WHERE id = $1`, id)
	require.NoError(t, err)
	_, err = repo.EnqueueReminder(ctx, id, key, OutboxEntry{Topic: "email.send", Payload: emailPayload(key)})
	assert.ErrorIs(t, err, ErrAlreadyEnqueued)

	claimed, err := repo.ClaimPending(ctx, now, now.Add(5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, entry.ID, claimed[0].ID)

	again, err := repo.ClaimPending(ctx, now, now.Add(5*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, repo.FailOutbox(ctx, OutboxFailure{
		OutboxID:   entry.ID,
		ReminderID: id,
		Attempts:   5,
		Now:        now,
		Error:      "exhausted",
		DeadLetter: &DeadLetter{Kind: "email.send", Payload: claimed[0].Payload, Error: "exhausted", Retries: 5},
	}))
	r, err := repo.GetReminder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ReminderScheduled, r.Status)
	assert.Equal(t, "exhausted", r.Meta.String(MetaLastError))

	dls, err := repo.ListDeadLetters(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, dls, 1)

	_, changed, err := repo.ResetOutbox(ctx, entry.ID, id, now)
	require.NoError(t, err)
	assert.True(t, changed)
	dls, err = repo.ListDeadLetters(ctx, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, dls)

	claimed, err = repo.ClaimPending(ctx, now, now.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, repo.CompleteOutbox(ctx, OutboxCompletion{OutboxID: entry.ID, ReminderID: id, Now: now, MessageID: "m-1", Provider: "log"}))

	r, err = repo.GetReminder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ReminderSent, r.Status)
	assert.Equal(t, "outbox", r.Meta.String(MetaSentVia))
}

func TestIntegration_Postgres_SendClaim(t *testing.T) {
	if os.Getenv("SKIP_CONTAINERS") != "" {
		t.Skip("containers disabled")
	}
	repo := setupPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()
	id := seedReminder(t, repo, "ada@example.com", now)

	statuses := []ReminderStatus{ReminderScheduled, ReminderFailed}
	_, err := repo.ClaimSend(ctx, id, SendClaim{Token: "a", Now: now, Until: now.Add(time.Minute), Statuses: statuses})
	require.NoError(t, err)

	_, err = repo.ClaimSend(ctx, id, SendClaim{Token: "b", Now: now, Until: now.Add(time.Minute), Statuses: statuses})
	var rejected *ClaimRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.True(t, rejected.InProgress)

	require.NoError(t, repo.FinishSend(ctx, id, SendCompletion{Token: "a", Now: now, Sent: true, MessageID: "m", Provider: "log", SentVia: "direct"}))
	r, err := repo.GetReminder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ReminderSent, r.Status)
	assert.Empty(t, r.Meta.String(MetaSendClaim))
}
