package store

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/zoff-tech/go-reminder-outbox/schema"
)

// MemoryRepository keeps the work item store in process memory. It backs the
// "memory" database type for local runs and the pipeline tests.
type MemoryRepository struct {
	mu sync.Mutex

	reminders   map[int64]Reminder
	invoices    map[int64]int64
	clients     map[int64]Recipient
	outbox      map[int64]OutboxEntry
	deadLetters map[int64]DeadLetter

	// occurrences indexes live (non-failed) outbox rows by occurrence key.
	occurrences map[string]int64

	nextOutboxID     int64
	nextDeadLetterID int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		reminders:   map[int64]Reminder{},
		invoices:    map[int64]int64{},
		clients:     map[int64]Recipient{},
		outbox:      map[int64]OutboxEntry{},
		deadLetters: map[int64]DeadLetter{},
		occurrences: map[string]int64{},
	}
}

// AddReminder stores r as is, replacing any reminder with the same id.
func (m *MemoryRepository) AddReminder(r Reminder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.Meta == nil {
		r.Meta = Meta{}
	}
	m.reminders[r.ID] = copyReminder(r)
}

func (m *MemoryRepository) AddInvoice(id, clientID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invoices[id] = clientID
}

func (m *MemoryRepository) AddClient(id int64, recipient Recipient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[id] = recipient
}

// AddDeadLetter inserts dl with a fresh id and returns it.
func (m *MemoryRepository) AddDeadLetter(dl DeadLetter) DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertDeadLetter(dl, dl.CreatedAt)
}

// OutboxEntries returns every outbox row ordered by id.
func (m *MemoryRepository) OutboxEntries() []OutboxEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OutboxEntry, 0, len(m.outbox))
	for _, e := range m.outbox {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DeadLetters returns every dead letter ordered by id.
func (m *MemoryRepository) DeadLetters() []DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listDeadLetters(0, len(m.deadLetters))
}

func (m *MemoryRepository) Close() error { return nil }

func (m *MemoryRepository) FetchDueReminders(_ context.Context, q DueQuery) ([]Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []Reminder
	for _, r := range m.reminders {
		if r.Status != ReminderScheduled || r.SendAt.After(q.Now) {
			continue
		}
		if q.NotBefore != nil && r.SendAt.Before(*q.NotBefore) {
			continue
		}
		if q.After != nil && !afterCursor(r, *q.After) {
			continue
		}
		if r.Meta.String(MetaOutboxOccurrence) == schema.OccurrenceKey(r.ID, r.SendAt) {
			continue
		}
		due = append(due, copyReminder(r))
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].SendAt.Equal(due[j].SendAt) {
			return due[i].SendAt.Before(due[j].SendAt)
		}
		return due[i].ID < due[j].ID
	})
	if q.Limit > 0 && len(due) > q.Limit {
		due = due[:q.Limit]
	}
	return due, nil
}

func (m *MemoryRepository) GetReminder(_ context.Context, id int64) (Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reminders[id]
	if !ok {
		return Reminder{}, ErrReminderNotFound
	}
	return copyReminder(r), nil
}

func (m *MemoryRepository) ResolveRecipient(_ context.Context, invoiceID int64) (Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clientID, ok := m.invoices[invoiceID]
	if !ok {
		return Recipient{}, ErrInvoiceNotFound
	}
	recipient, ok := m.clients[clientID]
	if !ok {
		return Recipient{}, ErrClientNotFound
	}
	if recipient.Email == "" {
		return Recipient{}, ErrRecipientMissing
	}
	return recipient, nil
}

func (m *MemoryRepository) ClaimSend(_ context.Context, id int64, claim SendClaim) (Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reminders[id]
	if !ok {
		return Reminder{}, ErrReminderNotFound
	}
	if !claim.allows(r.Status) {
		return Reminder{}, &ClaimRejectedError{Status: r.Status}
	}
	if r.Meta.ClaimActive(claim.Now) {
		return Reminder{}, &ClaimRejectedError{Status: r.Status, InProgress: true}
	}
	r.Meta = r.Meta.withClaim(claim.Token, claim.Until)
	m.reminders[id] = r
	return copyReminder(r), nil
}

func (m *MemoryRepository) FinishSend(_ context.Context, id int64, c SendCompletion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reminders[id]
	if !ok {
		return ErrReminderNotFound
	}
	updated, err := applyCompletion(r, c)
	if err != nil {
		return err
	}
	m.reminders[id] = updated
	if c.DeadLetter != nil {
		m.insertDeadLetter(*c.DeadLetter, c.Now)
	}
	return nil
}

func (m *MemoryRepository) ReleaseSend(_ context.Context, id int64, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reminders[id]
	if !ok || r.Meta.String(MetaSendClaim) != token {
		return ErrClaimLost
	}
	r.Meta = r.Meta.withoutClaim()
	m.reminders[id] = r
	return nil
}

func (m *MemoryRepository) FailReminder(_ context.Context, id int64, reason string, now time.Time, dl *DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reminders[id]
	if !ok {
		return ErrReminderNotFound
	}
	if r.Status != ReminderScheduled {
		return ErrNotScheduled
	}
	m.reminders[id] = applyFailure(r, reason, now)
	if dl != nil {
		m.insertDeadLetter(*dl, now)
	}
	return nil
}

func (m *MemoryRepository) RequeueFailedReminders(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.reminders {
		if r.Status == ReminderFailed {
			m.reminders[id] = applyRequeue(r, true)
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) EnqueueReminder(_ context.Context, reminderID int64, occurrenceKey string, entry OutboxEntry) (OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reminders[reminderID]
	if !ok {
		return OutboxEntry{}, ErrReminderNotFound
	}
	if r.Status != ReminderScheduled {
		return OutboxEntry{}, ErrNotScheduled
	}
	if r.Meta.String(MetaOutboxOccurrence) == occurrenceKey {
		return OutboxEntry{}, ErrAlreadyEnqueued
	}
	inserted, err := m.insertOutbox(entry)
	if err != nil {
		return OutboxEntry{}, err
	}
	meta := r.Meta.Clone()
	meta[MetaOutboxID] = inserted.ID
	meta[MetaOutboxOccurrence] = occurrenceKey
	r.Meta = meta
	m.reminders[reminderID] = r
	return inserted, nil
}

func (m *MemoryRepository) ClaimPending(_ context.Context, now, leaseUntil time.Time, limit int) ([]OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ready []OutboxEntry
	for _, e := range m.outbox {
		if e.Ready(now) {
			ready = append(ready, e)
		}
	}
	sortByCreated(ready)
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	for i := range ready {
		lease := leaseUntil
		ready[i].NextAttemptAt = &lease
		ready[i].UpdatedAt = now
		m.outbox[ready[i].ID] = ready[i]
	}
	return ready, nil
}

func (m *MemoryRepository) GetOutbox(_ context.Context, id int64) (OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.outbox[id]
	if !ok {
		return OutboxEntry{}, ErrOutboxNotFound
	}
	return e, nil
}

func (m *MemoryRepository) CompleteOutbox(_ context.Context, c OutboxCompletion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.pendingOutbox(c.OutboxID)
	if err != nil {
		return err
	}
	dispatchedAt := c.Now
	e.Status = StatusSent
	e.DispatchedAt = &dispatchedAt
	e.NextAttemptAt = nil
	e.UpdatedAt = c.Now
	m.outbox[e.ID] = e

	if r, ok := m.reminders[c.ReminderID]; ok && r.Status == ReminderScheduled {
		m.reminders[r.ID] = applyOutboxDelivered(r, c)
	}
	return nil
}

func (m *MemoryRepository) ScheduleRetry(_ context.Context, id int64, attempts int, next, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.pendingOutbox(id)
	if err != nil {
		return err
	}
	e.Attempts = attempts
	e.NextAttemptAt = &next
	e.UpdatedAt = now
	m.outbox[id] = e
	return nil
}

func (m *MemoryRepository) FailOutbox(_ context.Context, f OutboxFailure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.pendingOutbox(f.OutboxID)
	if err != nil {
		return err
	}
	e.Status = StatusFailed
	e.Attempts = f.Attempts
	e.NextAttemptAt = nil
	e.UpdatedAt = f.Now
	m.outbox[e.ID] = e
	if key := occurrenceOf(e.Payload); key != "" && m.occurrences[key] == e.ID {
		delete(m.occurrences, key)
	}

	if f.DeadLetter != nil {
		m.insertDeadLetter(*f.DeadLetter, f.Now)
	}
	if r, ok := m.reminders[f.ReminderID]; ok {
		m.reminders[r.ID] = applyOutboxFailure(r, f.Error, f.Now)
	}
	return nil
}

func (m *MemoryRepository) ResetOutbox(_ context.Context, id int64, reminderID int64, now time.Time) (OutboxEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.outbox[id]
	if !ok {
		return OutboxEntry{}, false, ErrOutboxNotFound
	}
	switch e.Status {
	case StatusSent:
		return e, false, ErrOutboxAlreadySent
	case StatusPending:
		return e, false, nil
	}

	key := occurrenceOf(e.Payload)
	if key != "" {
		if _, taken := m.occurrences[key]; taken {
			return e, false, ErrAlreadyEnqueued
		}
		m.occurrences[key] = e.ID
	}
	e.Status = StatusPending
	e.Attempts = 0
	e.NextAttemptAt = nil
	e.UpdatedAt = now
	m.outbox[id] = e

	for dlID, dl := range m.deadLetters {
		if dl.Kind == e.Topic && bytes.Equal(dl.Payload, e.Payload) {
			delete(m.deadLetters, dlID)
		}
	}
	if r, ok := m.reminders[reminderID]; ok && r.Status == ReminderFailed {
		m.reminders[r.ID] = applyRequeue(r, false)
	}
	return e, true, nil
}

func (m *MemoryRepository) ListDeadLetters(_ context.Context, afterID int64, limit int) ([]DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listDeadLetters(afterID, limit), nil
}

func (m *MemoryRepository) GetDeadLetter(_ context.Context, id int64) (DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dl, ok := m.deadLetters[id]
	if !ok {
		return DeadLetter{}, ErrDeadLetterNotFound
	}
	return dl, nil
}

func (m *MemoryRepository) RequeueDeadLetterToOutbox(_ context.Context, deadLetterID int64, reminderID int64, entry OutboxEntry) (OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deadLetters[deadLetterID]; !ok {
		return OutboxEntry{}, ErrDeadLetterNotFound
	}
	inserted, err := m.insertOutbox(entry)
	if err != nil {
		return OutboxEntry{}, err
	}
	delete(m.deadLetters, deadLetterID)
	if r, ok := m.reminders[reminderID]; ok && r.Status == ReminderFailed {
		r = applyRequeue(r, false)
		r.Meta[MetaOutboxID] = inserted.ID
		m.reminders[r.ID] = r
	}
	return inserted, nil
}

func (m *MemoryRepository) RequeueDeadLetterToReminder(_ context.Context, deadLetterID int64, reminderID int64, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deadLetters[deadLetterID]; !ok {
		return ErrDeadLetterNotFound
	}
	r, ok := m.reminders[reminderID]
	if !ok {
		return ErrReminderNotFound
	}
	switch r.Status {
	case ReminderFailed:
		m.reminders[r.ID] = applyRequeue(r, true)
	case ReminderScheduled:
	default:
		return ErrReminderNotFailed
	}
	delete(m.deadLetters, deadLetterID)
	return nil
}

func (m *MemoryRepository) pendingOutbox(id int64) (OutboxEntry, error) {
	e, ok := m.outbox[id]
	if !ok {
		return OutboxEntry{}, ErrOutboxNotFound
	}
	if e.Status != StatusPending {
		return OutboxEntry{}, ErrOutboxNotPending
	}
	return e, nil
}

func (m *MemoryRepository) insertOutbox(entry OutboxEntry) (OutboxEntry, error) {
	key := occurrenceOf(entry.Payload)
	if key != "" {
		if _, taken := m.occurrences[key]; taken {
			return OutboxEntry{}, ErrAlreadyEnqueued
		}
	}
	now := entry.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	m.nextOutboxID++
	inserted := OutboxEntry{
		ID:        m.nextOutboxID,
		Topic:     entry.Topic,
		Payload:   append([]byte(nil), entry.Payload...),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.outbox[inserted.ID] = inserted
	if key != "" {
		m.occurrences[key] = inserted.ID
	}
	return inserted, nil
}

func (m *MemoryRepository) insertDeadLetter(dl DeadLetter, now time.Time) DeadLetter {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	m.nextDeadLetterID++
	dl.ID = m.nextDeadLetterID
	dl.Payload = append([]byte(nil), dl.Payload...)
	dl.CreatedAt = now
	dl.UpdatedAt = now
	m.deadLetters[dl.ID] = dl
	return dl
}

func (m *MemoryRepository) listDeadLetters(afterID int64, limit int) []DeadLetter {
	out := []DeadLetter{}
	for _, dl := range m.deadLetters {
		if dl.ID > afterID {
			out = append(out, dl)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func afterCursor(r Reminder, c DueCursor) bool {
	if r.SendAt.Equal(c.SendAt) {
		return r.ID > c.ID
	}
	return r.SendAt.After(c.SendAt)
}

func sortByCreated(entries []OutboxEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].ID < entries[j].ID
	})
}

func copyReminder(r Reminder) Reminder {
	r.Meta = r.Meta.Clone()
	if r.SentAt != nil {
		sentAt := *r.SentAt
		r.SentAt = &sentAt
	}
	return r
}

// occurrenceOf extracts the occurrence key carried by an outbox payload.
func occurrenceOf(payload []byte) string {
	var keyed struct {
		OccurrenceKey string `json:"occurrence_key"`
	}
	if err := json.Unmarshal(payload, &keyed); err != nil {
		return ""
	}
	return keyed.OccurrenceKey
}
