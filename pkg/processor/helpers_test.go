package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zoff-tech/go-reminder-outbox/pkg/delivery"
	"github.com/zoff-tech/go-reminder-outbox/pkg/store"
)

var baseTime = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: baseTime} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// scriptedSender replays results in order and succeeds once the script runs out.
type scriptedSender struct {
	mu      sync.Mutex
	script  []delivery.Result
	sent    []delivery.Message
	delay   time.Duration
	counter int
}

func (s *scriptedSender) Send(ctx context.Context, msg delivery.Message) delivery.Result {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	if len(s.script) > 0 {
		res := s.script[0]
		s.script = s.script[1:]
		return res
	}
	s.counter++
	return delivery.Success(fmt.Sprintf("msg-%d", s.counter), "test")
}

func (s *scriptedSender) Close() error { return nil }

func (s *scriptedSender) Sent() []delivery.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]delivery.Message(nil), s.sent...)
}

func testConfig(clock *testClock) Config {
	return Config{
		OutboxEnabled:     true,
		DetectBatchSize:   10,
		MaxLoops:          5,
		DispatchBatchSize: 10,
		MaxAttempts:       3,
		RetryBackoff:      time.Minute,
		MaxBackoff:        10 * time.Minute,
		Lease:             5 * time.Minute,
		ClaimTTL:          2 * time.Minute,
		Parallelism:       2,
		Now:               clock.Now,
	}
}

// seededRepo holds reminder 1 on invoice 10 for client 100, due a minute ago.
func seededRepo() *store.MemoryRepository {
	repo := store.NewMemoryRepository()
	repo.AddInvoice(10, 100)
	repo.AddClient(100, store.Recipient{Email: "ada@example.com", Name: "Ada"})
	repo.AddReminder(dueReminder(1, 10, baseTime.Add(-time.Minute)))
	return repo
}

func dueReminder(id, invoiceID int64, sendAt time.Time) store.Reminder {
	return store.Reminder{
		ID:        id,
		InvoiceID: invoiceID,
		SendAt:    sendAt,
		Channel:   store.ChannelEmail,
		Status:    store.ReminderScheduled,
		Subject:   fmt.Sprintf("Invoice #%d is due", invoiceID),
		Body:      "Please settle the balance.",
	}
}

func mustReminder(repo *store.MemoryRepository, id int64) store.Reminder {
	r, err := repo.GetReminder(context.Background(), id)
	if err != nil {
		panic(err)
	}
	return r
}

// flakyRecipients fails every recipient lookup with a transient error.
type flakyRecipients struct {
	*store.MemoryRepository
}

func (f flakyRecipients) ResolveRecipient(context.Context, int64) (store.Recipient, error) {
	return store.Recipient{}, fmt.Errorf("dial tcp: connection refused")
}
