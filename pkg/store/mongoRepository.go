package store

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	remindersCollection   = "reminders"
	invoicesCollection    = "invoices"
	clientsCollection     = "clients"
	outboxCollection      = "outbox"
	deadLettersCollection = "dead_letters"
	countersCollection    = "counters"
)

type mongoReminder struct {
	ID        int64      `bson:"_id"`
	InvoiceID int64      `bson:"invoice_id"`
	SendAt    time.Time  `bson:"send_at"`
	Channel   string     `bson:"channel"`
	Status    string     `bson:"status"`
	Subject   string     `bson:"subject"`
	Body      string     `bson:"body"`
	SentAt    *time.Time `bson:"sent_at,omitempty"`
	Meta      bson.M     `bson:"meta,omitempty"`
}

type mongoOutbox struct {
	ID            int64      `bson:"_id"`
	Topic         string     `bson:"topic"`
	Payload       string     `bson:"payload"`
	Status        string     `bson:"status"`
	Attempts      int        `bson:"attempts"`
	NextAttemptAt *time.Time `bson:"next_attempt_at"`
	DispatchedAt  *time.Time `bson:"dispatched_at"`
	CreatedAt     time.Time  `bson:"created_at"`
	UpdatedAt     time.Time  `bson:"updated_at"`
	// OccurrenceKey is unique among live rows; failed rows park it in FailedOccurrenceKey.
	OccurrenceKey       string `bson:"occurrence_key,omitempty"`
	FailedOccurrenceKey string `bson:"failed_occurrence_key,omitempty"`
}

type mongoDeadLetter struct {
	ID            int64      `bson:"_id"`
	Kind          string     `bson:"kind"`
	Payload       string     `bson:"payload"`
	Error         string     `bson:"error"`
	Retries       int        `bson:"retries"`
	NextAttemptAt *time.Time `bson:"next_attempt_at"`
	CreatedAt     time.Time  `bson:"created_at"`
	UpdatedAt     time.Time  `bson:"updated_at"`
}

// MongoRepository stores the work items in MongoDB. Multi-document writes run in
// session transactions, so the deployment must be a replica set.
type MongoRepository struct {
	client   *mongo.Client
	database string
	logger   *zap.Logger
	tracer   trace.Tracer
}

func NewMongoRepository(client *mongo.Client, database string, logger *zap.Logger) *MongoRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MongoRepository{
		client:   client,
		database: database,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
	}
}

func (m *MongoRepository) collection(name string) *mongo.Collection {
	return m.client.Database(m.database).Collection(name)
}

func (m *MongoRepository) Close() error {
	return m.client.Disconnect(context.Background())
}

// EnsureIndexes creates the indexes the repository relies on, including the unique
// occurrence index.
func (m *MongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := m.collection(outboxCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "occurrence_key", Value: 1}},
			Options: options.Index().
				SetName(occurrenceIndexName).
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"occurrence_key": bson.M{"$type": "string"}}),
		},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_attempt_at", Value: 1}, {Key: "created_at", Value: 1}}},
	})
	if err != nil {
		return err
	}
	_, err = m.collection(remindersCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "send_at", Value: 1}, {Key: "_id", Value: 1}},
	})
	return err
}

func (m *MongoRepository) FetchDueReminders(ctx context.Context, q DueQuery) ([]Reminder, error) {
	var reminders []Reminder
	err := m.traced(ctx, "FetchDueReminders", func(ctx context.Context) (int, error) {
		opts := options.Find().
			SetSort(bson.D{{Key: "send_at", Value: 1}, {Key: "_id", Value: 1}}).
			SetLimit(int64(q.Limit))
		cursor, err := m.collection(remindersCollection).Find(ctx, dueFilter(q), opts)
		if err != nil {
			return 0, err
		}
		defer cursor.Close(ctx)

		for cursor.Next(ctx) {
			var doc mongoReminder
			if err := cursor.Decode(&doc); err != nil {
				return 0, err
			}
			reminders = append(reminders, doc.toReminder())
		}
		return len(reminders), cursor.Err()
	})
	return reminders, err
}

func (m *MongoRepository) GetReminder(ctx context.Context, id int64) (Reminder, error) {
	var r Reminder
	err := m.traced(ctx, "GetReminder", func(ctx context.Context) (int, error) {
		var err error
		r, err = m.findReminder(ctx, id)
		return 1, err
	})
	return r, err
}

func (m *MongoRepository) ResolveRecipient(ctx context.Context, invoiceID int64) (Recipient, error) {
	var recipient Recipient
	err := m.traced(ctx, "ResolveRecipient", func(ctx context.Context) (int, error) {
		var invoice struct {
			ClientID int64 `bson:"client_id"`
		}
		err := m.collection(invoicesCollection).FindOne(ctx, bson.M{"_id": invoiceID}).Decode(&invoice)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, ErrInvoiceNotFound
		}
		if err != nil {
			return 0, err
		}

		var client struct {
			Email string `bson:"email"`
			Name  string `bson:"name"`
		}
		err = m.collection(clientsCollection).FindOne(ctx, bson.M{"_id": invoice.ClientID}).Decode(&client)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, ErrClientNotFound
		}
		if err != nil {
			return 0, err
		}
		if client.Email == "" {
			return 0, ErrRecipientMissing
		}
		recipient = Recipient{Email: client.Email, Name: client.Name}
		return 1, nil
	})
	return recipient, err
}

func (m *MongoRepository) ClaimSend(ctx context.Context, id int64, claim SendClaim) (Reminder, error) {
	var r Reminder
	err := m.traced(ctx, "ClaimSend", func(ctx context.Context) (int, error) {
		update := bson.M{"$set": bson.M{
			"meta." + MetaSendClaim:      claim.Token,
			"meta." + MetaSendClaimUntil: FormatTime(claim.Until),
		}}
		opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

		var doc mongoReminder
		err := m.collection(remindersCollection).FindOneAndUpdate(ctx, claimFilter(id, claim), update, opts).Decode(&doc)
		if err == nil {
			r = doc.toReminder()
			return 1, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return 0, err
		}

		current, err := m.findReminder(ctx, id)
		if err != nil {
			return 0, err
		}
		return 0, &ClaimRejectedError{Status: current.Status, InProgress: claim.allows(current.Status) && current.Meta.ClaimActive(claim.Now)}
	})
	return r, err
}

func (m *MongoRepository) FinishSend(ctx context.Context, id int64, c SendCompletion) error {
	return m.withTransaction(ctx, "FinishSend", func(ctx mongo.SessionContext) (int, error) {
		r, err := m.findReminder(ctx, id)
		if err != nil {
			return 0, err
		}
		updated, err := applyCompletion(r, c)
		if err != nil {
			return 0, err
		}

		set := bson.M{"status": string(updated.Status), "meta": bson.M(updated.Meta)}
		if updated.SentAt != nil {
			set["sent_at"] = *updated.SentAt
		}
		res, err := m.collection(remindersCollection).UpdateOne(ctx,
			bson.M{"_id": id, "meta." + MetaSendClaim: c.Token},
			bson.M{"$set": set})
		if err != nil {
			return 0, err
		}
		if res.MatchedCount == 0 {
			return 0, ErrClaimLost
		}

		if c.DeadLetter != nil {
			if err := m.insertDeadLetter(ctx, *c.DeadLetter, c.Now); err != nil {
				return 0, err
			}
		}
		return 1, nil
	})
}

func (m *MongoRepository) ReleaseSend(ctx context.Context, id int64, token string) error {
	return m.traced(ctx, "ReleaseSend", func(ctx context.Context) (int, error) {
		res, err := m.collection(remindersCollection).UpdateOne(ctx,
			bson.M{"_id": id, "meta." + MetaSendClaim: token},
			bson.M{"$unset": bson.M{"meta." + MetaSendClaim: "", "meta." + MetaSendClaimUntil: ""}})
		if err != nil {
			return 0, err
		}
		if res.MatchedCount == 0 {
			return 0, ErrClaimLost
		}
		return 1, nil
	})
}

func (m *MongoRepository) FailReminder(ctx context.Context, id int64, reason string, now time.Time, dl *DeadLetter) error {
	return m.withTransaction(ctx, "FailReminder", func(ctx mongo.SessionContext) (int, error) {
		res, err := m.collection(remindersCollection).UpdateOne(ctx,
			bson.M{"_id": id, "status": string(ReminderScheduled)},
			failReminderUpdate(reason, now))
		if err != nil {
			return 0, err
		}
		if res.MatchedCount == 0 {
			return 0, ErrNotScheduled
		}
		if dl != nil {
			if err := m.insertDeadLetter(ctx, *dl, now); err != nil {
				return 0, err
			}
		}
		return 1, nil
	})
}

func (m *MongoRepository) RequeueFailedReminders(ctx context.Context) (int64, error) {
	var count int64
	err := m.traced(ctx, "RequeueFailedReminders", func(ctx context.Context) (int, error) {
		res, err := m.collection(remindersCollection).UpdateMany(ctx,
			bson.M{"status": string(ReminderFailed)},
			requeueReminderUpdate(true))
		if err != nil {
			return 0, err
		}
		count = res.ModifiedCount
		return int(count), nil
	})
	return count, err
}

func (m *MongoRepository) EnqueueReminder(ctx context.Context, reminderID int64, occurrenceKey string, entry OutboxEntry) (OutboxEntry, error) {
	var inserted OutboxEntry
	err := m.withTransaction(ctx, "EnqueueReminder", func(ctx mongo.SessionContext) (int, error) {
		r, err := m.findReminder(ctx, reminderID)
		if err != nil {
			return 0, err
		}
		if r.Status != ReminderScheduled {
			return 0, ErrNotScheduled
		}
		if r.Meta.String(MetaOutboxOccurrence) == occurrenceKey {
			return 0, ErrAlreadyEnqueued
		}

		inserted, err = m.insertOutbox(ctx, entry, occurrenceKey)
		if err != nil {
			return 0, err
		}
		_, err = m.collection(remindersCollection).UpdateOne(ctx,
			bson.M{"_id": reminderID},
			bson.M{"$set": bson.M{
				"meta." + MetaOutboxID:         inserted.ID,
				"meta." + MetaOutboxOccurrence: occurrenceKey,
			}})
		return 1, err
	})
	return inserted, err
}

// ClaimPending leases rows one by one with a conditional update, so two dispatchers
// never lease the same row.
func (m *MongoRepository) ClaimPending(ctx context.Context, now, leaseUntil time.Time, limit int) ([]OutboxEntry, error) {
	var entries []OutboxEntry
	err := m.traced(ctx, "ClaimPending", func(ctx context.Context) (int, error) {
		opts := options.Find().
			SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
			SetLimit(int64(limit)).
			SetProjection(bson.M{"_id": 1})
		cursor, err := m.collection(outboxCollection).Find(ctx, readyFilter(now), opts)
		if err != nil {
			return 0, err
		}
		var ids []struct {
			ID int64 `bson:"_id"`
		}
		if err := cursor.All(ctx, &ids); err != nil {
			return 0, err
		}

		for _, candidate := range ids {
			filter := readyFilter(now)
			filter["_id"] = candidate.ID
			var doc mongoOutbox
			err := m.collection(outboxCollection).FindOneAndUpdate(ctx, filter,
				bson.M{"$set": bson.M{"next_attempt_at": leaseUntil, "updated_at": now}},
				options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
			if errors.Is(err, mongo.ErrNoDocuments) {
				continue // leased by someone else
			}
			if err != nil {
				return 0, err
			}
			entries = append(entries, doc.toEntry())
		}
		return len(entries), nil
	})
	return entries, err
}

func (m *MongoRepository) GetOutbox(ctx context.Context, id int64) (OutboxEntry, error) {
	var e OutboxEntry
	err := m.traced(ctx, "GetOutbox", func(ctx context.Context) (int, error) {
		var doc mongoOutbox
		err := m.collection(outboxCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, ErrOutboxNotFound
		}
		if err != nil {
			return 0, err
		}
		e = doc.toEntry()
		return 1, nil
	})
	return e, err
}

func (m *MongoRepository) CompleteOutbox(ctx context.Context, c OutboxCompletion) error {
	return m.withTransaction(ctx, "CompleteOutbox", func(ctx mongo.SessionContext) (int, error) {
		res, err := m.collection(outboxCollection).UpdateOne(ctx,
			bson.M{"_id": c.OutboxID, "status": string(StatusPending)},
			bson.M{"$set": bson.M{
				"status":          string(StatusSent),
				"dispatched_at":   c.Now,
				"next_attempt_at": nil,
				"updated_at":      c.Now,
			}})
		if err != nil {
			return 0, err
		}
		if res.MatchedCount == 0 {
			return 0, ErrOutboxNotPending
		}

		if c.ReminderID > 0 {
			_, err = m.collection(remindersCollection).UpdateOne(ctx,
				bson.M{"_id": c.ReminderID, "status": string(ReminderScheduled)},
				bson.M{
					"$set": bson.M{
						"status":                string(ReminderSent),
						"sent_at":               c.Now,
						"meta." + MetaMessageID: c.MessageID,
						"meta." + MetaProvider:  c.Provider,
						"meta." + MetaSentVia:   "outbox",
						"meta." + MetaOutboxID:  c.OutboxID,
					},
					"$unset": bson.M{"meta." + MetaLastError: "", "meta." + MetaLastErrorAt: ""},
				})
		}
		return 1, err
	})
}

func (m *MongoRepository) ScheduleRetry(ctx context.Context, id int64, attempts int, next, now time.Time) error {
	return m.traced(ctx, "ScheduleRetry", func(ctx context.Context) (int, error) {
		res, err := m.collection(outboxCollection).UpdateOne(ctx,
			bson.M{"_id": id, "status": string(StatusPending)},
			bson.M{"$set": bson.M{"attempts": attempts, "next_attempt_at": next, "updated_at": now}})
		if err != nil {
			return 0, err
		}
		if res.MatchedCount == 0 {
			return 0, ErrOutboxNotPending
		}
		return 1, nil
	})
}

func (m *MongoRepository) FailOutbox(ctx context.Context, f OutboxFailure) error {
	return m.withTransaction(ctx, "FailOutbox", func(ctx mongo.SessionContext) (int, error) {
		res, err := m.collection(outboxCollection).UpdateOne(ctx,
			bson.M{"_id": f.OutboxID, "status": string(StatusPending)},
			bson.M{
				"$set": bson.M{
					"status":          string(StatusFailed),
					"attempts":        f.Attempts,
					"next_attempt_at": nil,
					"updated_at":      f.Now,
				},
				"$rename": bson.M{"occurrence_key": "failed_occurrence_key"},
			})
		if err != nil {
			return 0, err
		}
		if res.MatchedCount == 0 {
			return 0, ErrOutboxNotPending
		}

		if f.DeadLetter != nil {
			if err := m.insertDeadLetter(ctx, *f.DeadLetter, f.Now); err != nil {
				return 0, err
			}
		}
		if f.ReminderID > 0 {
			_, err = m.collection(remindersCollection).UpdateOne(ctx,
				bson.M{"_id": f.ReminderID},
				lastErrorUpdate(f.Error, f.Now))
		}
		return 1, err
	})
}

func (m *MongoRepository) ResetOutbox(ctx context.Context, id int64, reminderID int64, now time.Time) (OutboxEntry, bool, error) {
	var e OutboxEntry
	var changed bool
	err := m.withTransaction(ctx, "ResetOutbox", func(ctx mongo.SessionContext) (int, error) {
		var doc mongoOutbox
		err := m.collection(outboxCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, ErrOutboxNotFound
		}
		if err != nil {
			return 0, err
		}
		e = doc.toEntry()
		switch e.Status {
		case StatusSent:
			return 0, ErrOutboxAlreadySent
		case StatusPending:
			return 0, nil
		}

		_, err = m.collection(outboxCollection).UpdateOne(ctx,
			bson.M{"_id": id, "status": string(StatusFailed)},
			bson.M{
				"$set":    bson.M{"status": string(StatusPending), "attempts": 0, "next_attempt_at": nil, "updated_at": now},
				"$rename": bson.M{"failed_occurrence_key": "occurrence_key"},
			})
		if mongo.IsDuplicateKeyError(err) {
			return 0, ErrAlreadyEnqueued
		}
		if err != nil {
			return 0, err
		}
		if _, err := m.collection(deadLettersCollection).DeleteMany(ctx, bson.M{"kind": e.Topic, "payload": doc.Payload}); err != nil {
			return 0, err
		}
		if reminderID > 0 {
			if _, err := m.collection(remindersCollection).UpdateOne(ctx,
				bson.M{"_id": reminderID, "status": string(ReminderFailed)},
				requeueReminderUpdate(false)); err != nil {
				return 0, err
			}
		}

		e.Status = StatusPending
		e.Attempts = 0
		e.NextAttemptAt = nil
		e.UpdatedAt = now
		changed = true
		return 1, nil
	})
	return e, changed, err
}

func (m *MongoRepository) ListDeadLetters(ctx context.Context, afterID int64, limit int) ([]DeadLetter, error) {
	deadLetters := []DeadLetter{}
	err := m.traced(ctx, "ListDeadLetters", func(ctx context.Context) (int, error) {
		opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(int64(limit))
		cursor, err := m.collection(deadLettersCollection).Find(ctx, bson.M{"_id": bson.M{"$gt": afterID}}, opts)
		if err != nil {
			return 0, err
		}
		defer cursor.Close(ctx)

		for cursor.Next(ctx) {
			var doc mongoDeadLetter
			if err := cursor.Decode(&doc); err != nil {
				return 0, err
			}
			deadLetters = append(deadLetters, doc.toDeadLetter())
		}
		return len(deadLetters), cursor.Err()
	})
	return deadLetters, err
}

func (m *MongoRepository) GetDeadLetter(ctx context.Context, id int64) (DeadLetter, error) {
	var dl DeadLetter
	err := m.traced(ctx, "GetDeadLetter", func(ctx context.Context) (int, error) {
		var err error
		dl, err = m.findDeadLetter(ctx, id)
		return 1, err
	})
	return dl, err
}

func (m *MongoRepository) RequeueDeadLetterToOutbox(ctx context.Context, deadLetterID int64, reminderID int64, entry OutboxEntry) (OutboxEntry, error) {
	var inserted OutboxEntry
	err := m.withTransaction(ctx, "RequeueDeadLetterToOutbox", func(ctx mongo.SessionContext) (int, error) {
		if _, err := m.findDeadLetter(ctx, deadLetterID); err != nil {
			return 0, err
		}

		var err error
		inserted, err = m.insertOutbox(ctx, entry, occurrenceOf(entry.Payload))
		if err != nil {
			return 0, err
		}
		if _, err := m.collection(deadLettersCollection).DeleteOne(ctx, bson.M{"_id": deadLetterID}); err != nil {
			return 0, err
		}

		if reminderID > 0 {
			update := requeueReminderUpdate(false)
			update["$set"].(bson.M)["meta."+MetaOutboxID] = inserted.ID
			if _, err := m.collection(remindersCollection).UpdateOne(ctx,
				bson.M{"_id": reminderID, "status": string(ReminderFailed)}, update); err != nil {
				return 0, err
			}
		}
		return 1, nil
	})
	return inserted, err
}

func (m *MongoRepository) RequeueDeadLetterToReminder(ctx context.Context, deadLetterID int64, reminderID int64, _ time.Time) error {
	return m.withTransaction(ctx, "RequeueDeadLetterToReminder", func(ctx mongo.SessionContext) (int, error) {
		if _, err := m.findDeadLetter(ctx, deadLetterID); err != nil {
			return 0, err
		}
		r, err := m.findReminder(ctx, reminderID)
		if err != nil {
			return 0, err
		}

		switch r.Status {
		case ReminderFailed:
			if _, err := m.collection(remindersCollection).UpdateOne(ctx,
				bson.M{"_id": reminderID, "status": string(ReminderFailed)},
				requeueReminderUpdate(true)); err != nil {
				return 0, err
			}
		case ReminderScheduled:
		default:
			return 0, ErrReminderNotFailed
		}

		_, err = m.collection(deadLettersCollection).DeleteOne(ctx, bson.M{"_id": deadLetterID})
		return 1, err
	})
}

func (m *MongoRepository) findReminder(ctx context.Context, id int64) (Reminder, error) {
	var doc mongoReminder
	err := m.collection(remindersCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Reminder{}, ErrReminderNotFound
	}
	if err != nil {
		return Reminder{}, err
	}
	return doc.toReminder(), nil
}

func (m *MongoRepository) findDeadLetter(ctx context.Context, id int64) (DeadLetter, error) {
	var doc mongoDeadLetter
	err := m.collection(deadLettersCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return DeadLetter{}, ErrDeadLetterNotFound
	}
	if err != nil {
		return DeadLetter{}, err
	}
	return doc.toDeadLetter(), nil
}

func (m *MongoRepository) insertOutbox(ctx context.Context, entry OutboxEntry, occurrenceKey string) (OutboxEntry, error) {
	id, err := m.nextID(ctx, outboxCollection)
	if err != nil {
		return OutboxEntry{}, err
	}
	now := orNow(entry.CreatedAt)
	doc := mongoOutbox{
		ID:            id,
		Topic:         entry.Topic,
		Payload:       string(entry.Payload),
		Status:        string(StatusPending),
		CreatedAt:     now,
		UpdatedAt:     now,
		OccurrenceKey: occurrenceKey,
	}
	if _, err := m.collection(outboxCollection).InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return OutboxEntry{}, ErrAlreadyEnqueued
		}
		return OutboxEntry{}, err
	}
	return doc.toEntry(), nil
}

func (m *MongoRepository) insertDeadLetter(ctx context.Context, dl DeadLetter, now time.Time) error {
	id, err := m.nextID(ctx, deadLettersCollection)
	if err != nil {
		return err
	}
	now = orNow(now)
	_, err = m.collection(deadLettersCollection).InsertOne(ctx, mongoDeadLetter{
		ID:        id,
		Kind:      dl.Kind,
		Payload:   string(dl.Payload),
		Error:     dl.Error,
		Retries:   dl.Retries,
		CreatedAt: now,
		UpdatedAt: now,
	})
	return err
}

// nextID allocates sequential ids from the counters collection.
func (m *MongoRepository) nextID(ctx context.Context, name string) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := m.collection(countersCollection).FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	return counter.Seq, err
}

func (m *MongoRepository) traced(ctx context.Context, spanName string, fn func(ctx context.Context) (int, error)) error {
	ctx, span := m.tracer.Start(ctx, spanName)
	defer span.End()
	start := time.Now()

	count, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}
	addDBStatsToSpan(span, "mongodb", spanName, count, time.Since(start))
	return nil
}

func (m *MongoRepository) withTransaction(ctx context.Context, spanName string, fn func(ctx mongo.SessionContext) (int, error)) error {
	return m.traced(ctx, spanName, func(ctx context.Context) (int, error) {
		session, err := m.client.StartSession()
		if err != nil {
			return 0, err
		}
		defer session.EndSession(ctx)

		count, err := session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
			return fn(sc)
		})
		if err != nil {
			return 0, err
		}
		n, _ := count.(int)
		return n, nil
	})
}

// occurrenceExpr rebuilds "reminder:<id>:<send_at unix>" inside an aggregation expression.
var occurrenceExpr = bson.M{"$concat": bson.A{
	"reminder:",
	bson.M{"$toString": "$_id"},
	":",
	bson.M{"$toString": bson.M{"$toLong": bson.M{"$floor": bson.M{"$divide": bson.A{bson.M{"$toLong": "$send_at"}, 1000}}}}},
}}

func dueFilter(q DueQuery) bson.M {
	sendAt := bson.M{"$lte": q.Now}
	if q.NotBefore != nil {
		sendAt["$gte"] = *q.NotBefore
	}
	filter := bson.M{
		"status":  string(ReminderScheduled),
		"send_at": sendAt,
		"$expr":   bson.M{"$ne": bson.A{"$meta." + MetaOutboxOccurrence, occurrenceExpr}},
	}
	if q.After != nil {
		filter["$or"] = bson.A{
			bson.M{"send_at": bson.M{"$gt": q.After.SendAt}},
			bson.M{"send_at": q.After.SendAt, "_id": bson.M{"$gt": q.After.ID}},
		}
	}
	return filter
}

func claimFilter(id int64, claim SendClaim) bson.M {
	filter := bson.M{
		"_id": id,
		"$or": bson.A{
			bson.M{"meta." + MetaSendClaim: bson.M{"$exists": false}},
			bson.M{"meta." + MetaSendClaimUntil: bson.M{"$exists": false}},
			bson.M{"meta." + MetaSendClaimUntil: bson.M{"$lte": FormatTime(claim.Now)}},
		},
	}
	if len(claim.Statuses) > 0 {
		statuses := make(bson.A, 0, len(claim.Statuses))
		for _, s := range claim.Statuses {
			statuses = append(statuses, string(s))
		}
		filter["status"] = bson.M{"$in": statuses}
	}
	return filter
}

func readyFilter(now time.Time) bson.M {
	return bson.M{
		"status": string(StatusPending),
		"$or": bson.A{
			bson.M{"next_attempt_at": nil},
			bson.M{"next_attempt_at": bson.M{"$lte": now}},
		},
	}
}

func lastErrorUpdate(reason string, now time.Time) bson.M {
	return bson.M{"$set": bson.M{
		"meta." + MetaLastError:   reason,
		"meta." + MetaLastErrorAt: FormatTime(now),
	}}
}

func failReminderUpdate(reason string, now time.Time) bson.M {
	return bson.M{"$set": bson.M{
		"status":                  string(ReminderFailed),
		"meta." + MetaLastError:   reason,
		"meta." + MetaLastErrorAt: FormatTime(now),
	}}
}

func requeueReminderUpdate(clearOccurrence bool) bson.M {
	unset := bson.M{"meta." + MetaSendClaim: "", "meta." + MetaSendClaimUntil: ""}
	if clearOccurrence {
		unset["meta."+MetaOutboxOccurrence] = ""
	}
	return bson.M{
		"$set":   bson.M{"status": string(ReminderScheduled)},
		"$unset": unset,
	}
}

func (d mongoReminder) toReminder() Reminder {
	meta := Meta{}
	for k, v := range d.Meta {
		meta[k] = v
	}
	return Reminder{
		ID:        d.ID,
		InvoiceID: d.InvoiceID,
		SendAt:    d.SendAt,
		Channel:   Channel(d.Channel),
		Status:    ReminderStatus(d.Status),
		Subject:   d.Subject,
		Body:      d.Body,
		SentAt:    d.SentAt,
		Meta:      meta,
	}
}

func (d mongoOutbox) toEntry() OutboxEntry {
	return OutboxEntry{
		ID:            d.ID,
		Topic:         d.Topic,
		Payload:       []byte(d.Payload),
		Status:        Status(d.Status),
		Attempts:      d.Attempts,
		NextAttemptAt: d.NextAttemptAt,
		DispatchedAt:  d.DispatchedAt,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

func (d mongoDeadLetter) toDeadLetter() DeadLetter {
	return DeadLetter{
		ID:            d.ID,
		Kind:          d.Kind,
		Payload:       []byte(d.Payload),
		Error:         d.Error,
		Retries:       d.Retries,
		NextAttemptAt: d.NextAttemptAt,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

var _ Repository = (*MongoRepository)(nil)
