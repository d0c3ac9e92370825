package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoQueue implements Queue on top of MongoDB. Claims are a single
// FindOneAndUpdate that stamps the lease.
//
// Document schema:
//
//	{
//	  _id:              string, // task ID
//	  queue:            string,
//	  payload:          []byte, // msgpack-encoded Task
//	  enqueued_at:      int64,
//	  not_before:       int64,
//	  attempts:         int,
//	  leased_by:        string,
//	  lease_expires_at: int64,
//	}
type MongoQueue struct {
	coll *mongo.Collection
	name string
	opts queueOptions
}

// NewMongoQueue creates a Mongo-backed queue called name.
// dbName defaults to "durable", collName to "queue_tasks".
func NewMongoQueue(client *mongo.Client, dbName, collName, name string, opts ...Option) *MongoQueue {
	if dbName == "" {
		dbName = "durable"
	}
	if collName == "" {
		collName = "queue_tasks"
	}
	return &MongoQueue{
		coll: client.Database(dbName).Collection(collName),
		name: name,
		opts: defaultOptions(opts),
	}
}

// Ensure MongoQueue implements Queue.
var _ Queue = (*MongoQueue)(nil)

type mongoQueueDoc struct {
	ID             string `bson:"_id"`
	Queue          string `bson:"queue"`
	Payload        []byte `bson:"payload"`
	EnqueuedAt     int64  `bson:"enqueued_at"`
	NotBefore      int64  `bson:"not_before"`
	Attempts       int    `bson:"attempts"`
	LeasedBy       string `bson:"leased_by"`
	LeaseExpiresAt int64  `bson:"lease_expires_at"`
}

// EnsureIndexes creates the claim index.
func (q *MongoQueue) EnsureIndexes(ctx context.Context) error {
	_, err := q.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "queue", Value: 1}, {Key: "not_before", Value: 1}, {Key: "enqueued_at", Value: 1}},
	})
	return err
}

// Enqueue inserts a document for the given Task.
func (q *MongoQueue) Enqueue(ctx context.Context, t Task) error {
	prepare(&t, q.opts.clock.Now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	_, err = q.coll.InsertOne(ctx, mongoQueueDoc{
		ID:         t.ID,
		Queue:      q.name,
		Payload:    data,
		EnqueuedAt: t.EnqueuedAt.UnixNano(),
		NotBefore:  t.NotBefore.UnixNano(),
		Attempts:   t.Attempts,
	})
	return err
}

// Dequeue blocks (via polling) until a task is available or ctx is cancelled.
func (q *MongoQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	if err := validateLease(owner, leaseTTL); err != nil {
		return nil, err
	}
	tmr := newIdleTimer()
	defer tmr.stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := q.opts.clock.Now().UnixNano()
		filter := bson.M{
			"queue":      q.name,
			"not_before": bson.M{"$lte": now},
			"$or": []bson.M{
				{"leased_by": ""},
				{"lease_expires_at": bson.M{"$lte": now}},
			},
		}
		// The pipeline form lets an expired lease count as an attempt.
		update := mongo.Pipeline{{{Key: "$set", Value: bson.D{
			{Key: "attempts", Value: bson.M{"$cond": bson.A{
				bson.M{"$gt": bson.A{"$leased_by", ""}},
				bson.M{"$add": bson.A{"$attempts", 1}},
				"$attempts",
			}}},
			{Key: "leased_by", Value: owner},
			{Key: "lease_expires_at", Value: now + leaseTTL.Nanoseconds()},
		}}}}

		var doc mongoQueueDoc
		opts := options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "not_before", Value: 1}, {Key: "enqueued_at", Value: 1}, {Key: "_id", Value: 1}}).
			SetReturnDocument(options.After)
		err := q.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			if err := tmr.wait(ctx, q.opts.pollInterval, nil); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		t, err := decodeLeased(doc.Payload, doc.NotBefore, doc.Attempts)
		if err != nil {
			return nil, err
		}
		t.ID = doc.ID
		return t, nil
	}
}

// Len returns an approximate number of queued tasks.
func (q *MongoQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := q.coll.CountDocuments(ctx, bson.M{"queue": q.name})
	if err != nil {
		slog.Warn("mongo queue length failed", "queue", q.name, "error", err)
		return 0
	}
	return int(n)
}

// RenewLease extends the lease of a task the owner still holds.
func (q *MongoQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	expiry := q.opts.clock.Now().Add(leaseTTL).UnixNano()
	res, err := q.coll.UpdateOne(ctx,
		bson.M{"_id": taskID, "queue": q.name, "leased_by": owner},
		bson.M{"$set": bson.M{"lease_expires_at": expiry}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *MongoQueue) Ack(ctx context.Context, taskID string, owner string) error {
	res, err := q.coll.DeleteOne(ctx, bson.M{"_id": taskID, "queue": q.name, "leased_by": owner})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *MongoQueue) Nack(ctx context.Context, taskID string, owner string, notBefore time.Time, attempts int) error {
	res, err := q.coll.UpdateOne(ctx,
		bson.M{"_id": taskID, "queue": q.name, "leased_by": owner},
		bson.M{"$set": bson.M{
			"leased_by":        "",
			"lease_expires_at": int64(0),
			"not_before":       notBefore.UnixNano(),
			"attempts":         attempts,
		}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrLeaseLost
	}
	return nil
}
