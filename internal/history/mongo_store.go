package history

import (
	"context"
	"errors"
	"iter"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/durable/pkg/api"
)

// MongoStore is a Store backed by MongoDB.
//
// Instances live in one collection. The history of each instance is a single
// stream document {_id, version, events}; appends are conditional updates on
// version, which makes the compare-and-append atomic without transactions.
type MongoStore struct {
	instances *mongo.Collection
	streams   *mongo.Collection
}

// Ensure it implements Store.
var _ Store = (*MongoStore)(nil)

// NewMongoStore creates a Mongo-backed store.
// dbName defaults to "durable" if empty.
func NewMongoStore(client *mongo.Client, dbName string) *MongoStore {
	if dbName == "" {
		dbName = "durable"
	}
	db := client.Database(dbName)
	return &MongoStore{
		instances: db.Collection("orchestration_instances"),
		streams:   db.Collection("history_streams"),
	}
}

// EnsureIndexes creates the query index on instance creation time.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.instances.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}},
	})
	return mongoErr("ensure indexes", err)
}

type mongoInstanceDoc struct {
	ID             string `bson:"_id"`
	Name           string `bson:"name"`
	Status         string `bson:"status"`
	CreatedAt      int64  `bson:"created_at"`
	LastUpdatedAt  int64  `bson:"last_updated_at"`
	Input          []byte `bson:"input,omitempty"`
	Output         []byte `bson:"output,omitempty"`
	Error          string `bson:"error,omitempty"`
	LastSequence   int64  `bson:"last_sequence"`
	LeaseOwner     string `bson:"lease_owner"`
	LeaseExpiresAt int64  `bson:"lease_expires_at"`
}

type mongoEventDoc struct {
	Sequence      int64  `bson:"seq"`
	Kind          string `bson:"kind"`
	CorrelationID string `bson:"cid,omitempty"`
	Name          string `bson:"name,omitempty"`
	Payload       []byte `bson:"payload,omitempty"`
	Detail        string `bson:"detail,omitempty"`
	FireAt        int64  `bson:"fire_at,omitempty"`
	Timestamp     int64  `bson:"ts"`
}

type mongoStreamDoc struct {
	ID      string          `bson:"_id"`
	Version int64           `bson:"version"`
	Events  []mongoEventDoc `bson:"events"`
}

func (d *mongoInstanceDoc) toInstance() *api.Instance {
	return &api.Instance{
		ID:            d.ID,
		Name:          d.Name,
		Status:        api.RuntimeStatus(d.Status),
		CreatedAt:     fromNanos(d.CreatedAt),
		LastUpdatedAt: fromNanos(d.LastUpdatedAt),
		Input:         d.Input,
		Output:        d.Output,
		Error:         d.Error,
		LastSequence:  d.LastSequence,
	}
}

func (s *MongoStore) CreateInstance(ctx context.Context, inst *api.Instance) error {
	doc := mongoInstanceDoc{
		ID:            inst.ID,
		Name:          inst.Name,
		Status:        string(inst.Status),
		CreatedAt:     toNanos(inst.CreatedAt),
		LastUpdatedAt: toNanos(inst.LastUpdatedAt),
		Input:         inst.Input,
		Output:        inst.Output,
		Error:         inst.Error,
		LastSequence:  inst.LastSequence,
	}
	_, err := s.instances.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return api.ErrInstanceExists
	}
	return mongoErr("create instance", err)
}

func (s *MongoStore) UpdateInstance(ctx context.Context, inst *api.Instance) error {
	update := bson.M{
		"$set": bson.M{
			"name":            inst.Name,
			"status":          string(inst.Status),
			"created_at":      toNanos(inst.CreatedAt),
			"last_updated_at": toNanos(inst.LastUpdatedAt),
			"input":           inst.Input,
			"output":          inst.Output,
			"error":           inst.Error,
			"last_sequence":   inst.LastSequence,
		},
	}
	filter := bson.M{"_id": inst.ID, "last_sequence": bson.M{"$lte": inst.LastSequence}}

	res, err := s.instances.UpdateOne(ctx, filter, update)
	if err != nil {
		return mongoErr("update instance", err)
	}
	if res.MatchedCount == 0 {
		if _, err := s.GetInstance(ctx, inst.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *MongoStore) GetInstance(ctx context.Context, id string) (*api.Instance, error) {
	var doc mongoInstanceDoc
	err := s.instances.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, api.ErrInstanceNotFound
		}
		return nil, mongoErr("get instance", err)
	}
	return doc.toInstance(), nil
}

func (s *MongoStore) ListInstances(ctx context.Context, q api.InstanceQuery) ([]*api.Instance, error) {
	filter := bson.M{}
	created := bson.M{}
	if !q.CreatedFrom.IsZero() {
		created["$gte"] = toNanos(q.CreatedFrom)
	}
	if !q.CreatedTo.IsZero() {
		created["$lte"] = toNanos(q.CreatedTo)
	}
	if len(created) > 0 {
		filter["created_at"] = created
	}
	if len(q.Statuses) > 0 {
		statuses := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			statuses[i] = string(st)
		}
		filter["status"] = bson.M{"$in": statuses}
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.instances.Find(ctx, filter, opts)
	if err != nil {
		return nil, mongoErr("list instances", err)
	}
	defer cur.Close(ctx)

	var results []*api.Instance
	for cur.Next(ctx) {
		var doc mongoInstanceDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		results = append(results, doc.toInstance())
	}
	if err := cur.Err(); err != nil {
		return nil, mongoErr("list instances", err)
	}
	return results, nil
}

func (s *MongoStore) Append(ctx context.Context, instanceID string, expected int64, events ...api.HistoryEvent) (int64, error) {
	if _, err := s.GetInstance(ctx, instanceID); err != nil {
		return 0, err
	}
	if len(events) == 0 {
		actual, err := s.streamVersion(ctx, instanceID)
		if err != nil {
			return 0, err
		}
		if actual != expected {
			return 0, &api.ConflictError{InstanceID: instanceID, Expected: expected, Actual: actual}
		}
		return expected, nil
	}

	docs := make([]mongoEventDoc, 0, len(events))
	for _, ev := range assignSequences(expected, events) {
		docs = append(docs, mongoEventDoc{
			Sequence:      ev.Sequence,
			Kind:          string(ev.Kind),
			CorrelationID: ev.CorrelationID,
			Name:          ev.Name,
			Payload:       ev.Payload,
			Detail:        ev.Detail,
			FireAt:        toNanos(ev.FireAt),
			Timestamp:     toNanos(ev.Timestamp),
		})
	}
	next := expected + int64(len(docs))

	if expected == 0 {
		_, err := s.streams.InsertOne(ctx, mongoStreamDoc{ID: instanceID, Version: next, Events: docs})
		if err == nil {
			return next, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return 0, mongoErr("append", err)
		}
		return 0, s.conflict(ctx, instanceID, expected)
	}

	res, err := s.streams.UpdateOne(ctx,
		bson.M{"_id": instanceID, "version": expected},
		bson.M{
			"$push": bson.M{"events": bson.M{"$each": docs}},
			"$set":  bson.M{"version": next},
		},
	)
	if err != nil {
		return 0, mongoErr("append", err)
	}
	if res.MatchedCount == 0 {
		return 0, s.conflict(ctx, instanceID, expected)
	}
	return next, nil
}

func (s *MongoStore) conflict(ctx context.Context, instanceID string, expected int64) error {
	actual, err := s.streamVersion(ctx, instanceID)
	if err != nil {
		return err
	}
	return &api.ConflictError{InstanceID: instanceID, Expected: expected, Actual: actual}
}

func (s *MongoStore) streamVersion(ctx context.Context, instanceID string) (int64, error) {
	var doc struct {
		Version int64 `bson:"version"`
	}
	opts := options.FindOne().SetProjection(bson.M{"version": 1})
	err := s.streams.FindOne(ctx, bson.M{"_id": instanceID}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, mongoErr("read version", err)
	}
	return doc.Version, nil
}

func (s *MongoStore) Read(ctx context.Context, instanceID string) iter.Seq2[api.HistoryEvent, error] {
	return func(yield func(api.HistoryEvent, error) bool) {
		var doc mongoStreamDoc
		err := s.streams.FindOne(ctx, bson.M{"_id": instanceID}).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return
		}
		if err != nil {
			yield(api.HistoryEvent{}, mongoErr("read", err))
			return
		}
		for _, d := range doc.Events {
			ev := api.HistoryEvent{
				Sequence:      d.Sequence,
				Kind:          api.EventKind(d.Kind),
				CorrelationID: d.CorrelationID,
				Name:          d.Name,
				Payload:       d.Payload,
				Detail:        d.Detail,
				FireAt:        fromNanos(d.FireAt),
				Timestamp:     fromNanos(d.Timestamp),
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func (s *MongoStore) LastSequence(ctx context.Context, instanceID string) (int64, error) {
	if _, err := s.GetInstance(ctx, instanceID); err != nil {
		return 0, err
	}
	return s.streamVersion(ctx, instanceID)
}

func (s *MongoStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	filter := bson.M{
		"_id": instanceID,
		"$or": bson.A{
			bson.M{"lease_owner": ""},
			bson.M{"lease_owner": owner},
			bson.M{"lease_expires_at": bson.M{"$lte": now.UnixNano()}},
		},
	}
	update := bson.M{"$set": bson.M{"lease_owner": owner, "lease_expires_at": now.Add(ttl).UnixNano()}}

	res, err := s.instances.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, mongoErr("acquire lease", err)
	}
	if res.MatchedCount == 0 {
		if _, err := s.GetInstance(ctx, instanceID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *MongoStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	res, err := s.instances.UpdateOne(ctx,
		bson.M{"_id": instanceID, "lease_owner": owner},
		bson.M{"$set": bson.M{"lease_expires_at": time.Now().Add(ttl).UnixNano()}},
	)
	if err != nil {
		return mongoErr("renew lease", err)
	}
	if res.MatchedCount == 0 {
		return api.ErrInstanceLocked
	}
	return nil
}

func (s *MongoStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	_, err := s.instances.UpdateOne(ctx,
		bson.M{"_id": instanceID, "lease_owner": owner},
		bson.M{"$set": bson.M{"lease_owner": "", "lease_expires_at": int64(0)}},
	)
	return mongoErr("release lease", err)
}

func mongoErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return &api.TransientError{Op: "mongo " + op, Err: err}
	}
	return err
}
