package store

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

type MongoRepository struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoRepository writes with majority+journal acknowledgement so that an
// acknowledged Enqueue survives a primary failover.
func NewMongoRepository(client *mongo.Client, database, collection string) *MongoRepository {
	if collection == "" {
		collection = "sms_outbox"
	}
	journal := true
	wc := writeconcern.Majority()
	wc.Journal = &journal

	return &MongoRepository{
		client:     client,
		collection: client.Database(database).Collection(collection, options.Collection().SetWriteConcern(wc)),
	}
}

// EnsureIndexes creates the dequeue index.
func (m *MongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := m.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "state", Value: 1},
			{Key: "next_attempt_at", Value: 1},
			{Key: "captured_at", Value: 1},
		},
		Options: options.Index().SetName("dequeue"),
	})
	return err
}

func (m *MongoRepository) Enqueue(ctx context.Context, rec *TransportRecord) (err error) {
	if err := validateRecord(rec); err != nil {
		return err
	}
	ctx, span := startSpan(ctx, "mongodb", "Enqueue")
	started := time.Now()
	var affected int64
	defer func() { endSpan(span, started, affected, err) }()

	res, err := m.collection.UpdateOne(ctx,
		bson.M{"_id": rec.ID},
		bson.M{
			"$set": bson.M{
				"sender":      rec.Sender,
				"body":        rec.Body,
				"captured_at": rec.CapturedAt,
				"device_id":   rec.DeviceID,
				"owner_id":    rec.OwnerID,
				"updated_at":  rec.UpdatedAt.UTC(),
			},
			"$setOnInsert": bson.M{
				"attempt_count":   rec.AttemptCount,
				"next_attempt_at": rec.NextAttemptAt.UTC(),
				"state":           StatePending,
				"last_error":      "",
				"created_at":      rec.CreatedAt.UTC(),
			},
		},
		options.Update().SetUpsert(true))
	if err != nil {
		return err
	}
	affected = res.MatchedCount + res.UpsertedCount
	return nil
}

func (m *MongoRepository) LeaseNext(ctx context.Context, now time.Time) (rec *TransportRecord, err error) {
	ctx, span := startSpan(ctx, "mongodb", "LeaseNext")
	started := time.Now()
	defer func() {
		var affected int64
		if rec != nil {
			affected = 1
		}
		endSpan(span, started, affected, err)
	}()

	now = now.UTC()
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "next_attempt_at", Value: 1}, {Key: "captured_at", Value: 1}}).
		SetReturnDocument(options.After)

	var leased TransportRecord
	err = m.collection.FindOneAndUpdate(ctx,
		bson.M{"state": StatePending, "next_attempt_at": bson.M{"$lte": now}},
		bson.M{
			"$set": bson.M{"state": StateInFlight, "leased_at": now, "updated_at": now},
			"$inc": bson.M{"attempt_count": 1},
		},
		opts).Decode(&leased)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &leased, nil
}

func (m *MongoRepository) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	return m.finishLease(ctx, "MarkDelivered", id, bson.M{
		"$set": bson.M{
			"state":       StateDelivered,
			"finished_at": at.UTC(),
			"last_error":  "",
			"updated_at":  at.UTC(),
		},
		"$unset": bson.M{"leased_at": ""},
	})
}

func (m *MongoRepository) MarkFailed(ctx context.Context, id string, nextAttemptAt time.Time, lastErr string) error {
	return m.finishLease(ctx, "MarkFailed", id, bson.M{
		"$set": bson.M{
			"state":           StatePending,
			"next_attempt_at": nextAttemptAt.UTC(),
			"last_error":      lastErr,
			"updated_at":      time.Now().UTC(),
		},
		"$unset": bson.M{"leased_at": ""},
	})
}

func (m *MongoRepository) MarkDead(ctx context.Context, id string, at time.Time, lastErr string) error {
	return m.finishLease(ctx, "MarkDead", id, bson.M{
		"$set": bson.M{
			"state":       StateDead,
			"finished_at": at.UTC(),
			"last_error":  lastErr,
			"updated_at":  at.UTC(),
		},
		"$unset": bson.M{"leased_at": ""},
	})
}

func (m *MongoRepository) finishLease(ctx context.Context, op, id string, update bson.M) (err error) {
	ctx, span := startSpan(ctx, "mongodb", op)
	started := time.Now()
	var affected int64
	defer func() { endSpan(span, started, affected, err) }()

	res, err := m.collection.UpdateOne(ctx, bson.M{"_id": id, "state": StateInFlight}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		affected = res.MatchedCount
		return nil
	}

	var current struct {
		State State `bson:"state"`
	}
	err = m.collection.FindOne(ctx, bson.M{"_id": id}, options.FindOne().SetProjection(bson.M{"state": 1})).Decode(&current)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return &UnknownRecordError{ID: id}
	}
	if err != nil {
		return err
	}
	return &UnknownRecordError{ID: id, State: current.State}
}

func (m *MongoRepository) ReapExpired(ctx context.Context, now time.Time, policy RetentionPolicy) (n int64, err error) {
	ctx, span := startSpan(ctx, "mongodb", "ReapExpired")
	started := time.Now()
	defer func() { endSpan(span, started, n, err) }()

	res, err := m.collection.DeleteMany(ctx, bson.M{"$or": bson.A{
		bson.M{"state": StateDelivered, "finished_at": bson.M{"$lte": now.Add(-policy.DeliveredGrace).UTC()}},
		bson.M{"state": StateDead, "finished_at": bson.M{"$lte": now.Add(-policy.DeadRetention).UTC()}},
	}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (m *MongoRepository) RecoverInFlight(ctx context.Context) (int64, error) {
	return m.releaseLeases(ctx, "RecoverInFlight", bson.M{"state": StateInFlight})
}

func (m *MongoRepository) ReleaseExpiredLeases(ctx context.Context, leasedBefore time.Time) (int64, error) {
	return m.releaseLeases(ctx, "ReleaseExpiredLeases", bson.M{
		"state":     StateInFlight,
		"leased_at": bson.M{"$lte": leasedBefore.UTC()},
	})
}

func (m *MongoRepository) releaseLeases(ctx context.Context, op string, filter bson.M) (n int64, err error) {
	ctx, span := startSpan(ctx, "mongodb", op)
	started := time.Now()
	defer func() { endSpan(span, started, n, err) }()

	res, err := m.collection.UpdateMany(ctx, filter, bson.M{
		"$set":   bson.M{"state": StatePending, "updated_at": time.Now().UTC()},
		"$unset": bson.M{"leased_at": ""},
	})
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

func (m *MongoRepository) Get(ctx context.Context, id string) (rec *TransportRecord, err error) {
	ctx, span := startSpan(ctx, "mongodb", "Get")
	started := time.Now()
	defer func() { endSpan(span, started, 0, err) }()

	var found TransportRecord
	err = m.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&found)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &UnknownRecordError{ID: id}
	}
	if err != nil {
		return nil, err
	}
	return &found, nil
}

func (m *MongoRepository) List(ctx context.Context, filter ListFilter) (records []TransportRecord, err error) {
	ctx, span := startSpan(ctx, "mongodb", "List")
	started := time.Now()
	defer func() { endSpan(span, started, int64(len(records)), err) }()

	query := bson.M{}
	if filter.State != "" {
		query["state"] = filter.State
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "next_attempt_at", Value: 1}, {Key: "captured_at", Value: 1}}).
		SetLimit(int64(filter.limit()))

	cursor, err := m.collection.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var rec TransportRecord
		if err := cursor.Decode(&rec); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (m *MongoRepository) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
