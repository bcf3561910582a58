package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"mail-dispatch-go/internal/model"
)

// MongoStore is a Store backed by a MongoDB collection.
// Batch inserts run in a transaction, so the deployment must be a replica set.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// ConnectMongo dials MongoDB and ensures the queue indexes exist
func ConnectMongo(ctx context.Context, uri, database, collection string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}

	store := NewMongoStore(client, client.Database(database).Collection(collection))
	if err := store.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	logrus.Infof("Mongo queue store initialized (database=%s collection=%s)", database, collection)
	return store, nil
}

// NewMongoStore wraps an existing collection
func NewMongoStore(client *mongo.Client, coll *mongo.Collection) *MongoStore {
	return &MongoStore{client: client, coll: coll}
}

// EnsureIndexes creates the claim, batch and owner indexes
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "createdAt", Value: 1}}},
		{Keys: bson.D{{Key: "batchId", Value: 1}}},
		{Keys: bson.D{{Key: "ownerId", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create queue indexes: %w", err)
	}
	return nil
}

// Insert stores all records inside one transaction
func (s *MongoStore) Insert(ctx context.Context, emails []model.QueuedEmail) error {
	if len(emails) == 0 {
		return nil
	}
	if err := ValidateInsert(emails); err != nil {
		return err
	}

	docs := make([]interface{}, len(emails))
	for i := range emails {
		docs[i] = emails[i]
	}

	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start mongo session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return s.coll.InsertMany(sc, docs)
	})
	if err != nil {
		return fmt.Errorf("failed to insert queued emails: %w", err)
	}
	return nil
}

// ClaimBatch claims records one at a time with FindOneAndUpdate, which
// selects and transitions a document in a single server-side operation
func (s *MongoStore) ClaimBatch(ctx context.Context, limit, maxAttempts int) ([]model.QueuedEmail, error) {
	if limit <= 0 {
		return nil, nil
	}

	filter := bson.M{
		"status":   model.StatusPending,
		"attempts": bson.M{"$lt": maxAttempts},
		"$expr":    bson.M{"$lt": bson.A{"$attempts", "$maxAttempts"}},
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}).
		SetReturnDocument(options.After)

	claimed := make([]model.QueuedEmail, 0, limit)
	for len(claimed) < limit {
		update := bson.M{
			"$set": bson.M{"status": model.StatusProcessing, "processedAt": now()},
			"$inc": bson.M{"attempts": 1},
		}

		var e model.QueuedEmail
		err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&e)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			return claimed, fmt.Errorf("failed to claim queued email: %w", err)
		}
		claimed = append(claimed, e)
	}
	return claimed, nil
}

// FinalizeSuccess marks a processing record sent
func (s *MongoStore) FinalizeSuccess(ctx context.Context, id, providerMessageID string) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": model.StatusProcessing},
		bson.M{"$set": bson.M{
			"status":            model.StatusSent,
			"providerMessageId": providerMessageID,
			"processedAt":       now(),
		}},
	)
	if err != nil {
		return fmt.Errorf("failed to mark queued email %s sent: %w", id, err)
	}
	if res.MatchedCount == 0 {
		logrus.Warnf("Queued email %s not found in processing state, skipping success finalize", id)
	}
	return nil
}

// FinalizeOutcome records a failed attempt
func (s *MongoStore) FinalizeOutcome(ctx context.Context, id, errMsg string, attemptsSoFar, maxAttempts int) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": model.StatusProcessing},
		bson.M{"$set": bson.M{
			"status":      outcomeStatus(attemptsSoFar, maxAttempts),
			"lastError":   errMsg,
			"processedAt": now(),
		}},
	)
	if err != nil {
		return fmt.Errorf("failed to record outcome for queued email %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		logrus.Warnf("Queued email %s not found in processing state, skipping outcome finalize", id)
	}
	return nil
}

// CountByStatus counts records per status with an aggregation
func (s *MongoStore) CountByStatus(ctx context.Context, filter model.CountFilter) (model.StatusCounts, error) {
	match := bson.M{}
	if filter.OwnerID != "" {
		match["ownerId"] = filter.OwnerID
	}
	if filter.BatchID != "" {
		match["batchId"] = filter.BatchID
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$group", Value: bson.M{"_id": "$status", "count": bson.M{"$sum": 1}}}},
	}

	cur, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to count queued emails: %w", err)
	}
	defer cur.Close(ctx)

	var rows []struct {
		Status model.Status `bson:"_id"`
		Count  int64        `bson:"count"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode status counts: %w", err)
	}

	counts := model.NewStatusCounts()
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// ListByBatch returns batch members oldest first
func (s *MongoStore) ListByBatch(ctx context.Context, batchID string) ([]model.QueuedEmail, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.coll.Find(ctx, bson.M{"batchId": batchID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch %s: %w", batchID, err)
	}
	defer cur.Close(ctx)

	var emails []model.QueuedEmail
	if err := cur.All(ctx, &emails); err != nil {
		return nil, fmt.Errorf("failed to decode batch %s: %w", batchID, err)
	}
	if len(emails) == 0 {
		return nil, ErrNotFound
	}
	return emails, nil
}

// ReleaseStale recovers records orphaned in processing
func (s *MongoStore) ReleaseStale(ctx context.Context, olderThan time.Time) (int64, error) {
	ts := now()
	stale := func(cmp string) bson.M {
		return bson.M{
			"status":      model.StatusProcessing,
			"processedAt": bson.M{"$lt": olderThan},
			"$expr":       bson.M{cmp: bson.A{"$attempts", "$maxAttempts"}},
		}
	}

	failed, err := s.coll.UpdateMany(ctx, stale("$gte"), bson.M{"$set": bson.M{
		"status":      model.StatusFailed,
		"lastError":   AbandonedError,
		"processedAt": ts,
	}})
	if err != nil {
		return 0, fmt.Errorf("failed to fail stale claims: %w", err)
	}

	requeued, err := s.coll.UpdateMany(ctx, stale("$lt"), bson.M{"$set": bson.M{
		"status":      model.StatusPending,
		"processedAt": ts,
	}})
	if err != nil {
		return failed.ModifiedCount, fmt.Errorf("failed to requeue stale claims: %w", err)
	}

	return failed.ModifiedCount + requeued.ModifiedCount, nil
}

// Ping checks the mongo connection
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
