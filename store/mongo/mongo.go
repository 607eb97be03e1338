// Package mongo implements the store.DocumentStore contract on MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/avylove/bulkmail/store"
	"github.com/avylove/bulkmail/types"
)

// Collection names within the configured database.
const (
	jobsCollection        = "upload_jobs"
	subscribersCollection = "subscribers"
	deadLettersCollection = "dead_letters"
)

// Store implements store.DocumentStore backed by a MongoDB database.
type Store struct {
	jobs        *mongo.Collection
	subscribers *mongo.Collection
	deadLetters *mongo.Collection
	client      *mongo.Client
}

// Compile-time assertion that Store implements DocumentStore.
var _ store.DocumentStore = (*Store)(nil)

// New creates a Store on an existing client.
//
// Parameters:
//   - client: Connected mongo client
//   - database: Database name holding the engine's collections
//
// Returns:
//   - *Store: A new document store instance
func New(client *mongo.Client, database string) *Store {
	db := client.Database(database)

	return &Store{
		jobs:        db.Collection(jobsCollection),
		subscribers: db.Collection(subscribersCollection),
		deadLetters: db.Collection(deadLettersCollection),
		client:      client,
	}
}

// Connect dials MongoDB and returns a ready Store.
//
// Parameters:
//   - ctx: Context bounding the initial connection and ping
//   - uri: MongoDB connection string
//   - database: Database name holding the engine's collections
//
// Returns:
//   - *Store: A new document store instance
//   - error: Connection or ping failure
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	return New(client, database), nil
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping verifies store reachability against the primary.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// CreateJob inserts a new upload job document.
func (s *Store) CreateJob(ctx context.Context, job *types.UploadJob) error {
	if _, err := s.jobs.InsertOne(ctx, job); err != nil {
		return fmt.Errorf("failed to insert job %s: %w", job.JobID, err)
	}

	return nil
}

// GetJob returns the job with the given id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*types.UploadJob, error) {
	var job types.UploadJob

	err := s.jobs.FindOne(ctx, bson.M{"job_id": jobID}).Decode(&job)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, types.ErrJobNotFound
		}

		return nil, fmt.Errorf("failed to find job %s: %w", jobID, err)
	}

	return &job, nil
}

// UpdateJob applies one atomic partial update ($set/$inc) to the job
// document. The update is a single UpdateOne call, so concurrent chunk
// completions cannot clobber each other's counters.
func (s *Store) UpdateJob(ctx context.Context, jobID string, update store.JobUpdate) error {
	if update.Empty() {
		return nil
	}

	doc := bson.M{}
	if len(update.Set) > 0 {
		doc["$set"] = update.Set
	}
	if len(update.Inc) > 0 {
		doc["$inc"] = update.Inc
	}

	res, err := s.jobs.UpdateOne(ctx, bson.M{"job_id": jobID}, doc)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", jobID, err)
	}
	if res.MatchedCount == 0 {
		return types.ErrJobNotFound
	}

	return nil
}

// BulkUpsertSubscribers writes records as unordered upserts keyed by
// (email, list). Records must already be normalized.
func (s *Store) BulkUpsertSubscribers(ctx context.Context, records []types.SubscriberRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	models := make([]mongo.WriteModel, 0, len(records))
	for i := range records {
		r := &records[i]
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"email": r.Email, "list": r.List}).
			SetUpdate(bson.M{"$set": r}).
			SetUpsert(true))
	}

	res, err := s.subscribers.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		// Unordered bulk writes can partially succeed; report what landed.
		var written int64
		if res != nil {
			written = res.MatchedCount + res.UpsertedCount
		}

		return written, fmt.Errorf("bulk upsert failed: %w", err)
	}

	return res.MatchedCount + res.UpsertedCount, nil
}

// CountSubscribers returns the number of stored subscribers in a list.
func (s *Store) CountSubscribers(ctx context.Context, list string) (int64, error) {
	n, err := s.subscribers.CountDocuments(ctx, bson.M{"list": list})
	if err != nil {
		return 0, fmt.Errorf("failed to count subscribers in %s: %w", list, err)
	}

	return n, nil
}

// InsertDeadLetter persists a dead-letter record.
func (s *Store) InsertDeadLetter(ctx context.Context, rec *types.DeadLetterRecord) error {
	if _, err := s.deadLetters.InsertOne(ctx, rec); err != nil {
		return fmt.Errorf("failed to insert dead letter for %s: %w", rec.OriginalPayload.Recipient, err)
	}

	return nil
}
