package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/dealpack/ratekeeper/internal/store"
)

type mongoRecord struct {
	ID        string    `bson:"_id"`
	Key       string    `bson:"key"`
	Timestamp time.Time `bson:"timestamp"`
	ExpiresAt time.Time `bson:"expires_at"`
}

type mongoRecordStore struct {
	collection *mongo.Collection
}

// NewMongoRecordStore prepares the rate_limits collection as a RecordStore,
// creating the expires_at TTL index so abandoned keys are reaped without any
// limiter traffic.
func NewMongoRecordStore(ctx context.Context, collection *mongo.Collection) (RecordStore, error) {
	if err := store.EnsureTTLIndex(ctx, collection); err != nil {
		return nil, err
	}
	return &mongoRecordStore{collection: collection}, nil
}

func (s *mongoRecordStore) PurgeBefore(ctx context.Context, key string, cutoff time.Time) error {
	_, err := s.collection.DeleteMany(ctx, bson.M{
		"key":       key,
		"timestamp": bson.M{"$lt": cutoff.UTC()},
	})
	if err != nil {
		return fmt.Errorf("mongo purge: %w", err)
	}
	return nil
}

func (s *mongoRecordStore) Count(ctx context.Context, key string, since time.Time) (int64, error) {
	count, err := s.collection.CountDocuments(ctx, bson.M{
		"key":       key,
		"timestamp": bson.M{"$gte": since.UTC()},
	})
	if err != nil {
		return 0, fmt.Errorf("mongo count: %w", err)
	}
	return count, nil
}

func (s *mongoRecordStore) Insert(ctx context.Context, key string, record Record) error {
	_, err := s.collection.InsertOne(ctx, mongoRecord{
		ID:        record.ID,
		Key:       key,
		Timestamp: record.Timestamp.UTC(),
		ExpiresAt: record.ExpiresAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("mongo insert: %w", err)
	}
	return nil
}
