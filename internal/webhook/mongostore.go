package webhook

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type mongoEventStore struct {
	collection *mongo.Collection
}

// NewMongoEventStore keeps idempotency records in the webhook_events
// collection. No TTL index is created: the records double as a billing audit
// trail and expiry is an operational retention decision.
func NewMongoEventStore(collection *mongo.Collection) EventStore {
	return &mongoEventStore{collection: collection}
}

func (s *mongoEventStore) Find(ctx context.Context, key string) (Record, bool, error) {
	var record Record
	err := s.collection.FindOne(ctx, bson.M{"_id": key}).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("webhook: mongo find: %w", err)
	}
	return record, true, nil
}

func (s *mongoEventStore) Put(ctx context.Context, record Record) error {
	_, err := s.collection.ReplaceOne(ctx,
		bson.M{"_id": record.IdempotencyKey},
		record,
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("webhook: mongo put: %w", err)
	}
	return nil
}
