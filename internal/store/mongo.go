package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoConfig struct {
	URI        string
	Database   string
	Collection string
}

type mongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

type mongoEntry struct {
	Key       string    `bson:"_id"`
	Value     string    `bson:"value"`
	CreatedAt time.Time `bson:"created_at"`
	ExpiresAt time.Time `bson:"expires_at"`
}

// NewMongo connects to the document database and prepares the cache collection
// with a TTL index on expires_at so the server reaps stale entries in the
// background. The reaper runs roughly once a minute, which is why every read
// still checks expiry itself.
func NewMongo(cfg MongoConfig) (Store, error) {
	if cfg.URI == "" {
		return nil, errors.New("store: mongo uri required")
	}
	if cfg.Database == "" {
		return nil, errors.New("store: mongo database required")
	}
	collection := cfg.Collection
	if collection == "" {
		collection = "cache"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := ConnectMongo(ctx, cfg.URI)
	if err != nil {
		return nil, err
	}

	coll := client.Database(cfg.Database).Collection(collection)
	if err := EnsureTTLIndex(ctx, coll); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	return &mongoStore{client: client, collection: coll}, nil
}

// ConnectMongo dials the document database and verifies it with a ping.
// Callers that need several collections (cache, rate limits, webhook events)
// connect once here and hand collections to the individual constructors.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("store: mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("store: mongo ping: %w", err)
	}
	return client, nil
}

// NewMongoOnCollection wraps an already-connected collection as a Store,
// ensuring the TTL index exists. Close disconnects the supplied client.
func NewMongoOnCollection(ctx context.Context, client *mongo.Client, coll *mongo.Collection) (Store, error) {
	if err := EnsureTTLIndex(ctx, coll); err != nil {
		return nil, err
	}
	return &mongoStore{client: client, collection: coll}, nil
}

// EnsureTTLIndex creates the expires_at TTL index the background reaper relies
// on. Safe to call repeatedly; index creation is idempotent.
func EnsureTTLIndex(ctx context.Context, coll *mongo.Collection) error {
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return fmt.Errorf("store: mongo ttl index: %w", err)
	}
	return nil
}

func (s *mongoStore) Get(ctx context.Context, key string) (string, bool, error) {
	var entry mongoEntry
	err := s.collection.FindOne(ctx, bson.M{"_id": key}).Decode(&entry)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", false, nil
		}
		return "", false, unavailable("mongo get", err)
	}
	if !EntryLive(entry.ExpiresAt, time.Now()) {
		return "", false, nil
	}
	return entry.Value, true, nil
}

func (s *mongoStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("store: mongo set: ttl must be positive")
	}
	now := time.Now().UTC()
	entry := mongoEntry{
		Key:       key,
		Value:     value,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": key}, entry, options.Replace().SetUpsert(true))
	if err != nil {
		return unavailable("mongo set", err)
	}
	return nil
}

func (s *mongoStore) Delete(ctx context.Context, key string) (bool, error) {
	result, err := s.collection.DeleteOne(ctx, bson.M{"_id": key})
	if err != nil {
		return false, unavailable("mongo delete", err)
	}
	return result.DeletedCount > 0, nil
}

func (s *mongoStore) Exists(ctx context.Context, key string) (bool, error) {
	count, err := s.collection.CountDocuments(ctx, bson.M{
		"_id":        key,
		"expires_at": bson.M{"$gt": time.Now().UTC()},
	})
	if err != nil {
		return false, unavailable("mongo exists", err)
	}
	return count > 0, nil
}

func (s *mongoStore) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("store: mongo disconnect: %w", err)
	}
	return nil
}

// EntryLive reports whether an entry with the given expiry is still valid at
// now. Shared with the record limiter's mongo backend so both apply the same
// read-side guard against the deferred reaper.
func EntryLive(expiresAt, now time.Time) bool {
	return expiresAt.After(now)
}
