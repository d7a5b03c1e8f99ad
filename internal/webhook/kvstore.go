package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dealpack/ratekeeper/internal/store"
)

// DefaultRetention keeps records long enough for any realistic redelivery
// schedule while honoring the KV store's requirement for an expiry. Mongo
// deployments keep records indefinitely instead.
const DefaultRetention = 90 * 24 * time.Hour

const keyPrefix = "webhook_event:"

type kvEventStore struct {
	store     store.Store
	retention time.Duration
}

// NewKVEventStore adapts the shared TTL store into an EventStore. Used when no
// document database is configured; the retention TTL substitutes for an audit
// retention policy.
func NewKVEventStore(s store.Store, retention time.Duration) EventStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &kvEventStore{store: s, retention: retention}
}

func (s *kvEventStore) Find(ctx context.Context, key string) (Record, bool, error) {
	raw, ok, err := s.store.Get(ctx, keyPrefix+key)
	if err != nil {
		return Record{}, false, err
	}
	if !ok {
		return Record{}, false, nil
	}
	var record Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return Record{}, false, fmt.Errorf("webhook: decode record %s: %w", key, err)
	}
	return record, true, nil
}

func (s *kvEventStore) Put(ctx context.Context, record Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("webhook: encode record %s: %w", record.IdempotencyKey, err)
	}
	return s.store.Set(ctx, keyPrefix+record.IdempotencyKey, string(payload), s.retention)
}
