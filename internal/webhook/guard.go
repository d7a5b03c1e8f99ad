// Package webhook deduplicates billing webhook deliveries. Payment processors
// redeliver events until they see a success response, so every event carries a
// deterministic idempotency key and a processing-state record that outlives
// the request.
package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Status tracks where a delivery sits in its lifecycle. Completed and failed
// are sinks: once reached, the event is never reprocessed.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status is a sink state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Event identifies one inbound delivery.
type Event struct {
	ID   string
	Type string
}

// Record is the audit-trail row for one logical event. Records are never
// proactively deleted; retention is an external policy decision.
type Record struct {
	IdempotencyKey string     `json:"idempotency_key" bson:"_id"`
	EventID        string     `json:"event_id" bson:"event_id"`
	EventType      string     `json:"event_type" bson:"event_type"`
	Status         Status     `json:"status" bson:"status"`
	ProcessedAt    time.Time  `json:"processed_at" bson:"processed_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
	FailedAt       *time.Time `json:"failed_at,omitempty" bson:"failed_at,omitempty"`
	Error          string     `json:"error,omitempty" bson:"error,omitempty"`
}

// EventStore persists idempotency records keyed by their idempotency key.
type EventStore interface {
	Find(ctx context.Context, key string) (Record, bool, error)
	Put(ctx context.Context, record Record) error
}

// BeginResult reports what the guard found for a delivery.
type BeginResult struct {
	IdempotencyKey string
	// Duplicate means a terminal record exists and business logic must be
	// skipped entirely.
	Duplicate bool
	// Retried means a non-terminal processing record was found and replaced,
	// so this attempt re-runs business logic.
	Retried bool
	// PriorStatus is the status the existing record held, if any.
	PriorStatus Status
}

// Key derives the idempotency key as sha256("{event_id}:{event_type}").
// External systems computing keys must reproduce this concatenation and digest
// exactly to interoperate with historical records.
func Key(eventID, eventType string) string {
	digest := sha256.Sum256([]byte(eventID + ":" + eventType))
	return hex.EncodeToString(digest[:])
}

// Guard implements the idempotency state machine over an EventStore.
type Guard struct {
	events EventStore
}

// NewGuard builds a guard over the given record store.
func NewGuard(events EventStore) *Guard {
	return &Guard{events: events}
}

// Begin looks up the event's record and decides whether business logic may
// run. Terminal records short-circuit as duplicates. A lingering processing
// record means an earlier attempt died before reaching Complete; it is
// replaced and the delivery treated as fresh, trading a rare double-execution
// for never leaving an event permanently stuck.
//
// The find-then-create sequence is not wrapped in a transaction; two
// concurrent deliveries of the same event can both begin. That mirrors the
// subsystem-wide no-transactions stance.
func (g *Guard) Begin(ctx context.Context, event Event) (BeginResult, error) {
	key := Key(event.ID, event.Type)

	existing, found, err := g.events.Find(ctx, key)
	if err != nil {
		return BeginResult{}, fmt.Errorf("webhook: lookup %s: %w", key, err)
	}
	if found && existing.Status.Terminal() {
		return BeginResult{
			IdempotencyKey: key,
			Duplicate:      true,
			PriorStatus:    existing.Status,
		}, nil
	}

	record := Record{
		IdempotencyKey: key,
		EventID:        event.ID,
		EventType:      event.Type,
		Status:         StatusProcessing,
		ProcessedAt:    time.Now().UTC(),
	}
	if err := g.events.Put(ctx, record); err != nil {
		return BeginResult{}, fmt.Errorf("webhook: record %s: %w", key, err)
	}

	result := BeginResult{IdempotencyKey: key}
	if found {
		result.Retried = true
		result.PriorStatus = existing.Status
	}
	return result, nil
}

// Complete writes the terminal status for key. If this write fails the record
// stays in processing and the next delivery retries business logic.
func (g *Guard) Complete(ctx context.Context, key string, success bool, errMsg string) error {
	record, found, err := g.events.Find(ctx, key)
	if err != nil {
		return fmt.Errorf("webhook: complete lookup %s: %w", key, err)
	}
	if !found {
		return fmt.Errorf("webhook: complete %s: no processing record", key)
	}

	now := time.Now().UTC()
	if success {
		record.Status = StatusCompleted
		record.CompletedAt = &now
	} else {
		record.Status = StatusFailed
		record.FailedAt = &now
		record.Error = errMsg
	}
	if err := g.events.Put(ctx, record); err != nil {
		return fmt.Errorf("webhook: complete %s: %w", key, err)
	}
	return nil
}
