// Package es is the event-sourcing runtime: aggregates replay their own
// ordered event stream, new state changes are recorded as uncommitted events,
// and persistence goes through an append-only, tenant-scoped event store with
// an expected-version check as the only concurrency control.
package es

import (
	"context"
	"time"

	"github.com/google/uuid"

	"vm-provision-portal/shared/tenantx"
)

// Metadata travels with every domain event. An event without a resolvable
// tenant is a data-integrity violation and is rejected at the store boundary.
type Metadata struct {
	TenantID      uuid.UUID `json:"tenant_id"`
	UserID        uuid.UUID `json:"user_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// MetadataFromContext builds event metadata from the ambient tenant context.
// The zero Metadata is returned when no tenant is present; Append rejects it.
func MetadataFromContext(ctx context.Context) Metadata {
	t, ok := tenantx.FromContext(ctx)
	if !ok {
		return Metadata{}
	}
	return Metadata{
		TenantID:      t.ID,
		UserID:        t.UserID,
		CorrelationID: t.CorrelationID,
		Timestamp:     time.Now().UTC(),
	}
}

// Event is a single immutable state change of one aggregate.
type Event interface {
	AggregateID() uuid.UUID
	AggregateType() string
	EventType() string
	EventMetadata() Metadata
}

// StoredEvent is the persisted envelope. Version is the 1-based, contiguous
// sequence number of the event within its aggregate stream.
type StoredEvent struct {
	ID            uuid.UUID
	AggregateID   uuid.UUID
	AggregateType string
	EventType     string
	Payload       []byte
	Metadata      Metadata
	Version       int64
	CreatedAt     time.Time
}

// Snapshot caches aggregate state at a version. It is an optimization only:
// replay from version 0 must always reproduce the same state.
type Snapshot struct {
	AggregateID   uuid.UUID
	AggregateType string
	Version       int64
	State         []byte
	TenantID      uuid.UUID
	CreatedAt     time.Time
}

// Codec translates between domain events and their stored payloads. The
// domain package owns the mapping from event type strings to concrete types.
type Codec interface {
	Marshal(ev Event) ([]byte, error)
	Unmarshal(stored StoredEvent) (Event, error)
}
