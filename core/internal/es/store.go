package es

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// ConcurrencyError reports a failed expected-version check. Nothing was
// persisted; the caller reloads the aggregate and retries the command.
type ConcurrencyError struct {
	AggregateID uuid.UUID
	Expected    int64
	Actual      int64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrency conflict on aggregate %s: expected version %d, actual %d", e.AggregateID, e.Expected, e.Actual)
}

// EventStore is the append-only event log. Both paths are tenant-scoped
// through the context: a load under the wrong (or no) tenant behaves exactly
// like a load for a nonexistent aggregate, and a write without a tenant is
// rejected with tenantx.ErrNoTenant.
type EventStore interface {
	// Load returns the aggregate's full ordered stream, empty if none.
	Load(ctx context.Context, aggregateID uuid.UUID) ([]StoredEvent, error)

	// LoadFrom returns events with version > afterVersion, in order.
	LoadFrom(ctx context.Context, aggregateID uuid.UUID, afterVersion int64) ([]StoredEvent, error)

	// Append persists all events atomically with contiguous versions starting
	// at expectedVersion+1, or persists nothing and returns *ConcurrencyError.
	Append(ctx context.Context, aggregateID uuid.UUID, aggregateType string, events []Event, expectedVersion int64) (int64, error)
}

// SnapshotStore holds at most one snapshot per aggregate; Save upserts.
type SnapshotStore interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, aggregateID uuid.UUID) (Snapshot, bool, error)
}
