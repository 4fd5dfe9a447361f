package es

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"vm-provision-portal/shared/tenantx"
)

// MemoryStore implements EventStore and SnapshotStore in memory with the same
// semantics as the Postgres repositories: tenant scoping fails closed and the
// expected-version check is atomic per stream. Used by tests and dev mode.
type MemoryStore struct {
	Codec Codec

	mu      sync.RWMutex
	streams map[uuid.UUID]*memStream
	snaps   map[uuid.UUID]Snapshot
}

type memStream struct {
	tenantID      uuid.UUID
	aggregateType string
	events        []StoredEvent
}

func NewMemoryStore(codec Codec) *MemoryStore {
	return &MemoryStore{
		Codec:   codec,
		streams: make(map[uuid.UUID]*memStream),
		snaps:   make(map[uuid.UUID]Snapshot),
	}
}

func (s *MemoryStore) Load(ctx context.Context, aggregateID uuid.UUID) ([]StoredEvent, error) {
	return s.LoadFrom(ctx, aggregateID, 0)
}

func (s *MemoryStore) LoadFrom(ctx context.Context, aggregateID uuid.UUID, afterVersion int64) ([]StoredEvent, error) {
	tenant, ok := tenantx.FromContext(ctx)
	if !ok {
		// Fail closed: no tenant reads zero rows, never all tenants.
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	stream, exists := s.streams[aggregateID]
	if !exists || stream.tenantID != tenant.ID {
		// A foreign tenant's aggregate is indistinguishable from a missing one.
		return nil, nil
	}
	out := make([]StoredEvent, 0, len(stream.events))
	for _, ev := range stream.events {
		if ev.Version > afterVersion {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *MemoryStore) Append(ctx context.Context, aggregateID uuid.UUID, aggregateType string, events []Event, expectedVersion int64) (int64, error) {
	tenant, err := tenantx.Require(ctx)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return expectedVersion, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stream, exists := s.streams[aggregateID]
	if exists && stream.tenantID != tenant.ID {
		// An aggregate id claimed by another tenant: surface the same shape a
		// version race would, without confirming the stream exists.
		return 0, &ConcurrencyError{AggregateID: aggregateID, Expected: expectedVersion, Actual: 0}
	}
	var actual int64
	if exists {
		actual = int64(len(stream.events))
	}
	if actual != expectedVersion {
		return 0, &ConcurrencyError{AggregateID: aggregateID, Expected: expectedVersion, Actual: actual}
	}

	// Serialize before mutating so a codec failure persists nothing.
	now := time.Now().UTC()
	stored := make([]StoredEvent, 0, len(events))
	for i, ev := range events {
		meta := ev.EventMetadata()
		if meta.TenantID == uuid.Nil {
			return 0, tenantx.ErrNoTenant
		}
		payload, err := s.Codec.Marshal(ev)
		if err != nil {
			return 0, err
		}
		stored = append(stored, StoredEvent{
			ID:            uuid.New(),
			AggregateID:   aggregateID,
			AggregateType: aggregateType,
			EventType:     ev.EventType(),
			Payload:       payload,
			Metadata:      meta,
			Version:       expectedVersion + int64(i) + 1,
			CreatedAt:     now,
		})
	}

	if !exists {
		stream = &memStream{tenantID: tenant.ID, aggregateType: aggregateType}
		s.streams[aggregateID] = stream
	}
	stream.events = append(stream.events, stored...)
	return expectedVersion + int64(len(events)), nil
}

// Snapshots returns the snapshot side of the store.
func (s *MemoryStore) Snapshots() SnapshotStore {
	return &memorySnapshots{store: s}
}

type memorySnapshots struct {
	store *MemoryStore
}

func (m *memorySnapshots) Save(ctx context.Context, snap Snapshot) error {
	tenant, err := tenantx.Require(ctx)
	if err != nil {
		return err
	}
	snap.TenantID = tenant.ID
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}

	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	m.store.snaps[snap.AggregateID] = snap
	return nil
}

func (m *memorySnapshots) Load(ctx context.Context, aggregateID uuid.UUID) (Snapshot, bool, error) {
	tenant, ok := tenantx.FromContext(ctx)
	if !ok {
		return Snapshot{}, false, nil
	}

	m.store.mu.RLock()
	defer m.store.mu.RUnlock()
	snap, exists := m.store.snaps[aggregateID]
	if !exists || snap.TenantID != tenant.ID {
		return Snapshot{}, false, nil
	}
	return snap, true, nil
}
