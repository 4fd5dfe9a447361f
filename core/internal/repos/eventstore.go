package repos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"vm-provision-portal/core/internal/es"
	"vm-provision-portal/shared/outbox"
	"vm-provision-portal/shared/dbx"
	"vm-provision-portal/shared/events"
	"vm-provision-portal/shared/metricsx"
	"vm-provision-portal/shared/tenantx"
)

const pgUniqueViolation = "23505"

// EventStore persists domain events in the tenant-partitioned domain_events
// table, keyed unique on (aggregate_id, version). Every query carries the
// caller's tenant both as an explicit predicate and as the app.tenant_id GUC
// for row-level security; no tenant means no rows.
type EventStore struct {
	pool   *pgxpool.Pool
	codec  es.Codec
	outbox *outbox.Repo
}

func NewEventStore(pool *pgxpool.Pool, codec es.Codec, outbox *outbox.Repo) *EventStore {
	return &EventStore{pool: pool, codec: codec, outbox: outbox}
}

func (s *EventStore) Load(ctx context.Context, aggregateID uuid.UUID) ([]es.StoredEvent, error) {
	return s.LoadFrom(ctx, aggregateID, 0)
}

func (s *EventStore) LoadFrom(ctx context.Context, aggregateID uuid.UUID, afterVersion int64) ([]es.StoredEvent, error) {
	tenant, ok := tenantx.FromContext(ctx)
	if !ok {
		// Fail closed: identical to a nonexistent aggregate.
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT event_id, aggregate_id, aggregate_type, event_type, payload, user_id, correlation_id, version, created_at
		FROM domain_events
		WHERE tenant_id = $1 AND aggregate_id = $2 AND version > $3
		ORDER BY version ASC
	`, tenant.ID, aggregateID, afterVersion)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []es.StoredEvent
	for rows.Next() {
		se := es.StoredEvent{Metadata: es.Metadata{TenantID: tenant.ID}}
		var correlationID *string
		if err := rows.Scan(&se.ID, &se.AggregateID, &se.AggregateType, &se.EventType, &se.Payload, &se.Metadata.UserID, &correlationID, &se.Version, &se.CreatedAt); err != nil {
			return nil, err
		}
		if correlationID != nil {
			se.Metadata.CorrelationID = *correlationID
		}
		se.Metadata.Timestamp = se.CreatedAt
		out = append(out, se)
	}
	return out, rows.Err()
}

func (s *EventStore) Append(ctx context.Context, aggregateID uuid.UUID, aggregateType string, evs []es.Event, expectedVersion int64) (int64, error) {
	tenant, err := tenantx.Require(ctx)
	if err != nil {
		return 0, err
	}
	if len(evs) == 0 {
		return expectedVersion, nil
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := dbx.SetTenantGUC(ctx, tx); err != nil {
		return 0, err
	}

	actual, err := s.currentVersion(ctx, tx, tenant.ID, aggregateID)
	if err != nil {
		return 0, err
	}
	if actual != expectedVersion {
		metricsx.IncConcurrencyConflict()
		return 0, &es.ConcurrencyError{AggregateID: aggregateID, Expected: expectedVersion, Actual: actual}
	}

	now := time.Now().UTC()
	for i, ev := range evs {
		meta := ev.EventMetadata()
		if meta.TenantID == uuid.Nil {
			return 0, tenantx.ErrNoTenant
		}
		if meta.TenantID != tenant.ID {
			// An event minted under another tenant's context is an integrity
			// violation, not a concurrency race.
			return 0, fmt.Errorf("event tenant %s does not match caller tenant %s", meta.TenantID, tenant.ID)
		}

		payload, err := s.codec.Marshal(ev)
		if err != nil {
			return 0, fmt.Errorf("encode event %s: %w", ev.EventType(), err)
		}
		version := expectedVersion + int64(i) + 1
		eventID := uuid.New()

		_, err = tx.Exec(ctx, `
			INSERT INTO domain_events (
				event_id, tenant_id, aggregate_id, aggregate_type, event_type, payload, user_id, correlation_id, version, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10)
		`, eventID, tenant.ID, aggregateID, aggregateType, ev.EventType(), payload, meta.UserID, meta.CorrelationID, version, now)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				// Lost a race after the version check. The tx is aborted, so
				// the racing writer's version is read back outside it.
				metricsx.IncConcurrencyConflict()
				current, verr := s.currentVersion(ctx, s.pool, tenant.ID, aggregateID)
				if verr != nil {
					return 0, fmt.Errorf("read version after append conflict on %s: %w", aggregateID, verr)
				}
				return 0, &es.ConcurrencyError{AggregateID: aggregateID, Expected: expectedVersion, Actual: current}
			}
			return 0, fmt.Errorf("insert event: %w", err)
		}

		if s.outbox != nil {
			_, err = s.outbox.InsertInTx(ctx, tx, outbox.Event{
				EventID:       eventID,
				TenantID:      tenant.ID,
				AggregateType: aggregateType,
				AggregateID:   aggregateID,
				Topic:         topicForAggregate(aggregateType),
				Payload:       publishPayload(eventID, tenant.ID, aggregateType, aggregateID, ev, payload, version, now),
			})
			if err != nil {
				return 0, fmt.Errorf("insert outbox event: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit append tx: %w", err)
	}
	return expectedVersion + int64(len(evs)), nil
}

func (s *EventStore) currentVersion(ctx context.Context, db DBTX, tenantID uuid.UUID, aggregateID uuid.UUID) (int64, error) {
	var v int64
	err := db.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0)
		FROM domain_events
		WHERE tenant_id = $1 AND aggregate_id = $2
	`, tenantID, aggregateID).Scan(&v)
	return v, err
}

func topicForAggregate(aggregateType string) string {
	switch aggregateType {
	case "project":
		return events.TopicProjectEvents
	default:
		return events.TopicVMEvents
	}
}

func publishPayload(eventID uuid.UUID, tenantID uuid.UUID, aggregateType string, aggregateID uuid.UUID, ev es.Event, payload []byte, version int64, now time.Time) []byte {
	env := events.Envelope{
		EventID:       eventID,
		TenantID:      tenantID,
		OccurredAt:    now,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     ev.EventType(),
		Version:       version,
		CorrelationID: ev.EventMetadata().CorrelationID,
		Payload:       payload,
	}
	b, err := json.Marshal(env)
	if err != nil {
		// Envelope fields are all marshal-safe; payload is already JSON.
		panic(fmt.Sprintf("marshal outbox envelope: %v", err))
	}
	return b
}
