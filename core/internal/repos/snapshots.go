package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vm-provision-portal/core/internal/es"
	"vm-provision-portal/shared/tenantx"
)

// SnapshotsRepo holds at most one snapshot per aggregate; a save replaces the
// prior row, including a changed aggregate_type.
type SnapshotsRepo struct {
	pool *pgxpool.Pool
}

func NewSnapshotsRepo(pool *pgxpool.Pool) *SnapshotsRepo {
	return &SnapshotsRepo{pool: pool}
}

func (r *SnapshotsRepo) Save(ctx context.Context, snap es.Snapshot) error {
	tenant, err := tenantx.Require(ctx)
	if err != nil {
		return err
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO aggregate_snapshots (aggregate_id, aggregate_type, version, state, tenant_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (aggregate_id) DO UPDATE
		SET aggregate_type = EXCLUDED.aggregate_type,
			version = EXCLUDED.version,
			state = EXCLUDED.state,
			created_at = EXCLUDED.created_at
		WHERE aggregate_snapshots.tenant_id = EXCLUDED.tenant_id
	`, snap.AggregateID, snap.AggregateType, snap.Version, snap.State, tenant.ID, snap.CreatedAt)
	return err
}

func (r *SnapshotsRepo) Load(ctx context.Context, aggregateID uuid.UUID) (es.Snapshot, bool, error) {
	tenant, ok := tenantx.FromContext(ctx)
	if !ok {
		return es.Snapshot{}, false, nil
	}

	var snap es.Snapshot
	err := r.pool.QueryRow(ctx, `
		SELECT aggregate_id, aggregate_type, version, state, tenant_id, created_at
		FROM aggregate_snapshots
		WHERE tenant_id = $1 AND aggregate_id = $2
	`, tenant.ID, aggregateID).
		Scan(&snap.AggregateID, &snap.AggregateType, &snap.Version, &snap.State, &snap.TenantID, &snap.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return es.Snapshot{}, false, nil
		}
		return es.Snapshot{}, false, err
	}
	return snap, true, nil
}
