package repos

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vm-provision-portal/api/internal/models"
	"vm-provision-portal/shared/tenantx"
)

// ProjectsRepo maintains the projects read model projected from project.*
// integration events, version-guarded like the vms projection.
type ProjectsRepo struct {
	pool *pgxpool.Pool
}

func NewProjectsRepo(pool *pgxpool.Pool) *ProjectsRepo {
	return &ProjectsRepo{pool: pool}
}

func (r *ProjectsRepo) ApplyCreated(ctx context.Context, projectID uuid.UUID, name string, version int64) error {
	tenant, err := tenantx.Require(ctx)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO projects (project_id, tenant_id, name, status, version, updated_at)
		VALUES ($1, $2, $3, 'ACTIVE', $4, now())
		ON CONFLICT (project_id) DO NOTHING
	`, projectID, tenant.ID, name, version)
	return err
}

func (r *ProjectsRepo) ApplyStatus(ctx context.Context, projectID uuid.UUID, status string, version int64) error {
	tenant, err := tenantx.Require(ctx)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		UPDATE projects
		SET status = $3, version = $4, updated_at = now()
		WHERE tenant_id = $1 AND project_id = $2 AND version < $4
	`, tenant.ID, projectID, status, version)
	return err
}

func (r *ProjectsRepo) Get(ctx context.Context, projectID uuid.UUID) (models.ProjectRecord, error) {
	tenant, ok := tenantx.FromContext(ctx)
	if !ok {
		return models.ProjectRecord{}, ErrNotFound
	}
	var rec models.ProjectRecord
	err := r.pool.QueryRow(ctx, `
		SELECT project_id, tenant_id, name, status, version, updated_at
		FROM projects
		WHERE tenant_id = $1 AND project_id = $2
	`, tenant.ID, projectID).Scan(&rec.ProjectID, &rec.TenantID, &rec.Name, &rec.Status, &rec.Version, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ProjectRecord{}, ErrNotFound
	}
	return rec, err
}

func (r *ProjectsRepo) List(ctx context.Context, limit int, offset int) ([]models.ProjectRecord, error) {
	tenant, ok := tenantx.FromContext(ctx)
	if !ok {
		return nil, nil
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.pool.Query(ctx, `
		SELECT project_id, tenant_id, name, status, version, updated_at
		FROM projects
		WHERE tenant_id = $1
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3
	`, tenant.ID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ProjectRecord
	for rows.Next() {
		var rec models.ProjectRecord
		if err := rows.Scan(&rec.ProjectID, &rec.TenantID, &rec.Name, &rec.Status, &rec.Version, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
