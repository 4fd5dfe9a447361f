package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vm-provision-portal/api/internal/models"
	"vm-provision-portal/shared/tenantx"
)

// VMsRepo maintains the vms read model projected from vm.* integration
// events. Every write carries the event's version; a row is only touched when
// the incoming version is newer, so replayed or reordered deliveries are safe.
type VMsRepo struct {
	pool *pgxpool.Pool
}

func NewVMsRepo(pool *pgxpool.Pool) *VMsRepo {
	return &VMsRepo{pool: pool}
}

func (r *VMsRepo) ApplyStarted(ctx context.Context, rec models.VMRecord) error {
	tenant, err := tenantx.Require(ctx)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO vms (
			vm_id, tenant_id, request_id, project_id, name, cpu, memory_gb, template,
			status, stage, retriable, retry_count, version, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, false, 0, $11, $12)
		ON CONFLICT (vm_id) DO NOTHING
	`, rec.VMID, tenant.ID, rec.RequestID, rec.ProjectID, rec.Name, rec.CPU, rec.MemoryGB, rec.Template,
		rec.Status, rec.Stage, rec.Version, time.Now().UTC())
	return err
}

func (r *VMsRepo) ApplyStage(ctx context.Context, vmID uuid.UUID, stage string, version int64) error {
	tenant, err := tenantx.Require(ctx)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		UPDATE vms
		SET stage = $3, version = $4, updated_at = now()
		WHERE tenant_id = $1 AND vm_id = $2 AND version < $4
	`, tenant.ID, vmID, stage, version)
	return err
}

func (r *VMsRepo) ApplyProvisioned(ctx context.Context, vmID uuid.UUID, rec models.VMRecord) error {
	tenant, err := tenantx.Require(ctx)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		UPDATE vms
		SET status = $3, stage = $4, vmware_vm_id = $5, ip_address = $6, hostname = $7,
			warning_message = $8, version = $9, updated_at = now()
		WHERE tenant_id = $1 AND vm_id = $2 AND version < $9
	`, tenant.ID, vmID, rec.Status, rec.Stage, rec.VMwareVMID, rec.IPAddress, rec.Hostname,
		rec.WarningMessage, rec.Version)
	return err
}

func (r *VMsRepo) ApplyFailed(ctx context.Context, vmID uuid.UUID, rec models.VMRecord) error {
	tenant, err := tenantx.Require(ctx)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		UPDATE vms
		SET status = $3, error_code = $4, error_message = $5, retriable = $6, retry_count = $7,
			version = $8, updated_at = now()
		WHERE tenant_id = $1 AND vm_id = $2 AND version < $8
	`, tenant.ID, vmID, rec.Status, rec.ErrorCode, rec.ErrorMessage, rec.Retriable, rec.RetryCount,
		rec.Version)
	return err
}

const vmColumns = `vm_id, tenant_id, request_id, project_id, name, cpu, memory_gb, template,
	status, stage, vmware_vm_id, ip_address, hostname, warning_message,
	error_code, error_message, retriable, retry_count, version, updated_at`

func scanVM(row pgx.Row) (models.VMRecord, error) {
	var rec models.VMRecord
	err := row.Scan(
		&rec.VMID, &rec.TenantID, &rec.RequestID, &rec.ProjectID, &rec.Name, &rec.CPU, &rec.MemoryGB, &rec.Template,
		&rec.Status, &rec.Stage, &rec.VMwareVMID, &rec.IPAddress, &rec.Hostname, &rec.WarningMessage,
		&rec.ErrorCode, &rec.ErrorMessage, &rec.Retriable, &rec.RetryCount, &rec.Version, &rec.UpdatedAt,
	)
	return rec, err
}

func (r *VMsRepo) Get(ctx context.Context, vmID uuid.UUID) (models.VMRecord, error) {
	tenant, ok := tenantx.FromContext(ctx)
	if !ok {
		return models.VMRecord{}, ErrNotFound
	}
	rec, err := scanVM(r.pool.QueryRow(ctx, `
		SELECT `+vmColumns+`
		FROM vms
		WHERE tenant_id = $1 AND vm_id = $2
	`, tenant.ID, vmID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.VMRecord{}, ErrNotFound
	}
	return rec, err
}

func (r *VMsRepo) List(ctx context.Context, projectID *uuid.UUID, limit int, offset int) ([]models.VMRecord, error) {
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

	query := `
		SELECT ` + vmColumns + `
		FROM vms
		WHERE tenant_id = $1`
	args := []any{tenant.ID}
	if projectID != nil {
		query += ` AND project_id = $2 ORDER BY updated_at DESC LIMIT $3 OFFSET $4`
		args = append(args, *projectID, limit, offset)
	} else {
		query += ` ORDER BY updated_at DESC LIMIT $2 OFFSET $3`
		args = append(args, limit, offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.VMRecord
	for rows.Next() {
		rec, err := scanVM(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
