package repos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vm-provision-portal/api/internal/models"
	"vm-provision-portal/shared/tenantx"
	"vm-provision-portal/shared/workflow"
)

var (
	// ErrNotFound covers both a nonexistent row and a foreign tenant's row;
	// callers must not be able to tell the two apart.
	ErrNotFound = errors.New("not found")
	// ErrStatusConflict means the row exists but is not in the expected
	// status; the caller should reload and decide again.
	ErrStatusConflict = errors.New("request status conflict")
)

// RequestsRepo manages vm_requests, the approval workflow ahead of the
// event-sourced VM aggregate. Transitions are CAS updates guarded by the
// workflow transition table.
type RequestsRepo struct {
	pool *pgxpool.Pool
}

func NewRequestsRepo(pool *pgxpool.Pool) *RequestsRepo {
	return &RequestsRepo{pool: pool}
}

const requestColumns = `request_id, tenant_id, project_id, requester_id, name, cpu, memory_gb, template,
	status, reason, vm_id, decided_by, decided_at, created_at, updated_at`

func scanRequest(row pgx.Row) (models.VMRequest, error) {
	var req models.VMRequest
	err := row.Scan(
		&req.RequestID, &req.TenantID, &req.ProjectID, &req.Requester, &req.Name, &req.CPU, &req.MemoryGB, &req.Template,
		&req.Status, &req.Reason, &req.VMID, &req.DecidedBy, &req.DecidedAt, &req.CreatedAt, &req.UpdatedAt,
	)
	return req, err
}

func (r *RequestsRepo) Create(ctx context.Context, req models.VMRequest) (models.VMRequest, error) {
	tenant, err := tenantx.Require(ctx)
	if err != nil {
		return models.VMRequest{}, err
	}
	if req.RequestID == uuid.Nil {
		req.RequestID = uuid.New()
	}
	now := time.Now().UTC()

	row := r.pool.QueryRow(ctx, `
		INSERT INTO vm_requests (
			request_id, tenant_id, project_id, requester_id, name, cpu, memory_gb, template, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		RETURNING `+requestColumns+`
	`, req.RequestID, tenant.ID, req.ProjectID, tenant.UserID, req.Name, req.CPU, req.MemoryGB, req.Template, workflow.RequestStatusPending, now)
	return scanRequest(row)
}

func (r *RequestsRepo) Get(ctx context.Context, requestID uuid.UUID) (models.VMRequest, error) {
	tenant, ok := tenantx.FromContext(ctx)
	if !ok {
		return models.VMRequest{}, ErrNotFound
	}
	req, err := scanRequest(r.pool.QueryRow(ctx, `
		SELECT `+requestColumns+`
		FROM vm_requests
		WHERE tenant_id = $1 AND request_id = $2
	`, tenant.ID, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.VMRequest{}, ErrNotFound
	}
	return req, err
}

func (r *RequestsRepo) List(ctx context.Context, status string, limit int, offset int) ([]models.VMRequest, error) {
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
		SELECT ` + requestColumns + `
		FROM vm_requests
		WHERE tenant_id = $1`
	args := []any{tenant.ID}
	if status != "" {
		query += ` AND status = $2 ORDER BY created_at DESC LIMIT $3 OFFSET $4`
		args = append(args, workflow.NormalizeRequestStatus(status), limit, offset)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $2 OFFSET $3`
		args = append(args, limit, offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.VMRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// Transition moves a request from one status to another with a CAS update.
// Finding the row already in the target status is reported as success so that
// retried commands stay idempotent.
func (r *RequestsRepo) Transition(ctx context.Context, requestID uuid.UUID, from string, to string, decidedBy *uuid.UUID, reason *string, vmID *uuid.UUID) (models.VMRequest, error) {
	tenant, err := tenantx.Require(ctx)
	if err != nil {
		return models.VMRequest{}, err
	}
	from = workflow.NormalizeRequestStatus(from)
	to = workflow.NormalizeRequestStatus(to)
	if !workflow.CanTransition(from, to) {
		return models.VMRequest{}, fmt.Errorf("%w: %s -> %s not allowed", ErrStatusConflict, from, to)
	}

	req, err := scanRequest(r.pool.QueryRow(ctx, `
		UPDATE vm_requests
		SET status = $4,
			reason = COALESCE($5, reason),
			vm_id = COALESCE($6, vm_id),
			decided_by = COALESCE($7, decided_by),
			decided_at = CASE WHEN $7::uuid IS NULL THEN decided_at ELSE now() END,
			updated_at = now()
		WHERE tenant_id = $1 AND request_id = $2 AND status = $3
		RETURNING `+requestColumns+`
	`, tenant.ID, requestID, from, to, reason, vmID, decidedBy))
	if err == nil {
		return req, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.VMRequest{}, err
	}

	// CAS missed: either the row is gone, or another writer got there first.
	current, err := r.Get(ctx, requestID)
	if err != nil {
		return models.VMRequest{}, err
	}
	if current.Status == to {
		return current, nil
	}
	return models.VMRequest{}, fmt.Errorf("%w: request %s is %s, expected %s", ErrStatusConflict, requestID, current.Status, from)
}
