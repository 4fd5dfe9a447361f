package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vm-provision-portal/api/internal/models"
	"vm-provision-portal/shared/tenantx"
)

// AlertsRepo stores provisioning failure alerts. The alerts worker inserts
// with an explicit tenant id because it runs outside any request context;
// reads are tenant-scoped like every other repo.
type AlertsRepo struct {
	pool *pgxpool.Pool
}

func NewAlertsRepo(pool *pgxpool.Pool) *AlertsRepo {
	return &AlertsRepo{pool: pool}
}

const alertColumns = `alert_id, tenant_id, template, level, failure_count, window_seconds, last_error_code, message, detected_at`

func scanAlert(row pgx.Row) (models.ProvisioningAlert, error) {
	var alert models.ProvisioningAlert
	err := row.Scan(
		&alert.AlertID, &alert.TenantID, &alert.Template, &alert.Level, &alert.FailureCount,
		&alert.WindowSeconds, &alert.LastErrorCode, &alert.Message, &alert.DetectedAt,
	)
	return alert, err
}

func (r *AlertsRepo) CreateAlert(ctx context.Context, alert models.ProvisioningAlert) (models.ProvisioningAlert, error) {
	if alert.AlertID == uuid.Nil {
		alert.AlertID = uuid.New()
	}
	if alert.DetectedAt.IsZero() {
		alert.DetectedAt = time.Now().UTC()
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO provisioning_alerts (
			alert_id, tenant_id, template, level, failure_count, window_seconds, last_error_code, message, detected_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+alertColumns+`
	`, alert.AlertID, alert.TenantID, alert.Template, alert.Level, alert.FailureCount,
		alert.WindowSeconds, alert.LastErrorCode, alert.Message, alert.DetectedAt)
	return scanAlert(row)
}

func (r *AlertsRepo) List(ctx context.Context, limit int, offset int) ([]models.ProvisioningAlert, error) {
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
		SELECT `+alertColumns+`
		FROM provisioning_alerts
		WHERE tenant_id = $1
		ORDER BY detected_at DESC
		LIMIT $2 OFFSET $3
	`, tenant.ID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ProvisioningAlert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, alert)
	}
	return out, rows.Err()
}
