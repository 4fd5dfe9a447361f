package dbx

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vm-provision-portal/shared/config"
	"vm-provision-portal/shared/tenantx"
)

func NewPool(cfg config.Config) (*pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	poolCfg.MaxConns = int32(cfg.DBMaxConns)
	poolCfg.MinConns = int32(cfg.DBMinConns)
	poolCfg.MaxConnIdleTime = time.Duration(cfg.DBConnMaxIdleSec) * time.Second
	poolCfg.MaxConnLifetime = time.Duration(cfg.DBConnMaxLifeSec) * time.Second

	// Pooled connections are shared across tenants. Reset any session state a
	// previous caller may have left behind before handing the connection out.
	poolCfg.BeforeAcquire = func(ctx context.Context, conn *pgx.Conn) bool {
		_, err := conn.Exec(ctx, "RESET app.tenant_id")
		return err == nil
	}

	return pgxpool.NewWithConfig(context.Background(), poolCfg)
}

func Ping(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return errors.New("db pool is nil")
	}
	var one int
	return pool.QueryRow(ctx, "SELECT 1").Scan(&one)
}

// SetTenantGUC binds the caller's tenant to the transaction for row-level
// security. SET LOCAL scopes the value to the transaction, so it can never
// leak into another caller's work on the same pooled connection. Fails closed
// when the context carries no tenant.
func SetTenantGUC(ctx context.Context, tx pgx.Tx) error {
	tenant, err := tenantx.Require(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, "SELECT set_config('app.tenant_id', $1, true)", tenant.ID.String())
	return err
}
