package repos

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vm-provision-portal/core/internal/vsphere"
	"vm-provision-portal/shared/cachex"
	"vm-provision-portal/shared/logx"
)

// VMwareConfigRepo resolves a tenant's VMware connection configuration. The
// saga calls it before any provisioning attempt and fails fast when no
// configuration exists. Lookups are cached in redis; the cache is purely an
// accelerator and misses fall through to Postgres.
type VMwareConfigRepo struct {
	pool  *pgxpool.Pool
	cache *cachex.Client
	ttl   time.Duration
	log   logx.Logger
}

func NewVMwareConfigRepo(pool *pgxpool.Pool, cache *cachex.Client, ttl time.Duration, log logx.Logger) *VMwareConfigRepo {
	return &VMwareConfigRepo{pool: pool, cache: cache, ttl: ttl, log: log}
}

type cachedConfig struct {
	VCenterURL string `json:"vcenter_url"`
	Datacenter string `json:"datacenter"`
	Cluster    string `json:"cluster"`
	Datastore  string `json:"datastore"`
	Network    string `json:"network"`
	Folder     string `json:"folder"`
}

func (r *VMwareConfigRepo) FindConfig(ctx context.Context, tenantID uuid.UUID) (vsphere.Config, bool, error) {
	key := "vmware_config:" + tenantID.String()

	if r.cache != nil {
		var cached cachedConfig
		hit, err := r.cache.GetJSON(ctx, key, &cached)
		if err != nil {
			r.log.Warn(ctx, "config_cache_read_failed", "vmware config cache read failed",
				slog.String("tenant_id", tenantID.String()),
				slog.String("error", err.Error()),
			)
		} else if hit {
			return vsphere.Config(cached), true, nil
		}
	}

	var cfg cachedConfig
	err := r.pool.QueryRow(ctx, `
		SELECT vcenter_url, datacenter, cluster, datastore, network, COALESCE(folder, '')
		FROM vmware_configs
		WHERE tenant_id = $1
	`, tenantID).
		Scan(&cfg.VCenterURL, &cfg.Datacenter, &cfg.Cluster, &cfg.Datastore, &cfg.Network, &cfg.Folder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return vsphere.Config{}, false, nil
		}
		return vsphere.Config{}, false, err
	}

	if r.cache != nil {
		if err := r.cache.SetJSON(ctx, key, cfg, r.ttl); err != nil {
			r.log.Warn(ctx, "config_cache_write_failed", "vmware config cache write failed",
				slog.String("tenant_id", tenantID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	return vsphere.Config(cfg), true, nil
}
