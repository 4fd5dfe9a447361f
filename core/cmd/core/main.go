// The core worker consumes provisioning and project-command tasks from asynq,
// runs the command handlers and the provisioning saga, and exposes health and
// metrics endpoints.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"vm-provision-portal/core/internal/commands"
	"vm-provision-portal/core/internal/domain"
	"vm-provision-portal/core/internal/es"
	"vm-provision-portal/core/internal/repos"
	"vm-provision-portal/core/internal/saga"
	"vm-provision-portal/core/internal/vsphere"
	"vm-provision-portal/shared/cachex"
	"vm-provision-portal/shared/config"
	"vm-provision-portal/shared/dbx"
	"vm-provision-portal/shared/events"
	"vm-provision-portal/shared/httpx"
	"vm-provision-portal/shared/influxx"
	"vm-provision-portal/shared/lockx"
	"vm-provision-portal/shared/logx"
	"vm-provision-portal/shared/metricsx"
	"vm-provision-portal/shared/observability"
	"vm-provision-portal/shared/outbox"
	"vm-provision-portal/shared/tenantx"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

func main() {
	cfg, problems := config.Load("core", 8081)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.AsynqRedisAddr == "" {
		problems = append(problems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
	}
	if cfg.RedisAddr == "" {
		problems = append(problems, config.Problem{Field: "REDIS_ADDR", Message: "REDIS_ADDR is required"})
	}
	if cfg.VsphereBridgeURL == "" {
		problems = append(problems, config.Problem{Field: "VSPHERE_BRIDGE_URL", Message: "VSPHERE_BRIDGE_URL is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	if cfg.OtelEnabled {
		if shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		}); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	metricsx.Register()

	dbPool, err := dbx.NewPool(cfg)
	if err != nil {
		fatal(logger, "db_init_failed", err)
	}
	defer dbPool.Close()

	cache, err := cachex.New(cfg)
	if err != nil {
		fatal(logger, "redis_init_failed", err)
	}
	defer cache.Close()

	bridge, err := vsphere.NewClient(cfg)
	if err != nil {
		fatal(logger, "vsphere_init_failed", err)
	}

	var telemetry saga.Telemetry
	if cfg.InfluxURL != "" {
		influx, err := influxx.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "influx_init_failed", "stage telemetry disabled",
				slog.String("error", err.Error()),
			)
		} else {
			defer influx.Close()
			telemetry = influx
		}
	}

	codec := domain.Codec{}
	eventStore := repos.NewEventStore(dbPool, codec, outbox.NewRepo(dbPool))
	repo := &es.Repository{
		Events:        eventStore,
		Snapshots:     repos.NewSnapshotsRepo(dbPool),
		Codec:         codec,
		SnapshotEvery: int64(cfg.SnapshotEvery),
		Log:           logger,
	}
	handler := &commands.Handler{Repo: repo}
	provisioner := &saga.Provisioner{
		Repo:      repo,
		Configs:   repos.NewVMwareConfigRepo(dbPool, cache, time.Duration(cfg.ConfigCacheTTLSec)*time.Second, logger),
		Port:      bridge,
		Log:       logger,
		Telemetry: telemetry,
	}
	lockTTL := time.Duration(cfg.SagaLockTTLSec) * time.Second

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues: map[string]int{
			cfg.AsynqQueue: 1,
		},
	})
	defer server.Shutdown()

	mux := asynq.NewServeMux()
	mux.HandleFunc(events.TaskProvisionVM, func(ctx context.Context, t *asynq.Task) error {
		var task events.ProvisionVMTask
		if err := json.Unmarshal(t.Payload(), &task); err != nil {
			return fmt.Errorf("decode provision task: %w", err)
		}
		ctx = tenantx.WithTenant(ctx, tenantx.TenantContext{
			ID:            task.TenantID,
			UserID:        task.UserID,
			CorrelationID: task.CorrelationID,
		})

		// One saga run per aggregate at a time; a held lock means another
		// worker is mid-run, so back off and let asynq redeliver.
		lock, acquired, err := lockx.Acquire(ctx, cache.Client(), "saga:vm:"+task.VMID.String(), lockTTL)
		if err != nil {
			return err
		}
		if !acquired {
			return fmt.Errorf("vm %s saga already running", task.VMID)
		}
		defer func() { _ = lockx.Release(ctx, cache.Client(), lock) }()

		if _, err := handler.BeginProvisioning(ctx, task); err != nil {
			return err
		}
		return provisioner.Run(ctx, task.VMID)
	})
	mux.HandleFunc(events.TaskProjectCommand, func(ctx context.Context, t *asynq.Task) error {
		var task events.ProjectCommandTask
		if err := json.Unmarshal(t.Payload(), &task); err != nil {
			return fmt.Errorf("decode project command: %w", err)
		}
		ctx = tenantx.WithTenant(ctx, tenantx.TenantContext{
			ID:            task.TenantID,
			UserID:        task.UserID,
			CorrelationID: task.CorrelationID,
		})
		return handler.ApplyProjectCommand(ctx, task)
	})

	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			info, err := inspector.GetQueueInfo(cfg.AsynqQueue)
			if err != nil {
				continue
			}
			metricsx.SetAsynqQueueDepth(cfg.AsynqQueue, info.Size)
		}
	}()

	httpSrv := healthServer(cfg, version, dbPool.Ping)

	errCh := make(chan error, 2)
	go func() {
		logger.Info(context.Background(), "worker_start", "core worker started",
			slog.String("queue", cfg.AsynqQueue),
			slog.Int("concurrency", cfg.AsynqConcurrency),
			slog.Int("snapshot_every", cfg.SnapshotEvery),
		)
		errCh <- server.Run(mux)
	}()
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, asynq.ErrServerClosed) && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "worker_failed", "worker failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Info(context.Background(), "worker_stop", "core worker stopped")
}

func healthServer(cfg config.Config, version string, ping func(context.Context) error) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := ping(r.Context()); err != nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "database unavailable", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())

	return &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func fatal(logger logx.Logger, event string, err error) {
	logger.Error(context.Background(), event, "startup failed",
		slog.String("error_code", "FAILED_PRECONDITION"),
		slog.String("error", err.Error()),
	)
	os.Exit(1)
}
