package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"vm-provision-portal/api/internal/middleware"
	"vm-provision-portal/api/internal/models"
	"vm-provision-portal/api/internal/repos"
	"vm-provision-portal/shared/authx"
	"vm-provision-portal/shared/config"
	"vm-provision-portal/shared/dbx"
	"vm-provision-portal/shared/events"
	"vm-provision-portal/shared/httpx"
	"vm-provision-portal/shared/logx"
	"vm-provision-portal/shared/metricsx"
	"vm-provision-portal/shared/observability"
	"vm-provision-portal/shared/tenantx"
	"vm-provision-portal/shared/workflow"
)

const maxBodyBytes = 1 << 20

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

type createRequestPayload struct {
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	CPU       int    `json:"cpu"`
	MemoryGB  int    `json:"memory_gb"`
	Template  string `json:"template"`
}

type rejectRequestPayload struct {
	Reason string `json:"reason"`
}

type projectPayload struct {
	Name string `json:"name"`
}

type requestResponse struct {
	RequestID string     `json:"request_id"`
	ProjectID string     `json:"project_id"`
	Requester string     `json:"requester_id"`
	Name      string     `json:"name"`
	CPU       int        `json:"cpu"`
	MemoryGB  int        `json:"memory_gb"`
	Template  string     `json:"template"`
	Status    string     `json:"status"`
	Reason    *string    `json:"reason,omitempty"`
	VMID      *string    `json:"vm_id,omitempty"`
	DecidedBy *string    `json:"decided_by,omitempty"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type vmResponse struct {
	VMID           string    `json:"vm_id"`
	RequestID      string    `json:"request_id"`
	ProjectID      string    `json:"project_id"`
	Name           string    `json:"name"`
	CPU            int       `json:"cpu"`
	MemoryGB       int       `json:"memory_gb"`
	Template       string    `json:"template"`
	Status         string    `json:"status"`
	Stage          string    `json:"stage,omitempty"`
	VMwareVMID     *string   `json:"vmware_vm_id,omitempty"`
	IPAddress      *string   `json:"ip_address,omitempty"`
	Hostname       *string   `json:"hostname,omitempty"`
	WarningMessage *string   `json:"warning_message,omitempty"`
	ErrorCode      *string   `json:"error_code,omitempty"`
	ErrorMessage   *string   `json:"error_message,omitempty"`
	Retriable      bool      `json:"retriable"`
	RetryCount     int       `json:"retry_count"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type projectResponse struct {
	ProjectID string    `json:"project_id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

type alertResponse struct {
	AlertID       string    `json:"alert_id"`
	Template      string    `json:"template"`
	Level         string    `json:"level"`
	FailureCount  int       `json:"failure_count"`
	WindowSeconds int       `json:"window_seconds"`
	LastErrorCode *string   `json:"last_error_code,omitempty"`
	Message       *string   `json:"message,omitempty"`
	DetectedAt    time.Time `json:"detected_at"`
}

func main() {
	cfg, readyProblems := config.Load("api", 8080)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.AsynqRedisAddr == "" {
		readyProblems = append(readyProblems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
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

	var dbPool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		var err error
		dbPool, err = dbx.NewPool(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "failed to connect to database"})
			logger.Error(context.Background(), "db_init_failed", "database init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	}

	tenantsRepo := repos.NewTenantsRepo(dbPool)
	usersRepo := repos.NewUsersRepo(dbPool)
	auditRepo := repos.NewAuditRepo(dbPool)
	requestsRepo := repos.NewRequestsRepo(dbPool)
	vmsRepo := repos.NewVMsRepo(dbPool)
	projectsRepo := repos.NewProjectsRepo(dbPool)
	alertsRepo := repos.NewAlertsRepo(dbPool)

	taskClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	})
	defer taskClient.Close()

	enqueue := func(ctx context.Context, taskType string, payload any) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		_, err = taskClient.EnqueueContext(ctx, asynq.NewTask(taskType, data), asynq.Queue(cfg.AsynqQueue))
		return err
	}

	var verifier *authx.JWTVerifier
	if cfg.OIDCIssuer != "" && cfg.OIDCAudience != "" {
		var err error
		verifier, err = authx.NewJWTVerifier(cfg.OIDCIssuer, cfg.OIDCAudience, cfg.OIDCJWKSURL, cfg.JWKSTTLSeconds, cfg.JWTClockSkewSec)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "OIDC_ISSUER", Message: "failed to initialize JWT verifier"})
		}
	}

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
		if len(readyProblems) > 0 {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: invalid configuration",
				map[string]any{"problems": readyProblems},
			)
			return
		}
		if err := dbx.Ping(r.Context(), dbPool); err != nil {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: database unavailable",
				map[string]any{"problem": "db_ping_failed"},
			)
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

	mux.HandleFunc("GET /api/v1/me", func(w http.ResponseWriter, r *http.Request) {
		auth, ok := authx.FromContext(r.Context())
		if !ok {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing auth context", nil)
			return
		}
		tenant, ok := tenantx.FromContext(r.Context())
		if !ok || tenant.ID == uuid.Nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "missing tenant", nil)
			return
		}
		role := ""
		if len(auth.Roles) > 0 {
			role = auth.Roles[0]
		}
		user, err := usersRepo.UpsertUserFromOIDC(r.Context(), tenant.ID, auth.Subject, auth.Email, auth.Name, role)
		if err != nil {
			logger.Warn(r.Context(), "user_upsert_failed", "failed to upsert user",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			httpx.WriteJSON(w, http.StatusOK, map[string]any{
				"subject": auth.Subject,
				"email":   auth.Email,
				"name":    auth.Name,
				"roles":   auth.Roles,
			})
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"user_id":       user.UserID,
			"subject":       user.Subject,
			"email":         user.Email,
			"name":          user.DisplayName,
			"role":          user.Role,
			"roles":         auth.Roles,
			"last_login_at": user.LastLoginAt,
		})
	})
	mux.HandleFunc("GET /api/v1/tenants/current", func(w http.ResponseWriter, r *http.Request) {
		tenant, ok := tenantx.FromContext(r.Context())
		if !ok || tenant.ID == uuid.Nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "missing tenant", nil)
			return
		}
		record, err := tenantsRepo.GetTenantByID(r.Context(), tenant.ID)
		if err != nil {
			httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "tenant not found", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"tenant_id": record.TenantID,
			"slug":      record.Slug,
			"name":      record.Name,
		})
	})

	mux.HandleFunc("POST /api/v1/requests", func(w http.ResponseWriter, r *http.Request) {
		var payload createRequestPayload
		if !decodeBody(w, r, &payload) {
			return
		}
		projectID, err := uuid.Parse(strings.TrimSpace(payload.ProjectID))
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "project_id must be a uuid", nil)
			return
		}
		payload.Name = strings.TrimSpace(payload.Name)
		payload.Template = strings.TrimSpace(payload.Template)
		if payload.Name == "" || payload.Template == "" {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "name and template are required", nil)
			return
		}
		if payload.CPU <= 0 || payload.MemoryGB <= 0 {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "cpu and memory_gb must be > 0", nil)
			return
		}
		if _, err := projectsRepo.Get(r.Context(), projectID); err != nil {
			writeRepoError(w, r, err, "project")
			return
		}
		created, err := requestsRepo.Create(r.Context(), models.VMRequest{
			ProjectID: projectID,
			Name:      payload.Name,
			CPU:       payload.CPU,
			MemoryGB:  payload.MemoryGB,
			Template:  payload.Template,
		})
		if err != nil {
			writeRepoError(w, r, err, "request")
			return
		}
		httpx.WriteJSON(w, http.StatusCreated, toRequestResponse(created))
	})

	mux.HandleFunc("GET /api/v1/requests", func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pagination(r)
		list, err := requestsRepo.List(r.Context(), r.URL.Query().Get("status"), limit, offset)
		if err != nil {
			writeRepoError(w, r, err, "request")
			return
		}
		out := make([]requestResponse, 0, len(list))
		for _, req := range list {
			out = append(out, toRequestResponse(req))
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"requests": out})
	})

	mux.HandleFunc("GET /api/v1/requests/{id}", func(w http.ResponseWriter, r *http.Request) {
		requestID, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		req, err := requestsRepo.Get(r.Context(), requestID)
		if err != nil {
			writeRepoError(w, r, err, "request")
			return
		}
		httpx.WriteJSON(w, http.StatusOK, toRequestResponse(req))
	})

	mux.HandleFunc("POST /api/v1/requests/{id}/approve", func(w http.ResponseWriter, r *http.Request) {
		requestID, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		tenant, err := tenantx.Require(r.Context())
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "missing tenant", nil)
			return
		}
		decidedBy := tenant.UserID
		approved, err := requestsRepo.Transition(r.Context(), requestID,
			workflow.RequestStatusPending, workflow.RequestStatusApproved, &decidedBy, nil, nil)
		if err != nil {
			writeRepoError(w, r, err, "request")
			return
		}

		vmID := uuid.New()
		if approved.VMID != nil {
			// A prior approve already handed this request to a worker.
			vmID = *approved.VMID
		}
		err = enqueue(r.Context(), events.TaskProvisionVM, events.ProvisionVMTask{
			TenantID:      tenant.ID,
			UserID:        tenant.UserID,
			CorrelationID: tenant.CorrelationID,
			VMID:          vmID,
			RequestID:     approved.RequestID,
			ProjectID:     approved.ProjectID,
			Name:          approved.Name,
			CPU:           approved.CPU,
			MemoryGB:      approved.MemoryGB,
			Template:      approved.Template,
		})
		if err != nil {
			// Request stays approved; a retried approve re-enqueues it.
			logger.Error(r.Context(), "provision_enqueue_failed", "failed to enqueue provisioning",
				slog.String("error_code", "UNAVAILABLE"),
				slog.String("request_id", approved.RequestID.String()),
				slog.String("error", err.Error()),
			)
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "failed to enqueue provisioning task", nil)
			return
		}
		updated, err := requestsRepo.Transition(r.Context(), requestID,
			workflow.RequestStatusApproved, workflow.RequestStatusProvisioning, nil, nil, &vmID)
		if err != nil {
			// The projector flips the request once provisioning events land.
			logger.Warn(r.Context(), "request_flip_deferred", "request left approved after enqueue",
				slog.String("request_id", approved.RequestID.String()),
				slog.String("error", err.Error()),
			)
			updated = approved
		}
		httpx.WriteJSON(w, http.StatusAccepted, toRequestResponse(updated))
	})

	mux.HandleFunc("POST /api/v1/requests/{id}/reject", func(w http.ResponseWriter, r *http.Request) {
		requestID, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		tenant, err := tenantx.Require(r.Context())
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "missing tenant", nil)
			return
		}
		var payload rejectRequestPayload
		if !decodeBody(w, r, &payload) {
			return
		}
		payload.Reason = strings.TrimSpace(payload.Reason)
		if payload.Reason == "" {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "reason is required", nil)
			return
		}
		decidedBy := tenant.UserID
		rejected, err := requestsRepo.Transition(r.Context(), requestID,
			workflow.RequestStatusPending, workflow.RequestStatusRejected, &decidedBy, &payload.Reason, nil)
		if err != nil {
			writeRepoError(w, r, err, "request")
			return
		}
		httpx.WriteJSON(w, http.StatusOK, toRequestResponse(rejected))
	})

	mux.HandleFunc("GET /api/v1/vms", func(w http.ResponseWriter, r *http.Request) {
		var projectFilter *uuid.UUID
		if raw := strings.TrimSpace(r.URL.Query().Get("project_id")); raw != "" {
			projectID, err := uuid.Parse(raw)
			if err != nil {
				httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "project_id must be a uuid", nil)
				return
			}
			projectFilter = &projectID
		}
		limit, offset := pagination(r)
		list, err := vmsRepo.List(r.Context(), projectFilter, limit, offset)
		if err != nil {
			writeRepoError(w, r, err, "vm")
			return
		}
		out := make([]vmResponse, 0, len(list))
		for _, rec := range list {
			out = append(out, toVMResponse(rec))
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"vms": out})
	})

	mux.HandleFunc("GET /api/v1/vms/{id}", func(w http.ResponseWriter, r *http.Request) {
		vmID, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		rec, err := vmsRepo.Get(r.Context(), vmID)
		if err != nil {
			writeRepoError(w, r, err, "vm")
			return
		}
		httpx.WriteJSON(w, http.StatusOK, toVMResponse(rec))
	})

	mux.HandleFunc("GET /api/v1/projects", func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pagination(r)
		list, err := projectsRepo.List(r.Context(), limit, offset)
		if err != nil {
			writeRepoError(w, r, err, "project")
			return
		}
		out := make([]projectResponse, 0, len(list))
		for _, rec := range list {
			out = append(out, toProjectResponse(rec))
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"projects": out})
	})

	mux.HandleFunc("GET /api/v1/projects/{id}", func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		rec, err := projectsRepo.Get(r.Context(), projectID)
		if err != nil {
			writeRepoError(w, r, err, "project")
			return
		}
		httpx.WriteJSON(w, http.StatusOK, toProjectResponse(rec))
	})

	projectCommand := func(w http.ResponseWriter, r *http.Request, projectID uuid.UUID, command string, name string) {
		tenant, err := tenantx.Require(r.Context())
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "missing tenant", nil)
			return
		}
		err = enqueue(r.Context(), events.TaskProjectCommand, events.ProjectCommandTask{
			TenantID:      tenant.ID,
			UserID:        tenant.UserID,
			CorrelationID: tenant.CorrelationID,
			ProjectID:     projectID,
			Command:       command,
			Name:          name,
		})
		if err != nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "failed to enqueue project command", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusAccepted, map[string]any{
			"project_id": projectID.String(),
			"command":    command,
		})
	}

	mux.HandleFunc("POST /api/v1/projects", func(w http.ResponseWriter, r *http.Request) {
		var payload projectPayload
		if !decodeBody(w, r, &payload) {
			return
		}
		payload.Name = strings.TrimSpace(payload.Name)
		if payload.Name == "" {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "name is required", nil)
			return
		}
		projectCommand(w, r, uuid.New(), "create", payload.Name)
	})
	mux.HandleFunc("POST /api/v1/projects/{id}/archive", func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		projectCommand(w, r, projectID, "archive", "")
	})
	mux.HandleFunc("POST /api/v1/projects/{id}/unarchive", func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		projectCommand(w, r, projectID, "unarchive", "")
	})

	mux.HandleFunc("GET /api/v1/alerts", func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pagination(r)
		list, err := alertsRepo.List(r.Context(), limit, offset)
		if err != nil {
			writeRepoError(w, r, err, "alert")
			return
		}
		out := make([]alertResponse, 0, len(list))
		for _, rec := range list {
			out = append(out, toAlertResponse(rec))
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"alerts": out})
	})

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	skipInfra := func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics"
	}

	handler := httpx.WrapServeMux(mux, notFound)
	handler = middleware.DBRequiredMiddleware{
		Pool: dbPool,
		Skip: skipInfra,
	}.Wrap(handler)
	handler = middleware.AuditMiddleware{
		Enabled: cfg.AuditEnabled,
		Repo:    auditRepo,
		Logger:  logger,
		Skip:    skipInfra,
	}.Wrap(handler)
	handler = middleware.TenantMiddleware{
		Tenants: tenantsRepo,
		Skip:    skipInfra,
	}.Wrap(handler)
	handler = middleware.AuthMiddleware{
		Verifier: verifier,
		Skip:     skipInfra,
	}.Wrap(handler)
	handler = middleware.RateLimitMiddleware{
		Limiter: middleware.NewIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 2*time.Minute),
		Skip:    skipInfra,
	}.Wrap(handler)
	handler = middleware.CORSMiddleware{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Tenant-ID", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           10 * time.Minute,
		Skip:             skipInfra,
	}.Wrap(handler)
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = metricsx.Instrument(handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	handler = otelhttp.NewHandler(handler, "http")

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.Int("request_timeout_ms", cfg.RequestTimeoutMS),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	if dbPool != nil {
		dbPool.Close()
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid JSON body", nil)
		return false
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", name+" must be a uuid", nil)
		return uuid.Nil, false
	}
	return id, true
}

func pagination(r *http.Request) (int, int) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func writeRepoError(w http.ResponseWriter, r *http.Request, err error, resource string) {
	switch {
	case errors.Is(err, tenantx.ErrNoTenant):
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "missing tenant", nil)
	case errors.Is(err, repos.ErrNotFound):
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", resource+" not found", nil)
	case errors.Is(err, repos.ErrStatusConflict):
		httpx.WriteError(w, r, http.StatusConflict, "FAILED_PRECONDITION", "request is not in a state that allows this action", nil)
	default:
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "unexpected storage error", nil)
	}
}

func toRequestResponse(req models.VMRequest) requestResponse {
	out := requestResponse{
		RequestID: req.RequestID.String(),
		ProjectID: req.ProjectID.String(),
		Requester: req.Requester.String(),
		Name:      req.Name,
		CPU:       req.CPU,
		MemoryGB:  req.MemoryGB,
		Template:  req.Template,
		Status:    req.Status,
		Reason:    req.Reason,
		DecidedAt: req.DecidedAt,
		CreatedAt: req.CreatedAt,
		UpdatedAt: req.UpdatedAt,
	}
	if req.VMID != nil {
		s := req.VMID.String()
		out.VMID = &s
	}
	if req.DecidedBy != nil {
		s := req.DecidedBy.String()
		out.DecidedBy = &s
	}
	return out
}

func toVMResponse(rec models.VMRecord) vmResponse {
	return vmResponse{
		VMID:           rec.VMID.String(),
		RequestID:      rec.RequestID.String(),
		ProjectID:      rec.ProjectID.String(),
		Name:           rec.Name,
		CPU:            rec.CPU,
		MemoryGB:       rec.MemoryGB,
		Template:       rec.Template,
		Status:         rec.Status,
		Stage:          rec.Stage,
		VMwareVMID:     rec.VMwareVMID,
		IPAddress:      rec.IPAddress,
		Hostname:       rec.Hostname,
		WarningMessage: rec.WarningMessage,
		ErrorCode:      rec.ErrorCode,
		ErrorMessage:   rec.ErrorMessage,
		Retriable:      rec.Retriable,
		RetryCount:     rec.RetryCount,
		UpdatedAt:      rec.UpdatedAt,
	}
}

func toProjectResponse(rec models.ProjectRecord) projectResponse {
	return projectResponse{
		ProjectID: rec.ProjectID.String(),
		Name:      rec.Name,
		Status:    rec.Status,
		UpdatedAt: rec.UpdatedAt,
	}
}

func toAlertResponse(rec models.ProvisioningAlert) alertResponse {
	return alertResponse{
		AlertID:       rec.AlertID.String(),
		Template:      rec.Template,
		Level:         rec.Level,
		FailureCount:  rec.FailureCount,
		WindowSeconds: rec.WindowSeconds,
		LastErrorCode: rec.LastErrorCode,
		Message:       rec.Message,
		DetectedAt:    rec.DetectedAt,
	}
}
