package main

import (
	"context"
	"crypto/subtle"
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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"vm-provision-portal/bridge/internal/sim"
	"vm-provision-portal/shared/config"
	"vm-provision-portal/shared/httpx"
	"vm-provision-portal/shared/logx"
	"vm-provision-portal/shared/metricsx"
	"vm-provision-portal/shared/observability"
)

const maxBodyBytes = 1 << 20

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

type createTaskRequest struct {
	Name       string `json:"name"`
	Template   string `json:"template"`
	CPU        int    `json:"cpu"`
	MemoryGB   int    `json:"memory_gb"`
	VCenterURL string `json:"vcenter_url"`
	Datacenter string `json:"datacenter"`
	Cluster    string `json:"cluster"`
	Datastore  string `json:"datastore"`
	Network    string `json:"network"`
	Folder     string `json:"folder,omitempty"`
}

type taskErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Name    string `json:"name,omitempty"`
}

type taskErrorEnvelope struct {
	Error taskErrorBody `json:"error"`
}

type taskStatusResponse struct {
	State     string         `json:"state"`
	Stage     string         `json:"stage,omitempty"`
	VMID      string         `json:"vm_id,omitempty"`
	IPAddress *string        `json:"ip_address,omitempty"`
	Hostname  string         `json:"hostname,omitempty"`
	Warning   *string        `json:"warning,omitempty"`
	Error     *taskErrorBody `json:"error,omitempty"`
}

func main() {
	cfg, readyProblems := config.Load("bridge", 8091)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

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

	simulator := sim.New(sim.Options{
		Templates:  cfg.BridgeTemplates,
		StageDelay: time.Duration(cfg.BridgeStageDelayMS) * time.Millisecond,
	})

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
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())

	mux.HandleFunc("POST /api/v1/vms", func(w http.ResponseWriter, r *http.Request) {
		var req createTaskRequest
		dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
		if err := dec.Decode(&req); err != nil {
			writeTaskError(w, http.StatusBadRequest, taskErrorBody{
				Code:    sim.CodeInvalidConfiguration,
				Message: "invalid JSON body",
			})
			return
		}
		taskID, err := simulator.Submit(sim.CreateSpec{
			Name:       req.Name,
			Template:   req.Template,
			CPU:        req.CPU,
			MemoryGB:   req.MemoryGB,
			VCenterURL: req.VCenterURL,
			Datacenter: req.Datacenter,
			Cluster:    req.Cluster,
			Datastore:  req.Datastore,
			Network:    req.Network,
			Folder:     req.Folder,
		})
		if err != nil {
			var submitErr *sim.SubmitError
			if errors.As(err, &submitErr) {
				writeTaskError(w, submitErr.Status, taskErrorBody{
					Code:    submitErr.Err.Code,
					Message: submitErr.Err.Message,
					Field:   submitErr.Err.Field,
					Kind:    submitErr.Err.Kind,
					Name:    submitErr.Err.Name,
				})
				return
			}
			writeTaskError(w, http.StatusInternalServerError, taskErrorBody{
				Code:    sim.CodeConnectionError,
				Message: "task submission failed",
			})
			return
		}
		logger.Info(r.Context(), "task_submitted", "provisioning task accepted",
			slog.String("task_id", taskID),
			slog.String("vm_name", req.Name),
			slog.String("template", req.Template),
		)
		httpx.WriteJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
	})

	mux.HandleFunc("GET /api/v1/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		status, ok := simulator.Status(r.PathValue("id"))
		if !ok {
			writeTaskError(w, http.StatusNotFound, taskErrorBody{
				Code: sim.CodeResourceNotFound,
				Kind: "task",
				Name: r.PathValue("id"),
			})
			return
		}
		out := taskStatusResponse{
			State:     status.State,
			Stage:     status.Stage,
			VMID:      status.VMID,
			IPAddress: status.IPAddress,
			Hostname:  status.Hostname,
			Warning:   status.Warning,
		}
		if status.Error != nil {
			out.Error = &taskErrorBody{
				Code:    status.Error.Code,
				Message: status.Error.Message,
				Field:   status.Error.Field,
				Kind:    status.Error.Kind,
				Name:    status.Error.Name,
			}
		}
		httpx.WriteJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc("DELETE /api/v1/vms/{id}", func(w http.ResponseWriter, r *http.Request) {
		vmID := r.PathValue("id")
		if !simulator.Delete(vmID) {
			writeTaskError(w, http.StatusNotFound, taskErrorBody{
				Code: sim.CodeResourceNotFound,
				Kind: "vm",
				Name: vmID,
			})
			return
		}
		logger.Info(r.Context(), "vm_deleted", "vm deleted", slog.String("vm_id", vmID))
		w.WriteHeader(http.StatusNoContent)
	})

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	handler := httpx.WrapServeMux(mux, notFound)
	handler = withBearerToken(cfg.VsphereBridgeToken, handler)
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
			slog.Int("stage_delay_ms", cfg.BridgeStageDelayMS),
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
	logger.Info(context.Background(), "service_stop", "service stopped")
}

func writeTaskError(w http.ResponseWriter, statusCode int, body taskErrorBody) {
	httpx.WriteJSON(w, statusCode, taskErrorEnvelope{Error: body})
}

// withBearerToken guards the task API with the shared bridge token. An empty
// configured token disables the check for local development.
func withBearerToken(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token == "" || r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			writeTaskError(w, http.StatusUnauthorized, taskErrorBody{
				Code:    "AUTHENTICATION_FAILED",
				Message: "invalid bridge token",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
