// The alerts worker watches vm.events for provisioning failures and raises
// an alert when failures for one tenant/template pair accumulate inside a
// sliding window. Alerts are stored for the portal, published to Kafka for
// downstream automation, and pushed to a Redis channel for live dashboards.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"vm-provision-portal/api/internal/models"
	"vm-provision-portal/api/internal/repos"
	"vm-provision-portal/shared/cachex"
	"vm-provision-portal/shared/config"
	"vm-provision-portal/shared/dbx"
	"vm-provision-portal/shared/events"
	"vm-provision-portal/shared/influxx"
	"vm-provision-portal/shared/logx"
	"vm-provision-portal/shared/metricsx"
	"vm-provision-portal/shared/mqx"
	"vm-provision-portal/shared/observability"
	"vm-provision-portal/shared/tenantx"
)

const (
	eventVMFailed = "vm.provisioning_failed"
	alertChannel  = "provisioning.alerts"
)

type failedPayload struct {
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
	Retriable    bool   `json:"retriable"`
	RetryCount   int    `json:"retry_count"`
}

func main() {
	cfg, problems := config.Load("alerts-worker", 8084)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if cfg.KafkaGroupID == "" {
		problems = append(problems, config.Problem{Field: "KAFKA_CONSUMER_GROUP", Message: "KAFKA_CONSUMER_GROUP is required"})
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
		logger.Error(context.Background(), "db_init_failed", "db init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer dbPool.Close()

	alertsRepo := repos.NewAlertsRepo(dbPool)
	vmsRepo := repos.NewVMsRepo(dbPool)

	producer, err := mqx.NewProducer(cfg)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka producer init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer producer.Close()

	var cacheClient *cachex.Client
	if cfg.RedisAddr != "" {
		cacheClient, err = cachex.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "redis_init_failed", "redis init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	}
	if cacheClient != nil {
		defer cacheClient.Close()
	}

	var influxClient *influxx.Client
	if cfg.InfluxURL != "" && cfg.InfluxToken != "" && cfg.InfluxOrg != "" && cfg.InfluxBucket != "" {
		influxClient, err = influxx.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "influx_init_failed", "influx init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	}
	if influxClient != nil {
		defer influxClient.Close()
	}

	reader, err := mqx.NewConsumer(cfg, events.TopicVMEvents, cfg.KafkaGroupID)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka reader init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer reader.Close()

	watcher := &failureWatcher{
		windows:    make(map[string]*failureWindow),
		lastAlert:  make(map[string]time.Time),
		window:     time.Duration(cfg.AlertWindowSec) * time.Second,
		cooldown:   time.Duration(cfg.AlertCooldownSec) * time.Second,
		thresholds: [3]int{cfg.AlertFailuresL1, cfg.AlertFailuresL2, cfg.AlertFailuresL3},
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	logger.Info(ctx, "worker_start", "alerts worker started",
		slog.String("topic", events.TopicVMEvents),
		slog.String("group", cfg.KafkaGroupID),
		slog.Int("window_seconds", cfg.AlertWindowSec),
	)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			logger.Error(ctx, "kafka_fetch_failed", "failed to fetch message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		spanCtx, span := otel.Tracer("mqx").Start(ctx, "kafka.consume")
		span.SetAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
		)
		if err := handleVMEvent(spanCtx, msg.Value, watcher, cfg, alertsRepo, vmsRepo, producer, cacheClient, influxClient, logger); err != nil {
			// Alerting is best effort over a sliding window; a dropped
			// failure event undercounts one window, so the offset still
			// advances rather than wedging the consumer.
			logger.Error(ctx, "event_handle_failed", "failed to handle event",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
		span.End()
		if err := reader.CommitMessages(ctx, msg); err != nil {
			logger.Error(ctx, "kafka_commit_failed", "failed to commit message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
		metricsx.SetKafkaLag(msg.Topic, cfg.KafkaGroupID, reader.Stats().Lag)
	}

	logger.Info(context.Background(), "worker_stop", "alerts worker stopped")
}

func handleVMEvent(
	ctx context.Context,
	payload []byte,
	watcher *failureWatcher,
	cfg config.Config,
	alertsRepo *repos.AlertsRepo,
	vmsRepo *repos.VMsRepo,
	producer *mqx.Producer,
	cacheClient *cachex.Client,
	influxClient *influxx.Client,
	logger logx.Logger,
) error {
	var envelope events.Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return err
	}
	if envelope.EventType != eventVMFailed || envelope.TenantID == uuid.Nil {
		return nil
	}
	var failure failedPayload
	if err := json.Unmarshal(envelope.Payload, &failure); err != nil {
		return err
	}

	template := lookupTemplate(ctx, vmsRepo, envelope)
	now := time.Now().UTC()
	count, level := watcher.recordFailure(envelope.TenantID, template, now)

	if influxClient != nil {
		_ = influxClient.WritePoint(ctx, "provisioning_failure", map[string]string{
			"tenant_id":  envelope.TenantID.String(),
			"template":   template,
			"error_code": failure.ErrorCode,
		}, map[string]any{
			"count":     1,
			"retriable": failure.Retriable,
			"window":    count,
		}, now)
	}

	if level == "" || !watcher.shouldAlert(envelope.TenantID, template, now) {
		return nil
	}

	errorCode := failure.ErrorCode
	message := "provisioning failures at level " + level + " for template " + template
	alert, err := alertsRepo.CreateAlert(ctx, models.ProvisioningAlert{
		TenantID:      envelope.TenantID,
		Template:      template,
		Level:         level,
		FailureCount:  count,
		WindowSeconds: cfg.AlertWindowSec,
		LastErrorCode: &errorCode,
		Message:       &message,
		DetectedAt:    now,
	})
	if err != nil {
		return err
	}

	alertPayload, _ := json.Marshal(map[string]any{
		"alert_id":      alert.AlertID,
		"tenant_id":     alert.TenantID,
		"template":      alert.Template,
		"level":         alert.Level,
		"failure_count": alert.FailureCount,
		"error_code":    failure.ErrorCode,
		"detected_at":   alert.DetectedAt,
	})
	_ = producer.Publish(ctx, events.TopicProvisioningAlerts, []byte(alert.TenantID.String()), alertPayload, map[string]string{
		"tenant_id": alert.TenantID.String(),
	})
	if cacheClient != nil {
		_ = cacheClient.Client().Publish(ctx, alertChannel, string(alertPayload)).Err()
	}

	logger.Info(ctx, "provisioning_alert", "provisioning alert emitted",
		slog.String("tenant_id", alert.TenantID.String()),
		slog.String("template", alert.Template),
		slog.String("level", alert.Level),
		slog.Int("failure_count", alert.FailureCount),
	)
	return nil
}

// lookupTemplate resolves the failed VM's template from the read model. The
// projection may not have caught up yet; "unknown" is acceptable for alerting.
func lookupTemplate(ctx context.Context, vmsRepo *repos.VMsRepo, envelope events.Envelope) string {
	ctx = tenantx.WithTenant(ctx, tenantx.TenantContext{
		ID:            envelope.TenantID,
		CorrelationID: envelope.CorrelationID,
	})
	rec, err := vmsRepo.Get(ctx, envelope.AggregateID)
	if err != nil || rec.Template == "" {
		return "unknown"
	}
	return rec.Template
}

type failureWindow struct {
	failures []time.Time
}

// failureWatcher keeps one sliding window per tenant/template pair and a
// cooldown so a sustained breakage does not emit an alert per event.
type failureWatcher struct {
	mu         sync.Mutex
	windows    map[string]*failureWindow
	lastAlert  map[string]time.Time
	window     time.Duration
	cooldown   time.Duration
	thresholds [3]int
}

func (w *failureWatcher) recordFailure(tenantID uuid.UUID, template string, now time.Time) (int, string) {
	key := tenantID.String() + "|" + template

	w.mu.Lock()
	defer w.mu.Unlock()

	win := w.windows[key]
	if win == nil {
		win = &failureWindow{}
		w.windows[key] = win
	}
	win.failures = append(win.failures, now)
	cutoff := now.Add(-w.window)
	idx := 0
	for _, ts := range win.failures {
		if ts.After(cutoff) {
			win.failures[idx] = ts
			idx++
		}
	}
	win.failures = win.failures[:idx]

	count := len(win.failures)
	level := ""
	switch {
	case count >= w.thresholds[2]:
		level = "L3"
	case count >= w.thresholds[1]:
		level = "L2"
	case count >= w.thresholds[0]:
		level = "L1"
	}
	return count, level
}

func (w *failureWatcher) shouldAlert(tenantID uuid.UUID, template string, now time.Time) bool {
	key := tenantID.String() + "|" + template

	w.mu.Lock()
	defer w.mu.Unlock()

	last := w.lastAlert[key]
	if !last.IsZero() && now.Sub(last) < w.cooldown {
		return false
	}
	w.lastAlert[key] = now
	return true
}
