package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"vm-provision-portal/api/internal/projection"
	"vm-provision-portal/api/internal/repos"
	"vm-provision-portal/shared/config"
	"vm-provision-portal/shared/dbx"
	"vm-provision-portal/shared/events"
	"vm-provision-portal/shared/logx"
	"vm-provision-portal/shared/metricsx"
	"vm-provision-portal/shared/mqx"
	"vm-provision-portal/shared/observability"
)

func main() {
	cfg, problems := config.Load("projection-consumer", 8082)
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

	topics := []string{events.TopicVMEvents, events.TopicProjectEvents}
	reader, err := mqx.NewGroupConsumer(cfg, topics, cfg.KafkaGroupID)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka reader init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer reader.Close()

	producer, err := mqx.NewProducer(cfg)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka producer init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer producer.Close()

	projector := &projection.Projector{
		VMs:      repos.NewVMsRepo(dbPool),
		Projects: repos.NewProjectsRepo(dbPool),
		Requests: repos.NewRequestsRepo(dbPool),
		Log:      logger,
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	logger.Info(ctx, "consumer_start", "projection consumer started",
		slog.Any("topics", topics),
		slog.String("group", cfg.KafkaGroupID),
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
		// Fetching past a message that did not apply would let a later
		// commit advance the group offset over it, so this message is
		// retried in place; projection writes are idempotent.
		applyErr := applyWithRetry(spanCtx, func(c context.Context) error {
			return applyEnvelope(c, projector, msg.Value)
		}, projectionMaxAttempts, time.Sleep)
		span.End()
		if applyErr != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Error(ctx, "projection_failed", "failed to project event, parking on dead letter",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("topic", msg.Topic),
				slog.Int("attempts", projectionMaxAttempts),
				slog.String("error", applyErr.Error()),
			)
			// The offset may only move once the payload is parked.
			if !deadLetter(ctx, producer, msg, applyErr, logger) {
				break
			}
			metricsx.IncProjectionDeadLetter(msg.Topic)
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			logger.Error(ctx, "kafka_commit_failed", "failed to commit message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			continue
		}
		if applyErr == nil {
			metricsx.IncProjectionApplied(msg.Topic)
		}
		metricsx.SetKafkaLag(msg.Topic, cfg.KafkaGroupID, reader.Stats().Lag)
	}

	logger.Info(context.Background(), "consumer_stop", "projection consumer stopped")
}

func applyEnvelope(ctx context.Context, projector *projection.Projector, payload []byte) error {
	var envelope events.Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return err
	}
	return projector.Apply(ctx, envelope)
}

const projectionMaxAttempts = 8

// applyWithRetry keeps retrying one apply with growing backoff. The consumer
// must not move on while an apply is failing; the caller dead-letters the
// payload once the attempts are spent.
func applyWithRetry(ctx context.Context, apply func(context.Context) error, attempts int, sleep func(time.Duration)) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = apply(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if attempt < attempts {
			sleep(projectionRetryDelay(attempt))
		}
	}
	return err
}

func projectionRetryDelay(attempt int) time.Duration {
	d := time.Duration(attempt*attempt) * 250 * time.Millisecond
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	return d
}

// deadLetter publishes the unapplied payload to the dead-letter topic,
// retrying until it lands or the context is canceled. Returns false only on
// cancellation, with the offset still uncommitted.
func deadLetter(ctx context.Context, producer *mqx.Producer, msg kafka.Message, applyErr error, logger logx.Logger) bool {
	headers := map[string]string{
		"origin_topic": msg.Topic,
		"error":        applyErr.Error(),
	}
	for {
		err := producer.Publish(ctx, events.TopicProjectionDeadLetter, msg.Key, msg.Value, headers)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		logger.Error(ctx, "deadletter_publish_failed", "failed to publish dead letter",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("origin_topic", msg.Topic),
			slog.String("error", err.Error()),
		)
		time.Sleep(time.Second)
	}
}
