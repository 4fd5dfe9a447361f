package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	OIDCIssuer      string
	OIDCAudience    string
	OIDCJWKSURL     string
	JWKSTTLSeconds  int
	JWTClockSkewSec int

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	OutboxQueue      string
	AsynqConcurrency int

	KafkaBrokers  []string
	KafkaClientID string
	KafkaGroupID  string
	KafkaRetryMax int
	KafkaWriteMS  int

	OutboxScanSec     int
	OutboxBatchSize   int
	OutboxMaxAttempts int

	BridgeStageDelayMS int
	BridgeTemplates    []string

	VsphereBridgeURL    string
	VsphereBridgeToken  string
	VsphereTimeoutMS    int
	VsphereRetryMax     int
	VsphereNetworkWaitS int
	VspherePollMS       int

	SnapshotEvery     int
	SagaLockTTLSec    int
	ConfigCacheTTLSec int

	AuditEnabled bool

	AlertWindowSec   int
	AlertCooldownSec int
	AlertFailuresL1  int
	AlertFailuresL2  int
	AlertFailuresL3  int

	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	cfg := Config{
		Env:                 strings.TrimSpace(os.Getenv("ENV")),
		ServiceName:         serviceNameDefault,
		HTTPPort:            httpPortDefault,
		LogLevel:            "info",
		RequestTimeoutMS:    30000,
		OIDCIssuer:          strings.TrimSpace(os.Getenv("OIDC_ISSUER")),
		OIDCAudience:        strings.TrimSpace(os.Getenv("OIDC_AUDIENCE")),
		OIDCJWKSURL:         strings.TrimSpace(os.Getenv("OIDC_JWKS_URL")),
		JWKSTTLSeconds:      300,
		JWTClockSkewSec:     60,
		DatabaseURL:         strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DBMaxConns:          10,
		DBMinConns:          1,
		DBConnMaxIdleSec:    300,
		DBConnMaxLifeSec:    1800,
		RedisAddr:           strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		AsynqRedisAddr:      strings.TrimSpace(os.Getenv("ASYNQ_REDIS_ADDR")),
		AsynqRedisPass:      os.Getenv("ASYNQ_REDIS_PASSWORD"),
		AsynqQueue:          "provisioning",
		OutboxQueue:         "outbox",
		AsynqConcurrency:    10,
		KafkaBrokers:        parseCSV(os.Getenv("KAFKA_BROKERS")),
		KafkaClientID:       strings.TrimSpace(os.Getenv("KAFKA_CLIENT_ID")),
		KafkaGroupID:        strings.TrimSpace(os.Getenv("KAFKA_CONSUMER_GROUP")),
		KafkaRetryMax:       5,
		KafkaWriteMS:        5000,
		OutboxScanSec:       5,
		OutboxBatchSize:     50,
		OutboxMaxAttempts:   20,
		BridgeStageDelayMS:  500,
		BridgeTemplates:     parseCSV(os.Getenv("BRIDGE_TEMPLATES")),
		VsphereBridgeURL:    strings.TrimSpace(os.Getenv("VSPHERE_BRIDGE_URL")),
		VsphereBridgeToken:  strings.TrimSpace(os.Getenv("VSPHERE_BRIDGE_TOKEN")),
		VsphereTimeoutMS:    600000,
		VsphereRetryMax:     2,
		VsphereNetworkWaitS: 300,
		VspherePollMS:       2000,
		SnapshotEvery:       100,
		SagaLockTTLSec:      900,
		ConfigCacheTTLSec:   300,
		AlertWindowSec:      600,
		AlertCooldownSec:    300,
		AlertFailuresL1:     3,
		AlertFailuresL2:     5,
		AlertFailuresL3:     10,
		CORSAllowedOrigins:  parseCSV(os.Getenv("CORS_ALLOWED_ORIGINS")),
		RateLimitRPS:        10,
		RateLimitBurst:      20,
		InfluxURL:           strings.TrimSpace(os.Getenv("INFLUX_URL")),
		InfluxToken:         strings.TrimSpace(os.Getenv("INFLUX_TOKEN")),
		InfluxOrg:           strings.TrimSpace(os.Getenv("INFLUX_ORG")),
		InfluxBucket:        strings.TrimSpace(os.Getenv("INFLUX_BUCKET")),
		InfluxTimeoutMS:     5000,
		OtelEndpoint:        strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		OtelInsecure:        true,
		OtelSampleRatio:     1.0,
	}

	problems := make([]Problem, 0, 4)

	applyString(&cfg.LogLevel, "LOG_LEVEL")
	applyString(&cfg.AsynqQueue, "ASYNQ_QUEUE")
	applyString(&cfg.OutboxQueue, "OUTBOX_QUEUE")
	applyInt(&cfg.HTTPPort, "HTTP_PORT", &problems)
	applyInt(&cfg.RequestTimeoutMS, "REQUEST_TIMEOUT_MS", &problems)
	applyInt(&cfg.JWKSTTLSeconds, "JWKS_CACHE_TTL_SECONDS", &problems)
	applyInt(&cfg.JWTClockSkewSec, "JWT_CLOCK_SKEW_SECONDS", &problems)
	applyInt(&cfg.DBMaxConns, "DB_MAX_CONNS", &problems)
	applyInt(&cfg.DBMinConns, "DB_MIN_CONNS", &problems)
	applyInt(&cfg.DBConnMaxIdleSec, "DB_CONN_MAX_IDLE_SECONDS", &problems)
	applyInt(&cfg.DBConnMaxLifeSec, "DB_CONN_MAX_LIFETIME_SECONDS", &problems)
	applyInt(&cfg.RedisDB, "REDIS_DB", &problems)
	applyInt(&cfg.AsynqRedisDB, "ASYNQ_REDIS_DB", &problems)
	applyInt(&cfg.AsynqConcurrency, "ASYNQ_CONCURRENCY", &problems)
	applyInt(&cfg.KafkaRetryMax, "KAFKA_RETRY_MAX", &problems)
	applyInt(&cfg.KafkaWriteMS, "KAFKA_WRITE_TIMEOUT_MS", &problems)
	applyInt(&cfg.OutboxScanSec, "OUTBOX_SCAN_INTERVAL_SECONDS", &problems)
	applyInt(&cfg.OutboxBatchSize, "OUTBOX_BATCH_SIZE", &problems)
	applyInt(&cfg.OutboxMaxAttempts, "OUTBOX_MAX_ATTEMPTS", &problems)
	applyInt(&cfg.BridgeStageDelayMS, "BRIDGE_STAGE_DELAY_MS", &problems)
	applyInt(&cfg.VsphereTimeoutMS, "VSPHERE_TIMEOUT_MS", &problems)
	applyInt(&cfg.VsphereRetryMax, "VSPHERE_RETRY_MAX", &problems)
	applyInt(&cfg.VsphereNetworkWaitS, "VSPHERE_NETWORK_WAIT_SECONDS", &problems)
	applyInt(&cfg.VspherePollMS, "VSPHERE_POLL_INTERVAL_MS", &problems)
	applyInt(&cfg.SnapshotEvery, "SNAPSHOT_EVERY_EVENTS", &problems)
	applyInt(&cfg.SagaLockTTLSec, "SAGA_LOCK_TTL_SECONDS", &problems)
	applyInt(&cfg.ConfigCacheTTLSec, "VMWARE_CONFIG_CACHE_TTL_SECONDS", &problems)
	applyInt(&cfg.InfluxTimeoutMS, "INFLUX_TIMEOUT_MS", &problems)
	applyInt(&cfg.AlertWindowSec, "ALERT_WINDOW_SECONDS", &problems)
	applyInt(&cfg.AlertCooldownSec, "ALERT_COOLDOWN_SECONDS", &problems)
	applyInt(&cfg.AlertFailuresL1, "ALERT_FAILURES_L1", &problems)
	applyInt(&cfg.AlertFailuresL2, "ALERT_FAILURES_L2", &problems)
	applyInt(&cfg.AlertFailuresL3, "ALERT_FAILURES_L3", &problems)
	applyFloat(&cfg.RateLimitRPS, "RATE_LIMIT_RPS", &problems)
	applyInt(&cfg.RateLimitBurst, "RATE_LIMIT_BURST", &problems)
	applyBool(&cfg.AuditEnabled, "AUDIT_ENABLED", &problems)
	applyBool(&cfg.OtelEnabled, "OTEL_ENABLED", &problems)
	applyBool(&cfg.OtelInsecure, "OTEL_INSECURE", &problems)
	applyFloat(&cfg.OtelSampleRatio, "OTEL_SAMPLE_RATIO", &problems)

	if cfg.OIDCIssuer != "" && cfg.OIDCJWKSURL == "" {
		cfg.OIDCJWKSURL = strings.TrimRight(cfg.OIDCIssuer, "/") + "/.well-known/jwks.json"
	}
	if cfg.Env == "" {
		cfg.Env = "dev"
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		problems = append(problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}
	if cfg.RequestTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "REQUEST_TIMEOUT_MS", Message: "REQUEST_TIMEOUT_MS must be > 0"})
		cfg.RequestTimeoutMS = 30000
	}
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	if cfg.DBMaxConns <= 0 {
		problems = append(problems, Problem{Field: "DB_MAX_CONNS", Message: "DB_MAX_CONNS must be > 0"})
		cfg.DBMaxConns = 10
	}
	if cfg.DBMinConns < 0 || cfg.DBMinConns > cfg.DBMaxConns {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be 0..DB_MAX_CONNS"})
		cfg.DBMinConns = 1
	}
	if cfg.SnapshotEvery <= 0 {
		problems = append(problems, Problem{Field: "SNAPSHOT_EVERY_EVENTS", Message: "SNAPSHOT_EVERY_EVENTS must be > 0"})
		cfg.SnapshotEvery = 100
	}
	if cfg.AsynqConcurrency <= 0 {
		problems = append(problems, Problem{Field: "ASYNQ_CONCURRENCY", Message: "ASYNQ_CONCURRENCY must be > 0"})
		cfg.AsynqConcurrency = 10
	}
	if cfg.OutboxBatchSize <= 0 {
		problems = append(problems, Problem{Field: "OUTBOX_BATCH_SIZE", Message: "OUTBOX_BATCH_SIZE must be > 0"})
		cfg.OutboxBatchSize = 50
	}
	if cfg.VsphereTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "VSPHERE_TIMEOUT_MS", Message: "VSPHERE_TIMEOUT_MS must be > 0"})
		cfg.VsphereTimeoutMS = 600000
	}
	if cfg.VspherePollMS <= 0 {
		problems = append(problems, Problem{Field: "VSPHERE_POLL_INTERVAL_MS", Message: "VSPHERE_POLL_INTERVAL_MS must be > 0"})
		cfg.VspherePollMS = 2000
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		problems = append(problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = 1.0
	}

	return cfg, problems
}

func applyString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func applyInt(dst *int, key string, problems *[]Problem) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*problems = append(*problems, Problem{Field: key, Message: key + " must be an integer"})
		return
	}
	*dst = v
}

func applyBool(dst *bool, key string, problems *[]Problem) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		*problems = append(*problems, Problem{Field: key, Message: key + " must be a boolean"})
		return
	}
	*dst = v
}

func applyFloat(dst *float64, key string, problems *[]Problem) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*problems = append(*problems, Problem{Field: key, Message: key + " must be a number"})
		return
	}
	*dst = v
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
