package metricsx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	eventsAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventstore_events_appended_total",
			Help: "Domain events appended to the event store.",
		},
		[]string{"aggregate_type"},
	)
	concurrencyConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventstore_concurrency_conflicts_total",
			Help: "Appends rejected by the expected-version check.",
		},
	)
	snapshotSaves = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventstore_snapshot_saves_total",
			Help: "Aggregate snapshots written.",
		},
	)
	sagaOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provisioning_saga_outcomes_total",
			Help: "Terminal provisioning saga outcomes.",
		},
		[]string{"outcome"},
	)
	stageLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provisioning_stage_duration_seconds",
			Help:    "Time spent in each provisioning stage.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"stage"},
	)
	vsphereErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vsphere_errors_total",
			Help: "Errors returned by the vSphere bridge.",
		},
		[]string{"code"},
	)
	compensations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provisioning_compensations_total",
			Help: "Compensating VM deletions after partial failures.",
		},
		[]string{"result"},
	)
	outboxPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_events_published_total",
			Help: "Outbox events published to Kafka.",
		},
		[]string{"topic"},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Number of tasks currently in an asynq queue.",
		},
		[]string{"queue"},
	)
	projectionLag = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projection_events_applied_total",
			Help: "Integration events applied to the read model.",
		},
		[]string{"topic"},
	)
	projectionDeadLetters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projection_events_deadlettered_total",
			Help: "Integration events parked on the dead-letter topic after retries.",
		},
		[]string{"topic"},
	)
	kafkaLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Consumer group lag per topic.",
		},
		[]string{"topic", "group"},
	)
)

func Register() {
	prometheus.MustRegister(
		httpRequests, httpLatency,
		eventsAppended, concurrencyConflicts, snapshotSaves,
		sagaOutcomes, stageLatency, vsphereErrors, compensations,
		outboxPublished, asynqQueueDepth, projectionLag, projectionDeadLetters, kafkaLag,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func AddEventsAppended(aggregateType string, n int) {
	eventsAppended.WithLabelValues(aggregateType).Add(float64(n))
}

func IncConcurrencyConflict() {
	concurrencyConflicts.Inc()
}

func IncSnapshotSave() {
	snapshotSaves.Inc()
}

func IncSagaOutcome(outcome string) {
	sagaOutcomes.WithLabelValues(outcome).Inc()
}

func ObserveStageDuration(stage string, d time.Duration) {
	stageLatency.WithLabelValues(stage).Observe(d.Seconds())
}

func IncVsphereError(code string) {
	vsphereErrors.WithLabelValues(code).Inc()
}

func IncCompensation(result string) {
	compensations.WithLabelValues(result).Inc()
}

func IncOutboxPublished(topic string) {
	outboxPublished.WithLabelValues(topic).Inc()
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

func IncProjectionApplied(topic string) {
	projectionLag.WithLabelValues(topic).Inc()
}

func IncProjectionDeadLetter(topic string) {
	projectionDeadLetters.WithLabelValues(topic).Inc()
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaLag.WithLabelValues(topic, group).Set(float64(lag))
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
