// Package metrics provides Prometheus metrics for the cardrank service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Default metrics configuration constants.
const (
	defaultRefreshInterval = 10 * time.Second
)

// Manager manages all Prometheus metrics for the cardrank service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	refreshInterval  time.Duration
	customLabels     map[string]string
	metricPrefix     string
	registry         prometheus.Registerer

	// Session Metrics - what users are doing
	sessionsStarted         *prometheus.CounterVec
	sessionsCompleted       *prometheus.CounterVec
	sessionsExpired         prometheus.Counter
	activeSessions          prometheus.Gauge
	intakes                 *prometheus.CounterVec
	comparisons             prometheus.Counter
	comparisonsPerInsertion prometheus.Histogram
	versionConflicts        prometheus.Counter
	duplicateEvents         *prometheus.CounterVec

	// Hierarchy Metrics
	hierarchiesStarted   prometheus.Counter
	hierarchiesCompleted prometheus.Counter
	hierarchyNodes       *prometheus.CounterVec

	// Aggregation Metrics - global rating folds
	folds              *prometheus.CounterVec
	foldSkipped        prometheus.Counter
	foldDuplicates     prometheus.Counter
	foldLatency        prometheus.Histogram
	ratedItems         prometheus.Gauge
	breakerState       prometheus.Gauge
	repositoryRetries  prometheus.Counter
	repositoryRecords  prometheus.Gauge
	repositoryUpdateMs prometheus.Histogram
	repositoryQueryMs  prometheus.Histogram

	// HTTP Performance Metrics
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Queue Metrics - fold job queue
	queueSize              prometheus.Gauge
	queueCapacity          prometheus.Gauge
	queueUtilization       prometheus.Gauge
	queueEnqueueRate       prometheus.Counter
	queueDequeueRate       prometheus.Counter
	queueEnqueueErrors     prometheus.Counter
	queueProcessingLatency prometheus.Histogram

	// Worker Metrics
	workerCount             prometheus.Gauge
	workerActiveCount       prometheus.Gauge
	workerProcessingLatency prometheus.Histogram
	workerErrorRate         prometheus.Counter

	// Error Metrics
	errorRateByComponent *prometheus.CounterVec
	errorRateByEndpoint  *prometheus.CounterVec

	// System Performance Metrics
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

// Initialize global metrics.
func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "cardrank",
		subsystem:        "ranking",
		histogramBuckets: prometheus.DefBuckets,
		refreshInterval:  defaultRefreshInterval,
		customLabels:     make(map[string]string),
		registry:         prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()

	return m
}

func (m *Manager) name(n string) string {
	if m.metricPrefix == "" {
		return n
	}
	return m.metricPrefix + "_" + n
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: m.customLabels,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: m.customLabels,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: m.customLabels,
	})
}

func (m *Manager) histogram(name, help string, buckets []float64) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, Buckets: buckets, ConstLabels: m.customLabels,
	})
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // long function required for comprehensive metrics initialization
	// Session Metrics
	m.sessionsStarted = m.counterVec("sessions_started_total", "Sessions started by play mode", "mode")
	m.sessionsCompleted = m.counterVec("sessions_completed_total", "Sessions that reached done by play mode", "mode")
	m.sessionsExpired = m.counter("sessions_expired_total", "Abandoned sessions removed by the garbage collector")
	m.activeSessions = m.gauge("active_sessions", "Sessions not yet done")
	m.intakes = m.counterVec("intakes_total", "Intake decisions applied", "decision")
	m.comparisons = m.counter("comparisons_total", "Pairwise comparisons applied")
	m.comparisonsPerInsertion = m.histogram("comparisons_per_insertion",
		"Comparisons needed to place one accepted item", []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 10, 12})
	m.versionConflicts = m.counter("version_conflicts_total", "Writes rejected because of a stale version")
	m.duplicateEvents = m.counterVec("duplicate_events_total", "Events recognised as already applied", "kind")

	// Hierarchy Metrics
	m.hierarchiesStarted = m.counter("hierarchies_started_total", "Hierarchy records created")
	m.hierarchiesCompleted = m.counter("hierarchies_completed_total", "Hierarchy records that reached done")
	m.hierarchyNodes = m.counterVec("hierarchy_nodes_total", "Family nodes finished by final state", "state")

	// Aggregation Metrics
	m.folds = m.counterVec("folds_total", "Session folds into global ratings by result", "result")
	m.foldSkipped = m.counter("fold_skipped_comparisons_total", "Comparisons skipped by validation during folds")
	m.foldDuplicates = m.counter("fold_duplicate_comparisons_total", "Repeated pairs ignored during folds")
	m.foldLatency = m.histogram("fold_latency_milliseconds", "Latency of one session fold", m.histogramBuckets)
	m.ratedItems = m.gauge("rated_items", "Items with a global rating")
	m.breakerState = m.gauge("fold_breaker_state", "Fold circuit breaker state (0 closed, 1 half-open, 2 open)")

	// Repository Metrics
	m.repositoryRetries = m.counter("repository_conflict_retries_total", "Transactions re-run after a write conflict")
	m.repositoryRecords = m.gauge("repository_records_total", "Records held by the store")
	m.repositoryUpdateMs = m.histogram("repository_update_latency_milliseconds", "Store write latency", m.histogramBuckets)
	m.repositoryQueryMs = m.histogram("repository_query_latency_milliseconds", "Store read latency", m.histogramBuckets)

	// HTTP Performance Metrics
	m.httpRequests = m.counterVec("http_requests_total", "Total number of HTTP requests by endpoint and method",
		"endpoint", "method", "status_code")
	m.httpRequestDuration = promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name("http_request_duration_milliseconds"),
		Help:        "HTTP request duration in milliseconds",
		Buckets:     m.histogramBuckets,
		ConstLabels: m.customLabels,
	}, []string{"endpoint", "method", "status_code"})

	// Queue Metrics
	m.queueSize = m.gauge("queue_size", "Current number of queued fold jobs")
	m.queueCapacity = m.gauge("queue_capacity", "Maximum capacity of the fold queue")
	m.queueUtilization = m.gauge("queue_utilization_ratio", "Fold queue utilization (0-1)")
	m.queueEnqueueRate = m.counter("queue_enqueue_total", "Fold jobs enqueued")
	m.queueDequeueRate = m.counter("queue_dequeue_total", "Fold jobs dequeued")
	m.queueEnqueueErrors = m.counter("queue_enqueue_errors_total", "Fold jobs refused by a full or closed queue")
	m.queueProcessingLatency = m.histogram("queue_processing_latency_milliseconds",
		"Time a fold job waited in the queue", m.histogramBuckets)

	// Worker Metrics
	m.workerCount = m.gauge("worker_count", "Configured fold workers")
	m.workerActiveCount = m.gauge("worker_active_count", "Fold workers currently running")
	m.workerProcessingLatency = m.histogram("worker_processing_latency_milliseconds",
		"Time a worker spent on one fold job", m.histogramBuckets)
	m.workerErrorRate = m.counter("worker_errors_total", "Fold jobs that failed in a worker")

	// Error Metrics
	m.errorRateByComponent = m.counterVec("errors_by_component_total", "Errors by component and type", "component", "error_type")
	m.errorRateByEndpoint = m.counterVec("errors_by_endpoint_total", "Errors by endpoint, method and kind",
		"endpoint", "method", "error_type")

	// System Performance Metrics
	m.systemMemoryUsage = m.gauge("system_memory_usage_bytes", "System memory usage in bytes")
	m.systemGoroutineCount = m.gauge("system_goroutine_count", "Number of goroutines")
	m.systemGCPauseTime = m.histogram("system_gc_pause_time_milliseconds", "GC pause time in milliseconds",
		[]float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000})
}

// Session Metrics Functions.

// RecordSessionStarted counts a new session.
func RecordSessionStarted(mode string) {
	globalManager.sessionsStarted.WithLabelValues(mode).Inc()
}

// RecordSessionCompleted counts a session reaching done.
func RecordSessionCompleted(mode string) {
	globalManager.sessionsCompleted.WithLabelValues(mode).Inc()
}

// RecordSessionsExpired counts abandoned sessions removed by GC.
func RecordSessionsExpired(n int) {
	globalManager.sessionsExpired.Add(float64(n))
}

// UpdateActiveSessions sets the number of sessions not yet done.
func UpdateActiveSessions(n int) {
	globalManager.activeSessions.Set(float64(n))
}

// RecordIntake counts an applied intake decision.
func RecordIntake(decision string) {
	globalManager.intakes.WithLabelValues(decision).Inc()
}

// RecordComparison counts an applied comparison.
func RecordComparison() {
	globalManager.comparisons.Inc()
}

// RecordComparisonsPerInsertion observes how many comparisons placing one item took.
func RecordComparisonsPerInsertion(n int) {
	globalManager.comparisonsPerInsertion.Observe(float64(n))
}

// RecordVersionConflict counts a stale write.
func RecordVersionConflict() {
	globalManager.versionConflicts.Inc()
}

// RecordDuplicateEvent counts an event that was already applied.
func RecordDuplicateEvent(kind string) {
	globalManager.duplicateEvents.WithLabelValues(kind).Inc()
}

// Hierarchy Metrics Functions.

// RecordHierarchyStarted counts a new hierarchy record.
func RecordHierarchyStarted() {
	globalManager.hierarchiesStarted.Inc()
}

// RecordHierarchyCompleted counts a hierarchy reaching done.
func RecordHierarchyCompleted() {
	globalManager.hierarchiesCompleted.Inc()
}

// RecordHierarchyNode counts a family node finishing in state.
func RecordHierarchyNode(state string) {
	globalManager.hierarchyNodes.WithLabelValues(state).Inc()
}

// Aggregation Metrics Functions.

// RecordFold counts a fold attempt by result.
func RecordFold(result string) {
	globalManager.folds.WithLabelValues(result).Inc()
}

// RecordFoldSkipped counts comparisons rejected by fold validation.
func RecordFoldSkipped(n int) {
	globalManager.foldSkipped.Add(float64(n))
}

// RecordFoldDuplicates counts repeated pairs ignored by a fold.
func RecordFoldDuplicates(n int) {
	globalManager.foldDuplicates.Add(float64(n))
}

// RecordFoldLatency records fold latency in milliseconds.
func RecordFoldLatency(latencyMs float64) {
	globalManager.foldLatency.Observe(latencyMs)
}

// UpdateRatedItems sets the number of items with a global rating.
func UpdateRatedItems(n int) {
	globalManager.ratedItems.Set(float64(n))
}

// UpdateBreakerState sets the fold breaker state.
func UpdateBreakerState(state int) {
	globalManager.breakerState.Set(float64(state))
}

// Repository Metrics Functions.

// RecordRepositoryConflictRetry counts a transaction re-run after a conflict.
func RecordRepositoryConflictRetry() {
	globalManager.repositoryRetries.Inc()
}

// UpdateRepositoryRecordsTotal sets the number of records held by the store.
func UpdateRepositoryRecordsTotal(count int) {
	globalManager.repositoryRecords.Set(float64(count))
}

// RecordRepositoryUpdateLatency records store write latency.
func RecordRepositoryUpdateLatency(latencyMs float64) {
	globalManager.repositoryUpdateMs.Observe(latencyMs)
}

// RecordRepositoryQueryLatency records store read latency.
func RecordRepositoryQueryLatency(latencyMs float64) {
	globalManager.repositoryQueryMs.Observe(latencyMs)
}

// HTTP Metrics Functions.

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// Queue Metrics Functions.

// UpdateQueueSize sets the current queue size.
func UpdateQueueSize(size int) {
	globalManager.queueSize.Set(float64(size))
}

// UpdateQueueCapacity sets the maximum queue capacity.
func UpdateQueueCapacity(capacity int) {
	globalManager.queueCapacity.Set(float64(capacity))
}

// UpdateQueueUtilization sets the queue utilization ratio.
func UpdateQueueUtilization(utilization float64) {
	globalManager.queueUtilization.Set(utilization)
}

// RecordQueueEnqueue increments the enqueue counter.
func RecordQueueEnqueue() {
	globalManager.queueEnqueueRate.Inc()
}

// RecordQueueDequeue increments the dequeue counter.
func RecordQueueDequeue() {
	globalManager.queueDequeueRate.Inc()
}

// RecordQueueEnqueueError increments the enqueue error counter.
func RecordQueueEnqueueError() {
	globalManager.queueEnqueueErrors.Inc()
}

// RecordQueueProcessingLatency records how long a job waited in the queue.
func RecordQueueProcessingLatency(latencyMs float64) {
	globalManager.queueProcessingLatency.Observe(latencyMs)
}

// Worker Metrics Functions.

// UpdateWorkerCount sets the configured worker count.
func UpdateWorkerCount(count int) {
	globalManager.workerCount.Set(float64(count))
}

// UpdateWorkerActiveCount sets the number of running workers.
func UpdateWorkerActiveCount(count int) {
	globalManager.workerActiveCount.Set(float64(count))
}

// RecordWorkerProcessingLatency records worker processing latency.
func RecordWorkerProcessingLatency(latencyMs float64) {
	globalManager.workerProcessingLatency.Observe(latencyMs)
}

// RecordWorkerError increments the worker error counter.
func RecordWorkerError() {
	globalManager.workerErrorRate.Inc()
}

// Error Metrics Functions.

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorRateByComponent.WithLabelValues(component, errorType).Inc()
}

// RecordErrorByEndpoint records an error with endpoint, method, and error type labels.
func RecordErrorByEndpoint(endpoint, method, errorType string) {
	globalManager.errorRateByEndpoint.WithLabelValues(endpoint, method, errorType).Inc()
}

// System Performance Metrics Functions.

// UpdateSystemMemoryUsage sets the system memory usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	globalManager.systemMemoryUsage.Set(float64(bytes))
}

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) {
	globalManager.systemGoroutineCount.Set(float64(count))
}

// RecordSystemGCPauseTime records GC pause time in milliseconds.
func RecordSystemGCPauseTime(pauseMs float64) {
	globalManager.systemGCPauseTime.Observe(pauseMs)
}

// RefreshInterval is the interval at which derived gauges should be refreshed.
func RefreshInterval() time.Duration {
	return globalManager.refreshInterval
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
