package observability

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/yungbote/arc-reactor/internal/domain/runs"
	"github.com/yungbote/arc-reactor/internal/platform/envutil"
	"github.com/yungbote/arc-reactor/internal/platform/logger"
)

type Metrics struct {
	apiRequests *CounterVec
	apiLatency  *HistogramVec
	apiInflight *Gauge

	ingestEvents  *CounterVec
	ingestLatency *HistogramVec
	streamResults *CounterVec

	runTransitions *CounterVec
	runsByStatus   *GaugeVec

	sweepPasses   *CounterVec
	sweepActions  *CounterVec
	sweepDuration *HistogramVec

	batchCalls   *CounterVec
	batchLatency *HistogramVec

	submissions *CounterVec

	storageBootstrap *CounterVec

	aggregateOps       *HistogramVec
	aggregateConflicts *CounterVec
	aggregateRetries   *CounterVec

	pgStats   *GaugeVec
	redisUp   *Gauge
	redisPing *Gauge
}

var (
	initOnce sync.Once
	instance *Metrics
)

func Enabled() bool {
	return envutil.Bool("METRICS_ENABLED", false)
}

func Current() *Metrics {
	return instance
}

func scrapeInterval() time.Duration {
	d := envutil.Seconds("METRICS_SCRAPE_INTERVAL_SECONDS", 10*time.Second)
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}

// Init builds the process-wide registry when METRICS_ENABLED is set and
// returns nil otherwise. Every method tolerates a nil receiver.
func Init(log *logger.Logger) *Metrics {
	if !Enabled() {
		return nil
	}
	initOnce.Do(func() {
		instance = New()
		if log != nil {
			log.Info("metrics registry initialized")
		}
	})
	return instance
}

// New returns an unregistered Metrics instance.
func New() *Metrics {
	latency := []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}
	return &Metrics{
		apiRequests: NewCounterVec("arc_api_requests_total", "API requests by method/route/status.", []string{"method", "route", "status"}),
		apiLatency:  NewHistogramVec("arc_api_request_duration_seconds", "API request latency in seconds.", []string{"method", "route", "status"}, latency),
		apiInflight: NewGauge("arc_api_inflight_requests", "In-flight API requests."),

		ingestEvents:  NewCounterVec("arc_ingest_events_total", "Engine events ingested by type and outcome.", []string{"event_type", "outcome"}),
		ingestLatency: NewHistogramVec("arc_ingest_duration_seconds", "Engine event ingestion latency.", []string{"event_type"}, latency),
		streamResults: NewCounterVec("arc_stream_messages_total", "Stream entries handled by the consumer by result.", []string{"result"}),

		runTransitions: NewCounterVec("arc_run_transitions_total", "Run status changes by source status and target status.", []string{"from", "to"}),
		runsByStatus:   NewGaugeVec("arc_runs", "Runs by status.", []string{"status"}),

		sweepPasses:   NewCounterVec("arc_reconcile_passes_total", "Reconciliation passes by result.", []string{"status"}),
		sweepActions:  NewCounterVec("arc_reconcile_actions_total", "Per-run reconciliation actions.", []string{"action"}),
		sweepDuration: NewHistogramVec("arc_reconcile_pass_duration_seconds", "Reconciliation pass duration.", []string{"status"}, []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300}),

		batchCalls:   NewCounterVec("arc_batch_calls_total", "Batch API calls by operation and outcome.", []string{"op", "outcome"}),
		batchLatency: NewHistogramVec("arc_batch_call_duration_seconds", "Batch API call latency.", []string{"op"}, latency),

		submissions: NewCounterVec("arc_submissions_total", "Run submissions by pipeline and result.", []string{"pipeline", "result"}),

		storageBootstrap: NewCounterVec("arc_object_storage_bootstrap_total", "Object storage provider bootstrap attempts.", []string{"mode", "status", "error_code"}),

		aggregateOps:       NewHistogramVec("arc_aggregate_operation_duration_seconds", "Aggregate write latency by operation and status.", []string{"operation", "status"}, latency),
		aggregateConflicts: NewCounterVec("arc_aggregate_conflicts_total", "Aggregate compare-and-set conflicts.", []string{"operation"}),
		aggregateRetries:   NewCounterVec("arc_aggregate_retryable_total", "Aggregate retryable failures.", []string{"operation"}),

		pgStats:   NewGaugeVec("arc_postgres_pool", "database/sql pool statistics.", []string{"stat"}),
		redisUp:   NewGauge("arc_redis_up", "1 when the last Redis ping succeeded."),
		redisPing: NewGauge("arc_redis_ping_seconds", "Last Redis ping latency."),
	}
}

func (m *Metrics) StartServer(ctx context.Context, log *logger.Logger, addr string) {
	if m == nil {
		return
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           http.HandlerFunc(m.WriteHTTP),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed && log != nil {
			log.Error("metrics server failed", "error", err, "addr", addr)
		}
	}()
}

func (m *Metrics) WriteHTTP(w http.ResponseWriter, _ *http.Request) {
	if m == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_ = m.WritePrometheus(w)
}

type promWriter interface {
	WritePrometheus(w io.Writer) error
}

func (m *Metrics) WritePrometheus(w io.Writer) error {
	if m == nil {
		return nil
	}
	all := []promWriter{
		m.apiRequests, m.apiLatency, m.apiInflight,
		m.ingestEvents, m.ingestLatency, m.streamResults,
		m.runTransitions, m.runsByStatus,
		m.sweepPasses, m.sweepActions, m.sweepDuration,
		m.batchCalls, m.batchLatency,
		m.submissions, m.storageBootstrap,
		m.aggregateOps, m.aggregateConflicts, m.aggregateRetries,
		m.pgStats, m.redisUp, m.redisPing,
	}
	for _, pw := range all {
		if err := pw.WritePrometheus(w); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) ObserveAPI(method, route, status string, dur time.Duration) {
	if m == nil {
		return
	}
	if method == "" {
		method = "UNKNOWN"
	}
	if route == "" {
		route = "unmatched"
	}
	m.apiRequests.Inc(method, route, status)
	m.apiLatency.Observe(dur.Seconds(), method, route, status)
}

func (m *Metrics) ApiInflightInc() {
	if m != nil {
		m.apiInflight.Inc()
	}
}

func (m *Metrics) ApiInflightDec() {
	if m != nil {
		m.apiInflight.Dec()
	}
}

func (m *Metrics) ObserveIngest(eventType, outcome string, dur time.Duration) {
	if m == nil {
		return
	}
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		eventType = "malformed"
	}
	m.ingestEvents.Inc(eventType, outcome)
	m.ingestLatency.Observe(dur.Seconds(), eventType)
}

// IngestCount exposes the ingest counter for one (event_type, outcome) pair.
func (m *Metrics) IngestCount(eventType, outcome string) float64 {
	if m == nil {
		return 0
	}
	return m.ingestEvents.Value(eventType, outcome)
}

func (m *Metrics) IncStreamResult(result string) {
	if m != nil {
		m.streamResults.Inc(result)
	}
}

func (m *Metrics) IncRunTransition(from, to runs.RunStatus) {
	if m != nil {
		m.runTransitions.Inc(string(from), string(to))
	}
}

func (m *Metrics) ObserveSweep(status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.sweepPasses.Inc(status)
	m.sweepDuration.Observe(dur.Seconds(), status)
}

func (m *Metrics) IncSweepAction(action string) {
	if m != nil {
		m.sweepActions.Inc(action)
	}
}

func (m *Metrics) ObserveBatchCall(op, outcome string, dur time.Duration) {
	if m == nil {
		return
	}
	m.batchCalls.Inc(op, outcome)
	m.batchLatency.Observe(dur.Seconds(), op)
}

func (m *Metrics) IncSubmission(pipeline, result string) {
	if m != nil {
		m.submissions.Inc(pipeline, result)
	}
}

func (m *Metrics) ObserveObjectStorageBootstrap(mode, status, code string) {
	if m != nil {
		m.storageBootstrap.Inc(mode, status, code)
	}
}

func (m *Metrics) ObserveAggregateOperation(name, status string, dur time.Duration) {
	if m == nil {
		return
	}
	if name == "" {
		name = "unknown"
	}
	if status == "" {
		status = "unknown"
	}
	m.aggregateOps.Observe(dur.Seconds(), name, status)
}

func (m *Metrics) IncAggregateConflict(name string) {
	if m != nil {
		m.aggregateConflicts.Inc(name)
	}
}

func (m *Metrics) IncAggregateRetry(name string) {
	if m != nil {
		m.aggregateRetries.Inc(name)
	}
}

func (m *Metrics) StartPostgresCollector(ctx context.Context, log *logger.Logger, db *gorm.DB) {
	if m == nil || db == nil {
		return
	}
	interval := scrapeInterval()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sqlDB, err := db.DB()
				if err != nil {
					if log != nil {
						log.Warn("metrics: postgres stats unavailable", "error", err)
					}
					continue
				}
				stats := sqlDB.Stats()
				m.pgStats.Set(float64(stats.OpenConnections), "open_connections")
				m.pgStats.Set(float64(stats.InUse), "in_use")
				m.pgStats.Set(float64(stats.Idle), "idle")
				m.pgStats.Set(float64(stats.WaitCount), "wait_count")
				m.pgStats.Set(stats.WaitDuration.Seconds(), "wait_duration_seconds")
				m.pgStats.Set(float64(stats.MaxOpenConnections), "max_open_connections")
			}
		}
	}()
}

// StartRedisCollector pings rdb on the scrape interval. rdb is shared with
// the stream transport and is not closed here.
func (m *Metrics) StartRedisCollector(ctx context.Context, log *logger.Logger, rdb redis.Cmdable) {
	if m == nil || rdb == nil {
		return
	}
	interval := scrapeInterval()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				start := time.Now()
				if err := rdb.Ping(ctx).Err(); err != nil {
					m.redisUp.Set(0)
					if log != nil {
						log.Warn("metrics: redis ping failed", "error", err)
					}
					continue
				}
				m.redisUp.Set(1)
				m.redisPing.Set(time.Since(start).Seconds())
			}
		}
	}()
}

// StartRunStatusCollector publishes the run count per status.
func (m *Metrics) StartRunStatusCollector(ctx context.Context, log *logger.Logger, db *gorm.DB) {
	if m == nil || db == nil {
		return
	}
	interval := scrapeInterval()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.collectRunStatuses(ctx, db); err != nil && log != nil {
					log.Warn("metrics: run status query failed", "error", err)
				}
			}
		}
	}()
}

func (m *Metrics) collectRunStatuses(ctx context.Context, db *gorm.DB) error {
	var rows []struct {
		Status string
		Count  int64
	}
	if err := db.WithContext(ctx).
		Model(&runs.Run{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return err
	}
	for _, s := range runs.AllStatuses() {
		m.runsByStatus.Set(0, string(s))
	}
	for _, row := range rows {
		m.runsByStatus.Set(float64(row.Count), strings.TrimSpace(row.Status))
	}
	return nil
}
