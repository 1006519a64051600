package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/nistoar/pdr-cachemgr"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	volumeOpDuration  metric.Float64Histogram
	volumeOpsTotal    metric.Int64Counter
	volumeBytesTotal  metric.Int64Counter

	restoreDuration      metric.Float64Histogram
	restoreTotal         metric.Int64Counter
	restoreBytesTotal    metric.Int64Counter

	inventoryOpDuration metric.Float64Histogram
	inventoryOpsTotal   metric.Int64Counter

	// Integrity Monitor metrics
	checksTotal       metric.Int64Counter
	checkFailuresTotal metric.Int64Counter
	checkDuration      metric.Float64Histogram

	// Deletion Planner metrics
	plannerEvictionsTotal   metric.Int64Counter
	plannerBytesReclaimed   metric.Int64Counter
	plannerRunDuration      metric.Float64Histogram

	// Monitor worker metrics
	monitorCyclesTotal    metric.Int64Counter
	monitorCycleDuration  metric.Float64Histogram
	monitorDeletedTotal   metric.Int64Counter
	monitorState          metric.Int64Gauge

	// Cacher worker metrics
	cacherProcessedTotal metric.Int64Counter
	cacherErrorsTotal    metric.Int64Counter
	cacherQueueDepth     metric.Int64Gauge

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "pdrcachemgrd"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still
	// exercise the instrument pipeline.
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	requestsTotal, err := meter.Int64Counter(
		"pdrcachemgr_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	responseBytesTotal, err := meter.Int64Counter(
		"pdrcachemgr_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	requestDuration, err := meter.Float64Histogram(
		"pdrcachemgr_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	requestsByEndpointTotal, err := meter.Int64Counter(
		"pdrcachemgr_http_requests_by_endpoint_total",
		metric.WithDescription("Total number of HTTP requests by endpoint (detail metric)"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	volumeOpDuration, err := meter.Float64Histogram(
		"pdrcachemgr_volume_op_duration_seconds",
		metric.WithDescription("Duration of volume storage operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return err
	}

	volumeOpsTotal, err := meter.Int64Counter(
		"pdrcachemgr_volume_ops_total",
		metric.WithDescription("Total number of volume storage operations"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	volumeBytesTotal, err := meter.Int64Counter(
		"pdrcachemgr_volume_bytes_total",
		metric.WithDescription("Total bytes transferred in volume operations"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	restoreDuration, err := meter.Float64Histogram(
		"pdrcachemgr_restore_duration_seconds",
		metric.WithDescription("Duration of archive restoration requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return err
	}

	restoreTotal, err := meter.Int64Counter(
		"pdrcachemgr_restore_total",
		metric.WithDescription("Total number of archive restoration requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	restoreBytesTotal, err := meter.Int64Counter(
		"pdrcachemgr_restore_bytes_total",
		metric.WithDescription("Total bytes restored from the archive"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	inventoryOpDuration, err := meter.Float64Histogram(
		"pdrcachemgr_inventory_op_duration_seconds",
		metric.WithDescription("Duration of storage inventory DB operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1),
	)
	if err != nil {
		return err
	}

	inventoryOpsTotal, err := meter.Int64Counter(
		"pdrcachemgr_inventory_ops_total",
		metric.WithDescription("Total number of storage inventory DB operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return err
	}

	checksTotal, err := meter.Int64Counter(
		"pdrcachemgr_integrity_checks_total",
		metric.WithDescription("Total integrity checks performed"),
		metric.WithUnit("{check}"),
	)
	if err != nil {
		return err
	}

	checkFailuresTotal, err := meter.Int64Counter(
		"pdrcachemgr_integrity_check_failures_total",
		metric.WithDescription("Total integrity checks that failed"),
		metric.WithUnit("{check}"),
	)
	if err != nil {
		return err
	}

	checkDuration, err := meter.Float64Histogram(
		"pdrcachemgr_integrity_check_duration_seconds",
		metric.WithDescription("Duration of one integrity check batch"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30, 60),
	)
	if err != nil {
		return err
	}

	plannerEvictionsTotal, err := meter.Int64Counter(
		"pdrcachemgr_planner_evictions_total",
		metric.WithDescription("Total objects selected for deletion by the planner"),
		metric.WithUnit("{object}"),
	)
	if err != nil {
		return err
	}

	plannerBytesReclaimed, err := meter.Int64Counter(
		"pdrcachemgr_planner_bytes_reclaimed_total",
		metric.WithDescription("Total bytes the planner selected for reclamation"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	plannerRunDuration, err := meter.Float64Histogram(
		"pdrcachemgr_planner_run_duration_seconds",
		metric.WithDescription("Duration of one planning run"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1, 5, 10),
	)
	if err != nil {
		return err
	}

	monitorCyclesTotal, err := meter.Int64Counter(
		"pdrcachemgr_monitor_cycles_total",
		metric.WithDescription("Total monitor duty cycles completed"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return err
	}

	monitorCycleDuration, err := meter.Float64Histogram(
		"pdrcachemgr_monitor_cycle_duration_seconds",
		metric.WithDescription("Duration of one monitor duty cycle"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 30, 60, 300, 900, 1800, 3600),
	)
	if err != nil {
		return err
	}

	monitorDeletedTotal, err := meter.Int64Counter(
		"pdrcachemgr_monitor_deleted_total",
		metric.WithDescription("Total objects deleted due to failed integrity checks"),
		metric.WithUnit("{object}"),
	)
	if err != nil {
		return err
	}

	monitorState, err := meter.Int64Gauge(
		"pdrcachemgr_monitor_state",
		metric.WithDescription("Current monitor worker state (see worker/monitor.State)"),
	)
	if err != nil {
		return err
	}

	cacherProcessedTotal, err := meter.Int64Counter(
		"pdrcachemgr_cacher_processed_total",
		metric.WithDescription("Total queue entries processed by the cacher worker"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	cacherErrorsTotal, err := meter.Int64Counter(
		"pdrcachemgr_cacher_errors_total",
		metric.WithDescription("Total queue entries that failed to cache"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	cacherQueueDepth, err := meter.Int64Gauge(
		"pdrcachemgr_cacher_queue_depth",
		metric.WithDescription("Current number of pending entries in the cacher queue"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		requestsTotal:           requestsTotal,
		responseBytesTotal:      responseBytesTotal,
		requestDuration:         requestDuration,
		requestsByEndpointTotal: requestsByEndpointTotal,
		volumeOpDuration:        volumeOpDuration,
		volumeOpsTotal:          volumeOpsTotal,
		volumeBytesTotal:        volumeBytesTotal,
		restoreDuration:         restoreDuration,
		restoreTotal:            restoreTotal,
		restoreBytesTotal:       restoreBytesTotal,
		inventoryOpDuration:     inventoryOpDuration,
		inventoryOpsTotal:       inventoryOpsTotal,
		checksTotal:             checksTotal,
		checkFailuresTotal:      checkFailuresTotal,
		checkDuration:           checkDuration,
		plannerEvictionsTotal:   plannerEvictionsTotal,
		plannerBytesReclaimed:   plannerBytesReclaimed,
		plannerRunDuration:      plannerRunDuration,
		monitorCyclesTotal:      monitorCyclesTotal,
		monitorCycleDuration:    monitorCycleDuration,
		monitorDeletedTotal:     monitorDeletedTotal,
		monitorState:            monitorState,
		cacherProcessedTotal:    cacherProcessedTotal,
		cacherErrorsTotal:       cacherErrorsTotal,
		cacherQueueDepth:        cacherQueueDepth,
		meterProvider:           mp,
		promHandler:             promHandler,
	}

	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	volume := "unknown"
	cacheResult := string(CacheBypass)
	endpoint := ""
	if tags != nil {
		if tags.Volume != "" {
			volume = tags.Volume
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	sharedAttrs := []attribute.KeyValue{
		attribute.String("volume", volume),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("volume", volume),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
			attribute.String("cache_result", cacheResult),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordVolumeOp records a volume storage operation.
func RecordVolumeOp(ctx context.Context, volume, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("volume", volume),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.volumeOpsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.volumeOpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.volumeBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordRestore records one Restorer.RestoreObject call.
func RecordRestore(ctx context.Context, duration time.Duration, bytesWritten int64, outcome string) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("outcome", outcome)}
	globalMetrics.restoreDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.restoreTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesWritten > 0 {
		globalMetrics.restoreBytesTotal.Add(ctx, bytesWritten, metric.WithAttributes(attrs...))
	}
}

// RecordInventoryOp records one Storage Inventory DB operation.
func RecordInventoryOp(ctx context.Context, op, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.inventoryOpsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.inventoryOpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordIntegrityCheck records one Check's outcome against one object.
func RecordIntegrityCheck(ctx context.Context, check string, passed bool) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("check", check))
	globalMetrics.checksTotal.Add(ctx, 1, attrs)
	if !passed {
		globalMetrics.checkFailuresTotal.Add(ctx, 1, attrs)
	}
}

// RecordIntegrityBatch records the duration of one FindCorruptedObjects batch.
func RecordIntegrityBatch(ctx context.Context, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.checkDuration.Record(ctx, duration.Seconds())
}

// RecordPlannerRun records one deletion-planning run.
func RecordPlannerRun(ctx context.Context, volume string, evicted int, bytesReclaimed int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("volume", volume))
	globalMetrics.plannerEvictionsTotal.Add(ctx, int64(evicted), attrs)
	globalMetrics.plannerBytesReclaimed.Add(ctx, bytesReclaimed, attrs)
	globalMetrics.plannerRunDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordMonitorCycle records one completed monitor duty cycle.
func RecordMonitorCycle(ctx context.Context, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.monitorCyclesTotal.Add(ctx, 1)
	globalMetrics.monitorCycleDuration.Record(ctx, duration.Seconds())
	globalMetrics.monitorDeletedTotal.Add(ctx, int64(deleted))
}

// UpdateMonitorState records the monitor worker's current state as a small
// integer (see worker/monitor.State for the encoding).
func UpdateMonitorState(ctx context.Context, state int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.monitorState.Record(ctx, state)
}

// RecordCacherItem records the outcome of one Cacher queue entry.
func RecordCacherItem(ctx context.Context, ok bool) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacherProcessedTotal.Add(ctx, 1)
	if !ok {
		globalMetrics.cacherErrorsTotal.Add(ctx, 1)
	}
}

// UpdateCacherQueueDepth records the cacher's current queue depth.
func UpdateCacherQueueDepth(ctx context.Context, depth int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacherQueueDepth.Record(ctx, int64(depth))
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
