package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/drover-io/drover/hook"
	"github.com/drover-io/drover/job"
)

// meterName is the instrumentation scope name for drover metrics.
const meterName = "github.com/drover-io/drover"

// Compile-time interface checks.
var (
	_ hook.Hook            = (*MetricsHook)(nil)
	_ hook.JobEnqueued     = (*MetricsHook)(nil)
	_ hook.JobCompleted    = (*MetricsHook)(nil)
	_ hook.JobRetrying     = (*MetricsHook)(nil)
	_ hook.JobFailed       = (*MetricsHook)(nil)
	_ hook.JobDeadLettered = (*MetricsHook)(nil)
	_ hook.BatchFlushed    = (*MetricsHook)(nil)
	_ hook.BatchFailed     = (*MetricsHook)(nil)
)

// MetricsHook records system-wide lifecycle counters. Register it on the
// hook registry to track enqueue rates, completion and failure counts,
// retries, dead-letter entries, and batch consumer throughput.
type MetricsHook struct {
	jobEnqueued     metric.Int64Counter
	jobCompleted    metric.Int64Counter
	jobRetried      metric.Int64Counter
	jobFailed       metric.Int64Counter
	jobDeadLettered metric.Int64Counter
	batchFlushed    metric.Int64Counter
	batchFailed     metric.Int64Counter
	batchSize       metric.Int64Histogram
}

// NewMetricsHook creates a MetricsHook using the global MeterProvider.
// With no provider configured the instruments are noops.
func NewMetricsHook() *MetricsHook {
	return NewMetricsHookWithMeter(otel.Meter(meterName))
}

// NewMetricsHookWithMeter creates a MetricsHook with the provided meter.
// This variant allows injecting a specific MeterProvider for testing.
func NewMetricsHookWithMeter(meter metric.Meter) *MetricsHook {
	h := &MetricsHook{}

	// On error the OTel API returns noop instruments, so the hook
	// degrades gracefully.
	h.jobEnqueued, _ = meter.Int64Counter("drover.job.enqueued",
		metric.WithDescription("Total jobs enqueued"),
		metric.WithUnit("{job}"),
	)
	h.jobCompleted, _ = meter.Int64Counter("drover.job.completed",
		metric.WithDescription("Total jobs completed successfully"),
		metric.WithUnit("{job}"),
	)
	h.jobRetried, _ = meter.Int64Counter("drover.job.retried",
		metric.WithDescription("Total job retry schedules"),
		metric.WithUnit("{job}"),
	)
	h.jobFailed, _ = meter.Int64Counter("drover.job.failed",
		metric.WithDescription("Total jobs failed terminally"),
		metric.WithUnit("{job}"),
	)
	h.jobDeadLettered, _ = meter.Int64Counter("drover.job.dead_lettered",
		metric.WithDescription("Total jobs moved to the dead letter queue"),
		metric.WithUnit("{job}"),
	)
	h.batchFlushed, _ = meter.Int64Counter("drover.batch.flushed",
		metric.WithDescription("Total consumer batches flushed"),
		metric.WithUnit("{batch}"),
	)
	h.batchFailed, _ = meter.Int64Counter("drover.batch.failed",
		metric.WithDescription("Total consumer batches failed"),
		metric.WithUnit("{batch}"),
	)
	h.batchSize, _ = meter.Int64Histogram("drover.batch.size",
		metric.WithDescription("Messages per flushed batch"),
		metric.WithUnit("{message}"),
	)

	return h
}

// Name implements hook.Hook.
func (h *MetricsHook) Name() string { return "observability-metrics" }

func jobAttrs(j *job.Job) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("job_name", j.Name),
		attribute.String("queue", j.Queue),
	)
}

func channelAttrs(channel string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("channel", channel))
}

// OnJobEnqueued implements hook.JobEnqueued.
func (h *MetricsHook) OnJobEnqueued(ctx context.Context, j *job.Job) error {
	h.jobEnqueued.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobCompleted implements hook.JobCompleted.
func (h *MetricsHook) OnJobCompleted(ctx context.Context, j *job.Job, _ time.Duration) error {
	h.jobCompleted.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobRetrying implements hook.JobRetrying.
func (h *MetricsHook) OnJobRetrying(ctx context.Context, j *job.Job, _ int, _ time.Time) error {
	h.jobRetried.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobFailed implements hook.JobFailed.
func (h *MetricsHook) OnJobFailed(ctx context.Context, j *job.Job, _ error) error {
	h.jobFailed.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobDeadLettered implements hook.JobDeadLettered.
func (h *MetricsHook) OnJobDeadLettered(ctx context.Context, j *job.Job, _ error) error {
	h.jobDeadLettered.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnBatchFlushed implements hook.BatchFlushed.
func (h *MetricsHook) OnBatchFlushed(ctx context.Context, channel string, size int, _ time.Duration) error {
	h.batchFlushed.Add(ctx, 1, channelAttrs(channel))
	h.batchSize.Record(ctx, int64(size), channelAttrs(channel))
	return nil
}

// OnBatchFailed implements hook.BatchFailed.
func (h *MetricsHook) OnBatchFailed(ctx context.Context, channel string, size int, _ error) error {
	h.batchFailed.Add(ctx, 1, channelAttrs(channel))
	h.batchSize.Record(ctx, int64(size), channelAttrs(channel))
	return nil
}
