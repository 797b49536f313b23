package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/drover-io/drover"
	"github.com/drover-io/drover/backoff"
	"github.com/drover-io/drover/broker"
	"github.com/drover-io/drover/consumer"
	"github.com/drover-io/drover/dlq"
	"github.com/drover-io/drover/hook"
	"github.com/drover-io/drover/id"
	"github.com/drover-io/drover/job"
	mw "github.com/drover-io/drover/middleware"
	"github.com/drover-io/drover/observability"
	"github.com/drover-io/drover/queue"
	"github.com/drover-io/drover/worker"
)

// consumerSpec captures a WithConsumer option until Build constructs the
// consumer against the configured broker adapter.
type consumerSpec struct {
	channels []string
	handler  consumer.BatchHandler
	opts     []consumer.Option
}

// Engine wraps a Runtime with typed subsystem access.
// Use Build() to create one from a Runtime.
type Engine struct {
	rt         *drover.Runtime
	hooks      *hook.Registry
	registry   *job.Registry
	jobStore   job.Store
	dlqService *dlq.Service
	bo         backoff.Strategy
	executor   *worker.Executor
	pool       *worker.Pool
	mws        []mw.Middleware
	logger     *slog.Logger

	// Queue subsystem.
	queueConfigs []queue.Config
	queueManager *queue.Manager

	// Broker subsystem.
	adapter       broker.Adapter
	consumerSpecs []consumerSpec
	consumers     []*consumer.Consumer
	consumerG     *errgroup.Group
	consumerStop  context.CancelFunc

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithHook registers a lifecycle hook with the engine.
func WithHook(h hook.Hook) Option {
	return func(eng *Engine) {
		eng.hooks.Register(h)
	}
}

// WithMiddleware adds middleware to the engine's chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithBackoff sets the retry backoff strategy for the engine.
// If not set, backoff.DefaultStrategy() (exponential with jitter) is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) {
		eng.bo = b
	}
}

// WithQueueConfig registers queue-level rate limiting and concurrency
// configurations. Queues not listed have no limits.
func WithQueueConfig(configs ...queue.Config) Option {
	return func(eng *Engine) {
		eng.queueConfigs = append(eng.queueConfigs, configs...)
	}
}

// WithBroker sets the broker adapter used by engine-managed consumers.
func WithBroker(a broker.Adapter) Option {
	return func(eng *Engine) {
		eng.adapter = a
	}
}

// WithConsumer adds a batch consumer over the given channels. The
// consumer is constructed at Build time against the engine's broker
// adapter and driven by Start/Stop alongside the worker pool.
func WithConsumer(channels []string, handler consumer.BatchHandler, opts ...consumer.Option) Option {
	return func(eng *Engine) {
		eng.consumerSpecs = append(eng.consumerSpecs, consumerSpec{
			channels: channels,
			handler:  handler,
			opts:     opts,
		})
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// When set, the tracing middleware uses this provider instead of the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// When set, both the metrics middleware and the observability hook use
// this provider instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// Build creates an Engine from an existing Runtime.
// The Runtime's store must implement job.Store and dlq.Store.
func Build(rt *drover.Runtime, opts ...Option) (*Engine, error) {
	logger := rt.Logger()
	store := rt.Store()

	if store == nil {
		return nil, drover.ErrNoStore
	}

	js, ok := store.(job.Store)
	if !ok {
		return nil, fmt.Errorf("drover: store does not implement job.Store")
	}

	ds, ok := store.(dlq.Store)
	if !ok {
		return nil, fmt.Errorf("drover: store does not implement dlq.Store")
	}

	eng := &Engine{
		rt:       rt,
		hooks:    hook.NewRegistry(logger),
		registry: job.NewRegistry(),
		jobStore: js,
		logger:   logger,
	}

	for _, opt := range opts {
		opt(eng)
	}

	if eng.bo == nil {
		eng.bo = backoff.DefaultStrategy()
	}

	eng.dlqService = dlq.NewService(ds, js)

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracer := eng.tracerProvider.Tracer("github.com/drover-io/drover")
		tracingMw = mw.TracingWithTracer(tracer)
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/drover-io/drover")
		metricsMw = mw.MetricsWithMeter(meter)
	} else {
		metricsMw = mw.Metrics()
	}

	// Register the observability metrics hook.
	var obsHook *observability.MetricsHook
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/drover-io/drover/observability")
		obsHook = observability.NewMetricsHookWithMeter(meter)
	} else {
		obsHook = observability.NewMetricsHook()
	}
	eng.hooks.Register(obsHook)

	// Default middleware stack: recover → tracing → metrics → logging → timeout.
	defaultMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Timeout(logger),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)

	config := rt.Config()
	eng.executor = worker.NewExecutor(eng.registry, eng.hooks, eng.jobStore, eng.dlqService, eng.bo, logger, allMws...)
	eng.executor.SetCooldown(config.RateLimitCooldown)

	poolOpts := []worker.PoolOption{
		worker.WithPoolConcurrency(config.Concurrency),
		worker.WithPoolQueues(config.Queues),
		worker.WithPollInterval(config.PollInterval),
		worker.WithHeartbeatInterval(config.HeartbeatInterval),
		worker.WithStaleJobThreshold(config.StaleJobThreshold),
	}

	if len(eng.queueConfigs) > 0 {
		eng.queueManager = queue.NewManager(eng.queueConfigs...)
		poolOpts = append(poolOpts, worker.WithQueueManager(eng.queueManager))
	}

	eng.pool = worker.NewPool(
		eng.jobStore,
		eng.executor,
		eng.hooks,
		logger,
		poolOpts...,
	)

	// Construct consumers against the broker adapter.
	if len(eng.consumerSpecs) > 0 {
		if eng.adapter == nil {
			return nil, fmt.Errorf("drover: consumers configured without a broker adapter")
		}
		for _, spec := range eng.consumerSpecs {
			eng.consumers = append(eng.consumers,
				consumer.New(eng.adapter, spec.channels, spec.handler, eng.hooks, logger, spec.opts...))
		}
	}

	// Wire back into the Runtime.
	rt.SetPool(eng.pool)
	rt.SetHooks(eng.hooks)

	return eng, nil
}

// Register registers a typed job definition with the engine. Middleware
// passed here runs only for this job, composed into a chain once at
// registration time.
func Register[T any](eng *Engine, def *job.Definition[T], mws ...mw.Middleware) {
	job.RegisterDefinition(eng.registry, def)
	if len(mws) > 0 {
		eng.executor.Use(def.Name, mws...)
	}
}

// Enqueue creates and enqueues a job.
func Enqueue[T any](ctx context.Context, eng *Engine, name string, payload T, opts ...job.Option) (*job.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for job %q: %w", name, err)
	}

	return eng.EnqueueRaw(ctx, name, data, opts...)
}

// EnqueueIn creates and enqueues a job that becomes runnable after the
// given delay.
func EnqueueIn[T any](ctx context.Context, eng *Engine, name string, payload T, delay time.Duration, opts ...job.Option) (*job.Job, error) {
	opts = append(opts, job.WithRunAt(time.Now().UTC().Add(delay)))
	return Enqueue(ctx, eng, name, payload, opts...)
}

// EnqueueRaw enqueues a job with a pre-serialized payload. Options
// registered with the job definition apply first; per-call options
// override them.
func (eng *Engine) EnqueueRaw(ctx context.Context, name string, payload []byte, opts ...job.Option) (*job.Job, error) {
	jobOpts, ok := eng.registry.GetOptions(name)
	if !ok {
		jobOpts = job.DefaultOptions()
	}
	for _, opt := range opts {
		opt(&jobOpts)
	}

	now := time.Now().UTC()
	j := &job.Job{
		Entity:      drover.NewEntity(),
		ID:          id.NewJobID(),
		Name:        name,
		Payload:     payload,
		State:       job.StatePending,
		Queue:       jobOpts.Queue,
		Priority:    jobOpts.Priority,
		MaxAttempts: jobOpts.MaxAttempts,
		Timeout:     jobOpts.Timeout,
		Backoff:     jobOpts.Backoff,
		RunAt:       now,
	}
	if !jobOpts.RunAt.IsZero() {
		j.RunAt = jobOpts.RunAt
	}

	if err := eng.jobStore.PushJob(ctx, j); err != nil {
		return nil, err
	}

	eng.hooks.EmitJobEnqueued(ctx, j)
	return j, nil
}

// Start begins job processing by starting the worker pool and any
// configured broker consumers.
func (eng *Engine) Start(ctx context.Context) error {
	if err := eng.rt.Start(ctx); err != nil {
		return err
	}

	if len(eng.consumers) > 0 {
		consumerCtx, cancel := context.WithCancel(context.Background())
		eng.consumerStop = cancel
		g, gctx := errgroup.WithContext(consumerCtx)
		eng.consumerG = g
		for _, c := range eng.consumers {
			g.Go(func() error {
				return c.Run(gctx)
			})
		}
	}

	return nil
}

// Stop gracefully shuts down the engine: consumers first so partial
// buffers flush, then the worker pool and store.
func (eng *Engine) Stop(ctx context.Context) error {
	if eng.consumerG != nil {
		if eng.adapter != nil {
			eng.adapter.StopConsuming()
		}
		eng.consumerStop()
		if err := eng.consumerG.Wait(); err != nil {
			eng.logger.Warn("consumer shutdown error", slog.String("error", err.Error()))
		}
		eng.consumerG = nil
	}

	return eng.rt.Stop(ctx)
}

// Hooks returns the hook registry.
func (eng *Engine) Hooks() *hook.Registry { return eng.hooks }

// Registry returns the job registry.
func (eng *Engine) Registry() *job.Registry { return eng.registry }

// Runtime returns the underlying Runtime.
func (eng *Engine) Runtime() *drover.Runtime { return eng.rt }

// DLQService returns the engine's DLQ service for replay and inspection.
func (eng *Engine) DLQService() *dlq.Service { return eng.dlqService }

// Executor returns the job executor. Use it to attach per-job
// middleware after Build.
func (eng *Engine) Executor() *worker.Executor { return eng.executor }

// Pool returns the worker pool.
func (eng *Engine) Pool() *worker.Pool { return eng.pool }

// QueueManager returns the queue manager, or nil if no queue configs
// were provided.
func (eng *Engine) QueueManager() *queue.Manager { return eng.queueManager }
