package drover

import (
	"context"
	"log/slog"
)

// Option configures a Runtime.
type Option func(*Runtime) error

// Storer is the minimal store interface held by the Runtime. It covers
// lifecycle operations only. The full composite interface (store.Store)
// is used in subsystem layers that don't create import cycles.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// poolRunner is an internal interface for worker pool lifecycle.
type poolRunner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// hookEmitter is an internal interface for lifecycle shutdown events.
type hookEmitter interface {
	EmitShutdown(ctx context.Context)
}

// Runtime is the central coordinator for job processing. It owns the
// store lifecycle and the worker pool. Use the engine package to wire
// registries, middleware, consumers, and stores together.
type Runtime struct {
	config Config
	logger *slog.Logger
	store  Storer
	hooks  hookEmitter
	pool   poolRunner

	// started tracks whether Start has been called.
	started bool
}

// New creates a new Runtime with the given options.
func New(opts ...Option) (*Runtime, error) {
	r := &Runtime{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Logger returns the runtime's logger.
func (r *Runtime) Logger() *slog.Logger { return r.logger }

// Store returns the runtime's store.
func (r *Runtime) Store() Storer { return r.store }

// Config returns a copy of the runtime's configuration.
func (r *Runtime) Config() Config { return r.config }

// SetPool sets the worker pool (called by the engine package).
func (r *Runtime) SetPool(p poolRunner) { r.pool = p }

// SetHooks sets the hook emitter (called by the engine package).
func (r *Runtime) SetHooks(h hookEmitter) { r.hooks = h }

// Start begins job processing.
func (r *Runtime) Start(ctx context.Context) error {
	if r.pool == nil {
		return ErrNoStore
	}
	if err := r.pool.Start(ctx); err != nil {
		return err
	}
	r.started = true
	return nil
}

// Stop gracefully shuts down the runtime.
func (r *Runtime) Stop(ctx context.Context) error {
	if r.pool != nil && r.started {
		if err := r.pool.Stop(ctx); err != nil {
			r.logger.Error("pool stop error", "error", err)
		}
	}
	if r.hooks != nil {
		r.hooks.EmitShutdown(ctx)
	}
	if r.store != nil {
		return r.store.Close()
	}
	return nil
}

// WithConcurrency sets the maximum number of concurrent job processors.
func WithConcurrency(n int) Option {
	return func(r *Runtime) error {
		r.config.Concurrency = n
		return nil
	}
}

// WithQueues sets the queues the runtime will poll.
func WithQueues(queues []string) Option {
	return func(r *Runtime) error {
		r.config.Queues = queues
		return nil
	}
}

// WithLogger sets the structured logger for the runtime.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) error {
		r.logger = l
		return nil
	}
}

// WithConfig replaces the entire configuration.
func WithConfig(cfg Config) Option {
	return func(r *Runtime) error {
		r.config = cfg
		return nil
	}
}

// WithStore sets the persistence backend for the runtime.
// The store must implement Storer at minimum; typically it will be a
// store.Store which embeds all subsystem store interfaces.
func WithStore(s Storer) Option {
	return func(r *Runtime) error {
		r.store = s
		return nil
	}
}
