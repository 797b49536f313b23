package job

import (
	"time"

	"github.com/drover-io/drover/backoff"
)

// Options configures per-job behavior such as attempts, queue, and priority.
type Options struct {
	// MaxAttempts is the ceiling on execution attempts. A job whose
	// Attempts reaches this value after a failure is dead-lettered.
	MaxAttempts int

	// Queue is the queue name this job should be enqueued to.
	Queue string

	// Priority determines reservation ordering. Higher values first.
	Priority int

	// Timeout is the maximum duration a job may run before its context
	// is cancelled.
	Timeout time.Duration

	// RunAt schedules the job for future execution. Zero means immediate.
	RunAt time.Time

	// Backoff is the retry delay descriptor. Nil means the executor's
	// default strategy.
	Backoff *backoff.Spec
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: 3,
		Queue:       "default",
		Priority:    0,
		Timeout:     5 * time.Minute,
	}
}

// Option is a functional option for configuring a job definition.
type Option func(*Options)

// WithMaxAttempts sets the attempt ceiling.
func WithMaxAttempts(n int) Option {
	return func(o *Options) {
		o.MaxAttempts = n
	}
}

// WithQueue sets the queue name for the job.
func WithQueue(q string) Option {
	return func(o *Options) {
		o.Queue = q
	}
}

// WithPriority sets the job priority. Higher values are processed first.
func WithPriority(p int) Option {
	return func(o *Options) {
		o.Priority = p
	}
}

// WithTimeout sets the maximum execution duration for the job.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.Timeout = d
	}
}

// WithRunAt schedules the job for execution at a specific time.
func WithRunAt(t time.Time) Option {
	return func(o *Options) {
		o.RunAt = t
	}
}

// WithBackoff sets the retry backoff descriptor for the job.
func WithBackoff(s *backoff.Spec) Option {
	return func(o *Options) {
		o.Backoff = s
	}
}
