package drover

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("drover: no store configured")
	ErrStoreClosed = errors.New("drover: store closed")

	// Not found errors.
	ErrJobNotFound    = errors.New("drover: job not found")
	ErrDLQNotFound    = errors.New("drover: dlq entry not found")
	ErrWorkerNotFound = errors.New("drover: worker not found")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("drover: job already exists")
	ErrJobNotReserved   = errors.New("drover: job is not reserved by this worker")

	// State errors.
	ErrInvalidState        = errors.New("drover: invalid state transition")
	ErrMaxAttemptsExceeded = errors.New("drover: max attempts exceeded")

	// Soft execution signals. These are not failures: the executor checks
	// for them with errors.Is and resolves the job without touching the
	// attempt counter.
	//
	// ErrRateLimited means a rate-limit window was exhausted; the job is
	// released back to the queue with a cooldown delay.
	ErrRateLimited = errors.New("drover: rate limited")
	// ErrOverlapSkipped means another holder owns the overlap lock; the
	// job execution is skipped and the job resolves as succeeded.
	ErrOverlapSkipped = errors.New("drover: overlapping execution skipped")

	// Broker errors.
	ErrBrokerClosed   = errors.New("drover: broker closed")
	ErrUnknownChannel = errors.New("drover: unknown channel")

	// Consumer errors.
	ErrConsumerStopped = errors.New("drover: consumer stopped")
)
