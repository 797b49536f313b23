// Package queue provides per-queue throughput and concurrency control
// for the worker pool.
//
// Each queue may carry a token-bucket rate limit (sustained jobs per
// second with a burst allowance) and a concurrency cap (maximum jobs
// from that queue executing at once on the local pool). Queues with no
// configuration have no limits; the pool-wide concurrency still
// applies.
//
// The worker pool calls Acquire after reserving a job and before
// executing it. A denied Acquire is not a failed attempt: the pool
// releases the job back to pending with a short delay and another
// worker (or the same one, later) picks it up.
package queue
