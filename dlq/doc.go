// Package dlq provides the dead letter queue for work that has exhausted
// its retry budget.
//
// Two paths feed the DLQ. The worker path: when a job fails and
// MaxAttempts has been reached, the executor calls [Service.Push] to move
// it into the DLQ store, preserving the original payload, error message,
// and attempt counts. The broker path: a [Handler] tracks per-message
// retry counts in an in-memory ledger and, once retries are exhausted,
// publishes a diagnostic [Envelope] to a deterministically named DLQ
// channel ("dlq." + the originating channel).
//
// Replaying an entry re-enqueues the original job with the same payload
// and sets ReplayedAt on the DLQ entry.
package dlq
