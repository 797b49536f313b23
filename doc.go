// Package drover provides a durable, multi-transport asynchronous job and
// message processing core. Jobs are enqueued onto a pluggable store, reserved
// and executed by worker pools with automatic retry, pluggable backoff,
// rate limiting, overlap guards, and dead-lettering of permanently failed
// work. Streaming-broker consumers accumulate messages and flush them in
// batches with size and time thresholds.
//
// Drover is a library, not a service. Import it, configure a store, register
// job handlers as ordinary Go functions, and start a worker pool.
//
// # Quick Start
//
//	rt, err := drover.New(
//	    drover.WithStore(memory.New()),
//	    drover.WithConcurrency(20),
//	)
//	eng, err := engine.Build(rt)
//
// # Architecture
//
// Each subsystem (job, dlq, worker, broker, consumer) defines its own
// contracts. A single store backend (Postgres, Redis, SQLite, or Memory)
// implements the job and DLQ persistence interfaces, and the engine package
// wires registries, middleware, and pools together.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package drover
