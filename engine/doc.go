// Package engine wires all Drover subsystems together. It creates the
// hook registry, job registry, middleware chain, worker pool, DLQ
// service, and any broker consumers, and provides the Register/Enqueue
// operations.
//
// This package exists to break the import cycle: the root drover
// package defines Entity (imported by job, dlq, etc.) and so cannot
// import those packages back. The engine package sits above all
// subsystem packages and below the application layer.
package engine
