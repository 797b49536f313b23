// Package job defines the Job model, its lifecycle states, typed handler
// definitions, the handler registry, and the queue-transport Store contract.
package job
