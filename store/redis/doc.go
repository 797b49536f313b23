// Package redis implements store.Store using Redis for high-throughput
// ephemeral workloads. Each queue is a Sorted Set scored by priority and
// run-at time, job and DLQ entities are stored as Redis Hashes, and
// reservation claims rely on single-remover ZREM semantics so no two
// workers ever claim the same job.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis
