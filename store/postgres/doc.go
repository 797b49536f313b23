// Package postgres implements the store using pgx/v5 with raw SQL.
// Reservation uses SELECT ... FOR UPDATE SKIP LOCKED so concurrent
// workers never claim the same job. Schema is applied from embedded
// SQL migrations.
package postgres
