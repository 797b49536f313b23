// Package sqlite implements the store on a local SQLite database via
// database/sql and mattn/go-sqlite3. SQLite serializes writers, so the
// reserve UPDATE is atomic and exclusive without row locking. Suited to
// single-node deployments and integration tests that need durability
// without a database server.
package sqlite
