// Package postgres implements the store using pgx/v5 with raw SQL.
// Features: SKIP LOCKED dequeue, conditional-upsert named leases evaluated
// against the database clock, embedded SQL migrations serialized by an
// advisory lock.
package postgres
