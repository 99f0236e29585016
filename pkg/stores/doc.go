// Package stores keeps the run history of hostplay in SQLite.
// It records runs with their per-host recap, every task result in execution
// order, and the events published while a run was executing. The schema is
// created by embedded migrations on Migrate.
package stores
