// Package postgres implements the task record store, the generation result
// store and their transaction boundary on PostgreSQL through the pgx driver,
// and embeds the goose migrations that create the schema.
package postgres
