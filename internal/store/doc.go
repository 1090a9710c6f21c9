// Package store holds the persistence plumbing shared by every database-backed
// store: the DBTX abstraction over *sql.DB and *sql.Tx, transaction handling,
// and the generic error sentinels store implementations wrap.
package store
