// Package testdb provides utilities for database integration tests.
//
// Tests call GetTestDBWithT, which skips the test when DATABASE_URL is not
// set, opens a pgx connection and applies the embedded migrations once per
// process. WithTx runs a test body in a transaction that is always rolled
// back, so tests can run in parallel without cleaning up after themselves.
//
//	func TestTaskStore(t *testing.T) {
//	    db := testdb.GetTestDBWithT(t)
//	    testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
//	        tasks := postgres.NewPostgresTaskStore(tx, nil)
//	        ...
//	    })
//	}
package testdb
