// Package testdb provides helpers for Postgres-backed integration tests.
//
// Tests obtain a connection with GetTestDBWithT, which skips the test when no
// database URL is configured and applies the embedded migrations once per
// process. Tests that need isolation can run inside WithTx, whose transaction
// is always rolled back.
//
// The following environment variables are consulted, in order:
//
//   - DATABASE_URL
//   - STUDIO_TEST_DB_URL
package testdb
