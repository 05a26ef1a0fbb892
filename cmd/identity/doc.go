// Package identity is the persistence gateway for Stay Hi: users, memberships, invitation codes,
// magic links and the audit log.
//
// Every mutating operation runs inside a transaction opened by Store.InTx. Races on the same
// invite code or magic link are settled by conditional UPDATEs whose affected-row count is
// checked, never by read-then-write in application code.
//
// Two implementations exist: PostgresStore (pgx, production) and SQLiteStore (gorm over an
// embedded pure-Go SQLite, local development and tests).
package identity
