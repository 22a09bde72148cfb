// Package database provides the PostgreSQL connection pool used by the
// emission journal.
package database
