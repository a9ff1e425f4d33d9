// Package postgres provides PostgreSQL-specific implementations for the data
// storage interfaces (repositories) defined in the internal/store package.
// It handles the details of query execution, data mapping between domain
// entities and database records, and the row locking that keeps the job
// queue safe under concurrent workers.
package postgres
