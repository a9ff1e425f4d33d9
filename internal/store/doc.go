// Package store defines the persistence interfaces consumed by the
// generation pipeline and the HTTP layer, together with the sentinel
// errors implementations must return. Concrete implementations live in
// internal/platform/postgres.
package store
