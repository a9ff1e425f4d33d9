// Package service contains the application-specific use cases and business
// logic. It orchestrates interactions between domain objects and repositories
// (defined in internal/store) to fulfill application features.
//
// The request side lives in BookService: enqueueing jobs, owner-scoped
// status reads, cooperative cancellation, and assembling finished books.
// The worker side lives in internal/task; the two halves share only the
// store interfaces and the domain types, so either can be tested against
// in-memory fakes.
//
// Services receive dependencies through constructor injection and
// translate store-level errors to application-level sentinels that the
// API layer maps onto HTTP status codes.
package service
