// Package api handles incoming HTTP requests, routing, request validation,
// and response formatting. It acts as an adapter between external clients
// and the internal application services, translating HTTP concerns to
// book generation operations. The WebSocket progress stream lives here
// too, since it is just another client-facing surface over the event bus.
package api
