// Package push implements the client side of the progress stream: a
// connection manager that keeps a WebSocket to the events endpoint
// alive through heartbeats and capped exponential reconnects, a
// polling fallback for when the stream cannot be established, and a
// watcher that combines the two. The manager is transport-agnostic;
// the gorilla/websocket binding lives in its own file.
package push
