// Package task manages background job claiming, processing, and lifecycle.
// It provides the worker pool that drains the book generation queue and the
// pipeline that executes one job through its stages, ensuring long-running
// generation doesn't block HTTP request handling and survives application
// restarts. Execution is at-least-once; every stage write is idempotent so
// a job reclaimed after a worker crash can be safely rerun from the start.
package task
