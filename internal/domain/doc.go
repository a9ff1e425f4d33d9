// Package domain contains the core entities of the book generation
// system: jobs, their lifecycle states, and the progress events emitted
// while a job moves through the generation pipeline. Domain types carry
// their own validation and enforce the legal state transitions; they
// have no dependencies on storage, transport, or AI providers.
package domain
