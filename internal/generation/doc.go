// Package generation defines the boundary between the application core
// and external AI providers, following the hexagonal architecture
// pattern. It holds the generator interfaces the pipeline consumes, the
// story/image result types, and the error taxonomy the retry layer
// classifies against. Concrete providers live in
// internal/platform/gemini.
package generation
