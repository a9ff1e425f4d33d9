// Package gemini implements the generation interfaces using Google's
// Gemini API: story text through a structured JSON completion and one
// illustration per page through the image model. Provider failures are
// translated into the sentinel taxonomy in internal/generation so the
// retry layer can classify them without knowing the SDK.
package gemini
