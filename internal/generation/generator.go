package generation

import (
	"context"

	"github.com/storyloom/storyloom-api/internal/domain"
)

// StoryPage is one page of a generated story: the narrative text plus
// the prompt used to illustrate it.
type StoryPage struct {
	PageNumber  int    `json:"page_number"`
	Text        string `json:"text"`
	ImagePrompt string `json:"image_prompt"`
}

// Story is the structured result of text generation for a whole book.
type Story struct {
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Pages       []StoryPage `json:"pages"`
}

// ImageData is the result of generating a single illustration. Ref is
// an opaque handle (URL or storage key) to the stored image.
type ImageData struct {
	Ref      string
	MIMEType string
	Bytes    []byte
}

// StoryGenerator produces the full story text for a book in one slow,
// fallible provider call. The endpoint is the provider base URL chosen
// by the caller for this attempt; empty selects the provider default.
// Retry and endpoint failover live with the caller, not here.
type StoryGenerator interface {
	// GenerateStory creates a story matching the book parameters. The
	// returned story has exactly params.PageCount pages.
	GenerateStory(ctx context.Context, endpoint string, params domain.BookParams) (*Story, error)
}

// ImageGenerator produces one illustration per call from a page's
// image prompt.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, endpoint string, prompt string, style string) (*ImageData, error)
}
