package gemini

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"google.golang.org/genai"

	"github.com/storyloom/storyloom-api/internal/config"
	"github.com/storyloom/storyloom-api/internal/domain"
	"github.com/storyloom/storyloom-api/internal/generation"
)

// Generator implements generation.StoryGenerator and
// generation.ImageGenerator against the Gemini API. One SDK client is
// kept per endpoint so the retry layer can redirect individual attempts
// to the backup endpoint without reconnecting.
type Generator struct {
	logger *slog.Logger
	cfg    config.LLMConfig

	mu      sync.Mutex
	clients map[string]*genai.Client
}

// Ensure Generator implements both generation interfaces
var (
	_ generation.StoryGenerator = (*Generator)(nil)
	_ generation.ImageGenerator = (*Generator)(nil)
)

// NewGenerator creates a Generator from the LLM configuration.
func NewGenerator(logger *slog.Logger, cfg config.LLMConfig) (*Generator, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", generation.ErrInvalidConfig)
	}
	if cfg.TextModel == "" || cfg.ImageModel == "" {
		return nil, fmt.Errorf("%w: text and image model names are required", generation.ErrInvalidConfig)
	}

	return &Generator{
		logger:  logger.With("component", "gemini_generator"),
		cfg:     cfg,
		clients: make(map[string]*genai.Client),
	}, nil
}

// clientFor returns the cached SDK client for the endpoint, creating it
// on first use. An empty endpoint uses the SDK's default base URL.
func (g *Generator) clientFor(ctx context.Context, endpoint string) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if client, ok := g.clients[endpoint]; ok {
		return client, nil
	}

	clientConfig := &genai.ClientConfig{
		APIKey:  g.cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if endpoint != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: endpoint}
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v", generation.ErrInvalidConfig, err)
	}
	g.clients[endpoint] = client
	return client, nil
}

// storySchema mirrors the JSON shape the story prompt requests.
type storySchema struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Pages       []struct {
		PageNumber  int    `json:"page_number"`
		Text        string `json:"text"`
		ImagePrompt string `json:"image_prompt"`
	} `json:"pages"`
}

// GenerateStory implements generation.StoryGenerator.
func (g *Generator) GenerateStory(ctx context.Context, endpoint string, params domain.BookParams) (*generation.Story, error) {
	client, err := g.clientFor(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	prompt, err := buildStoryPrompt(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", generation.ErrFatal, err)
	}

	g.logger.DebugContext(ctx, "requesting story generation",
		"model", g.cfg.TextModel,
		"page_count", params.PageCount,
		"prompt_length", len(prompt))

	resp, err := client.Models.GenerateContent(ctx, g.cfg.TextModel, genai.Text(prompt),
		&genai.GenerateContentConfig{
			ResponseMIMEType: "application/json",
		})
	if err != nil {
		return nil, mapProviderError(err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("%w: no content generated", generation.ErrInvalidResponse)
	}
	if resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
		return nil, fmt.Errorf("%w: story prompt", generation.ErrContentBlocked)
	}

	var parsed storySchema
	if err := json.Unmarshal([]byte(resp.Text()), &parsed); err != nil {
		return nil, fmt.Errorf("%w: failed to parse story JSON: %v", generation.ErrInvalidResponse, err)
	}

	return storyFromSchema(parsed, params.PageCount)
}

// storyFromSchema validates the parsed response against the requested
// page count and normalizes page numbering.
func storyFromSchema(parsed storySchema, pageCount int) (*generation.Story, error) {
	if parsed.Title == "" {
		return nil, fmt.Errorf("%w: story missing title", generation.ErrInvalidResponse)
	}
	if len(parsed.Pages) != pageCount {
		return nil, fmt.Errorf("%w: expected %d pages, got %d",
			generation.ErrInvalidResponse, pageCount, len(parsed.Pages))
	}

	story := &generation.Story{
		Title:       parsed.Title,
		Description: parsed.Description,
		Pages:       make([]generation.StoryPage, 0, len(parsed.Pages)),
	}
	for i, page := range parsed.Pages {
		if page.Text == "" {
			return nil, fmt.Errorf("%w: page %d has no text", generation.ErrInvalidResponse, i+1)
		}
		if page.ImagePrompt == "" {
			return nil, fmt.Errorf("%w: page %d has no image prompt", generation.ErrInvalidResponse, i+1)
		}
		story.Pages = append(story.Pages, generation.StoryPage{
			PageNumber:  i + 1,
			Text:        page.Text,
			ImagePrompt: page.ImagePrompt,
		})
	}
	return story, nil
}

// GenerateImage implements generation.ImageGenerator.
func (g *Generator) GenerateImage(ctx context.Context, endpoint string, prompt string, style string) (*generation.ImageData, error) {
	client, err := g.clientFor(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	fullPrompt := buildImagePrompt(prompt, style)

	g.logger.DebugContext(ctx, "requesting image generation",
		"model", g.cfg.ImageModel,
		"prompt_length", len(fullPrompt))

	resp, err := client.Models.GenerateImages(ctx, g.cfg.ImageModel, fullPrompt,
		&genai.GenerateImagesConfig{
			NumberOfImages: 1,
		})
	if err != nil {
		return nil, mapProviderError(err)
	}
	if resp == nil || len(resp.GeneratedImages) == 0 || resp.GeneratedImages[0].Image == nil {
		return nil, fmt.Errorf("%w: no image generated", generation.ErrInvalidResponse)
	}

	img := resp.GeneratedImages[0].Image
	if len(img.ImageBytes) == 0 {
		return nil, fmt.Errorf("%w: empty image payload", generation.ErrInvalidResponse)
	}

	mimeType := img.MIMEType
	if mimeType == "" {
		mimeType = "image/png"
	}

	return &generation.ImageData{
		Ref:      imageRef(img.ImageBytes),
		MIMEType: mimeType,
		Bytes:    img.ImageBytes,
	}, nil
}

// imageRef derives a stable content-addressed storage key for the
// generated bytes, so re-generating an identical image after a reclaim
// resolves to the same handle.
func imageRef(data []byte) string {
	sum := sha256.Sum256(data)
	return "gemini/images/" + hex.EncodeToString(sum[:8]) + ".png"
}
