package gemini

import (
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/storyloom-api/internal/config"
	"github.com/storyloom/storyloom-api/internal/domain"
	"github.com/storyloom/storyloom-api/internal/generation"
)

func validSchema(pages int) storySchema {
	s := storySchema{
		Title:       "The Brave Little Fox",
		Description: "A fox learns to share.",
	}
	for i := 1; i <= pages; i++ {
		s.Pages = append(s.Pages, struct {
			PageNumber  int    `json:"page_number"`
			Text        string `json:"text"`
			ImagePrompt string `json:"image_prompt"`
		}{
			PageNumber:  i,
			Text:        fmt.Sprintf("Page %d text", i),
			ImagePrompt: fmt.Sprintf("Page %d illustration", i),
		})
	}
	return s
}

func TestBuildStoryPrompt(t *testing.T) {
	t.Parallel()

	params := domain.BookParams{
		Theme:     "a dragon who is afraid of fire",
		Keywords:  []string{"friendship", "courage"},
		TargetAge: 5,
		PageCount: 8,
		Style:     "watercolor",
	}

	prompt, err := buildStoryPrompt(params)
	require.NoError(t, err)

	assert.Contains(t, prompt, "a dragon who is afraid of fire")
	assert.Contains(t, prompt, "friendship, courage")
	assert.Contains(t, prompt, "exactly 8 pages")
	assert.Contains(t, prompt, "5-year-old")
	assert.Contains(t, prompt, "watercolor")
}

func TestBuildStoryPrompt_OmitsEmptySections(t *testing.T) {
	t.Parallel()

	params := domain.BookParams{
		Theme:     "a quiet snail",
		TargetAge: 3,
		PageCount: 4,
	}

	prompt, err := buildStoryPrompt(params)
	require.NoError(t, err)

	assert.NotContains(t, prompt, "Weave in these elements")
	assert.NotContains(t, prompt, "Illustration style")
}

func TestBuildImagePrompt(t *testing.T) {
	t.Parallel()

	got := buildImagePrompt("a fox under a tree", "crayon drawing")
	assert.Contains(t, got, "a fox under a tree")
	assert.Contains(t, got, "Style: crayon drawing")

	plain := buildImagePrompt("a fox under a tree", "")
	assert.NotContains(t, plain, "Style:")
}

func TestStoryFromSchema(t *testing.T) {
	t.Parallel()

	story, err := storyFromSchema(validSchema(3), 3)
	require.NoError(t, err)

	assert.Equal(t, "The Brave Little Fox", story.Title)
	require.Len(t, story.Pages, 3)
	for i, page := range story.Pages {
		assert.Equal(t, i+1, page.PageNumber, "page numbering is normalized")
	}
}

func TestStoryFromSchema_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*storySchema)
	}{
		{"missing title", func(s *storySchema) { s.Title = "" }},
		{"wrong page count", func(s *storySchema) { s.Pages = s.Pages[:2] }},
		{"empty page text", func(s *storySchema) { s.Pages[1].Text = "" }},
		{"empty image prompt", func(s *storySchema) { s.Pages[2].ImagePrompt = "" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			schema := validSchema(3)
			tc.mutate(&schema)
			_, err := storyFromSchema(schema, 3)
			assert.ErrorIs(t, err, generation.ErrInvalidResponse)
		})
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewGenerator_ValidatesConfig(t *testing.T) {
	t.Parallel()

	valid := config.LLMConfig{
		GeminiAPIKey: "test-key",
		TextModel:    "gemini-2.0-flash",
		ImageModel:   "imagen-3.0-generate-002",
	}

	_, err := NewGenerator(testLogger(), valid)
	assert.NoError(t, err)

	noKey := valid
	noKey.GeminiAPIKey = ""
	_, err = NewGenerator(testLogger(), noKey)
	assert.ErrorIs(t, err, generation.ErrInvalidConfig)

	noModel := valid
	noModel.TextModel = ""
	_, err = NewGenerator(testLogger(), noModel)
	assert.ErrorIs(t, err, generation.ErrInvalidConfig)

	_, err = NewGenerator(nil, valid)
	assert.Error(t, err)
}

func TestImageRef_IsStablePerContent(t *testing.T) {
	t.Parallel()

	a := imageRef([]byte("same bytes"))
	b := imageRef([]byte("same bytes"))
	c := imageRef([]byte("other bytes"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Contains(t, a, "gemini/images/")
}
