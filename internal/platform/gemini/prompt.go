package gemini

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/storyloom/storyloom-api/internal/domain"
)

// storyPromptTemplate asks for the whole book in one structured
// completion. The response schema is enforced separately through the
// JSON response MIME type; the prompt restates it because models
// follow restated schemas more reliably.
const storyPromptTemplate = `You are a children's book author writing for a {{.TargetAge}}-year-old reader.

Write a picture book story about: {{.Theme}}
{{- if .Keywords}}
Weave in these elements: {{.Keywords}}.
{{- end}}
{{- if .Style}}
Illustration style for the image prompts: {{.Style}}.
{{- end}}

The story must have exactly {{.PageCount}} pages. Keep the language
age-appropriate, warm, and simple.

Respond with JSON only, matching this shape:
{
  "title": "...",
  "description": "one-sentence summary",
  "pages": [
    {"page_number": 1, "text": "the page's narrative text", "image_prompt": "a self-contained illustration description"}
  ]
}`

// promptData is the input to the story prompt template.
type promptData struct {
	Theme     string
	Keywords  string
	TargetAge int
	PageCount int
	Style     string
}

var storyPrompt = template.Must(template.New("story").Parse(storyPromptTemplate))

// buildStoryPrompt renders the story prompt for the given parameters.
func buildStoryPrompt(params domain.BookParams) (string, error) {
	data := promptData{
		Theme:     params.Theme,
		Keywords:  strings.Join(params.Keywords, ", "),
		TargetAge: params.TargetAge,
		PageCount: params.PageCount,
		Style:     params.Style,
	}

	var buf bytes.Buffer
	if err := storyPrompt.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute story prompt template: %w", err)
	}
	return buf.String(), nil
}

// buildImagePrompt combines a page's illustration description with the
// book-level style.
func buildImagePrompt(prompt, style string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(prompt))
	if style = strings.TrimSpace(style); style != "" {
		b.WriteString("\nStyle: ")
		b.WriteString(style)
	}
	b.WriteString("\nChild-friendly picture book illustration, no text in the image.")
	return b.String()
}
