package memory

import (
	"context"
	"strings"
)

// ConversationPlaceholder is substituted with the rendered window.
const ConversationPlaceholder = "{{conversation}}"

// Summarizer compresses a window of turns into a summary through a Generator.
type Summarizer struct {
	gen      Generator
	model    string
	template string
}

func NewSummarizer(gen Generator, model, template string) *Summarizer {
	return &Summarizer{gen: gen, model: model, template: template}
}

// Summarize returns "" for an empty window without calling the generator.
// Otherwise the generator output is returned as is; errors are not wrapped.
func (s *Summarizer) Summarize(ctx context.Context, window []Turn) (string, error) {
	if len(window) == 0 {
		return "", nil
	}
	prompt := strings.ReplaceAll(s.template, ConversationPlaceholder, RenderConversation(window))
	return s.gen.Generate(ctx, s.model, prompt)
}

// Model is the model name summaries are requested from.
func (s *Summarizer) Model() string { return s.model }

// RenderConversation formats turns as "ROLE: content" lines, oldest first.
func RenderConversation(window []Turn) string {
	lines := make([]string, 0, len(window))
	for _, t := range window {
		lines = append(lines, strings.ToUpper(string(t.Role))+": "+t.Content)
	}
	return strings.Join(lines, "\n")
}
