package agent

import (
	"strings"

	"github.com/dotsetgreg/dotchat/pkg/prompts"
)

// ContextBuilder assembles the final chat prompt from the conversation
// summary and the raw user message.
type ContextBuilder struct {
	template string
}

func NewContextBuilder(template string) *ContextBuilder {
	if strings.TrimSpace(template) == "" {
		template = prompts.Defaults().Chat
	}
	return &ContextBuilder{template: template}
}

// BuildPrompt fills both placeholders in one pass, so placeholder text
// inside the summary or the message is left literal.
func (cb *ContextBuilder) BuildPrompt(summary, userMessage string) string {
	r := strings.NewReplacer(
		prompts.SummaryPlaceholder, summary,
		prompts.MessagePlaceholder, userMessage,
	)
	return r.Replace(cb.template)
}
