// Package reformat holds the prompts that tidy an extracted excerpt for
// display.
package reformat

import (
	_ "embed"

	"github.com/jackzampolin/snapshelf/internal/prompts"
)

//go:embed system.tmpl
var systemPrompt string

//go:embed user.tmpl
var userPromptTmpl string

// Prompt keys
const (
	SystemPromptKey = "reformat.system"
	UserPromptKey   = "reformat.user"
)

// UserPromptData is the template data for the user prompt.
type UserPromptData struct {
	Text string
}

// RegisterPrompts registers the reformat prompts with the resolver.
func RegisterPrompts(r *prompts.Resolver) {
	r.Register(prompts.EmbeddedPrompt{
		Key:         SystemPromptKey,
		Text:        systemPrompt,
		Description: "Excerpt reformat system prompt",
	})
	r.Register(prompts.EmbeddedPrompt{
		Key:         UserPromptKey,
		Text:        userPromptTmpl,
		Description: "Excerpt reformat user prompt template",
	})
}
