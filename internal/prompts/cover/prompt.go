// Package cover holds the prompts for book cover analysis.
package cover

import (
	_ "embed"

	"github.com/jackzampolin/snapshelf/internal/prompts"
)

//go:embed system.tmpl
var systemPrompt string

//go:embed user.tmpl
var userPrompt string

// Prompt keys
const (
	SystemPromptKey = "cover.system"
	UserPromptKey   = "cover.user"
)

// RegisterPrompts registers the cover prompts with the resolver.
func RegisterPrompts(r *prompts.Resolver) {
	r.Register(prompts.EmbeddedPrompt{
		Key:         SystemPromptKey,
		Text:        systemPrompt,
		Description: "Cover analysis system prompt - detects a book and reads title, author and fiction",
	})
	r.Register(prompts.EmbeddedPrompt{
		Key:         UserPromptKey,
		Text:        userPrompt,
		Description: "Cover analysis user prompt, sent alongside the image",
	})
}
