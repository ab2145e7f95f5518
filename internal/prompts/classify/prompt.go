// Package classify holds the prompts that label a page as main content or
// frontmatter.
package classify

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
	SystemPromptKey = "classify.system"
	UserPromptKey   = "classify.user"
)

// UserPromptData is the template data for the user prompt.
type UserPromptData struct {
	BookType string
	Fiction  bool
	Ordinal  int
	Sample   string
}

// NewUserPromptData builds template data for one sample.
func NewUserPromptData(sample string, ordinal int, fiction bool) UserPromptData {
	bookType := "Non-Fiction"
	if fiction {
		bookType = "Fiction"
	}
	return UserPromptData{BookType: bookType, Fiction: fiction, Ordinal: ordinal, Sample: sample}
}

// RegisterPrompts registers the classification prompts with the resolver.
func RegisterPrompts(r *prompts.Resolver) {
	r.Register(prompts.EmbeddedPrompt{
		Key:         SystemPromptKey,
		Text:        systemPrompt,
		Description: "Page classification system prompt - CONTENT vs FRONTMATTER",
	})
	r.Register(prompts.EmbeddedPrompt{
		Key:         UserPromptKey,
		Text:        userPromptTmpl,
		Description: "Page classification user prompt template",
	})
}
