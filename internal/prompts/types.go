// Package prompts holds the LLM prompts the pipeline sends, with embedded
// defaults and operator overrides.
//
// Embedded .tmpl files are the source of truth. An override from the
// configuration file replaces the embedded text for one key without a
// rebuild.
//
// Resolution order:
//  1. Override (llm.prompts.<key> in config)
//  2. Embedded default (from .tmpl files in code)
package prompts

// ResolvedPrompt is the text a caller should render for a key.
type ResolvedPrompt struct {
	Key        string   `json:"key"`
	Text       string   `json:"text"`
	Variables  []string `json:"variables,omitempty"`
	Hash       string   `json:"hash"`
	IsOverride bool     `json:"is_override"`
}

// EmbeddedPrompt represents a prompt loaded from an embedded .tmpl file.
type EmbeddedPrompt struct {
	Key         string   // Hierarchical key: cover.system
	Text        string   // The prompt text (Go template)
	Description string   // Human-readable description
	Variables   []string // Extracted template variables
	Hash        string   // SHA256 hash of the text for change detection
}
