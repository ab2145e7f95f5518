package cover

// SchemaName names the structured output for cover analysis.
const SchemaName = "book_cover_analysis"

// Schema is the JSON schema for cover analysis output.
var Schema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"is_book": map[string]any{
			"type":        "boolean",
			"description": "Whether the image is definitely a book cover",
		},
		"confidence": map[string]any{
			"type":        "number",
			"minimum":     0,
			"maximum":     1,
			"description": "Confidence (0.0 to 1.0) that the image truly is a book cover",
		},
		"title": map[string]any{
			"type":        []string{"string", "null"},
			"description": "Title read from the cover, null if not found",
		},
		"author": map[string]any{
			"type":        []string{"string", "null"},
			"description": "Author read from the cover, null if not found",
		},
		"fiction": map[string]any{
			"type":        []string{"boolean", "null"},
			"description": "Whether the book is fiction, null if unknown",
		},
	},
	"required":             []string{"is_book", "confidence", "title", "author", "fiction"},
	"additionalProperties": false,
}
