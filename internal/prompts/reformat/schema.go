package reformat

// SchemaName names the structured output for reformatting.
const SchemaName = "formatted_excerpt"

// Schema is the JSON schema for reformat output.
var Schema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"formatted_text": map[string]any{
			"type":        "string",
			"description": "The excerpt with minimal formatting (markdown or simple line breaks)",
		},
	},
	"required":             []string{"formatted_text"},
	"additionalProperties": false,
}
