package classify

// SchemaName names the structured output for page classification.
const SchemaName = "page_classification"

// Schema is the JSON schema for page classification output.
var Schema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"classification": map[string]any{
			"type":        "string",
			"enum":        []string{"CONTENT", "FRONTMATTER"},
			"description": "CONTENT for main book text, FRONTMATTER for anything else",
		},
	},
	"required":             []string{"classification"},
	"additionalProperties": false,
}
