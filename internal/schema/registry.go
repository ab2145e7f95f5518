// Package schema holds the DefraDB collection definitions.
package schema

import (
	"embed"
	"fmt"
	"strings"
)

//go:embed schemas/*.graphql
var schemaFS embed.FS

// Schema is one DefraDB collection definition.
type Schema struct {
	Name string
	SDL  string
}

// collections are applied in this order.
var collections = []string{"Upload", "Book", "Task"}

// All returns every collection schema in application order.
func All() ([]Schema, error) {
	out := make([]Schema, 0, len(collections))
	for _, name := range collections {
		s, err := Get(name)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, nil
}

// Get returns the schema for a single collection.
func Get(name string) (*Schema, error) {
	found := false
	for _, c := range collections {
		if c == name {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("schema not found: %s", name)
	}
	content, err := schemaFS.ReadFile("schemas/" + strings.ToLower(name) + ".graphql")
	if err != nil {
		return nil, fmt.Errorf("failed to read schema %s: %w", name, err)
	}
	return &Schema{Name: name, SDL: string(content)}, nil
}
