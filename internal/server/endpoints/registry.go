package endpoints

import (
	"github.com/jackzampolin/snapshelf/internal/api"
	"github.com/jackzampolin/snapshelf/internal/defra"
)

// Config holds dependencies needed by some endpoints.
type Config struct {
	// DefraManager is nil unless the defra store driver is in use.
	DefraManager *defra.DockerManager
}

// All returns all endpoint instances.
func All(cfg Config) []api.Endpoint {
	return []api.Endpoint{
		// Health endpoints
		&HealthEndpoint{},
		&ReadyEndpoint{},
		&StatusEndpoint{DefraManager: cfg.DefraManager},

		// Upload endpoints
		&CreateUploadEndpoint{},
		&ListUploadsEndpoint{},
		&GetUploadEndpoint{},
		&UploadImageEndpoint{},

		// Book endpoints
		&GetBookEndpoint{},

		// Prompt endpoints
		&ListPromptsEndpoint{},
		&GetPromptEndpoint{},
	}
}
