package config

import (
	"context"
)

// Loader provides configuration loading capabilities. It abstracts the source
// of configuration so the daemon does not care whether settings come from a
// file, environment variables or a remote service.
type Loader interface {
	// Load retrieves and parses the configuration from the underlying
	// source, returning it with defaults applied and validated.
	Load(ctx context.Context) (*Config, error)
}
