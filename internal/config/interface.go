package config

import (
	"context"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/topologystore"
)

// Loader is the interface for a format-specific graph catalog loader.
type Loader interface {
	// Load reads every catalog file under the given paths, validates the
	// graphs they define, and returns a sealed, read-only store.
	Load(ctx context.Context, paths ...string) (topologystore.Store, error)
}
