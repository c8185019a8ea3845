package app

import (
	"fmt"
	"strings"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/eventsink"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/status"
)

// Config holds everything an App needs to run.
type Config struct {
	// PlatformPath is a YAML platform profile. Empty selects the embedded
	// reference profile.
	PlatformPath string
	// CatalogPaths are HCL catalog files or directories. Empty selects the
	// embedded reference catalog.
	CatalogPaths []string

	CameraID      int
	Streams       []string
	OperationMode int
	Frames        int

	LogFormat       string
	LogLevel        string
	HealthcheckPort int

	// EventSink forwards device events when its URL is set.
	EventSink eventsink.Config
}

// NewConfig validates cfg and returns a normalized copy.
func NewConfig(cfg Config) (*Config, error) {
	if len(cfg.Streams) == 0 {
		return nil, fmt.Errorf("at least one stream is required: %w", status.ErrBadValue)
	}
	if cfg.Frames < 0 {
		return nil, fmt.Errorf("frames must not be negative, got %d: %w", cfg.Frames, status.ErrBadValue)
	}
	if cfg.HealthcheckPort < 0 || cfg.HealthcheckPort > 65535 {
		return nil, fmt.Errorf("invalid healthcheck port %d: %w", cfg.HealthcheckPort, status.ErrBadValue)
	}

	cfg.LogFormat = strings.ToLower(cfg.LogFormat)
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return nil, fmt.Errorf("invalid log-format %q: must be 'text' or 'json': %w", cfg.LogFormat, status.ErrBadValue)
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if _, ok := logLevels[cfg.LogLevel]; !ok {
		return nil, fmt.Errorf("invalid log-level %q: must be 'debug', 'info', 'warn', or 'error': %w", cfg.LogLevel, status.ErrBadValue)
	}
	return &cfg, nil
}
