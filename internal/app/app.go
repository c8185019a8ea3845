package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/config"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/ctxlog"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/stream"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/topologystore"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW     io.Writer
	logger   *slog.Logger
	config   *Config
	platform *config.Platform
	catalog  topologystore.Store
	streams  []stream.Stream

	mu         sync.Mutex
	httpServer *http.Server
	metrics    http.Handler
}

// NewApp loads the platform profile and graph catalog named by cfg. Reports
// are written to outW and logs to logW.
func NewApp(outW, logW io.Writer, cfg *Config, loader config.Loader) (*App, error) {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, logW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	platform, err := loadPlatform(cfg.PlatformPath)
	if err != nil {
		return nil, err
	}
	logger.Debug("Platform profile loaded.", "sensor", platform.Sensor.Name, "path", cfg.PlatformPath)

	catalog, err := loadCatalog(ctx, loader, cfg.CatalogPaths)
	if err != nil {
		return nil, err
	}
	logger.Debug("Graph catalog loaded.", "version", catalog.Version(), "graphs", len(catalog.AllGraphs(ctx)))

	streams, err := parseStreams(cfg.Streams)
	if err != nil {
		return nil, err
	}

	return &App{
		outW:     outW,
		logger:   logger,
		config:   cfg,
		platform: platform,
		catalog:  catalog,
		streams:  streams,
	}, nil
}

// Platform returns the loaded platform profile.
func (a *App) Platform() *config.Platform {
	return a.platform
}

// Catalog returns the loaded graph catalog.
func (a *App) Catalog() topologystore.Store {
	return a.catalog
}

// withLogger attaches the app logger to ctx.
func (a *App) withLogger(ctx context.Context) context.Context {
	return ctxlog.WithLogger(ctx, a.logger)
}

func parseStreams(specs []string) ([]stream.Stream, error) {
	out := make([]stream.Stream, 0, len(specs))
	for i, spec := range specs {
		s, err := stream.Parse(spec)
		if err != nil {
			return nil, fmt.Errorf("parse stream %d: %w", i, err)
		}
		s.ID = i
		out = append(out, s)
	}
	return out, nil
}
