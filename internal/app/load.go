package app

import (
	"context"
	"fmt"

	"github.com/sujimmy/ipu7-camera-hal-sub001/configs"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/config"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/ctxlog"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/status"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/topologystore"
)

// byteLoader loads a catalog held in memory. The HCL loader implements it.
type byteLoader interface {
	LoadBytes(ctx context.Context, filename string, src []byte) (topologystore.Store, error)
}

func loadPlatform(path string) (*config.Platform, error) {
	if path == "" {
		p, err := config.ParsePlatform(configs.Platform)
		if err != nil {
			return nil, fmt.Errorf("embedded platform profile: %w", err)
		}
		return p, nil
	}
	p, err := config.LoadPlatform(path)
	if err != nil {
		return nil, fmt.Errorf("platform profile %s: %w", path, err)
	}
	return p, nil
}

func loadCatalog(ctx context.Context, loader config.Loader, paths []string) (topologystore.Store, error) {
	logger := ctxlog.FromContext(ctx)
	if loader == nil {
		return nil, fmt.Errorf("no catalog loader: %w", status.ErrNotInitialized)
	}
	if len(paths) > 0 {
		logger.Debug("Loading graph catalog.", "paths", paths)
		store, err := loader.Load(ctx, paths...)
		if err != nil {
			return nil, fmt.Errorf("failed to load graph catalog: %w", err)
		}
		return store, nil
	}

	bl, ok := loader.(byteLoader)
	if !ok {
		return nil, fmt.Errorf("no catalog path given and the loader cannot read the embedded catalog: %w", status.ErrBadValue)
	}
	src, err := configs.Catalog.ReadFile(configs.CatalogFile)
	if err != nil {
		return nil, fmt.Errorf("read embedded catalog: %w", err)
	}
	logger.Debug("Loading embedded graph catalog.", "file", configs.CatalogFile)
	store, err := bl.LoadBytes(ctx, configs.CatalogFile, src)
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded graph catalog: %w", err)
	}
	return store, nil
}
