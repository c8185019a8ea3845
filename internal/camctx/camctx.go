// Package camctx holds the state shared by the components of one open
// camera. A Context is created when the camera opens and closed with it; it
// replaces process-wide singletons, so several cameras never share mutable
// state.
package camctx

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/config"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/ctxlog"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/status"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/topologystore"
)

// Params are per-frame capture settings, such as "ae_mode" or
// "exposure_us".
type Params map[string]string

// Clone returns an independent copy of p.
func (p Params) Clone() Params {
	if p == nil {
		return Params{}
	}
	return maps.Clone(p)
}

// Snapshot is a copy of the parameters taken for one frame. Later updates of
// the store never change it.
type Snapshot struct {
	Version uint64
	Params  Params
}

// ParamStore holds the current camera parameters with copy-on-acquire
// semantics.
type ParamStore struct {
	mu      sync.RWMutex
	current Params
	version uint64
}

// NewParamStore creates a store holding a copy of initial.
func NewParamStore(initial Params) *ParamStore {
	return &ParamStore{current: initial.Clone()}
}

// Set changes one parameter.
func (s *ParamStore) Set(key, value string) {
	s.Update(Params{key: value})
}

// Update merges p into the current parameters. An empty value removes the
// key.
func (s *ParamStore) Update(p Params) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range p {
		if v == "" {
			delete(s.current, k)
			continue
		}
		s.current[k] = v
	}
	s.version++
}

// Get returns one parameter.
func (s *ParamStore) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.current[key]
	return v, ok
}

// Acquire returns a private copy of the current parameters.
func (s *ParamStore) Acquire() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{Version: s.version, Params: s.current.Clone()}
}

// DefaultParams are the settings a camera opens with.
func DefaultParams() Params {
	return Params{
		"ae_mode":  "auto",
		"awb_mode": "auto",
		"af_mode":  "continuous",
	}
}

// Context is the per-camera context object.
type Context struct {
	ID       uuid.UUID
	CameraID int
	Platform *config.Platform
	Catalog  topologystore.Store
	Params   *ParamStore
	Logger   *slog.Logger

	closed atomic.Bool
}

// New creates the context of camera cameraID. The logger of ctx, tagged with
// the camera, becomes the camera's logger.
func New(ctx context.Context, cameraID int, platform *config.Platform, catalog topologystore.Store) (*Context, error) {
	if platform == nil || catalog == nil {
		return nil, fmt.Errorf("camera %d: platform and catalog are required: %w", cameraID, status.ErrBadValue)
	}
	if catalog.Sensor() != "" && catalog.Sensor() != platform.Sensor.Name {
		return nil, fmt.Errorf("camera %d: catalog compiled for sensor %q, platform has %q: %w",
			cameraID, catalog.Sensor(), platform.Sensor.Name, status.ErrBadValue)
	}
	id := uuid.New()
	c := &Context{
		ID:       id,
		CameraID: cameraID,
		Platform: platform,
		Catalog:  catalog,
		Params:   NewParamStore(DefaultParams()),
		Logger:   ctxlog.FromContext(ctx).With("camera", cameraID, "instance", id.String()),
	}
	c.Logger.Debug("Camera context created.", "sensor", platform.Sensor.Name, "catalog_version", catalog.Version())
	return c, nil
}

// WithLogger returns ctx carrying the camera's logger.
func (c *Context) WithLogger(ctx context.Context) context.Context {
	return ctxlog.WithLogger(ctx, c.Logger)
}

// Close marks the context closed. It reports InvalidOperation when called
// twice.
func (c *Context) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("camera %d context already closed: %w", c.CameraID, status.ErrInvalidOperation)
	}
	c.Logger.Debug("Camera context closed.")
	return nil
}

// Closed reports whether Close was called.
func (c *Context) Closed() bool {
	return c.closed.Load()
}
