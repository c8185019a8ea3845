package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sujimmy/ipu7-camera-hal-sub001/configs"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/camera"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/hcl"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/status"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/stream"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/topologystore"
)

func TestNewConfig(t *testing.T) {
	t.Parallel()
	valid := Config{Streams: []string{"1920x1080"}}

	cfg, err := NewConfig(valid)
	require.NoError(t, err)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "info", cfg.LogLevel)

	cfg, err = NewConfig(Config{Streams: valid.Streams, LogFormat: "JSON", LogLevel: "Debug"})
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "debug", cfg.LogLevel)

	for name, c := range map[string]Config{
		"no streams":      {},
		"negative frames": {Streams: valid.Streams, Frames: -1},
		"bad port":        {Streams: valid.Streams, HealthcheckPort: 70000},
		"bad format":      {Streams: valid.Streams, LogFormat: "yaml"},
		"bad level":       {Streams: valid.Streams, LogLevel: "trace"},
	} {
		_, err := NewConfig(c)
		assert.Equal(t, status.BadValue, status.CodeOf(err), name)
	}
}

func TestNewApp_LoadsFromPaths(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	platformPath := filepath.Join(dir, "platform.yaml")
	require.NoError(t, os.WriteFile(platformPath, configs.Platform, 0o600))
	src, err := configs.Catalog.ReadFile(configs.CatalogFile)
	require.NoError(t, err)
	catalogDir := filepath.Join(dir, "catalog")
	require.NoError(t, os.Mkdir(catalogDir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(catalogDir, "graphs.hcl"), src, 0o600))

	cfg, err := NewConfig(Config{
		PlatformPath: platformPath,
		CatalogPaths: []string{catalogDir},
		Streams:      []string{"1920x1080"},
	})
	require.NoError(t, err)
	a, err := NewApp(&SafeBuffer{}, &SafeBuffer{}, cfg, hcl.NewLoader())
	require.NoError(t, err)
	assert.Equal(t, "ov13b10", a.Platform().Sensor.Name)
	assert.NotEmpty(t, a.Catalog().AllGraphs(context.Background()))

	cfg.PlatformPath = filepath.Join(dir, "missing.yaml")
	_, err = NewApp(&SafeBuffer{}, &SafeBuffer{}, cfg, hcl.NewLoader())
	assert.ErrorContains(t, err, "missing.yaml")
}

type pathOnlyLoader struct{}

func (pathOnlyLoader) Load(context.Context, ...string) (topologystore.Store, error) {
	return nil, nil
}

func TestNewApp_EmbeddedCatalogNeedsByteLoader(t *testing.T) {
	t.Parallel()
	cfg, err := NewConfig(Config{Streams: []string{"1920x1080"}})
	require.NoError(t, err)

	_, err = NewApp(&SafeBuffer{}, &SafeBuffer{}, cfg, pathOnlyLoader{})
	assert.Equal(t, status.BadValue, status.CodeOf(err))
	_, err = NewApp(&SafeBuffer{}, &SafeBuffer{}, cfg, nil)
	assert.Equal(t, status.NotInitialized, status.CodeOf(err))
}

func TestNewApp_RejectsBadStream(t *testing.T) {
	t.Parallel()
	cfg, err := NewConfig(Config{Streams: []string{"1920x1080", "wide"}})
	require.NoError(t, err)
	_, err = NewApp(&SafeBuffer{}, &SafeBuffer{}, cfg, hcl.NewLoader())
	assert.ErrorContains(t, err, "parse stream 1")
}

func TestGraph(t *testing.T) {
	t.Parallel()
	a, out, logs := SetupAppTest(t, Config{Streams: []string{"1920x1080:NV12:preview", "4032x3024:BLOB:still"}})

	plan, err := a.Graph(context.Background())
	require.NoError(t, err)

	assert.Equal(t, stream.Resolution{Width: 4096, Height: 3072}, plan.Producer.Resolution)
	assert.True(t, plan.PostProcessing)
	require.Len(t, plan.Result.PostStages, 1)
	still, ok := plan.Result.Binding(1)
	require.True(t, ok)
	assert.Equal(t, stream.Port(0), still.Port)

	assert.Contains(t, out.String(), "Producer")
	assert.Contains(t, out.String(), "4096x3072")
	assert.Contains(t, out.String(), "post[0]")
	assert.Contains(t, logs.String(), "Graph selected.")
}

func TestGraph_Errors(t *testing.T) {
	t.Parallel()
	a, _, _ := SetupAppTest(t, Config{Streams: []string{"1920x1080"}, OperationMode: 3})
	_, err := a.Graph(context.Background())
	assert.Equal(t, status.NotFound, status.CodeOf(err))

	a, _, _ = SetupAppTest(t, Config{Streams: []string{"1000x1000"}})
	_, err = a.Graph(context.Background())
	assert.Equal(t, status.BadValue, status.CodeOf(err))
}

func TestRun(t *testing.T) {
	t.Parallel()
	a, out, _ := SetupAppTest(t, Config{
		Streams: []string{"1920x1080:NV12:preview", "1280x720:NV12:video"},
		Frames:  12,
	})

	rep, err := a.Run(context.Background(), camera.WithPayloadCap(4096))
	require.NoError(t, err)

	assert.Equal(t, 12, rep.Frames)
	require.Len(t, rep.Streams, 2)
	for _, s := range rep.Streams {
		assert.Equal(t, 12, s.Frames, "stream %d", s.Stream.ID)
		assert.Zero(t, s.Dropped)
		assert.Equal(t, int64(0), s.FirstSeq)
		assert.Equal(t, int64(11), s.LastSeq)
	}
	assert.Equal(t, stream.Port(0), rep.Streams[0].Port)
	assert.Contains(t, out.String(), "0..11")
}

func TestRun_ConfigureOnly(t *testing.T) {
	t.Parallel()
	a, out, _ := SetupAppTest(t, Config{Streams: []string{"1280x720"}})

	rep, err := a.Run(context.Background(), camera.WithPayloadCap(4096))
	require.NoError(t, err)
	assert.Zero(t, rep.Frames)
	require.Len(t, rep.Streams, 1)
	assert.Contains(t, out.String(), "STREAM")
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	a, _, _ := SetupAppTest(t, Config{Streams: []string{"1920x1080"}})
	mux := a.healthMux()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK\n", rec.Body.String())

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "no camera is open")

	a.setMetrics(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("camhal_frames_completed_total 0\n"))
	}))
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "camhal_frames_completed_total")

	assert.NoError(t, a.closeHealthcheckServer(context.Background()), "closing a server that never started")
}
