package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/status"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/stream"
)

const profile = `
sensor:
  name: ov13b10
  format: BG10
  native_modes:
    - {width: 4096, height: 3072}
    - {width: 1920, height: 1080}
supported_formats: [NV12, P010, BLOB]
supported_resolutions: ["4032x3024", "1920x1080", "1280x720"]
limits:
  max_streams: 4
  frame_pool_size: 6
slots:
  video: 2
  still: 1
post_stages:
  temporal_filter: true
features:
  crop: true
timeouts:
  dequeue: 250ms
`

func TestParsePlatform(t *testing.T) {
	p, err := ParsePlatform([]byte(profile))
	require.NoError(t, err)

	assert.Equal(t, "ov13b10", p.Sensor.Name)
	assert.Equal(t, stream.FormatBG10, p.NativeFormat())
	assert.Equal(t, 4, p.Limits.MaxStreams)
	assert.Equal(t, 6, p.Limits.FramePoolSize)
	assert.Equal(t, 10, p.Limits.MaxBuffersPerStream, "unset limits keep their default")
	assert.Equal(t, 250*time.Millisecond, p.Timeouts.Dequeue)
	assert.Equal(t, time.Second, p.Timeouts.Drain)
	assert.True(t, p.PostStages.TemporalFilter)
	assert.True(t, p.PostStages.Scale, "unset policy switches keep their default")
	assert.True(t, p.Features.Crop)
	assert.True(t, p.Features.Any())

	assert.Equal(t, stream.Resolution{Width: 4096, Height: 3072}, p.NativeAspect())
	assert.Len(t, p.NativeModes(), 2)
	assert.True(t, p.SupportsFormat(stream.FormatP010))
	assert.False(t, p.SupportsFormat(stream.FormatYUY2))
	assert.True(t, p.SupportsResolution(stream.Resolution{Width: 1280, Height: 720}))
	assert.False(t, p.SupportsResolution(stream.Resolution{Width: 640, Height: 480}))
}

func TestParsePlatform_EmptyCapabilityLists(t *testing.T) {
	p, err := ParsePlatform([]byte("sensor: {name: x, native_modes: [{width: 1920, height: 1080}]}"))
	require.NoError(t, err)

	assert.True(t, p.SupportsFormat(stream.FormatYUY2))
	assert.True(t, p.SupportsResolution(stream.Resolution{Width: 640, Height: 480}))
	assert.False(t, p.SupportsResolution(stream.Resolution{Width: 4096, Height: 3072}))
}

func TestParsePlatform_Errors(t *testing.T) {
	testCases := []struct {
		name string
		yaml string
	}{
		{name: "no sensor", yaml: "limits: {max_streams: 2}"},
		{name: "no native modes", yaml: "sensor: {name: x}"},
		{name: "bad format", yaml: "sensor: {name: x, native_modes: [{width: 8, height: 8}]}\nsupported_formats: [H265]"},
		{name: "bad resolution", yaml: "sensor: {name: x, native_modes: [{width: 8, height: 8}]}\nsupported_resolutions: [big]"},
		{name: "zero limit", yaml: "sensor: {name: x, native_modes: [{width: 8, height: 8}]}\nlimits: {frame_pool_size: 0}"},
		{name: "no slots", yaml: "sensor: {name: x, native_modes: [{width: 8, height: 8}]}\nslots: {video: 0, still: 0}"},
		{name: "tolerance", yaml: "sensor: {name: x, native_modes: [{width: 8, height: 8}]}\naspect_tolerance: 1.5"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParsePlatform([]byte(tc.yaml))
			require.Error(t, err)
			assert.ErrorIs(t, err, status.ErrBadValue)
		})
	}

	_, err := ParsePlatform([]byte("sensor: [not, a, map]"))
	assert.Error(t, err)
}

func TestLoadPlatform(t *testing.T) {
	path := filepath.Join(t.TempDir(), "platform.yaml")
	require.NoError(t, os.WriteFile(path, []byte(profile), 0o644))

	p, err := LoadPlatform(path)
	require.NoError(t, err)
	assert.Equal(t, "ov13b10", p.Sensor.Name)

	_, err = LoadPlatform(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
