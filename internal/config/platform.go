package config

import (
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/status"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/stream"
)

// Platform is the static description of one camera: its sensor, what the
// pipeline may be asked for, and how the pipeline is sized.
type Platform struct {
	Sensor               Sensor          `yaml:"sensor"`
	SupportedFormats     []string        `yaml:"supported_formats"`
	SupportedResolutions []string        `yaml:"supported_resolutions"`
	Limits               Limits          `yaml:"limits"`
	Slots                Slots           `yaml:"slots"`
	AspectTolerance      float64         `yaml:"aspect_tolerance"`
	PostStages           PostStagePolicy `yaml:"post_stages"`
	Features             Features        `yaml:"features"`
	Timeouts             Timeouts        `yaml:"timeouts"`

	formats     []stream.Format
	resolutions []stream.Resolution
	native      []stream.Resolution
	nativeFmt   stream.Format
}

// Sensor describes the capture device.
type Sensor struct {
	Name        string       `yaml:"name"`
	Format      string       `yaml:"format"`
	NativeModes []SensorMode `yaml:"native_modes"`
}

// SensorMode is one output size the sensor produces without scaling.
type SensorMode struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// Limits bound every pool and queue in the pipeline.
type Limits struct {
	MaxStreams          int `yaml:"max_streams"`
	MaxBuffersPerStream int `yaml:"max_buffers_per_stream"`
	FramePoolSize       int `yaml:"frame_pool_size"`
	PendingTasks        int `yaml:"pending_tasks"`
	MetadataSlots       int `yaml:"metadata_slots"`
	ProducerBuffers     int `yaml:"producer_buffers"`
	Workers             int `yaml:"workers"`
}

// Slots is the number of hardware outputs per usage kind.
type Slots struct {
	Video int `yaml:"video"`
	Still int `yaml:"still"`
}

// PostStagePolicy switches the individual reasons a software post stage is
// inserted after a hardware output.
type PostStagePolicy struct {
	// Scale enables a stage when the app size differs from the hardware output.
	Scale bool `yaml:"scale"`
	// Transcode enables a stage when the app format differs from the output.
	Transcode bool `yaml:"transcode"`
	// Encode enables a stage for compressed (BLOB) streams.
	Encode bool `yaml:"encode"`
	// Deinterlace enables a stage for interlaced streams.
	Deinterlace bool `yaml:"deinterlace"`
	// TemporalFilter enables a GPU stage for video usage streams.
	TemporalFilter bool `yaml:"temporal_filter"`
	// Listeners enables a stage for every stream sharing another stream's
	// hardware output.
	Listeners bool `yaml:"listeners"`
}

// Features are optional processing modes.
type Features struct {
	DeinterlaceWeave bool `yaml:"deinterlace_weave"`
	MonoDownscale    bool `yaml:"mono_downscale"`
	Crop             bool `yaml:"crop"`
}

// Any reports whether at least one feature is active.
func (f Features) Any() bool {
	return f.DeinterlaceWeave || f.MonoDownscale || f.Crop
}

// Timeouts bound every blocking wait.
type Timeouts struct {
	// Dequeue is one wait of a blocking dequeue before it retries.
	Dequeue time.Duration `yaml:"dequeue"`
	// DequeueRetries is how many waits a dequeue makes before it times out.
	DequeueRetries int `yaml:"dequeue_retries"`
	// Drain bounds how long stop waits for in-flight tasks.
	Drain time.Duration `yaml:"drain"`
}

// DefaultPlatform returns a profile with every limit and policy at its
// default. Loaded YAML overrides it field by field.
func DefaultPlatform() *Platform {
	return &Platform{
		Sensor: Sensor{Format: "BG10"},
		Limits: Limits{
			MaxStreams:          8,
			MaxBuffersPerStream: 10,
			FramePoolSize:       10,
			PendingTasks:        16,
			MetadataSlots:       2,
			ProducerBuffers:     6,
			Workers:             2,
		},
		Slots:           Slots{Video: 2, Still: 1},
		AspectTolerance: stream.DefaultAspectTolerance,
		PostStages: PostStagePolicy{
			Scale:       true,
			Transcode:   true,
			Encode:      true,
			Deinterlace: true,
			Listeners:   true,
		},
		Timeouts: Timeouts{
			Dequeue:        time.Second,
			DequeueRetries: 3,
			Drain:          time.Second,
		},
	}
}

// LoadPlatform reads and validates a YAML platform profile.
func LoadPlatform(path string) (*Platform, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read platform profile: %w", err)
	}
	return ParsePlatform(data)
}

// ParsePlatform decodes and validates a YAML platform profile.
func ParsePlatform(data []byte) (*Platform, error) {
	p := DefaultPlatform()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decode platform profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the profile and resolves its textual fields. It must be
// called before the typed accessors are used.
func (p *Platform) Validate() error {
	if p.Sensor.Name == "" {
		return fmt.Errorf("platform: sensor name is required: %w", status.ErrBadValue)
	}
	if len(p.Sensor.NativeModes) == 0 {
		return fmt.Errorf("platform: sensor %q has no native modes: %w", p.Sensor.Name, status.ErrBadValue)
	}
	nativeFmt, err := stream.ParseFormat(p.Sensor.Format)
	if err != nil {
		return fmt.Errorf("platform: sensor format: %w: %w", err, status.ErrBadValue)
	}

	native := make([]stream.Resolution, 0, len(p.Sensor.NativeModes))
	for _, m := range p.Sensor.NativeModes {
		if m.Width <= 0 || m.Height <= 0 {
			return fmt.Errorf("platform: native mode %dx%d: %w", m.Width, m.Height, status.ErrBadValue)
		}
		native = append(native, stream.Resolution{Width: m.Width, Height: m.Height})
	}

	formats := make([]stream.Format, 0, len(p.SupportedFormats))
	for _, name := range p.SupportedFormats {
		f, err := stream.ParseFormat(name)
		if err != nil {
			return fmt.Errorf("platform: %w: %w", err, status.ErrBadValue)
		}
		formats = append(formats, f)
	}

	resolutions := make([]stream.Resolution, 0, len(p.SupportedResolutions))
	for _, s := range p.SupportedResolutions {
		r, err := stream.ParseResolution(s)
		if err != nil {
			return fmt.Errorf("platform: %w: %w", err, status.ErrBadValue)
		}
		resolutions = append(resolutions, r)
	}

	l := p.Limits
	for name, v := range map[string]int{
		"max_streams":            l.MaxStreams,
		"max_buffers_per_stream": l.MaxBuffersPerStream,
		"frame_pool_size":        l.FramePoolSize,
		"pending_tasks":          l.PendingTasks,
		"metadata_slots":         l.MetadataSlots,
		"producer_buffers":       l.ProducerBuffers,
		"workers":                l.Workers,
	} {
		if v <= 0 {
			return fmt.Errorf("platform: limit %s must be positive, got %d: %w", name, v, status.ErrBadValue)
		}
	}
	if p.Slots.Video < 0 || p.Slots.Still < 0 || p.Slots.Video+p.Slots.Still == 0 {
		return fmt.Errorf("platform: slot budget video=%d still=%d: %w", p.Slots.Video, p.Slots.Still, status.ErrBadValue)
	}
	if p.AspectTolerance <= 0 || p.AspectTolerance >= 1 {
		return fmt.Errorf("platform: aspect tolerance %v outside (0,1): %w", p.AspectTolerance, status.ErrBadValue)
	}
	if p.Timeouts.Dequeue <= 0 || p.Timeouts.Drain <= 0 || p.Timeouts.DequeueRetries <= 0 {
		return fmt.Errorf("platform: timeouts must be positive: %w", status.ErrBadValue)
	}

	p.native = native
	p.nativeFmt = nativeFmt
	p.formats = formats
	p.resolutions = resolutions
	return nil
}

// NativeModes returns the sensor's unscaled output sizes.
func (p *Platform) NativeModes() []stream.Resolution {
	return slices.Clone(p.native)
}

// NativeFormat is the sensor's raw output format.
func (p *Platform) NativeFormat() stream.Format {
	return p.nativeFmt
}

// NativeAspect returns the largest native mode, whose shape defines the
// sensor's native aspect ratio.
func (p *Platform) NativeAspect() stream.Resolution {
	var best stream.Resolution
	for _, r := range p.native {
		if r.Area() > best.Area() {
			best = r
		}
	}
	return best
}

// SupportsFormat reports whether f may be requested. An empty capability
// list allows every known format.
func (p *Platform) SupportsFormat(f stream.Format) bool {
	if len(p.formats) == 0 {
		return f.Known()
	}
	return slices.Contains(p.formats, f)
}

// SupportsResolution reports whether r may be requested. An empty capability
// list allows any size up to the largest native mode.
func (p *Platform) SupportsResolution(r stream.Resolution) bool {
	if len(p.resolutions) == 0 {
		return p.NativeAspect().Covers(r)
	}
	return slices.Contains(p.resolutions, r)
}
