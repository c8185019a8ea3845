package pipeline

import (
	"fmt"
	"slices"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/config"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/producer"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/status"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/stream"
)

// ValidateStreams checks a requested stream set against the platform and
// returns annotated copies: ids are renumbered 0..N-1 in request order, the
// buffer count is clamped to the platform limit, and stride and frame size
// are filled in. Unsupported formats and sizes are rejected unless cropping
// is enabled.
func ValidateStreams(p *config.Platform, streams []stream.Stream) ([]stream.Stream, error) {
	if len(streams) == 0 {
		return nil, fmt.Errorf("no streams requested: %w", status.ErrBadValue)
	}
	if len(streams) > p.Limits.MaxStreams {
		return nil, fmt.Errorf("%d streams requested, platform allows %d: %w", len(streams), p.Limits.MaxStreams, status.ErrBadValue)
	}

	out := make([]stream.Stream, len(streams))
	outputs := 0
	for i, s := range streams {
		if s.Width <= 0 || s.Height <= 0 {
			return nil, fmt.Errorf("stream %d: size %dx%d: %w", i, s.Width, s.Height, status.ErrBadValue)
		}
		if !p.SupportsFormat(s.Format) && !p.Features.Crop {
			return nil, fmt.Errorf("stream %d: format %s is not supported: %w", i, s.Format, status.ErrBadValue)
		}
		if !p.SupportsResolution(s.Resolution()) && !p.Features.Crop {
			return nil, fmt.Errorf("stream %d: resolution %s is not supported: %w", i, s.Resolution(), status.ErrBadValue)
		}
		if !s.Format.Known() {
			return nil, fmt.Errorf("stream %d: unknown format %s: %w", i, s.Format, status.ErrBadValue)
		}

		s.ID = i
		if s.MaxBuffers <= 0 || s.MaxBuffers > p.Limits.MaxBuffersPerStream {
			s.MaxBuffers = p.Limits.MaxBuffersPerStream
		}
		if s.Stride == 0 {
			s.Stride = s.Format.BytesPerLine(s.Width)
		}
		if s.Size == 0 {
			s.Size = s.Format.FrameSize(s.Width, s.Height)
		}
		if !s.IsInput() {
			outputs++
		}
		out[i] = s
	}
	if outputs == 0 {
		return nil, fmt.Errorf("only input streams requested: %w", status.ErrBadValue)
	}
	return out, nil
}

// ChooseProducer picks the sensor output the pipeline is built on. The
// largest output stream is produced at its exact size when that is a native
// mode. Otherwise the smallest native mode of the same aspect ratio covering
// it is used, then any covering mode, and finally the largest mode.
func ChooseProducer(p *config.Platform, streams []stream.Stream) producer.Config {
	cfg := producer.Config{Format: p.NativeFormat(), Buffers: p.Limits.ProducerBuffers}

	var largest stream.Resolution
	for _, s := range streams {
		if !s.IsInput() && s.Area() > largest.Area() {
			largest = s.Resolution()
		}
	}

	modes := p.NativeModes()
	if slices.Contains(modes, largest) {
		cfg.Resolution = largest
		return cfg
	}

	// Sorted by area, the first covering mode over-provisions the least.
	slices.SortStableFunc(modes, func(a, b stream.Resolution) int {
		return a.Area() - b.Area()
	})
	for _, sameAspect := range []bool{true, false} {
		for _, m := range modes {
			if !m.Covers(largest) {
				continue
			}
			if sameAspect && !m.SameAspect(largest, p.AspectTolerance) {
				continue
			}
			cfg.Resolution = m
			return cfg
		}
	}
	cfg.Resolution = p.NativeAspect()
	return cfg
}

// NeedsPostProcessing reports whether any output differs from what the
// producer delivers, or an optional processing feature is on.
func NeedsPostProcessing(p *config.Platform, prod producer.Config, streams []stream.Stream) bool {
	if p.Features.Any() {
		return true
	}
	for _, s := range streams {
		if s.IsInput() {
			continue
		}
		if s.Resolution() != prod.Resolution || s.Format != prod.Format {
			return true
		}
	}
	return false
}
