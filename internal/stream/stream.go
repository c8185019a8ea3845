// Package stream describes the output streams an application requests from
// the camera and the deterministic mapping of those streams onto pipeline
// ports.
package stream

import (
	"fmt"
	"strings"
)

// Usage is what the application intends to do with a stream.
type Usage int

const (
	UsagePreview Usage = iota
	UsageVideo
	UsageStill
	UsageApp
)

var usageNames = []string{"preview", "video", "still", "app"}

func (u Usage) String() string {
	if int(u) < len(usageNames) && u >= 0 {
		return usageNames[u]
	}
	return fmt.Sprintf("usage(%d)", int(u))
}

// IsStill reports whether the stream is served by the still sub-pipeline.
func (u Usage) IsStill() bool {
	return u == UsageStill
}

// ParseUsage resolves a usage by name.
func ParseUsage(s string) (Usage, error) {
	for i, name := range usageNames {
		if strings.EqualFold(s, name) {
			return Usage(i), nil
		}
	}
	return 0, fmt.Errorf("unknown stream usage %q", s)
}

// Type is the data direction of a stream relative to the camera.
type Type int

const (
	TypeOutput Type = iota
	TypeInput
	TypeBidirectional
)

func (t Type) String() string {
	switch t {
	case TypeOutput:
		return "output"
	case TypeInput:
		return "input"
	case TypeBidirectional:
		return "bidirectional"
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// Field is the interlacing layout of a stream.
type Field int

const (
	FieldNone Field = iota
	FieldTop
	FieldBottom
	FieldInterlaced
)

// Stream is one requested stream. It is immutable once configured.
type Stream struct {
	ID         int
	Format     Format
	Width      int
	Height     int
	Field      Field
	Stride     int
	Size       int
	Usage      Usage
	Type       Type
	MaxBuffers int
}

// Resolution returns the stream size.
func (s Stream) Resolution() Resolution {
	return Resolution{Width: s.Width, Height: s.Height}
}

// Area is the pixel count of the stream.
func (s Stream) Area() int {
	return s.Width * s.Height
}

// IsInput reports whether the stream feeds frames into the pipeline
// (reprocessing).
func (s Stream) IsInput() bool {
	return s.Type == TypeInput
}

func (s Stream) String() string {
	return fmt.Sprintf("stream[%d] %dx%d %s %s", s.ID, s.Width, s.Height, s.Format, s.Usage)
}

// Parse reads the command line form "WIDTHxHEIGHT:FORMAT:USAGE". FORMAT and
// USAGE are optional and default to NV12 and preview.
func Parse(s string) (Stream, error) {
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return Stream{}, fmt.Errorf("stream %q: too many fields", s)
	}
	res, err := ParseResolution(parts[0])
	if err != nil {
		return Stream{}, fmt.Errorf("stream %q: %w", s, err)
	}
	st := Stream{Width: res.Width, Height: res.Height, Format: FormatNV12, Usage: UsagePreview}
	if len(parts) > 1 && parts[1] != "" {
		if st.Format, err = ParseFormat(parts[1]); err != nil {
			return Stream{}, fmt.Errorf("stream %q: %w", s, err)
		}
	}
	if len(parts) > 2 && parts[2] != "" {
		if st.Usage, err = ParseUsage(parts[2]); err != nil {
			return Stream{}, fmt.Errorf("stream %q: %w", s, err)
		}
	}
	return st, nil
}
