// internal/stream/format.go
package stream

import (
	"fmt"
	"strings"
)

// Format is a V4L2-style four character code describing a pixel layout.
type Format uint32

func fourcc(a, b, c, d byte) Format {
	return Format(uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24)
}

var (
	FormatNV12  = fourcc('N', 'V', '1', '2')
	FormatP010  = fourcc('P', '0', '1', '0')
	FormatYUY2  = fourcc('Y', 'U', 'Y', '2')
	FormatRGB24 = fourcc('R', 'G', 'B', '3')
	FormatBLOB  = fourcc('J', 'P', 'E', 'G')
	FormatBG10  = fourcc('B', 'G', '1', '0')
	FormatGRBG  = fourcc('G', 'R', 'B', 'G')
)

type formatInfo struct {
	name string
	// bpp is the average bits per pixel over all planes.
	bpp int
	// lumaBytes is the bytes per pixel of the first plane.
	lumaBytes int
	// planeRatio scales the first plane size to the whole frame, in halves.
	planeRatio int
}

var formats = map[Format]formatInfo{
	FormatNV12:  {name: "NV12", bpp: 12, lumaBytes: 1, planeRatio: 3},
	FormatP010:  {name: "P010", bpp: 24, lumaBytes: 2, planeRatio: 3},
	FormatYUY2:  {name: "YUY2", bpp: 16, lumaBytes: 2, planeRatio: 2},
	FormatRGB24: {name: "RGB24", bpp: 24, lumaBytes: 3, planeRatio: 2},
	FormatBLOB:  {name: "BLOB", bpp: 8, lumaBytes: 1, planeRatio: 3},
	FormatBG10:  {name: "BG10", bpp: 16, lumaBytes: 2, planeRatio: 2},
	FormatGRBG:  {name: "GRBG", bpp: 8, lumaBytes: 1, planeRatio: 2},
}

// ParseFormat resolves a format by its short name, e.g. "NV12".
func ParseFormat(name string) (Format, error) {
	want := strings.ToUpper(strings.TrimSpace(name))
	for f, info := range formats {
		if info.name == want {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unsupported pixel format %q", name)
}

// Known reports whether f is one of the formats the pipeline understands.
func (f Format) Known() bool {
	_, ok := formats[f]
	return ok
}

func (f Format) String() string {
	if info, ok := formats[f]; ok {
		return info.name
	}
	return fmt.Sprintf("fourcc(0x%08x)", uint32(f))
}

// BitsPerPixel returns the average bits per pixel, or 0 for unknown formats.
func (f Format) BitsPerPixel() int {
	return formats[f].bpp
}

// BytesPerLine returns the stride of the first plane for the given width.
func (f Format) BytesPerLine(width int) int {
	return width * formats[f].lumaBytes
}

// FrameSize returns the number of bytes needed for one frame. Compressed
// formats report their worst case.
func (f Format) FrameSize(width, height int) int {
	info, ok := formats[f]
	if !ok {
		return 0
	}
	return f.BytesPerLine(width) * height * info.planeRatio / 2
}

// IsRaw reports whether f is a bayer sensor format.
func (f Format) IsRaw() bool {
	return f == FormatBG10 || f == FormatGRBG
}

// IsCompressed reports whether producing f needs an encoder.
func (f Format) IsCompressed() bool {
	return f == FormatBLOB
}
