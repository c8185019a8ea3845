package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormat_FrameSize(t *testing.T) {
	testCases := []struct {
		format  Format
		w, h    int
		bpl     int
		size    int
		bpp     int
		display string
	}{
		{format: FormatNV12, w: 1920, h: 1080, bpl: 1920, size: 1920 * 1080 * 3 / 2, bpp: 12, display: "NV12"},
		{format: FormatP010, w: 1920, h: 1080, bpl: 3840, size: 3840 * 1080 * 3 / 2, bpp: 24, display: "P010"},
		{format: FormatYUY2, w: 640, h: 480, bpl: 1280, size: 1280 * 480, bpp: 16, display: "YUY2"},
		{format: FormatBG10, w: 4032, h: 3024, bpl: 8064, size: 8064 * 3024, bpp: 16, display: "BG10"},
	}

	for _, tc := range testCases {
		t.Run(tc.display, func(t *testing.T) {
			assert.Equal(t, tc.bpl, tc.format.BytesPerLine(tc.w))
			assert.Equal(t, tc.size, tc.format.FrameSize(tc.w, tc.h))
			assert.Equal(t, tc.bpp, tc.format.BitsPerPixel())
			assert.Equal(t, tc.display, tc.format.String())
		})
	}
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("nv12")
	require.NoError(t, err)
	assert.Equal(t, FormatNV12, f)

	_, err = ParseFormat("H264")
	assert.Error(t, err)
	assert.False(t, Format(1).Known())
}

func TestResolution_SameAspect(t *testing.T) {
	r1080 := Resolution{Width: 1920, Height: 1080}
	assert.True(t, r1080.SameAspect(Resolution{Width: 1280, Height: 720}, DefaultAspectTolerance))
	assert.True(t, r1080.SameAspect(Resolution{Width: 1920, Height: 1200}, DefaultAspectTolerance))
	assert.False(t, r1080.SameAspect(Resolution{Width: 640, Height: 480}, DefaultAspectTolerance))
	assert.False(t, r1080.SameAspect(Resolution{}, DefaultAspectTolerance))
	assert.True(t, Resolution{Width: 4096, Height: 3072}.Covers(Resolution{Width: 4032, Height: 3024}))
}

func TestParse(t *testing.T) {
	testCases := []struct {
		name    string
		in      string
		want    Stream
		wantErr bool
	}{
		{
			name: "full",
			in:   "4032x3024:NV12:still",
			want: Stream{Width: 4032, Height: 3024, Format: FormatNV12, Usage: UsageStill},
		},
		{
			name: "defaults",
			in:   "1280x720",
			want: Stream{Width: 1280, Height: 720, Format: FormatNV12, Usage: UsagePreview},
		},
		{
			name: "jpeg video",
			in:   "640x480:blob:video",
			want: Stream{Width: 640, Height: 480, Format: FormatBLOB, Usage: UsageVideo},
		},
		{name: "bad resolution", in: "1280:NV12", wantErr: true},
		{name: "bad usage", in: "1280x720:NV12:thumbnail", wantErr: true},
		{name: "too many fields", in: "1x1:NV12:still:x", wantErr: true},
		{name: "zero size", in: "0x720", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
