package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/config"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/producer"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/status"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/stream"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/testutil"
)

func TestValidateStreams(t *testing.T) {
	p := testutil.Platform(t, nil)

	streams := testutil.Streams(t, "1920x1080:NV12:preview", "640x480:BLOB:still")
	streams[0].ID, streams[1].ID = 7, 9
	streams[0].MaxBuffers = 100

	out, err := ValidateStreams(p, streams)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, 0, out[0].ID)
	assert.Equal(t, 1, out[1].ID)
	assert.Equal(t, p.Limits.MaxBuffersPerStream, out[0].MaxBuffers, "over-limit counts are clamped")
	assert.Equal(t, p.Limits.MaxBuffersPerStream, out[1].MaxBuffers, "unset counts take the limit")
	assert.Equal(t, stream.FormatNV12.BytesPerLine(1920), out[0].Stride)
	assert.Equal(t, stream.FormatNV12.FrameSize(1920, 1080), out[0].Size)
	assert.Equal(t, 7, streams[0].ID, "the request is not modified")
}

func TestValidateStreams_Rejects(t *testing.T) {
	testCases := []struct {
		name   string
		specs  []string
		mutate func(p *config.Platform)
	}{
		{name: "no streams"},
		{name: "over the stream limit", specs: []string{"640x480", "640x480", "640x480", "640x480", "640x480", "640x480", "640x480"}},
		{name: "unsupported format", specs: []string{"1920x1080:RGB24"}},
		{name: "unsupported resolution", specs: []string{"1000x1000"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := testutil.Platform(t, tc.mutate)
			_, err := ValidateStreams(p, testutil.Streams(t, tc.specs...))
			require.Error(t, err)
			assert.Equal(t, status.BadValue, status.CodeOf(err))
		})
	}
}

func TestValidateStreams_CropAllowsAnySize(t *testing.T) {
	p := testutil.Platform(t, func(p *config.Platform) { p.Features.Crop = true })
	out, err := ValidateStreams(p, testutil.Streams(t, "1000x1000:RGB24"))
	require.NoError(t, err)
	assert.Equal(t, 1000, out[0].Width)
}

func TestChooseProducer(t *testing.T) {
	p := testutil.Platform(t, nil)

	testCases := []struct {
		name  string
		specs []string
		want  stream.Resolution
	}{
		{name: "exact native mode", specs: []string{"1920x1080"}, want: stream.Resolution{Width: 1920, Height: 1080}},
		{name: "smallest same-aspect mode", specs: []string{"1280x720"}, want: stream.Resolution{Width: 1920, Height: 1080}},
		{name: "same aspect wins over smaller area", specs: []string{"640x480"}, want: stream.Resolution{Width: 2048, Height: 1536}},
		{name: "largest stream decides", specs: []string{"1920x1080:NV12:preview", "4032x3024:NV12:still"}, want: stream.Resolution{Width: 4096, Height: 3072}},
		{name: "covering mode of another aspect", specs: []string{"3840x2160"}, want: stream.Resolution{Width: 4096, Height: 3072}},
		{name: "nothing covers", specs: []string{"8000x6000"}, want: stream.Resolution{Width: 4096, Height: 3072}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := ChooseProducer(p, testutil.Streams(t, tc.specs...))
			assert.Equal(t, tc.want, cfg.Resolution)
			assert.Equal(t, stream.FormatBG10, cfg.Format)
			assert.Equal(t, p.Limits.ProducerBuffers, cfg.Buffers)
		})
	}
}

func TestChooseProducer_CoversLargestStream(t *testing.T) {
	p := testutil.Platform(t, nil)
	largest := p.NativeAspect()

	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 4).Draw(t, "streams")
		streams := make([]stream.Stream, n)
		var want stream.Resolution
		for i := range streams {
			w := rapid.IntRange(1, largest.Width).Draw(t, "width")
			h := rapid.IntRange(1, largest.Height).Draw(t, "height")
			streams[i] = stream.Stream{ID: i, Width: w, Height: h, Format: stream.FormatNV12}
			if w*h > want.Area() {
				want = streams[i].Resolution()
			}
		}

		got := ChooseProducer(p, streams).Resolution
		if !got.Covers(want) {
			t.Fatalf("producer %s does not cover the largest stream %s", got, want)
		}
		for _, m := range p.NativeModes() {
			if m.Covers(want) && m.SameAspect(want, p.AspectTolerance) && m.Area() < got.Area() &&
				got.SameAspect(want, p.AspectTolerance) {
				t.Fatalf("mode %s covers %s with less over-provisioning than %s", m, want, got)
			}
		}
	})
}

func TestNeedsPostProcessing(t *testing.T) {
	raw := producer.Config{Resolution: stream.Resolution{Width: 1920, Height: 1080}, Format: stream.FormatBG10}
	same := []stream.Stream{{Width: 1920, Height: 1080, Format: stream.FormatBG10}}

	p := testutil.Platform(t, nil)
	assert.False(t, NeedsPostProcessing(p, raw, same))
	assert.True(t, NeedsPostProcessing(p, raw, []stream.Stream{{Width: 1920, Height: 1080, Format: stream.FormatNV12}}))
	assert.True(t, NeedsPostProcessing(p, raw, []stream.Stream{{Width: 1280, Height: 720, Format: stream.FormatBG10}}))
	assert.False(t, NeedsPostProcessing(p, raw, append(same, stream.Stream{Width: 64, Height: 64, Type: stream.TypeInput})),
		"input streams are not produced")

	weave := testutil.Platform(t, func(p *config.Platform) { p.Features.DeinterlaceWeave = true })
	assert.True(t, NeedsPostProcessing(weave, raw, same))
}
