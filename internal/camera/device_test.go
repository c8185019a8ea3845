package camera

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/buffer"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/camctx"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/config"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/eventbus"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/executor"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/pipeline"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/producer"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/status"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/stream"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/testutil"
)

const testPayloadCap = 4096

type events struct {
	mu     sync.Mutex
	all    []eventbus.Event
	frames chan int64
}

func record(d *Device) *events {
	e := &events{frames: make(chan int64, 64)}
	d.Subscribe(func(ev eventbus.Event) {
		e.mu.Lock()
		e.all = append(e.all, ev)
		e.mu.Unlock()
		if ev.Kind() == eventbus.KindFrameDone {
			e.frames <- ev.FrameNumber
		}
	})
	return e
}

func (e *events) waitFrames(t *testing.T, n int) []int64 {
	t.Helper()
	out := make([]int64, 0, n)
	for range n {
		select {
		case fn := <-e.frames:
			out = append(out, fn)
		case <-time.After(3 * time.Second):
			t.Fatalf("only %d of %d frames done", len(out), n)
		}
	}
	return out
}

func (e *events) kinds(frame int64) []eventbus.Kind {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []eventbus.Kind
	for _, ev := range e.all {
		if ev.FrameNumber == frame {
			out = append(out, ev.Kind())
		}
	}
	return out
}

func (e *events) of(kind eventbus.Kind) []eventbus.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []eventbus.Event
	for _, ev := range e.all {
		if ev.Kind() == kind {
			out = append(out, ev)
		}
	}
	return out
}

func openDevice(t *testing.T, mutate func(p *config.Platform), opts ...Option) (*Device, context.Context) {
	t.Helper()
	ctx, _ := testutil.Context(t)
	opts = append([]Option{WithPayloadCap(testPayloadCap)}, opts...)
	d, err := Open(ctx, 0, testutil.Platform(t, mutate), testutil.Catalog(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close(ctx) })
	return d, ctx
}

func configure(t *testing.T, ctx context.Context, d *Device, specs ...string) *pipeline.Configuration {
	t.Helper()
	cfg, err := d.Configure(ctx, testutil.Streams(t, specs...), 0)
	require.NoError(t, err)
	return cfg
}

func appBuffer(s stream.Stream) *buffer.Buffer {
	b := buffer.New(testPayloadCap)
	b.Size = s.Size
	b.StreamID = s.ID
	return b
}

func TestDevice_RoundTrip(t *testing.T) {
	d, ctx := openDevice(t, nil)
	cfg := configure(t, ctx, d, "1920x1080:NV12:preview")
	ev := record(d)

	queued := make([]*buffer.Buffer, 4)
	for i := range queued {
		queued[i] = appBuffer(cfg.Streams[0])
		require.NoError(t, d.QBuf(ctx, queued[i]))
	}
	assert.Equal(t, pipeline.StateBufferReady, d.State())
	require.NoError(t, d.Start(ctx))

	for i := range queued {
		c, err := d.DQBuf(ctx, 0)
		require.NoError(t, err)
		assert.Same(t, queued[i], c.Buffer)
		assert.Equal(t, int64(i), c.FrameNumber)
		assert.Equal(t, int64(i), c.Sequence)
		assert.False(t, c.Dropped)
	}

	assert.Equal(t, []int64{0, 1, 2, 3}, ev.waitFrames(t, 4))
	assert.Equal(t, []eventbus.Kind{
		eventbus.KindShutter,
		eventbus.KindImageBufferReady,
		eventbus.KindMetadataReady,
		eventbus.KindFrameDone,
	}, ev.kinds(2))

	meta := ev.of(eventbus.KindMetadataReady)
	require.Len(t, meta, 4)
	md := meta[0].Payload.(eventbus.MetadataReady)
	assert.Equal(t, "auto", md.Settings["ae_mode"])
}

func TestDevice_RequestSettingsAreSnapshots(t *testing.T) {
	d, ctx := openDevice(t, nil)
	cfg := configure(t, ctx, d, "1280x720:NV12:preview")
	ev := record(d)
	require.NoError(t, d.Start(ctx))

	require.NoError(t, d.QueueRequest(ctx, Request{
		FrameNumber: 40,
		Buffers:     []*buffer.Buffer{appBuffer(cfg.Streams[0])},
		Settings:    camctx.Params{"exposure_us": "5000"},
	}))
	assert.Equal(t, []int64{40}, ev.waitFrames(t, 1))

	md := ev.of(eventbus.KindMetadataReady)[0].Payload.(eventbus.MetadataReady)
	assert.Equal(t, "5000", md.Settings["exposure_us"])
	_, ok := d.Params().Get("exposure_us")
	assert.False(t, ok, "request settings do not leak into the camera parameters")

	d.Params().Set("ae_mode", "manual")
	assert.Equal(t, "auto", md.Settings["ae_mode"])
}

func TestDevice_PassThroughRequest(t *testing.T) {
	d, ctx := openDevice(t, nil)
	configure(t, ctx, d, "1920x1080:NV12:preview")
	ev := record(d)
	require.NoError(t, d.Start(ctx))

	require.NoError(t, d.QueueRequest(ctx, Request{FrameNumber: -1}))
	assert.Equal(t, []int64{0}, ev.waitFrames(t, 1))
	assert.Empty(t, ev.of(eventbus.KindImageBufferReady), "no scratch buffer reaches the caller")
}

func TestDevice_CaptureFailureCompletesFrame(t *testing.T) {
	sim := producer.NewSim(producer.WithPayloadCap(testPayloadCap))
	sim.Fail(1, errors.New("sensor timeout"))
	d, ctx := openDevice(t, nil, WithProducer(sim))
	cfg := configure(t, ctx, d, "1920x1080:NV12:preview")
	ev := record(d)

	for range 3 {
		require.NoError(t, d.QBuf(ctx, appBuffer(cfg.Streams[0])))
	}
	require.NoError(t, d.Start(ctx))
	assert.Equal(t, []int64{0, 1, 2}, ev.waitFrames(t, 3))

	var dropped []bool
	for range 3 {
		c, err := d.DQBuf(ctx, 0)
		require.NoError(t, err)
		dropped = append(dropped, c.Dropped)
	}
	assert.Equal(t, []bool{false, true, false}, dropped)

	errs := ev.of(eventbus.KindDeviceError)
	require.NotEmpty(t, errs)
	assert.Equal(t, int64(1), errs[0].FrameNumber)
}

func TestDevice_FrameSlotBackpressure(t *testing.T) {
	release := make(chan struct{})
	run := func(ctx context.Context, task executor.Task) error {
		<-release
		return executor.Stamp(ctx, task)
	}
	d, ctx := openDevice(t, nil, WithFrameSlots(1), WithRunFunc(run))
	cfg := configure(t, ctx, d, "1920x1080:NV12:preview")
	ev := record(d)
	for range 3 {
		require.NoError(t, d.QBuf(ctx, appBuffer(cfg.Streams[0])))
	}
	require.NoError(t, d.Start(ctx))

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, ev.of(eventbus.KindShutter), 1, "one frame slot admits one request")
	assert.Empty(t, ev.of(eventbus.KindFrameDone))

	close(release)
	assert.Equal(t, []int64{0, 1, 2}, ev.waitFrames(t, 3))
}

func TestDevice_DQBufTimesOut(t *testing.T) {
	d, ctx := openDevice(t, func(p *config.Platform) {
		p.Timeouts.Dequeue = 10 * time.Millisecond
		p.Timeouts.DequeueRetries = 1
	})
	configure(t, ctx, d, "1920x1080:NV12:preview")
	require.NoError(t, d.Start(ctx))

	_, err := d.DQBuf(ctx, 0)
	assert.Equal(t, status.Timeout, status.CodeOf(err))
	_, err = d.DQBuf(ctx, 9)
	assert.Equal(t, status.BadValue, status.CodeOf(err))
}

func TestDevice_StopReleasesBlockedDQBuf(t *testing.T) {
	d, ctx := openDevice(t, nil)
	configure(t, ctx, d, "1920x1080:NV12:preview")
	require.NoError(t, d.Start(ctx))

	errs := make(chan error, 1)
	go func() {
		_, err := d.DQBuf(ctx, 0)
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, d.Stop(ctx))

	select {
	case err := <-errs:
		assert.Equal(t, status.NotInitialized, status.CodeOf(err))
	case <-time.After(time.Second):
		t.Fatal("DQBuf still blocked after stop")
	}
}

func TestDevice_StopDiscardsWaitingRequests(t *testing.T) {
	release := make(chan struct{})
	run := func(ctx context.Context, task executor.Task) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return executor.Stamp(ctx, task)
	}
	d, ctx := openDevice(t, nil, WithFrameSlots(1), WithRunFunc(run))
	cfg := configure(t, ctx, d, "1920x1080:NV12:preview")
	for range 3 {
		require.NoError(t, d.QBuf(ctx, appBuffer(cfg.Streams[0])))
	}
	require.NoError(t, d.Start(ctx))
	time.Sleep(20 * time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	require.NoError(t, d.Stop(ctx))
	assert.Equal(t, pipeline.StateStop, d.State())
	assert.Zero(t, cfg.Engine.PendingCount())
	assert.Zero(t, cfg.Handlers[0].Queued(), "requests that never ran give their buffers back")

	next := configure(t, ctx, d, "640x480:NV12:preview")
	ev := record(d)
	require.NoError(t, d.QBuf(ctx, appBuffer(next.Streams[0])))
	require.NoError(t, d.Start(ctx))
	assert.Len(t, ev.waitFrames(t, 1), 1)
}

func TestDevice_QueueRequestValidation(t *testing.T) {
	d, ctx := openDevice(t, nil)

	err := d.QBuf(ctx, buffer.New(16))
	assert.Equal(t, status.NotInitialized, status.CodeOf(err), "nothing is configured yet")

	cfg := configure(t, ctx, d, "1920x1080:NV12:preview", "1280x720:NV12:video")
	a, b := appBuffer(cfg.Streams[0]), appBuffer(cfg.Streams[1])

	assert.Equal(t, status.BadValue, status.CodeOf(d.QBuf(ctx, nil)))
	stray := appBuffer(cfg.Streams[0])
	stray.StreamID = 7
	assert.Equal(t, status.BadValue, status.CodeOf(d.QBuf(ctx, stray)))
	assert.Equal(t, status.BadValue, status.CodeOf(d.QBuf(ctx, a, appBuffer(cfg.Streams[0]))))

	small := buffer.New(16)
	small.StreamID = 1
	assert.Equal(t, status.BadValue, status.CodeOf(d.QBuf(ctx, a, small)))
	assert.Zero(t, cfg.Handlers[0].Queued(), "a rejected request leaves no buffer behind")

	require.NoError(t, d.QBuf(ctx, a, b))
	assert.Equal(t, 1, cfg.Handlers[0].Queued())
	assert.Equal(t, 1, cfg.Handlers[1].Queued())
}

func TestDevice_RejectsRunningReconfigure(t *testing.T) {
	d, ctx := openDevice(t, nil)
	configure(t, ctx, d, "1920x1080:NV12:preview")
	require.NoError(t, d.Start(ctx))

	_, err := d.Configure(ctx, testutil.Streams(t, "640x480"), 0)
	assert.Equal(t, status.InvalidOperation, status.CodeOf(err))
	_, err = d.Configure(ctx, testutil.Streams(t, "640x480"), 3)
	assert.Equal(t, status.InvalidOperation, status.CodeOf(err))

	rec := httptest.NewRecorder()
	d.Metrics().Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `camhal_configures_total{camera="0",code="INVALID_OPERATION"} 2`)
	assert.Contains(t, rec.Body.String(), `camhal_configures_total{camera="0",code="OK"} 1`)
}

func TestDevice_Close(t *testing.T) {
	ctx, _ := testutil.Context(t)
	d, err := Open(ctx, 3, testutil.Platform(t, nil), testutil.Catalog(t), WithPayloadCap(testPayloadCap))
	require.NoError(t, err)
	configure(t, ctx, d, "1920x1080:NV12:preview")
	require.NoError(t, d.Start(ctx))

	require.NoError(t, d.Close(ctx))
	assert.True(t, d.Context().Closed())
	assert.Equal(t, pipeline.StateUninit, d.State())
	assert.Equal(t, status.InvalidOperation, status.CodeOf(d.Close(ctx)))
	assert.Equal(t, status.NotInitialized, status.CodeOf(d.Start(ctx)))
	_, err = d.DQBuf(ctx, 0)
	assert.Equal(t, status.NotInitialized, status.CodeOf(err))
}
