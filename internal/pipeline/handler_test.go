package pipeline

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/buffer"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/graphselect"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/status"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/stream"
)

func newTestHandler(maxBuffers int, wait time.Duration, retries int) *StreamHandler {
	s := stream.Stream{ID: 3, Format: stream.FormatNV12, Width: 640, Height: 480, MaxBuffers: maxBuffers}
	s.Size = s.Format.FrameSize(s.Width, s.Height)
	b := graphselect.Binding{StreamID: 3, Port: 1, Sink: 0, PostStage: -1}
	return newStreamHandler(s, b, SourceProducer, wait, retries, slog.New(slog.DiscardHandler))
}

func TestStreamHandler_QueueLimits(t *testing.T) {
	h := newTestHandler(2, time.Millisecond, 1)

	err := h.Queue(nil)
	assert.Equal(t, status.BadValue, status.CodeOf(err))

	small := buffer.New(16)
	err = h.Queue(small)
	assert.Equal(t, status.BadValue, status.CodeOf(err), "a buffer smaller than a frame is rejected")

	require.NoError(t, h.Queue(buffer.New(h.Stream().Size)))
	require.NoError(t, h.Queue(buffer.New(h.Stream().Size)))
	err = h.Queue(buffer.New(h.Stream().Size))
	assert.Equal(t, status.BadValue, status.CodeOf(err))
	assert.Equal(t, 2, h.Queued())

	// Buffers in flight still count against the limit.
	taken, ok := h.Take()
	require.True(t, ok)
	assert.Equal(t, 3, taken.StreamID)
	err = h.Queue(buffer.New(h.Stream().Size))
	assert.Equal(t, status.BadValue, status.CodeOf(err))

	h.Complete(Completed{Buffer: taken})
	_, err = h.Dequeue(context.Background())
	require.NoError(t, err)
	assert.NoError(t, h.Queue(buffer.New(h.Stream().Size)))
}

func TestStreamHandler_DequeueOrder(t *testing.T) {
	h := newTestHandler(4, 50*time.Millisecond, 1)
	var queued []*buffer.Buffer
	for range 3 {
		b := buffer.New(h.Stream().Size)
		queued = append(queued, b)
		require.NoError(t, h.Queue(b))
	}

	for i := range 3 {
		b, ok := h.Take()
		require.True(t, ok)
		assert.Same(t, queued[i], b, "buffers are taken in queue order")
		h.Complete(Completed{Buffer: b, FrameNumber: int64(i), Sequence: int64(10 + i)})
	}
	_, ok := h.Take()
	assert.False(t, ok)

	for i := range 3 {
		c, err := h.Dequeue(context.Background())
		require.NoError(t, err)
		assert.Same(t, queued[i], c.Buffer)
		assert.Equal(t, int64(10+i), c.Sequence)
	}
}

func TestStreamHandler_DequeueWaitsForCompletion(t *testing.T) {
	h := newTestHandler(4, 20*time.Millisecond, 10)
	b := buffer.New(h.Stream().Size)
	require.NoError(t, h.Queue(b))
	taken, _ := h.Take()

	go func() {
		time.Sleep(30 * time.Millisecond)
		h.Complete(Completed{Buffer: taken, Sequence: 7})
	}()

	c, err := h.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), c.Sequence)
}

func TestStreamHandler_DequeueTimesOut(t *testing.T) {
	h := newTestHandler(4, 5*time.Millisecond, 2)

	start := time.Now()
	_, err := h.Dequeue(context.Background())
	require.Error(t, err)
	assert.Equal(t, status.Timeout, status.CodeOf(err))
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond, "every retry waits a full period")
}

func TestStreamHandler_DequeueHonorsContext(t *testing.T) {
	h := newTestHandler(4, time.Second, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.Dequeue(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStreamHandler_StopReleasesBlockedDequeue(t *testing.T) {
	h := newTestHandler(4, time.Second, 3)

	errs := make(chan error, 1)
	go func() {
		_, err := h.Dequeue(context.Background())
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)
	h.Stop()

	select {
	case err := <-errs:
		assert.Equal(t, status.NotInitialized, status.CodeOf(err))
	case <-time.After(time.Second):
		t.Fatal("dequeue still blocked after stop")
	}

	err := h.Queue(buffer.New(h.Stream().Size))
	assert.Equal(t, status.NotInitialized, status.CodeOf(err))
	_, err = h.Dequeue(context.Background())
	assert.Equal(t, status.NotInitialized, status.CodeOf(err))
}

func TestStreamHandler_Drain(t *testing.T) {
	h := newTestHandler(4, time.Millisecond, 1)
	a, b, c := buffer.New(h.Stream().Size), buffer.New(h.Stream().Size), buffer.New(h.Stream().Size)
	for _, x := range []*buffer.Buffer{a, b, c} {
		require.NoError(t, h.Queue(x))
	}
	taken, _ := h.Take()
	h.Complete(Completed{Buffer: taken})
	h.Take()

	drained := h.Drain()
	assert.Equal(t, []*buffer.Buffer{c, a}, drained, "queued buffers come first, the in-flight one stays out")
	assert.Zero(t, h.Queued())
}

func TestStreamHandler_Withdraw(t *testing.T) {
	h := newTestHandler(4, time.Millisecond, 1)
	a, b := buffer.New(h.Stream().Size), buffer.New(h.Stream().Size)
	require.NoError(t, h.Queue(a))
	require.NoError(t, h.Queue(b))

	assert.True(t, h.Withdraw(b))
	assert.False(t, h.Withdraw(b))
	taken, ok := h.Take()
	require.True(t, ok)
	assert.Same(t, a, taken)
	assert.False(t, h.Withdraw(a), "taken buffers are no longer queued")
}
