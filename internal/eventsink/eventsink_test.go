package eventsink

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/buffer"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/eventbus"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/testutil"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/tuning"
)

type emitted struct {
	event string
	body  map[string]any
}

type fakeEmitter struct {
	mu   sync.Mutex
	sent []emitted
	err  error
}

func (f *fakeEmitter) Emit(ev string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, emitted{ev, args[0].(map[string]any)})
	return nil
}

func TestSink_ForwardsBusEvents(t *testing.T) {
	ctx, _ := testutil.Context(t)
	em := &fakeEmitter{}
	sink := New(ctx, em, WithKinds(eventbus.KindImageBufferReady, eventbus.KindDeviceError))
	bus := eventbus.New()
	detach := sink.Attach(bus)

	b := buffer.New(128)
	bus.Publish(eventbus.Event{FrameNumber: 3, Sequence: 9, Payload: eventbus.ImageBufferReady{StreamID: 1, Buffer: b}})
	bus.Publish(eventbus.Event{FrameNumber: 3, Payload: eventbus.FrameDone{}})
	bus.Publish(eventbus.Event{FrameNumber: -1, Payload: eventbus.DeviceError{Err: errors.New("link down")}})
	detach()
	bus.Publish(eventbus.Event{FrameNumber: -1, Payload: eventbus.DeviceError{}})

	require.Len(t, em.sent, 2)
	assert.Equal(t, DefaultEvent, em.sent[0].event)
	assert.Equal(t, map[string]any{
		"kind":         "IMAGE_BUFFER_READY",
		"frame_number": int64(3),
		"sequence":     int64(9),
		"stream_id":    1,
		"dropped":      false,
		"size":         128,
	}, em.sent[0].body)
	assert.Equal(t, "link down", em.sent[1].body["error"])

	sent, failed := sink.Counts()
	assert.Equal(t, uint64(2), sent)
	assert.Zero(t, failed)
}

func TestSink_CountsFailures(t *testing.T) {
	ctx, logs := testutil.Context(t)
	sink := New(ctx, &fakeEmitter{err: errors.New("not connected")}, WithEventName("hal"))

	sink.Handle(eventbus.Event{FrameNumber: 1, Payload: eventbus.FrameDone{}})

	sent, failed := sink.Counts()
	assert.Zero(t, sent)
	assert.Equal(t, uint64(1), failed)
	assert.Contains(t, logs.String(), "Event forward failed.")
}

func TestEncode(t *testing.T) {
	ts := time.Unix(1, 500)
	msg := Encode(eventbus.Event{
		FrameNumber: 2,
		Sequence:    4,
		Timestamp:   ts,
		Payload: eventbus.MetadataReady{
			Settings: map[string]string{"ae_mode": "auto"},
			Stats:    []tuning.Stats{{ResourceID: 2, Mean: 1.5}},
		},
	})
	assert.Equal(t, "METADATA_READY", msg["kind"])
	assert.Equal(t, ts.UnixNano(), msg["timestamp_ns"])
	assert.Equal(t, map[string]string{"ae_mode": "auto"}, msg["settings"])
	assert.Equal(t, []map[string]any{{"resource": 2, "context": 0, "mean": 1.5}}, msg["stats"])

	shutter := Encode(eventbus.Event{Payload: eventbus.Shutter{Timestamp: ts}})
	assert.Equal(t, ts.UnixNano(), shutter["shutter_ns"])
}
