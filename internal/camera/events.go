package camera

import (
	"fmt"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/buffer"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/eventbus"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/pipeline"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/producer"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/stagetask"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/tuning"
)

// engineListener maps stage engine results onto the frame tracker, the
// stream handlers and device events.
func (d *Device) engineListener() stagetask.Listener {
	return stagetask.Listener{
		Output:         d.onOutput,
		Stats:          d.onStats,
		FrameProcessed: d.onFrameProcessed,
		Error:          d.onEngineError,
		ReleaseSource:  d.onReleaseSource,
	}
}

func (d *Device) lookup(seq int64) *inflight {
	info := d.tracker.FindBySequence(seq)
	if info == nil {
		return nil
	}
	return info.Request()
}

func (d *Device) onOutput(seq int64, sid int, b *buffer.Buffer, dropped bool) {
	fl := d.lookup(seq)
	if fl == nil {
		d.logger.Warn("Output for an unknown frame.", "seq", seq, "stream", sid)
		return
	}
	d.deliver(fl, sid, b, dropped)
}

func (d *Device) deliver(fl *inflight, sid int, b *buffer.Buffer, dropped bool) {
	if h, ok := fl.handlers[sid]; ok {
		h.Complete(pipeline.Completed{Buffer: b, FrameNumber: fl.frameNumber, Sequence: fl.seq, Dropped: dropped})
	}
	if dropped {
		d.metrics.BufferDropped(sid)
	}
	d.tracker.BufferReady(fl.frameNumber, sid)
	d.bus.Publish(fl.event(eventbus.ImageBufferReady{StreamID: sid, Buffer: b, Dropped: dropped}))
	d.checkComplete(fl)
}

func (d *Device) onStats(seq int64, stage string, st tuning.Stats) {
	fl := d.lookup(seq)
	if fl == nil {
		return
	}
	d.logger.Debug("Statistics decoded.", "seq", seq, "stage", stage, "size", st.Size)
	fl.addStats(st)
}

func (d *Device) onFrameProcessed(seq int64) {
	d.tuning.Forget(seq)
	fl := d.lookup(seq)
	if fl == nil {
		return
	}
	d.bus.Publish(fl.event(fl.metadata()))
	d.tracker.MetadataReady(fl.frameNumber)
	d.checkComplete(fl)
}

func (d *Device) onEngineError(seq int64, err error) {
	d.logger.Warn("Frame processing failed.", "seq", seq, "error", err)
	fl := d.lookup(seq)
	if fl == nil {
		d.bus.Publish(eventbus.Event{FrameNumber: -1, Sequence: seq, Payload: eventbus.DeviceError{Err: err}})
		return
	}
	d.bus.Publish(fl.event(eventbus.DeviceError{Err: err}))
}

func (d *Device) onReleaseSource(seq int64, b *buffer.Buffer) {
	if err := d.producer.ReturnBuffer(b); err != nil {
		d.logger.Error("Raw buffer could not be returned to the producer.", "seq", seq, "error", err)
	}
}

// checkComplete publishes FrameDone and frees the slot once the request has
// its shutter, its metadata and every buffer.
func (d *Device) checkComplete(fl *inflight) {
	info := d.tracker.RequestComplete(fl.frameNumber)
	if info == nil || info.Request() != fl || !fl.done.CompareAndSwap(false, true) {
		return
	}
	d.bus.Publish(fl.event(eventbus.FrameDone{}))
	if !d.tracker.Recycle(info) {
		d.logger.Warn("Completed frame kept its slot.", "frame", fl.frameNumber)
	}
	d.metrics.FrameCompleted()
}

// onFrame receives raw frames from the producer: it reports the shutter and
// feeds the frame to the engine the request was enqueued on.
func (d *Device) onFrame(f producer.Frame) {
	fl := d.lookup(f.Sequence)
	if fl == nil {
		d.logger.Warn("Raw frame without a request, returning it.", "seq", f.Sequence)
		d.onReleaseSource(f.Sequence, f.Buffer)
		return
	}
	fl.setTimestamp(f.Timestamp)
	d.tracker.ShutterReady(fl.frameNumber, f.Timestamp)
	d.bus.Publish(fl.event(eventbus.Shutter{Timestamp: f.Timestamp}))

	if f.Err != nil {
		d.onReleaseSource(f.Sequence, f.Buffer)
		fl.engine.Abort(f.Sequence, fmt.Errorf("capture seq %d: %w", f.Sequence, f.Err))
		return
	}
	if err := fl.engine.Feed(f.Sequence, f.Buffer); err != nil {
		d.logger.Warn("Stage engine refused the raw frame.", "seq", f.Sequence, "error", err)
		d.onReleaseSource(f.Sequence, f.Buffer)
	}
}
