package camera

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/buffer"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/camctx"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/eventbus"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/pipeline"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/stagetask"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/status"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/tuning"
)

// Request is one capture request.
type Request struct {
	// FrameNumber identifies the request in events. A negative number is
	// replaced by the next unused one.
	FrameNumber int64
	// Buffers are the output buffers to fill, at most one per stream.
	Buffers []*buffer.Buffer
	// Settings override camera parameters for this frame only.
	Settings camctx.Params

	streams []int
}

// inflight is the device-side state of an admitted request.
type inflight struct {
	frameNumber int64
	seq         int64
	settings    camctx.Snapshot
	handlers    map[int]*pipeline.StreamHandler
	engine      *stagetask.Engine

	mu        sync.Mutex
	timestamp time.Time
	stats     []tuning.Stats
	done      atomic.Bool
}

func (f *inflight) setTimestamp(ts time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timestamp = ts
}

func (f *inflight) addStats(st tuning.Stats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = append(f.stats, st)
}

func (f *inflight) event(p eventbus.Payload) eventbus.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return eventbus.Event{FrameNumber: f.frameNumber, Sequence: f.seq, Timestamp: f.timestamp, Payload: p}
}

func (f *inflight) metadata() eventbus.MetadataReady {
	f.mu.Lock()
	defer f.mu.Unlock()
	return eventbus.MetadataReady{Settings: f.settings.Params.Clone(), Stats: slices.Clone(f.stats)}
}

// processRequests admits queued requests one at a time, waiting for a free
// frame slot before each.
func (d *Device) processRequests(ctx context.Context, reqs <-chan Request, done chan<- struct{}) {
	defer close(done)
	logger := d.logger.With("component", "request_thread")
	logger.Debug("Request thread started.")
	defer logger.Debug("Request thread stopped.")

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-reqs:
			wctx, cancel := context.WithTimeout(ctx, d.opts.requestTimeout)
			err := d.tracker.Wait(wctx)
			cancel()
			if ctx.Err() != nil {
				d.releaseQueued(req)
				return
			}
			if err != nil {
				logger.Warn("No frame slot freed in time, request failed.", "frame", req.FrameNumber, "timeout", d.opts.requestTimeout)
				d.failRequest(req, fmt.Errorf("frame %d: no free frame slot: %w", req.FrameNumber, status.ErrTimeout))
				continue
			}
			d.admit(req)
		}
	}
}

// admit binds req to a sequence, hands it to the stage engine and asks the
// producer for its frame.
func (d *Device) admit(req Request) {
	cfg := d.cfgr.Current()
	if cfg == nil {
		return
	}

	d.mu.Lock()
	seq := d.nextSeq
	d.nextSeq++
	d.mu.Unlock()

	snap := d.cam.Params.Acquire()
	maps.Copy(snap.Params, req.Settings)

	fl := &inflight{
		frameNumber: req.FrameNumber,
		seq:         seq,
		settings:    snap,
		handlers:    make(map[int]*pipeline.StreamHandler, len(req.streams)),
		engine:      cfg.Engine,
	}
	app := make(map[int]*buffer.Buffer, len(req.streams))
	for _, sid := range req.streams {
		h, ok := cfg.Handler(sid)
		if !ok {
			continue
		}
		b, ok := h.Take()
		if !ok {
			d.logger.Warn("Stream has no queued buffer for the request.", "frame", req.FrameNumber, "stream", sid)
			continue
		}
		b.Sequence = seq
		app[sid] = b
		fl.handlers[sid] = h
	}

	info := d.tracker.Create(req.FrameNumber, slices.Sorted(maps.Keys(app)), fl)
	if info == nil {
		err := fmt.Errorf("frame %d is already in flight: %w", req.FrameNumber, status.ErrBadValue)
		d.logger.Warn("Request rejected.", "frame", req.FrameNumber, "error", err)
		for sid, b := range app {
			fl.handlers[sid].Complete(pipeline.Completed{Buffer: b, FrameNumber: fl.frameNumber, Sequence: seq, Dropped: true})
		}
		d.bus.Publish(fl.event(eventbus.DeviceError{Err: err}))
		return
	}
	d.tracker.SetSequence(req.FrameNumber, seq)
	d.metrics.FrameAdmitted()
	d.tuning.Prepare(seq, snap.Params)

	if err := cfg.Engine.Enqueue(seq, app); err != nil {
		d.logger.Warn("Stage engine refused the frame, returning its buffers.", "frame", req.FrameNumber, "seq", seq, "error", err)
		d.finishUnprocessed(fl, app)
		return
	}
	if err := d.producer.Capture(seq); err != nil {
		d.logger.Warn("Capture request failed.", "frame", req.FrameNumber, "seq", seq, "error", err)
		d.tracker.ShutterReady(fl.frameNumber, time.Now())
		cfg.Engine.Abort(seq, fmt.Errorf("capture seq %d: %w", seq, err))
	}
}

// finishUnprocessed completes a frame the engine never saw: every buffer is
// returned dropped and the frame still reports its metadata.
func (d *Device) finishUnprocessed(fl *inflight, app map[int]*buffer.Buffer) {
	fl.setTimestamp(time.Now())
	d.tracker.ShutterReady(fl.frameNumber, time.Now())
	for _, sid := range slices.Sorted(maps.Keys(app)) {
		app[sid].Flags |= buffer.FlagError
		d.deliver(fl, sid, app[sid], true)
	}
	d.tuning.Forget(fl.seq)
	d.bus.Publish(fl.event(fl.metadata()))
	d.tracker.MetadataReady(fl.frameNumber)
	d.checkComplete(fl)
}

// failRequest returns the buffers of a request that was never admitted.
func (d *Device) failRequest(req Request, err error) {
	cfg := d.cfgr.Current()
	if cfg == nil {
		return
	}
	for _, sid := range req.streams {
		h, ok := cfg.Handler(sid)
		if !ok {
			continue
		}
		if b, ok := h.Take(); ok {
			b.Flags |= buffer.FlagError
			h.Complete(pipeline.Completed{Buffer: b, FrameNumber: req.FrameNumber, Sequence: -1, Dropped: true})
			d.metrics.BufferDropped(sid)
		}
	}
	d.bus.Publish(eventbus.Event{FrameNumber: req.FrameNumber, Sequence: -1, Timestamp: time.Now(), Payload: eventbus.DeviceError{Err: err}})
}
