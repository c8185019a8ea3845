// Package camera is the application-facing surface of one camera: open it,
// configure streams, queue buffers and requests, dequeue results and follow
// the device events.
package camera

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"go.uber.org/multierr"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/buffer"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/camctx"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/config"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/eventbus"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/executor"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/frametracker"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/graphselect"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/metrics"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/pipeline"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/producer"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/status"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/stream"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/topologystore"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/tuning"
)

// Device is one open camera.
type Device struct {
	cam      *camctx.Context
	opts     options
	logger   *slog.Logger
	exec     *executor.Local
	producer producer.Producer
	tuning   *tuning.Store
	selector *graphselect.Selector
	cfgr     *pipeline.Configurer
	bus      *eventbus.Bus
	tracker  *frametracker.Tracker[*inflight]
	metrics  *metrics.Device

	mu        sync.Mutex
	closed    bool
	running   bool
	requests  chan Request
	nextFrame int64
	nextSeq   int64
	cancel    context.CancelFunc
	done      chan struct{}
}

// Open creates the camera context, starts the execution engine and
// initializes the pipeline of camera cameraID.
func Open(ctx context.Context, cameraID int, platform *config.Platform, catalog topologystore.Store, opts ...Option) (*Device, error) {
	cam, err := camctx.New(ctx, cameraID, platform, catalog)
	if err != nil {
		return nil, err
	}
	o := options{
		requestTimeout: defaultRequestTimeout,
		trackerSlots:   frametracker.DefaultCapacity,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.producer == nil {
		o.producer = producer.NewSim(producer.WithPayloadCap(payloadCapOr(o.payloadCap, producer.DefaultPayloadCap)))
	}
	ctx = cam.WithLogger(ctx)

	d := &Device{
		cam:      cam,
		opts:     o,
		logger:   cam.Logger,
		producer: o.producer,
		tuning:   tuning.NewStore(max(platform.Limits.PendingTasks, o.trackerSlots)),
		bus:      eventbus.New(),
		tracker:  frametracker.New[*inflight](o.trackerSlots),
		metrics:  metrics.New(cameraID),
	}

	execOpts := []executor.Option{executor.WithWorkers(platform.Limits.Workers), executor.WithQueueDepth(platform.Limits.PendingTasks)}
	if o.runFunc != nil {
		execOpts = append(execOpts, executor.WithRunFunc(o.runFunc))
	}
	d.exec = executor.NewLocal(execOpts...)
	if err := d.exec.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, multierr.Append(err, cam.Close())
	}

	selOpts := []graphselect.Option{}
	if o.policy != nil {
		selOpts = append(selOpts, graphselect.WithPolicy(*o.policy))
	}
	cfgOpts := []pipeline.Option{pipeline.WithPayloadCap(o.payloadCap)}
	if o.tracer != nil {
		selOpts = append(selOpts, graphselect.WithTracer(o.tracer))
		cfgOpts = append(cfgOpts, pipeline.WithTracer(o.tracer))
	}
	d.selector = graphselect.New(catalog, platform, selOpts...)

	d.cfgr, err = pipeline.NewConfigurer(platform, pipeline.Deps{
		Selector: d.selector,
		Producer: d.producer,
		Executor: d.exec,
		Tuning:   d.tuning,
		Post:     o.post,
		Observer: d.metrics,
	}, cfgOpts...)
	if err == nil {
		err = d.cfgr.Init(ctx)
	}
	if err != nil {
		return nil, multierr.Combine(err, d.exec.Close(), cam.Close())
	}
	d.producer.SetFrameHandler(d.onFrame)
	d.bus.Subscribe(func(ev eventbus.Event) { d.metrics.Event(ev.Kind().String()) })

	d.logger.Info("Camera opened.", "sensor", platform.Sensor.Name, "frame_slots", d.tracker.Capacity())
	return d, nil
}

func payloadCapOr(n, def int) int {
	if n > 0 {
		return n
	}
	return def
}

// Context returns the per-camera context.
func (d *Device) Context() *camctx.Context { return d.cam }

// Params returns the camera parameter store. Requests snapshot it when they
// are admitted.
func (d *Device) Params() *camctx.ParamStore { return d.cam.Params }

// Metrics returns the collectors of the device.
func (d *Device) Metrics() *metrics.Device { return d.metrics }

// Subscribe registers fn for events of kinds, or all kinds when none is
// given. The returned function unsubscribes.
func (d *Device) Subscribe(fn eventbus.Handler, kinds ...eventbus.Kind) func() {
	return d.bus.Subscribe(fn, kinds...)
}

// State returns the pipeline state.
func (d *Device) State() pipeline.State { return d.cfgr.State() }

// Configuration returns the active configuration, or nil.
func (d *Device) Configuration() *pipeline.Configuration { return d.cfgr.Current() }

// Configure binds streams for operation mode opMode. The device must not be
// streaming. On failure the previous configuration stays active.
func (d *Device) Configure(ctx context.Context, streams []stream.Stream, opMode int) (*pipeline.Configuration, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	cfg, err := d.cfgr.Configure(d.cam.WithLogger(ctx), streams, opMode, d.engineListener())
	d.metrics.Configured(err)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.requests = make(chan Request, d.cam.Platform.Limits.MaxBuffersPerStream)
	d.mu.Unlock()
	d.tracker.Reset()
	return cfg, nil
}

// QBuf queues one request carrying bufs, one per stream, with the current
// parameters. Buffers name their stream in StreamID.
func (d *Device) QBuf(ctx context.Context, bufs ...*buffer.Buffer) error {
	return d.QueueRequest(ctx, Request{FrameNumber: -1, Buffers: bufs})
}

// QueueRequest queues req for capture. Its buffers are held by their
// streams until the request is processed. It fails with NoMemory when too
// many requests are waiting.
func (d *Device) QueueRequest(ctx context.Context, req Request) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	cfg := d.cfgr.Current()
	if cfg == nil {
		return fmt.Errorf("queue request before configure: %w", status.ErrNotInitialized)
	}

	handlers := make([]*pipeline.StreamHandler, len(req.Buffers))
	seen := make(map[int]bool, len(req.Buffers))
	for i, b := range req.Buffers {
		if b == nil {
			return fmt.Errorf("request buffer %d is nil: %w", i, status.ErrBadValue)
		}
		h, ok := cfg.Handler(b.StreamID)
		if !ok || h.Stream().IsInput() {
			return fmt.Errorf("request buffer %d: stream %d is not a configured output: %w", i, b.StreamID, status.ErrBadValue)
		}
		if seen[b.StreamID] {
			return fmt.Errorf("request has two buffers for stream %d: %w", b.StreamID, status.ErrBadValue)
		}
		seen[b.StreamID] = true
		handlers[i] = h
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.requests) == cap(d.requests) {
		return fmt.Errorf("%d requests already waiting: %w", len(d.requests), status.ErrNoMemory)
	}
	for i, h := range handlers {
		if err := h.Queue(req.Buffers[i]); err != nil {
			for j, prev := range handlers[:i] {
				prev.Withdraw(req.Buffers[j])
			}
			return err
		}
	}
	if req.FrameNumber < 0 {
		req.FrameNumber = d.nextFrame
	}
	d.nextFrame = max(d.nextFrame, req.FrameNumber+1)
	req.streams = make([]int, 0, len(req.Buffers))
	for _, b := range req.Buffers {
		req.streams = append(req.streams, b.StreamID)
	}
	slices.Sort(req.streams)
	d.requests <- req

	if d.cfgr.State() == pipeline.StateConfigure {
		if err := d.cfgr.MarkBufferReady(); err != nil {
			d.logger.Debug("Pipeline not marked buffer ready.", "error", err)
		}
	}
	return nil
}

// DQBuf waits for the next completed buffer of streamID. It fails with
// Timeout when nothing completes within the platform's dequeue bound and
// with NotInitialized once the device is stopped.
func (d *Device) DQBuf(ctx context.Context, streamID int) (pipeline.Completed, error) {
	if err := d.checkOpen(); err != nil {
		return pipeline.Completed{}, err
	}
	cfg := d.cfgr.Current()
	if cfg == nil {
		return pipeline.Completed{}, fmt.Errorf("dequeue before configure: %w", status.ErrNotInitialized)
	}
	h, ok := cfg.Handler(streamID)
	if !ok {
		return pipeline.Completed{}, fmt.Errorf("dequeue stream %d: %w", streamID, status.ErrBadValue)
	}
	return h.Dequeue(ctx)
}

// Start begins streaming and processing queued requests.
func (d *Device) Start(ctx context.Context) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	ctx = d.cam.WithLogger(ctx)
	if err := d.cfgr.Start(ctx); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel
	d.done = make(chan struct{})
	d.running = true
	go d.processRequests(rctx, d.requests, d.done)
	return nil
}

// Stop ends streaming. Requests not yet processed are discarded, in-flight
// frames complete with dropped buffers, and blocked DQBuf calls return
// NotInitialized.
func (d *Device) Stop(ctx context.Context) error {
	ctx = d.cam.WithLogger(ctx)
	d.mu.Lock()
	cancel, done, running := d.cancel, d.done, d.running
	d.running = false
	d.cancel = nil
	d.mu.Unlock()

	if running {
		cancel()
		<-done
	}
	discarded := d.discardRequests()

	err := d.cfgr.Stop(ctx)
	if status.CodeOf(err) == status.InvalidOperation && !running {
		err = nil
	}
	left := len(d.tracker.InFlight())
	d.tracker.Reset()
	d.metrics.FramesAbandoned(left)
	d.logger.Info("Camera stopped.", "discarded_requests", discarded, "abandoned_frames", left)
	return err
}

func (d *Device) discardRequests() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for {
		select {
		case req := <-d.requests:
			n++
			d.releaseQueued(req)
		default:
			return n
		}
	}
}

// releaseQueued takes the buffers of a request that never ran back from
// their streams.
func (d *Device) releaseQueued(req Request) {
	cfg := d.cfgr.Current()
	if cfg == nil {
		return
	}
	for _, b := range req.Buffers {
		if h, ok := cfg.Handler(b.StreamID); ok {
			h.Withdraw(b)
		}
	}
}

// Close stops the device, releases the pipeline and the execution engine.
func (d *Device) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("camera %d already closed: %w", d.cam.CameraID, status.ErrInvalidOperation)
	}
	d.mu.Unlock()

	err := d.Stop(ctx)
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	err = multierr.Combine(err, d.cfgr.Deinit(d.cam.WithLogger(ctx)), d.exec.Close(), d.cam.Close())
	d.logger.Info("Camera closed.", "error", err)
	return err
}

func (d *Device) checkOpen() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("camera %d is closed: %w", d.cam.CameraID, status.ErrNotInitialized)
	}
	return nil
}
