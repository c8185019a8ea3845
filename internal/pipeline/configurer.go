// Package pipeline turns a requested stream set into a running processing
// configuration. The Configurer validates the streams, selects the graph,
// chooses the producer mode and builds the stage task engine and one
// StreamHandler per stream. A failed configure leaves the previous
// configuration in place.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/config"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/ctxlog"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/executor"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/graphselect"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/producer"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/stagetask"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/status"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/stream"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/topologystore"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/tuning"
)

const tracerName = "github.com/sujimmy/ipu7-camera-hal-sub001/internal/pipeline"

// State is the lifecycle state of a Configurer.
type State int

const (
	StateUninit State = iota
	StateInit
	StateConfigure
	StateBufferReady
	StateStart
	StateStop
)

var stateNames = [...]string{"uninit", "init", "configure", "buffer_ready", "start", "stop"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Deps are the collaborators a configuration is built from.
type Deps struct {
	Selector *graphselect.Selector
	Producer producer.Producer
	Executor executor.Engine
	Tuning   *tuning.Store
	// Post runs software post stages; stagetask.CopyProcessor when nil.
	Post     stagetask.PostProcessor
	Observer stagetask.Observer
}

// Configuration is one bound stream set.
type Configuration struct {
	OperationMode  int
	Streams        []stream.Stream
	Result         *graphselect.Result
	Producer       producer.Config
	PostProcessing bool
	Engine         *stagetask.Engine
	Handlers       []*StreamHandler
}

// Handler returns the handler of a stream id.
func (c *Configuration) Handler(streamID int) (*StreamHandler, bool) {
	for _, h := range c.Handlers {
		if h.stream.ID == streamID {
			return h, true
		}
	}
	return nil, false
}

// Ports returns the port of every stream, by stream id.
func (c *Configuration) Ports() map[int]stream.Port {
	out := make(map[int]stream.Port, len(c.Result.Ports))
	for _, a := range c.Result.Ports {
		out[a.Stream.ID] = a.Port
	}
	return out
}

// Option configures a Configurer.
type Option func(*Configurer)

// WithTracer sets the tracer used for configure spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Configurer) { c.tracer = t }
}

// WithPayloadCap bounds the memory actually allocated per intermediate
// buffer. Zero allocates full frames.
func WithPayloadCap(n int) Option {
	return func(c *Configurer) { c.payloadCap = n }
}

type request struct {
	streams  []stream.Stream
	opMode   int
	listener stagetask.Listener
}

// Configurer owns the configuration state machine of one camera.
type Configurer struct {
	platform   *config.Platform
	deps       Deps
	tracer     trace.Tracer
	payloadCap int

	// op serializes lifecycle operations; mu guards the fields below and is
	// never held across a collaborator call.
	op    sync.Mutex
	mu    sync.Mutex
	state State
	cur   *Configuration
	req   *request
}

// NewConfigurer creates a Configurer in StateUninit.
func NewConfigurer(platform *config.Platform, deps Deps, opts ...Option) (*Configurer, error) {
	if platform == nil || deps.Selector == nil || deps.Producer == nil || deps.Executor == nil || deps.Tuning == nil {
		return nil, fmt.Errorf("configurer needs a platform, selector, producer, executor and tuning store: %w", status.ErrBadValue)
	}
	c := &Configurer{
		platform: platform,
		deps:     deps,
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// State returns the current state.
func (c *Configurer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Current returns the active configuration, or nil.
func (c *Configurer) Current() *Configuration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *Configurer) set(state State, cur *Configuration, req *request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state, c.cur, c.req = state, cur, req
}

func (c *Configurer) snapshot() (State, *Configuration, *request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.cur, c.req
}

// Init moves an uninitialized configurer to StateInit.
func (c *Configurer) Init(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateUninit {
		return fmt.Errorf("init in state %s: %w", c.state, status.ErrInvalidOperation)
	}
	c.state = StateInit
	ctxlog.FromContext(ctx).Debug("Pipeline initialized.")
	return nil
}

// Configure binds streams for opMode. The listener receives the engine
// results of the new configuration. Configure is legal from StateInit,
// StateConfigure and StateStop; on failure the configurer keeps its previous
// state and configuration.
func (c *Configurer) Configure(ctx context.Context, streams []stream.Stream, opMode int, l stagetask.Listener) (*Configuration, error) {
	logger := ctxlog.FromContext(ctx)
	ctx, span := c.tracer.Start(ctx, "pipeline.Configure", trace.WithAttributes(
		attribute.Int("streams", len(streams)),
		attribute.Int("operation_mode", opMode),
	))
	defer span.End()

	cfg, err := c.configure(ctx, logger, streams, opMode, l)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("Pipeline configure failed.", "operation_mode", opMode, "code", status.CodeOf(err), "error", err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("producer.resolution", cfg.Producer.Resolution.String()),
		attribute.Bool("post_processing", cfg.PostProcessing),
	)
	logger.Info("Pipeline configured.",
		"operation_mode", opMode,
		"streams", len(cfg.Streams),
		"producer", cfg.Producer.Resolution,
		"post_processing", cfg.PostProcessing,
		"stages", len(cfg.Result.Nodes),
	)
	return cfg, nil
}

func (c *Configurer) configure(ctx context.Context, logger *slog.Logger, streams []stream.Stream, opMode int, l stagetask.Listener) (*Configuration, error) {
	c.op.Lock()
	defer c.op.Unlock()

	state, prev, prevReq := c.snapshot()
	switch state {
	case StateInit, StateConfigure, StateStop:
	default:
		return nil, fmt.Errorf("configure in state %s: %w", state, status.ErrInvalidOperation)
	}

	req := &request{streams: slices.Clone(streams), opMode: opMode, listener: l}
	plan, err := c.plan(ctx, req)
	if err != nil {
		return nil, err
	}

	if prev != nil {
		c.set(state, nil, prevReq)
		if err := c.teardown(prev); err != nil {
			logger.Warn("Previous configuration did not tear down cleanly.", "error", err)
		}
	}

	cfg, err := c.build(ctx, plan, req)
	if err == nil {
		c.set(StateConfigure, cfg, req)
		return cfg, nil
	}

	if prevReq == nil {
		return nil, err
	}
	restored, rerr := c.rebuild(ctx, prevReq)
	if rerr != nil {
		logger.Error("Previous configuration could not be restored.", "error", rerr)
		c.set(StateInit, nil, nil)
		return nil, multierr.Append(err, fmt.Errorf("restore previous configuration: %w", rerr))
	}
	c.set(state, restored, prevReq)
	logger.Debug("Previous configuration restored.", "operation_mode", prevReq.opMode)
	return nil, err
}

// plan computes a configuration without touching any collaborator.
func (c *Configurer) plan(ctx context.Context, req *request) (*Configuration, error) {
	streams, err := ValidateStreams(c.platform, req.streams)
	if err != nil {
		return nil, err
	}
	res, err := c.deps.Selector.Select(ctx, streams, req.opMode)
	if err != nil {
		return nil, fmt.Errorf("select graph: %w", err)
	}
	prod := ChooseProducer(c.platform, streams)
	return &Configuration{
		OperationMode:  req.opMode,
		Streams:        streams,
		Result:         res,
		Producer:       prod,
		PostProcessing: NeedsPostProcessing(c.platform, prod, streams),
	}, nil
}

func (c *Configurer) rebuild(ctx context.Context, req *request) (*Configuration, error) {
	plan, err := c.plan(ctx, req)
	if err != nil {
		return nil, err
	}
	return c.build(ctx, plan, req)
}

// build configures the producer, the tuning layouts, the engine and the
// stream handlers of plan.
func (c *Configurer) build(ctx context.Context, plan *Configuration, req *request) (*Configuration, error) {
	if err := c.deps.Producer.Configure(plan.Producer); err != nil {
		return nil, fmt.Errorf("configure producer: %w", err)
	}

	c.deps.Tuning.Reset()
	for _, n := range plan.Result.Nodes {
		for _, t := range n.Terminals {
			if t.Kind != topologystore.TerminalParamIn {
				continue
			}
			if err := c.deps.Tuning.Register(n.ResourceID, n.ContextID, n.Kernels, t.ID); err != nil {
				return nil, fmt.Errorf("register tuning of %s: %w", n.Name, err)
			}
		}
	}

	lim := c.platform.Limits
	eng, err := stagetask.NewEngine(ctx, plan.Result, stagetask.Deps{
		Executor: c.deps.Executor,
		Tuning:   c.deps.Tuning,
		Post:     c.deps.Post,
		Observer: c.deps.Observer,
	}, stagetask.Options{
		MetadataSlots:       lim.MetadataSlots,
		PendingCapacity:     lim.PendingTasks,
		IntermediateBuffers: lim.FramePoolSize,
		DrainTimeout:        c.platform.Timeouts.Drain,
		PayloadCap:          c.payloadCap,
	}, req.listener)
	if err != nil {
		return nil, fmt.Errorf("build stage engine: %w", err)
	}
	plan.Engine = eng

	logger := ctxlog.FromContext(ctx).With("component", "stream_handler")
	bindings := make(map[int]graphselect.Binding, len(plan.Result.Bindings))
	for _, b := range plan.Result.Bindings {
		bindings[b.StreamID] = b
	}
	plan.Handlers = make([]*StreamHandler, 0, len(plan.Streams))
	for _, s := range plan.Streams {
		src := SourceProducer
		if plan.PostProcessing && (c.platform.Features.Any() ||
			s.Resolution() != plan.Producer.Resolution || s.Format != plan.Producer.Format) {
			src = SourcePostProcessor
		}
		b, ok := bindings[s.ID]
		if !ok {
			b = graphselect.Binding{StreamID: s.ID, Port: stream.PortOf(plan.Result.Ports, s.ID), Sink: -1, PostStage: -1}
		}
		plan.Handlers = append(plan.Handlers, newStreamHandler(s, b, src,
			c.platform.Timeouts.Dequeue, c.platform.Timeouts.DequeueRetries, logger))
	}
	return plan, nil
}

func (c *Configurer) teardown(cfg *Configuration) error {
	for _, h := range cfg.Handlers {
		h.Stop()
	}
	return cfg.Engine.Teardown()
}

// MarkBufferReady records that the application queued its first buffers.
func (c *Configurer) MarkBufferReady() error {
	c.op.Lock()
	defer c.op.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateConfigure:
		c.state = StateBufferReady
	case StateBufferReady:
	default:
		return fmt.Errorf("buffers ready in state %s: %w", c.state, status.ErrInvalidOperation)
	}
	return nil
}

// Start starts the engine and then the producer. A configuration starts
// once; restarting after Stop needs a new Configure.
func (c *Configurer) Start(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()

	state, cur, req := c.snapshot()
	if state != StateConfigure && state != StateBufferReady {
		return fmt.Errorf("start in state %s: %w", state, status.ErrInvalidOperation)
	}
	if err := cur.Engine.Start(ctx); err != nil {
		return fmt.Errorf("start stage engine: %w", err)
	}
	if err := c.deps.Producer.Start(ctx); err != nil {
		// The engine is single-use, so a failed start ends in StateStop.
		err = multierr.Append(fmt.Errorf("start producer: %w", err), cur.Engine.Stop(ctx))
		c.set(StateStop, cur, req)
		return err
	}
	c.set(StateStart, cur, req)
	ctxlog.FromContext(ctx).Info("Pipeline started.", "operation_mode", cur.OperationMode)
	return nil
}

// Stop stops the producer, then drains the engine and fails blocked
// dequeues. It is legal from every configured state.
func (c *Configurer) Stop(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()
	return c.stop(ctx)
}

func (c *Configurer) stop(ctx context.Context) error {
	state, cur, req := c.snapshot()
	switch state {
	case StateStart, StateConfigure, StateBufferReady:
	case StateStop:
		return nil
	default:
		return fmt.Errorf("stop in state %s: %w", state, status.ErrInvalidOperation)
	}

	err := c.deps.Producer.Stop()
	err = multierr.Append(err, cur.Engine.Stop(ctx))
	for _, h := range cur.Handlers {
		h.Stop()
	}
	c.set(StateStop, cur, req)
	ctxlog.FromContext(ctx).Info("Pipeline stopped.", "pending_tasks", cur.Engine.PendingCount(), "error", err)
	return err
}

// Deinit tears the configuration down and returns to StateUninit.
func (c *Configurer) Deinit(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()
	if err := c.stop(ctx); err != nil && status.CodeOf(err) != status.InvalidOperation {
		ctxlog.FromContext(ctx).Warn("Stop before deinit failed.", "error", err)
	}

	_, cur, _ := c.snapshot()
	c.set(StateUninit, nil, nil)
	var err error
	if cur != nil {
		err = c.teardown(cur)
	}
	c.deps.Tuning.Reset()
	return err
}
