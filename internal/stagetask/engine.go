package stagetask

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/buffer"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/ctxlog"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/executor"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/graphselect"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/status"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/topologystore"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/tuning"
)

const defaultIntermediateBuffers = 4

// Deps are the collaborators of an Engine.
type Deps struct {
	Executor executor.Engine
	Tuning   tuning.Adaptor
	// Post runs post stages; CopyProcessor when nil.
	Post     PostProcessor
	Observer Observer
}

// Options size the buffers of an Engine.
type Options struct {
	MetadataSlots       int
	PendingCapacity     int
	IntermediateBuffers int
	DrainTimeout        time.Duration
	PayloadCap          int
}

// Listener receives the results of an Engine. Output, Stats, FrameProcessed
// and Error are called from one goroutine; outputs of a stream and
// FrameProcessed arrive in enqueue order, and every output of a frame comes
// before its FrameProcessed.
type Listener struct {
	Output         func(seq int64, streamID int, b *buffer.Buffer, dropped bool)
	Stats          func(seq int64, stage string, st tuning.Stats)
	FrameProcessed func(seq int64)
	Error          func(seq int64, err error)
	// ReleaseSource returns a producer buffer. It may be called from any
	// goroutine.
	ReleaseSource func(seq int64, b *buffer.Buffer)
}

type termKey struct {
	node     int
	terminal int
}

// route is where one stage output terminal goes.
type route struct {
	key       termKey
	consumers []graphselect.Edge
	sinks     []int
	// direct is the stream whose application buffer is bound straight to
	// the terminal, or -1 when the terminal uses pool buffers.
	direct int
	pool   *buffer.Pool
}

type frame struct {
	app      map[int]*buffer.Buffer
	emitted  map[int]bool
	needed   map[int]bool
	resolved map[int]bool
	sinks    map[int]bool
	src      *buffer.Buffer
	srcRefs  int
	bufs     map[termKey]*buffer.Buffer
	refs     map[termKey]int
}

// Engine runs the stages of one selected topology.
type Engine struct {
	result   *graphselect.Result
	deps     Deps
	opts     Options
	listener Listener
	logger   *slog.Logger

	stages      []*Stage
	routes      map[termKey]*route
	routeKeys   []termKey
	inEdges     map[termKey]graphselect.Edge
	srcEdges    []graphselect.Edge
	upstream    map[int][]int
	selfLinks   map[int][]SelfLink
	bindings    map[int]graphselect.Binding
	sinkStreams map[int][]int
	pooled      []*buffer.Buffer

	mu      sync.Mutex
	started bool
	running bool
	postCtx context.Context
	frames  map[int64]*frame

	events   *eventQueue
	loopDone chan struct{}
}

// NewEngine configures one Stage per node of result. On failure everything
// allocated so far is released.
func NewEngine(ctx context.Context, result *graphselect.Result, deps Deps, opts Options, l Listener) (*Engine, error) {
	if deps.Executor == nil || deps.Tuning == nil {
		return nil, fmt.Errorf("stage engine needs an executor and a tuning adaptor: %w", status.ErrBadValue)
	}
	if deps.Post == nil {
		deps.Post = CopyProcessor{}
	}
	if opts.IntermediateBuffers <= 0 {
		opts.IntermediateBuffers = defaultIntermediateBuffers
	}

	e := &Engine{
		result:      result,
		deps:        deps,
		opts:        opts,
		listener:    l,
		logger:      ctxlog.FromContext(ctx).With("component", "stagetask"),
		routes:      make(map[termKey]*route),
		inEdges:     make(map[termKey]graphselect.Edge),
		upstream:    make(map[int][]int),
		selfLinks:   make(map[int][]SelfLink),
		bindings:    make(map[int]graphselect.Binding),
		sinkStreams: make(map[int][]int),
		frames:      make(map[int64]*frame),
		events:      newEventQueue(),
		loopDone:    make(chan struct{}),
	}
	e.index()

	if err := e.allocatePools(); err != nil {
		return nil, multierr.Append(err, e.Teardown())
	}

	e.stages = make([]*Stage, len(result.Nodes))
	for i, n := range result.Nodes {
		e.stages[i] = NewStage(deps.Executor, deps.Tuning, e.stageCallbacks(i), deps.Observer)
		if err := e.stages[i].Configure(ctx, e.stageConfig(i, n)); err != nil {
			return nil, multierr.Append(fmt.Errorf("configure stage %s: %w", n.Name, err), e.Teardown())
		}
	}

	e.logger.Debug("Stage engine configured.",
		"stages", len(e.stages),
		"routes", len(e.routes),
		"pooled_buffers", len(e.pooled),
	)
	return e, nil
}

func (e *Engine) index() {
	for i, s := range e.result.Sinks {
		streams := []int{s.Owner}
		for _, b := range e.result.Bindings {
			if b.Sink == i && b.StreamID != s.Owner {
				streams = append(streams, b.StreamID)
			}
		}
		e.sinkStreams[i] = streams
	}
	for _, b := range e.result.Bindings {
		if b.Sink >= 0 {
			e.bindings[b.StreamID] = b
		}
	}

	routeOf := func(node, terminal int) *route {
		key := termKey{node, terminal}
		r, ok := e.routes[key]
		if !ok {
			r = &route{key: key, direct: -1}
			e.routes[key] = r
			e.routeKeys = append(e.routeKeys, key)
		}
		return r
	}
	for _, ed := range e.result.Edges {
		switch ed.Type {
		case topologystore.LinkSourceToNode:
			e.srcEdges = append(e.srcEdges, ed)
			e.inEdges[termKey{ed.To, ed.ToTerminal}] = ed
		case topologystore.LinkNodeToNode:
			r := routeOf(ed.From, ed.FromTerminal)
			r.consumers = append(r.consumers, ed)
			e.inEdges[termKey{ed.To, ed.ToTerminal}] = ed
			e.upstream[ed.To] = append(e.upstream[ed.To], ed.From)
		case topologystore.LinkNodeToSink:
			r := routeOf(ed.From, ed.FromTerminal)
			r.sinks = append(r.sinks, ed.ToTerminal)
		case topologystore.LinkNodeToSelf:
			e.selfLinks[ed.From] = append(e.selfLinks[ed.From], SelfLink{
				Out:        ed.FromTerminal,
				In:         ed.ToTerminal,
				FrameDelay: ed.FrameDelay,
			})
		}
	}
	slices.SortFunc(e.routeKeys, func(a, b termKey) int {
		if a.node != b.node {
			return a.node - b.node
		}
		return a.terminal - b.terminal
	})

	for _, r := range e.routes {
		if len(r.consumers) == 0 && len(r.sinks) == 1 &&
			e.result.PostStageForSink(r.sinks[0]) < 0 && len(e.sinkStreams[r.sinks[0]]) == 1 {
			r.direct = e.sinkStreams[r.sinks[0]][0]
		}
	}
}

func (e *Engine) allocatePools() error {
	for _, key := range e.routeKeys {
		r := e.routes[key]
		if r.direct >= 0 {
			continue
		}
		size, term := e.routeBufferSize(r)
		alloc := size
		if e.opts.PayloadCap > 0 {
			alloc = min(alloc, e.opts.PayloadCap)
		}
		r.pool = buffer.NewPool(e.opts.IntermediateBuffers, alloc, func(b *buffer.Buffer) {
			b.Size = size
			b.StreamID = -1
			b.Width, b.Height, b.Format = term.Width, term.Height, term.Format
		})
		for _, b := range r.pool.Buffers() {
			if err := e.deps.Executor.RegisterBuffer(b); err != nil {
				return fmt.Errorf("register intermediate buffer of %s terminal %d: %v: %w",
					e.result.Nodes[key.node].Name, key.terminal, err, status.ErrNoMemory)
			}
			e.pooled = append(e.pooled, b)
		}
	}
	return nil
}

func (e *Engine) routeBufferSize(r *route) (int, topologystore.Terminal) {
	var term topologystore.Terminal
	for _, t := range e.result.Nodes[r.key.node].Terminals {
		if t.ID == r.key.terminal {
			term = t
			break
		}
	}
	if size := term.BufferSize(); size > 0 {
		return size, term
	}
	for _, si := range r.sinks {
		s := e.result.Sinks[si]
		if size := s.Format.FrameSize(s.Resolution.Width, s.Resolution.Height); size > 0 {
			term.Width, term.Height, term.Format = s.Resolution.Width, s.Resolution.Height, s.Format
			return size, term
		}
	}
	return minTerminalSize, term
}

func (e *Engine) stageConfig(i int, n graphselect.Node) Config {
	cfg := Config{
		Node:            n,
		SelfLinks:       e.selfLinks[i],
		MetadataSlots:   e.opts.MetadataSlots,
		PendingCapacity: e.opts.PendingCapacity,
		DrainTimeout:    e.opts.DrainTimeout,
		PayloadCap:      e.opts.PayloadCap,
	}
	for key, ed := range e.inEdges {
		if key.node != i {
			continue
		}
		cfg.Inputs = append(cfg.Inputs, key.terminal)
		if ed.Streaming.StrictOrder() && !cfg.Streaming.StrictOrder() {
			cfg.Streaming = ed.Streaming
		}
	}
	slices.Sort(cfg.Inputs)
	return cfg
}

func (e *Engine) stageCallbacks(i int) Callbacks {
	return Callbacks{
		BufferReady:   func(seq int64, term int, b *buffer.Buffer) { e.onBufferReady(i, seq, term, b) },
		StatsReady:    func(seq int64, st tuning.Stats) { e.onStats(i, seq, st) },
		ReleaseInputs: func(seq int64, in map[int]*buffer.Buffer) { e.onReleaseInputs(i, seq, in) },
		DropOutputs:   func(seq int64, out map[int]*buffer.Buffer) { e.onDropOutputs(i, seq, out) },
		Resolved:      func(seq int64, r Resolution, err error) { e.onResolved(i, seq, r, err) },
	}
}

// Stages returns the stage of every node, by node index.
func (e *Engine) Stages() []*Stage {
	return slices.Clone(e.stages)
}

// Result returns the topology the engine runs.
func (e *Engine) Result() *graphselect.Result {
	return e.result
}

// Start starts every stage. An engine starts once.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("stage engine already started: %w", status.ErrInvalidOperation)
	}
	e.started = true
	e.postCtx = context.WithoutCancel(ctx)
	e.mu.Unlock()

	go e.loop()
	for _, st := range e.stages {
		if err := st.Start(ctx); err != nil {
			return multierr.Append(err, e.Stop(ctx))
		}
	}

	e.mu.Lock()
	e.running = true
	e.mu.Unlock()
	e.logger.Debug("Stage engine started.")
	return nil
}

// Stop stops every stage concurrently, completes the frames still in flight
// with dropped outputs and waits until the listener has seen them.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, st := range e.stages {
		g.Go(func() error { return st.Stop(gctx) })
	}
	err := g.Wait()

	e.abandonFrames()
	if e.events.close() {
		<-e.loopDone
	}
	e.logger.Debug("Stage engine stopped.", "error", err)
	return err
}

// Teardown unconfigures every stage and releases the intermediate buffers.
func (e *Engine) Teardown() error {
	var err error
	for _, st := range e.stages {
		if st != nil {
			err = multierr.Append(err, st.Unconfigure())
		}
	}
	for _, b := range e.pooled {
		err = multierr.Append(err, e.deps.Executor.UnregisterBuffer(b))
	}
	e.pooled = nil
	return err
}

// PendingCount returns the tasks in flight across all stages.
func (e *Engine) PendingCount() int {
	n := 0
	for _, st := range e.stages {
		n += st.PendingCount()
	}
	return n
}

// FramesInFlight returns the frames enqueued and not yet processed.
func (e *Engine) FramesInFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.frames)
}

// Enqueue schedules frame seq. app maps stream ids to the application
// buffers to fill; streams without a buffer are not produced. With no
// buffers at all the frame passes through the capture stages unprocessed.
// Enqueue fails with NoMemory, and takes nothing, when an intermediate pool
// is exhausted.
func (e *Engine) Enqueue(seq int64, app map[int]*buffer.Buffer) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return fmt.Errorf("enqueue seq %d: stage engine is not running: %w", seq, status.ErrNotInitialized)
	}
	if _, dup := e.frames[seq]; dup {
		e.mu.Unlock()
		return fmt.Errorf("seq %d already enqueued: %w", seq, status.ErrBadValue)
	}

	f := &frame{
		app:      make(map[int]*buffer.Buffer, len(app)),
		emitted:  make(map[int]bool, len(app)),
		needed:   make(map[int]bool),
		resolved: make(map[int]bool),
		sinks:    make(map[int]bool),
		bufs:     make(map[termKey]*buffer.Buffer),
		refs:     make(map[termKey]int),
	}
	for sid, b := range app {
		bnd, ok := e.bindings[sid]
		if !ok || b == nil {
			e.mu.Unlock()
			return fmt.Errorf("seq %d: stream %d is not an output of this configuration: %w", seq, sid, status.ErrBadValue)
		}
		f.app[sid] = b
		f.sinks[bnd.Sink] = true
	}
	e.markNeeded(f)

	outs := make(map[int]map[int]*buffer.Buffer, len(f.needed))
	for n := range f.needed {
		outs[n] = make(map[int]*buffer.Buffer)
	}
	for _, key := range e.routeKeys {
		if !f.needed[key.node] {
			continue
		}
		r := e.routes[key]
		consumers, sinkNeeded := e.demand(f, r)
		if consumers == 0 && !sinkNeeded {
			continue
		}
		if r.direct >= 0 {
			outs[key.node][key.terminal] = f.app[r.direct]
			continue
		}
		b, ok := r.pool.Get()
		if !ok {
			for k, held := range f.bufs {
				_ = e.routes[k].pool.Put(held)
			}
			e.mu.Unlock()
			return fmt.Errorf("seq %d: intermediate pool of %s terminal %d exhausted: %w",
				seq, e.result.Nodes[key.node].Name, key.terminal, status.ErrNoMemory)
		}
		b.Sequence = seq
		f.bufs[key] = b
		f.refs[key] = consumers
		if sinkNeeded {
			f.refs[key]++
		}
	}
	e.frames[seq] = f
	stages := slices.Sorted(maps.Keys(f.needed))
	e.mu.Unlock()

	e.events.push(event{kind: evEnqueued, seq: seq, streams: slices.Sorted(maps.Keys(app))})
	for _, n := range stages {
		if _, err := e.stages[n].QueueOutputs(seq, outs[n]); err != nil {
			e.logger.Warn("Stage refused a frame.", "seq", seq, "stage", e.result.Nodes[n].Name, "error", err)
			e.onDropOutputs(n, seq, outs[n])
			e.onResolved(n, seq, Cancelled, err)
		}
	}
	return nil
}

// markNeeded selects the stages that produce the requested sinks. With no
// sink requested the capture stages still run to return the source buffer.
func (e *Engine) markNeeded(f *frame) {
	var work []int
	for si := range f.sinks {
		work = append(work, e.result.Sinks[si].Node)
	}
	if len(work) == 0 {
		for _, ed := range e.srcEdges {
			work = append(work, ed.To)
		}
	}
	for len(work) > 0 {
		n := work[len(work)-1]
		work = work[:len(work)-1]
		if f.needed[n] {
			continue
		}
		f.needed[n] = true
		work = append(work, e.upstream[n]...)
	}
}

// demand counts the needed consumers of r and whether any requested sink
// reads it.
func (e *Engine) demand(f *frame, r *route) (int, bool) {
	consumers := 0
	for _, c := range r.consumers {
		if f.needed[c.To] {
			consumers++
		}
	}
	for _, si := range r.sinks {
		if f.sinks[si] {
			return consumers, true
		}
	}
	return consumers, false
}

// Feed delivers the producer buffer of seq to the capture stages.
func (e *Engine) Feed(seq int64, src *buffer.Buffer) error {
	e.mu.Lock()
	f, ok := e.frames[seq]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("feed seq %d: %w", seq, status.ErrNotFound)
	}
	if f.src != nil {
		e.mu.Unlock()
		return fmt.Errorf("feed seq %d twice: %w", seq, status.ErrBadValue)
	}
	var targets []graphselect.Edge
	for _, ed := range e.srcEdges {
		if f.needed[ed.To] {
			targets = append(targets, ed)
		}
	}
	f.src = src
	f.srcRefs = len(targets)
	e.mu.Unlock()

	if len(targets) == 0 {
		e.releaseSourceNow(seq)
		return nil
	}
	for _, ed := range targets {
		if _, err := e.stages[ed.To].QueueInput(seq, ed.ToTerminal, src); err != nil {
			e.logger.Warn("Stage refused the source buffer.", "seq", seq, "stage", e.result.Nodes[ed.To].Name, "error", err)
			e.releaseSource(seq)
			e.stages[ed.To].Cancel(seq)
		}
	}
	return nil
}

// Abort cancels frame seq before its source buffer arrives.
func (e *Engine) Abort(seq int64, cause error) {
	e.mu.Lock()
	f, ok := e.frames[seq]
	var stages []int
	if ok {
		stages = slices.Sorted(maps.Keys(f.needed))
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	e.events.push(event{kind: evError, seq: seq, err: cause})
	for _, n := range stages {
		e.stages[n].Cancel(seq)
	}
}

func (e *Engine) onBufferReady(n int, seq int64, term int, b *buffer.Buffer) {
	key := termKey{n, term}
	r, ok := e.routes[key]
	if !ok {
		return
	}
	if r.direct >= 0 {
		e.emit(seq, r.direct, b, b.HasFlag(buffer.FlagError))
		return
	}

	e.mu.Lock()
	f, ok := e.frames[seq]
	if !ok {
		e.mu.Unlock()
		return
	}
	var targets []graphselect.Edge
	for _, c := range r.consumers {
		if f.needed[c.To] {
			targets = append(targets, c)
		}
	}
	var sinks []int
	for _, si := range r.sinks {
		if f.sinks[si] {
			sinks = append(sinks, si)
		}
	}
	app := maps.Clone(f.app)
	e.mu.Unlock()

	for _, c := range targets {
		if _, err := e.stages[c.To].QueueInput(seq, c.ToTerminal, b); err != nil {
			e.logger.Warn("Stage refused an intermediate buffer.", "seq", seq, "stage", e.result.Nodes[c.To].Name, "error", err)
			e.releaseRoute(seq, key)
			e.stages[c.To].Cancel(seq)
		}
	}
	if len(sinks) > 0 {
		e.deliverSinks(seq, sinks, b, app)
		e.releaseRoute(seq, key)
	}
}

func (e *Engine) deliverSinks(seq int64, sinks []int, in *buffer.Buffer, app map[int]*buffer.Buffer) {
	failed := in.HasFlag(buffer.FlagError)
	for _, si := range sinks {
		var streams []int
		for _, sid := range e.sinkStreams[si] {
			if app[sid] != nil {
				streams = append(streams, sid)
			}
		}
		if len(streams) == 0 {
			continue
		}

		if pi := e.result.PostStageForSink(si); pi >= 0 {
			outs := make(map[int]*buffer.Buffer, len(streams))
			for _, sid := range streams {
				outs[sid] = app[sid]
			}
			ps := e.result.PostStages[pi]
			err := e.deps.Post.Process(e.postCtx, ps, in, outs)
			if err != nil {
				e.logger.Warn("Post stage failed.", "seq", seq, "post_stage", ps.Index, "engine", ps.Engine, "error", err)
				e.events.push(event{kind: evError, seq: seq, err: fmt.Errorf("post stage %d: %w", ps.Index, err)})
			}
			for _, sid := range streams {
				e.emit(seq, sid, app[sid], failed || err != nil)
			}
			continue
		}
		for _, sid := range streams {
			copyFrame(app[sid], in)
			e.emit(seq, sid, app[sid], failed)
		}
	}
}

func (e *Engine) onStats(n int, seq int64, st tuning.Stats) {
	e.events.push(event{kind: evStats, seq: seq, stage: e.result.Nodes[n].Name, stats: st})
}

func (e *Engine) onReleaseInputs(n int, seq int64, inputs map[int]*buffer.Buffer) {
	for term := range inputs {
		ed, ok := e.inEdges[termKey{n, term}]
		if !ok {
			continue
		}
		switch ed.Type {
		case topologystore.LinkSourceToNode:
			e.releaseSource(seq)
		case topologystore.LinkNodeToNode:
			e.releaseRoute(seq, termKey{ed.From, ed.FromTerminal})
		}
	}
}

func (e *Engine) onDropOutputs(n int, seq int64, outputs map[int]*buffer.Buffer) {
	for _, term := range slices.Sorted(maps.Keys(outputs)) {
		key := termKey{n, term}
		r, ok := e.routes[key]
		if !ok {
			continue
		}
		if r.direct >= 0 {
			e.emit(seq, r.direct, outputs[term], true)
			continue
		}

		e.mu.Lock()
		f, ok := e.frames[seq]
		if !ok {
			e.mu.Unlock()
			continue
		}
		var targets []int
		for _, c := range r.consumers {
			if f.needed[c.To] {
				targets = append(targets, c.To)
			}
		}
		var dropped []int
		for _, si := range r.sinks {
			if !f.sinks[si] {
				continue
			}
			for _, sid := range e.sinkStreams[si] {
				if f.app[sid] != nil {
					dropped = append(dropped, sid)
				}
			}
		}
		app := maps.Clone(f.app)
		held, isHeld := f.bufs[key]
		delete(f.bufs, key)
		delete(f.refs, key)
		e.mu.Unlock()

		for _, c := range targets {
			e.stages[c].Cancel(seq)
		}
		for _, sid := range dropped {
			e.emit(seq, sid, app[sid], true)
		}
		if isHeld {
			e.putPooled(r, held)
		}
	}
}

func (e *Engine) onResolved(n int, seq int64, r Resolution, err error) {
	if r == Failed && err != nil {
		e.events.push(event{kind: evError, seq: seq, err: fmt.Errorf("stage %s: %w", e.result.Nodes[n].Name, err)})
	}

	e.mu.Lock()
	f, ok := e.frames[seq]
	if !ok || !f.needed[n] || f.resolved[n] {
		e.mu.Unlock()
		return
	}
	f.resolved[n] = true
	if len(f.resolved) < len(f.needed) {
		e.mu.Unlock()
		return
	}
	delete(e.frames, seq)
	e.mu.Unlock()

	e.completeFrame(seq, f)
}

// completeFrame returns what a finished frame still holds and reports it.
func (e *Engine) completeFrame(seq int64, f *frame) {
	for key, b := range f.bufs {
		e.putPooled(e.routes[key], b)
	}
	if f.src != nil && f.srcRefs > 0 {
		e.callReleaseSource(seq, f.src)
	}
	for _, sid := range slices.Sorted(maps.Keys(f.app)) {
		if !f.emitted[sid] {
			e.logger.Warn("Frame finished without an output, reporting it dropped.", "seq", seq, "stream", sid)
			f.app[sid].Flags |= buffer.FlagError
			e.events.push(event{kind: evOutput, seq: seq, stream: sid, buf: f.app[sid], dropped: true})
		}
	}
	e.events.push(event{kind: evFrameDone, seq: seq})
}

// abandonFrames completes every frame left after the stages stopped.
func (e *Engine) abandonFrames() {
	e.mu.Lock()
	left := e.frames
	e.frames = make(map[int64]*frame)
	e.mu.Unlock()

	for _, seq := range slices.Sorted(maps.Keys(left)) {
		e.logger.Warn("Frame abandoned at stop.", "seq", seq)
		e.completeFrame(seq, left[seq])
	}
}

func (e *Engine) emit(seq int64, sid int, b *buffer.Buffer, dropped bool) {
	if dropped {
		b.Flags |= buffer.FlagError
	}
	e.mu.Lock()
	if f, ok := e.frames[seq]; ok {
		f.emitted[sid] = true
	}
	e.mu.Unlock()
	e.events.push(event{kind: evOutput, seq: seq, stream: sid, buf: b, dropped: dropped})
}

func (e *Engine) releaseRoute(seq int64, key termKey) {
	e.mu.Lock()
	f, ok := e.frames[seq]
	if !ok {
		e.mu.Unlock()
		return
	}
	b, held := f.bufs[key]
	if !held {
		e.mu.Unlock()
		return
	}
	f.refs[key]--
	if f.refs[key] > 0 {
		e.mu.Unlock()
		return
	}
	delete(f.bufs, key)
	delete(f.refs, key)
	e.mu.Unlock()

	e.putPooled(e.routes[key], b)
}

func (e *Engine) putPooled(r *route, b *buffer.Buffer) {
	if err := r.pool.Put(b); err != nil {
		e.logger.Error("Intermediate buffer return failed.", "node", e.result.Nodes[r.key.node].Name, "terminal", r.key.terminal, "error", err)
	}
}

func (e *Engine) releaseSource(seq int64) {
	e.mu.Lock()
	f, ok := e.frames[seq]
	if !ok || f.src == nil {
		e.mu.Unlock()
		return
	}
	f.srcRefs--
	if f.srcRefs > 0 {
		e.mu.Unlock()
		return
	}
	src := f.src
	f.src = nil
	e.mu.Unlock()

	e.callReleaseSource(seq, src)
}

func (e *Engine) releaseSourceNow(seq int64) {
	e.mu.Lock()
	f, ok := e.frames[seq]
	var src *buffer.Buffer
	if ok {
		src, f.src = f.src, nil
	}
	e.mu.Unlock()
	if src != nil {
		e.callReleaseSource(seq, src)
	}
}

func (e *Engine) callReleaseSource(seq int64, b *buffer.Buffer) {
	if e.listener.ReleaseSource != nil {
		e.listener.ReleaseSource(seq, b)
	}
}
