// Package stagetask schedules per-frame work on the processing stages of a
// selected topology.
//
// A Stage owns the terminal buffers of one stage instance: scratch buffers
// for outputs nobody asked for, a double-buffered ring per node-to-self link,
// one shared buffer per in-place terminal and a few rotating slots per
// parameter, statistics and metadata terminal. Each running task owns one
// slot index, so the slot count bounds how many tasks a stage pipelines.
// Inputs and outputs for a
// sequence are queued independently; once both sides of a sequence are
// complete the stage forms a task, binds every terminal and hands it to the
// executor. Completion reports each populated output, decodes statistics and
// returns the inputs to whoever produced them.
//
// An Engine builds one Stage per node of a graphselect.Result and moves
// buffers along its edges: raw frames from the producer into the first
// stages, pooled intermediates between stages, and hardware outputs either
// straight into application buffers or through a post stage.
package stagetask

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/buffer"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/ctxlog"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/executor"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/graphselect"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/status"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/topologystore"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/tuning"
)

// State is the lifecycle state of a Stage.
type State int

const (
	StateUnconfigured State = iota
	StateConfigured
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateConfigured:
		return "configured"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Outcome tells a submitter whether its buffers completed a task.
type Outcome int

const (
	// Deferred means the sequence still waits for buffers.
	Deferred Outcome = iota
	// Accepted means the sequence formed a task.
	Accepted
)

// Resolution is how a sequence left a stage.
type Resolution int

const (
	Completed Resolution = iota
	// Skipped tasks had no populated output and never ran.
	Skipped
	// Dropped tasks had no tuning results, or were evicted.
	Dropped
	Failed
	Cancelled
)

func (r Resolution) String() string {
	switch r {
	case Completed:
		return "completed"
	case Skipped:
		return "skipped"
	case Dropped:
		return "dropped"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("resolution(%d)", int(r))
}

const (
	defaultMetadataSlots   = 2
	defaultPendingCapacity = 16
	defaultDrainTimeout    = time.Second
	// minTerminalSize backs terminals that declare neither a size nor a
	// frame layout.
	minTerminalSize = 64
)

// SelfLink is a node-to-self feedback link.
type SelfLink struct {
	Out        int
	In         int
	FrameDelay int
}

// Config describes one stage instance.
type Config struct {
	Node graphselect.Node
	// Inputs are the data terminals fed by other stages or the producer.
	Inputs    []int
	SelfLinks []SelfLink
	// Streaming is the strictest streaming mode among the input links.
	Streaming       topologystore.StreamingMode
	MetadataSlots   int
	PendingCapacity int
	DrainTimeout    time.Duration
	// PayloadCap, when positive, bounds the bytes allocated per buffer.
	PayloadCap int
}

// Callbacks receive the results of a stage. They are called without any
// stage lock held.
type Callbacks struct {
	BufferReady   func(seq int64, terminal int, b *buffer.Buffer)
	StatsReady    func(seq int64, st tuning.Stats)
	ReleaseInputs func(seq int64, inputs map[int]*buffer.Buffer)
	DropOutputs   func(seq int64, outputs map[int]*buffer.Buffer)
	Resolved      func(seq int64, r Resolution, err error)
}

// Observer is told about task outcomes.
type Observer interface {
	TaskSubmitted(stage string)
	TaskResolved(stage string, r Resolution, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) TaskSubmitted(string)                           {}
func (nopObserver) TaskResolved(string, Resolution, time.Duration) {}

type ring struct {
	in    int
	delay int
	bufs  [2]*buffer.Buffer
}

type slotSet struct {
	kind topologystore.TerminalKind
	bufs []*buffer.Buffer
}

// job is a sequence whose buffers are complete. slot indexes the payload
// buffers it owns, or is -1.
type job struct {
	seq     int64
	slot    int
	inputs  map[int]*buffer.Buffer
	outputs map[int]*buffer.Buffer
}

// task is a job submitted to the executor.
type task struct {
	job
	stats     *buffer.Buffer
	timestamp time.Time
	submitted time.Time
}

type release struct {
	seq    int64
	inputs map[int]*buffer.Buffer
}

// Stage schedules the tasks of one stage instance.
type Stage struct {
	exec   executor.Engine
	tuning tuning.Adaptor
	cb     Callbacks
	obs    Observer

	mu           sync.Mutex
	state        State
	cfg          Config
	name         string
	logger       *slog.Logger
	runCtx       context.Context
	inputs       map[int]bool
	dataOut      map[int]bool
	payload      bool
	scratch      map[int]*buffer.Buffer
	rings        map[int]*ring
	inPlace      map[int]*buffer.Buffer
	slots        map[int]*slotSet
	freeSlots    []int
	registered   []*buffer.Buffer
	queuedIn     map[int64]map[int]*buffer.Buffer
	queuedOut    map[int64]map[int]*buffer.Buffer
	pending      map[int64]*task
	inDispatch   map[int64]bool
	pendingOrder []int64
	releaseOrder []int64
	releasable   map[int64]map[int]*buffer.Buffer
	dispatching  bool
	active       int
	idle         chan struct{}
}

// NewStage creates an unconfigured stage. obs may be nil.
func NewStage(exec executor.Engine, adaptor tuning.Adaptor, cb Callbacks, obs Observer) *Stage {
	if obs == nil {
		obs = nopObserver{}
	}
	return &Stage{
		exec:   exec,
		tuning: adaptor,
		cb:     cb,
		obs:    obs,
		logger: slog.New(slog.DiscardHandler),
	}
}

// Name returns the stage instance name.
func (s *Stage) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// State returns the lifecycle state.
func (s *Stage) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Configure allocates and registers the stage's terminal buffers. A failed
// configuration leaves the stage unconfigured with nothing registered.
func (s *Stage) Configure(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateUnconfigured {
		return fmt.Errorf("configure stage %s in state %s: %w", cfg.Node.Name, s.state, status.ErrInvalidOperation)
	}
	if cfg.MetadataSlots <= 0 {
		cfg.MetadataSlots = defaultMetadataSlots
	}
	if cfg.PendingCapacity <= 0 {
		cfg.PendingCapacity = defaultPendingCapacity
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}

	s.name = cfg.Node.Name
	s.logger = ctxlog.FromContext(ctx).With("stage", s.name)
	s.cfg = cfg
	s.inputs = make(map[int]bool, len(cfg.Inputs))
	s.dataOut = make(map[int]bool)
	s.payload = false
	s.scratch = make(map[int]*buffer.Buffer)
	s.rings = make(map[int]*ring)
	s.inPlace = make(map[int]*buffer.Buffer)
	s.slots = make(map[int]*slotSet)
	s.registered = nil

	if err := s.allocateLocked(); err != nil {
		unregErr := s.unregisterLocked()
		s.logger.Error("Stage configuration failed.", "error", err)
		return multierr.Append(err, unregErr)
	}

	s.queuedIn = make(map[int64]map[int]*buffer.Buffer)
	s.queuedOut = make(map[int64]map[int]*buffer.Buffer)
	s.pending = make(map[int64]*task)
	s.inDispatch = make(map[int64]bool)
	s.pendingOrder = nil
	s.freeSlots = nil
	if len(s.slots) > 0 {
		for i := range cfg.MetadataSlots {
			s.freeSlots = append(s.freeSlots, i)
		}
	}
	s.releaseOrder = nil
	s.releasable = make(map[int64]map[int]*buffer.Buffer)
	s.state = StateConfigured
	s.logger.Debug("Stage configured.",
		"inputs", cfg.Inputs,
		"scratch", len(s.scratch),
		"rings", len(s.rings),
		"in_place", len(s.inPlace),
		"payload_terminals", len(s.slots),
	)
	return nil
}

func (s *Stage) allocateLocked() error {
	node := s.cfg.Node
	terms := make(map[int]topologystore.Terminal, len(node.Terminals))
	for _, t := range node.Terminals {
		terms[t.ID] = t
	}

	for _, id := range s.cfg.Inputs {
		t, ok := terms[id]
		if !ok || t.Kind != topologystore.TerminalDataIn {
			return fmt.Errorf("stage %s: terminal %d is not a data input: %w", s.name, id, status.ErrBadValue)
		}
		s.inputs[id] = true
	}

	selfIn := make(map[int]bool)
	for _, l := range s.cfg.SelfLinks {
		out, okOut := terms[l.Out]
		_, okIn := terms[l.In]
		if !okOut || !okIn {
			return fmt.Errorf("stage %s: self link %d->%d: %w", s.name, l.Out, l.In, status.ErrInvalidLink)
		}
		r := &ring{in: l.In, delay: l.FrameDelay}
		for i := range r.bufs {
			b, err := s.allocLocked(out, node)
			if err != nil {
				return err
			}
			r.bufs[i] = b
		}
		s.rings[l.Out] = r
		selfIn[l.In] = true
	}

	for _, t := range node.Terminals {
		switch {
		case t.InPlace:
			b, err := s.allocLocked(t, node)
			if err != nil {
				return err
			}
			s.inPlace[t.ID] = b
		case t.Kind == topologystore.TerminalDataOut:
			if _, isRing := s.rings[t.ID]; isRing {
				continue
			}
			b, err := s.allocLocked(t, node)
			if err != nil {
				return err
			}
			s.scratch[t.ID] = b
			s.dataOut[t.ID] = true
		case t.Kind.IsPayload():
			set := &slotSet{kind: t.Kind}
			for range s.cfg.MetadataSlots {
				b, err := s.allocLocked(t, node)
				if err != nil {
					return err
				}
				set.bufs = append(set.bufs, b)
			}
			s.slots[t.ID] = set
			if t.Kind == topologystore.TerminalParamIn {
				s.payload = true
			}
		}
	}
	return nil
}

func (s *Stage) allocLocked(t topologystore.Terminal, node graphselect.Node) (*buffer.Buffer, error) {
	size := t.BufferSize()
	if size == 0 && t.Kind == topologystore.TerminalParamIn {
		size = payloadSize(node.Kernels)
	}
	if size == 0 {
		size = minTerminalSize
	}
	alloc := size
	if s.cfg.PayloadCap > 0 {
		alloc = min(alloc, s.cfg.PayloadCap)
	}

	b := buffer.New(alloc)
	b.Size = size
	b.Flags |= buffer.FlagInternal
	b.Width, b.Height, b.Format = t.Width, t.Height, t.Format
	b.StreamID = -1
	if err := s.exec.RegisterBuffer(b); err != nil {
		return nil, fmt.Errorf("stage %s: register terminal %d buffer: %v: %w", s.name, t.ID, err, status.ErrNoMemory)
	}
	s.registered = append(s.registered, b)
	return b, nil
}

func payloadSize(kernels []topologystore.Kernel) int {
	size := 0
	for _, k := range kernels {
		size = max(size, k.Offset+k.Size)
	}
	return size
}

func (s *Stage) unregisterLocked() error {
	var err error
	for _, b := range s.registered {
		err = multierr.Append(err, s.exec.UnregisterBuffer(b))
	}
	s.registered = nil
	return err
}

// Start lets the stage accept tasks.
func (s *Stage) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConfigured {
		return fmt.Errorf("start stage %s in state %s: %w", s.name, s.state, status.ErrInvalidOperation)
	}
	s.runCtx = context.WithoutCancel(ctx)
	s.state = StateRunning
	s.logger.Debug("Stage started.")
	return nil
}

// Stop refuses new work, cancels queued sequences and waits for in-flight
// tasks up to the drain timeout or until ctx is done. Tasks still running
// after that are force-returned: their outputs are flagged as errors and
// dropped. A configured stage that never started stops immediately.
func (s *Stage) Stop(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateStopped:
		s.mu.Unlock()
		return nil
	case StateRunning, StateConfigured:
	default:
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("stop stage %s in state %s: %w", s.name, st, status.ErrInvalidOperation)
	}
	s.state = StateStopped
	cancelled := s.takeQueuedLocked()
	var wait chan struct{}
	if s.active > 0 {
		s.idle = make(chan struct{})
		wait = s.idle
	}
	timeout := s.cfg.DrainTimeout
	s.mu.Unlock()

	for _, j := range cancelled {
		s.resolveUnrun(j, Cancelled, nil, []release{{j.seq, j.inputs}})
	}

	if wait != nil {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-wait:
		case <-timer.C:
			s.forceReturn(fmt.Errorf("stage %s: drain: %w", s.name, status.ErrTimeout))
		case <-ctx.Done():
			s.forceReturn(fmt.Errorf("stage %s: drain: %w", s.name, ctx.Err()))
		}
	}

	s.mu.Lock()
	rest := s.flushReleasesLocked()
	s.mu.Unlock()
	s.release(rest)
	s.logger.Debug("Stage stopped.", "cancelled", len(cancelled))
	return nil
}

func (s *Stage) forceReturn(reason error) {
	s.mu.Lock()
	forced := make([]*task, 0, len(s.pending))
	for _, seq := range s.pendingOrder {
		forced = append(forced, s.pending[seq])
	}
	clear(s.pending)
	s.pendingOrder = nil
	s.active -= len(forced)
	s.idle = nil
	var rel []release
	for _, t := range forced {
		if t.slot >= 0 {
			s.freeSlots = append(s.freeSlots, t.slot)
		}
		rel = append(rel, s.completeReleaseLocked(t.seq, t.inputs)...)
	}
	s.mu.Unlock()

	s.logger.Warn("Stage drain timed out, force-returning buffers.", "tasks", len(forced), "error", reason)
	s.release(rel)
	for _, t := range forced {
		for _, b := range t.outputs {
			b.Flags |= buffer.FlagError
		}
		s.resolveUnrun(t.job, Cancelled, reason, nil)
	}
}

// Unconfigure releases every terminal buffer.
func (s *Stage) Unconfigure() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateUnconfigured:
		return nil
	case StateRunning:
		return fmt.Errorf("unconfigure running stage %s: %w", s.name, status.ErrInvalidOperation)
	}
	err := s.unregisterLocked()
	s.scratch, s.rings, s.inPlace, s.slots = nil, nil, nil, nil
	s.queuedIn, s.queuedOut, s.pending, s.inDispatch = nil, nil, nil, nil
	s.freeSlots = nil
	s.state = StateUnconfigured
	s.logger.Debug("Stage unconfigured.")
	return err
}

// PendingCount returns the number of tasks submitted and not yet completed.
func (s *Stage) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// QueuedCount returns the number of sequences waiting for buffers.
func (s *Stage) QueuedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[int64]bool, len(s.queuedOut))
	for seq := range s.queuedOut {
		seen[seq] = true
	}
	for seq := range s.queuedIn {
		seen[seq] = true
	}
	return len(seen)
}

// takeQueuedLocked removes every queued sequence.
func (s *Stage) takeQueuedLocked() []job {
	seqs := make(map[int64]bool)
	for seq := range s.queuedOut {
		seqs[seq] = true
	}
	for seq := range s.queuedIn {
		seqs[seq] = true
	}
	ordered := make([]int64, 0, len(seqs))
	for seq := range seqs {
		ordered = append(ordered, seq)
	}
	slices.Sort(ordered)

	jobs := make([]job, 0, len(ordered))
	for _, seq := range ordered {
		jobs = append(jobs, job{seq: seq, inputs: s.queuedIn[seq], outputs: s.queuedOut[seq]})
		delete(s.queuedIn, seq)
		delete(s.queuedOut, seq)
	}
	return jobs
}
