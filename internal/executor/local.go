package executor

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/buffer"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/ctxlog"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/status"
)

const (
	defaultWorkers    = 2
	defaultQueueDepth = 32
)

// Local executes tasks in-process on a fixed set of workers. Tasks of one
// (resource, context) pair always land on the same worker, so they run in
// submission order.
type Local struct {
	workers int
	depth   int
	run     RunFunc

	mu         sync.Mutex
	registered map[uint64]*buffer.Buffer
	queues     []chan Task
	started    bool
	closed     bool
	group      *errgroup.Group
	cancel     context.CancelFunc
	logger     *slog.Logger
}

// Option configures a Local executor.
type Option func(*Local)

// WithWorkers sets the number of worker goroutines.
func WithWorkers(n int) Option {
	return func(l *Local) {
		if n > 0 {
			l.workers = n
		}
	}
}

// WithQueueDepth sets the per-worker queue capacity.
func WithQueueDepth(n int) Option {
	return func(l *Local) {
		if n > 0 {
			l.depth = n
		}
	}
}

// WithRunFunc replaces the default task body.
func WithRunFunc(fn RunFunc) Option {
	return func(l *Local) {
		if fn != nil {
			l.run = fn
		}
	}
}

// NewLocal creates an executor. It accepts tasks once started.
func NewLocal(opts ...Option) *Local {
	l := &Local{
		workers:    defaultWorkers,
		depth:      defaultQueueDepth,
		run:        Stamp,
		registered: make(map[uint64]*buffer.Buffer),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start launches the workers. They stop when ctx is cancelled or Close is
// called.
func (l *Local) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return fmt.Errorf("executor already started: %w", status.ErrInvalidOperation)
	}
	l.logger = ctxlog.FromContext(ctx).With("component", "executor")
	ctx, l.cancel = context.WithCancel(ctx)
	l.group, ctx = errgroup.WithContext(ctx)
	l.queues = make([]chan Task, l.workers)
	for i := range l.queues {
		q := make(chan Task, l.depth)
		l.queues[i] = q
		id := i
		l.group.Go(func() error {
			l.worker(ctx, q, id)
			return nil
		})
	}
	l.started = true
	l.closed = false
	l.logger.Debug("Executor started.", "workers", l.workers, "queue_depth", l.depth)
	return nil
}

// Close stops accepting tasks, lets the workers finish what is queued and
// waits for them.
func (l *Local) Close() error {
	l.mu.Lock()
	if !l.started || l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	for _, q := range l.queues {
		close(q)
	}
	group, cancel := l.group, l.cancel
	l.mu.Unlock()

	err := group.Wait()
	cancel()

	l.mu.Lock()
	l.started = false
	l.mu.Unlock()
	return err
}

// RegisterBuffer implements Engine.
func (l *Local) RegisterBuffer(b *buffer.Buffer) error {
	if b == nil {
		return fmt.Errorf("register nil buffer: %w", status.ErrBadValue)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.registered[b.Handle]; ok {
		return fmt.Errorf("buffer %d already registered: %w", b.Handle, status.ErrBadValue)
	}
	l.registered[b.Handle] = b
	return nil
}

// UnregisterBuffer implements Engine.
func (l *Local) UnregisterBuffer(b *buffer.Buffer) error {
	if b == nil {
		return fmt.Errorf("unregister nil buffer: %w", status.ErrBadValue)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.registered[b.Handle]; !ok {
		return fmt.Errorf("buffer %d not registered: %w", b.Handle, status.ErrNotFound)
	}
	delete(l.registered, b.Handle)
	return nil
}

// Registered returns the number of registered buffers.
func (l *Local) Registered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.registered)
}

// AddTask implements Engine.
func (l *Local) AddTask(_ context.Context, t Task) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.started || l.closed {
		return fmt.Errorf("executor is not running: %w", status.ErrNotInitialized)
	}
	for term, b := range t.Terminals {
		if b == nil || !b.HasFlag(buffer.FlagInternal) {
			continue
		}
		if _, ok := l.registered[b.Handle]; !ok {
			return fmt.Errorf("stage %s seq %d: terminal %d uses unregistered buffer %d: %w",
				t.Stage, t.Sequence, term, b.Handle, status.ErrBadValue)
		}
	}

	q := l.queues[l.shard(t)]
	select {
	case q <- t:
		return nil
	default:
		return fmt.Errorf("stage %s seq %d: task queue full: %w", t.Stage, t.Sequence, status.ErrNoMemory)
	}
}

func (l *Local) shard(t Task) int {
	key := uint(t.ResourceID)<<16 | uint(t.ContextID)
	return int(key % uint(len(l.queues)))
}

// Stamp is the default task body: every output buffer takes the task
// sequence, written little-endian into its first bytes.
func Stamp(_ context.Context, t Task) error {
	for _, term := range t.Outputs {
		b := t.Terminals[term]
		if b == nil {
			return fmt.Errorf("stage %s seq %d: output terminal %d unbound: %w",
				t.Stage, t.Sequence, term, status.ErrBadValue)
		}
		b.Sequence = t.Sequence
		if len(b.Data) >= 8 {
			binary.LittleEndian.PutUint64(b.Data, uint64(t.Sequence))
		}
	}
	return nil
}

// SequenceOf reads back the sequence written by Stamp.
func SequenceOf(b *buffer.Buffer) (int64, bool) {
	if b == nil || len(b.Data) < 8 {
		return 0, false
	}
	return int64(binary.LittleEndian.Uint64(b.Data)), true
}
