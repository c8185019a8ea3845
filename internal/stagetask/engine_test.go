package stagetask

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/buffer"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/executor"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/graphselect"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/status"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/testutil"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/topologystore"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/tuning"
)

const testPayloadCap = 4096

type outputEvent struct {
	seq     int64
	dropped bool
}

type collector struct {
	mu      sync.Mutex
	outputs map[int][]outputEvent
	frames  []int64
	errs    map[int64]error
	stats   map[string]int
	sources []int64
	done    chan int64
}

func newCollector() *collector {
	return &collector{
		outputs: make(map[int][]outputEvent),
		errs:    make(map[int64]error),
		stats:   make(map[string]int),
		done:    make(chan int64, 64),
	}
}

func (c *collector) listener() Listener {
	return Listener{
		Output: func(seq int64, sid int, _ *buffer.Buffer, dropped bool) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.outputs[sid] = append(c.outputs[sid], outputEvent{seq, dropped})
		},
		Stats: func(_ int64, stage string, _ tuning.Stats) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.stats[stage]++
		},
		FrameProcessed: func(seq int64) {
			c.mu.Lock()
			c.frames = append(c.frames, seq)
			c.mu.Unlock()
			c.done <- seq
		},
		Error: func(seq int64, err error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.errs[seq] = err
		},
		ReleaseSource: func(seq int64, _ *buffer.Buffer) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.sources = append(c.sources, seq)
		},
	}
}

func (c *collector) waitFrames(t *testing.T, n int) {
	t.Helper()
	for range n {
		select {
		case <-c.done:
		case <-time.After(2 * time.Second):
			t.Fatal("frame not processed in time")
		}
	}
}

func (c *collector) seqs(sid int) []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int64, 0, len(c.outputs[sid]))
	for _, ev := range c.outputs[sid] {
		out = append(out, ev.seq)
	}
	return out
}

type engineFixture struct {
	engine *Engine
	exec   *executor.Local
	tuning *tuning.Store
	col    *collector
	ctx    context.Context
}

func newEngineFixture(t *testing.T, specs []string, opts Options, execOpts ...executor.Option) *engineFixture {
	t.Helper()
	ctx, _ := testutil.Context(t)
	sel := graphselect.New(testutil.Catalog(t), testutil.Platform(t, nil))
	res, err := sel.Select(ctx, testutil.Streams(t, specs...), 0)
	require.NoError(t, err)

	exec := executor.NewLocal(execOpts...)
	require.NoError(t, exec.Start(ctx))
	t.Cleanup(func() { _ = exec.Close() })

	store := tuning.NewStore(16)
	for _, n := range res.Nodes {
		for _, term := range n.Terminals {
			if term.Kind == topologystore.TerminalParamIn {
				require.NoError(t, store.Register(n.ResourceID, n.ContextID, n.Kernels, term.ID))
			}
		}
	}

	if opts.PayloadCap == 0 {
		opts.PayloadCap = testPayloadCap
	}
	col := newCollector()
	e, err := NewEngine(ctx, res, Deps{Executor: exec, Tuning: store}, opts, col.listener())
	require.NoError(t, err)
	return &engineFixture{engine: e, exec: exec, tuning: store, col: col, ctx: ctx}
}

func (f *engineFixture) frame(t *testing.T, seq int64, app map[int]*buffer.Buffer) {
	t.Helper()
	f.tuning.Prepare(seq, nil)
	require.NoError(t, f.engine.Enqueue(seq, app))
	require.NoError(t, f.engine.Feed(seq, buffer.New(64)))
}

func (f *engineFixture) assertPoolsReturned(t *testing.T) {
	t.Helper()
	for key, r := range f.engine.routes {
		if r.pool != nil {
			assert.Equal(t, r.pool.Len(), r.pool.Available(), "pool of node %d terminal %d", key.node, key.terminal)
		}
	}
}

func TestEngine_RoundTrip(t *testing.T) {
	f := newEngineFixture(t, []string{"1920x1080:NV12:preview"}, Options{})
	require.NoError(t, f.engine.Start(f.ctx))

	apps := make([]*buffer.Buffer, 6)
	for seq := range int64(6) {
		apps[seq] = buffer.New(testPayloadCap)
		f.frame(t, seq, map[int]*buffer.Buffer{0: apps[seq]})
	}
	f.col.waitFrames(t, 6)

	want := []int64{0, 1, 2, 3, 4, 5}
	assert.Equal(t, want, f.col.seqs(0))
	for seq, b := range apps {
		got, ok := executor.SequenceOf(b)
		require.True(t, ok)
		assert.Equal(t, int64(seq), got)
		assert.False(t, b.HasFlag(buffer.FlagError))
	}

	f.col.mu.Lock()
	assert.Equal(t, want, f.col.frames)
	assert.ElementsMatch(t, want, f.col.sources)
	assert.Equal(t, 6, f.col.stats["lbff[0]"])
	assert.Empty(t, f.col.errs)
	f.col.mu.Unlock()

	assert.Zero(t, f.engine.PendingCount())
	assert.Zero(t, f.engine.FramesInFlight())
	f.assertPoolsReturned(t)

	require.NoError(t, f.engine.Stop(f.ctx))
	require.NoError(t, f.engine.Teardown())
	assert.Zero(t, f.exec.Registered())
}

func TestEngine_ReordersOutOfOrderFeeds(t *testing.T) {
	f := newEngineFixture(t, []string{"1920x1080:NV12:preview"}, Options{})
	require.NoError(t, f.engine.Start(f.ctx))

	for seq := range int64(3) {
		f.tuning.Prepare(seq, nil)
		require.NoError(t, f.engine.Enqueue(seq, map[int]*buffer.Buffer{0: buffer.New(testPayloadCap)}))
	}
	for _, seq := range []int64{2, 1, 0} {
		require.NoError(t, f.engine.Feed(seq, buffer.New(64)))
	}
	f.col.waitFrames(t, 3)

	assert.Equal(t, []int64{0, 1, 2}, f.col.seqs(0))
	f.col.mu.Lock()
	defer f.col.mu.Unlock()
	assert.Equal(t, []int64{0, 1, 2}, f.col.frames)
}

func TestEngine_PostStage(t *testing.T) {
	f := newEngineFixture(t, []string{"1920x1080:NV12:preview", "1280x720:NV12:video"}, Options{})
	require.NoError(t, f.engine.Start(f.ctx))

	preview, video := buffer.New(testPayloadCap), buffer.New(testPayloadCap)
	f.frame(t, 0, map[int]*buffer.Buffer{0: preview, 1: video})
	onlyVideo := buffer.New(testPayloadCap)
	f.frame(t, 1, map[int]*buffer.Buffer{1: onlyVideo})
	f.col.waitFrames(t, 2)

	assert.Equal(t, []int64{0}, f.col.seqs(0))
	assert.Equal(t, []int64{0, 1}, f.col.seqs(1))
	for seq, b := range []*buffer.Buffer{video, onlyVideo} {
		got, ok := executor.SequenceOf(b)
		require.True(t, ok)
		assert.Equal(t, int64(seq), got, "the listener receives the hardware output")
		assert.Equal(t, int64(seq), b.Sequence)
	}
	f.assertPoolsReturned(t)
	require.NoError(t, f.engine.Stop(f.ctx))
}

func TestEngine_PassThroughFrame(t *testing.T) {
	f := newEngineFixture(t, []string{"1920x1080:NV12:preview"}, Options{})
	require.NoError(t, f.engine.Start(f.ctx))

	f.frame(t, 0, nil)
	f.col.waitFrames(t, 1)

	f.col.mu.Lock()
	defer f.col.mu.Unlock()
	assert.Equal(t, []int64{0}, f.col.sources)
	assert.Empty(t, f.col.outputs)
	assert.Zero(t, f.col.stats["lbff[0]"], "only the capture stage was scheduled")
}

func TestEngine_TaskFailureDropsOutput(t *testing.T) {
	run := func(ctx context.Context, task executor.Task) error {
		if task.Stage == "lbff[0]" && task.Sequence == 1 {
			return errors.New("processing fault")
		}
		return executor.Stamp(ctx, task)
	}
	f := newEngineFixture(t, []string{"1920x1080:NV12:preview"}, Options{}, executor.WithRunFunc(run))
	require.NoError(t, f.engine.Start(f.ctx))

	for seq := range int64(3) {
		f.frame(t, seq, map[int]*buffer.Buffer{0: buffer.New(testPayloadCap)})
	}
	f.col.waitFrames(t, 3)

	f.col.mu.Lock()
	defer f.col.mu.Unlock()
	assert.Equal(t, []outputEvent{{0, false}, {1, true}, {2, false}}, f.col.outputs[0])
	require.Contains(t, f.col.errs, int64(1))
	assert.ErrorContains(t, f.col.errs[1], "processing fault")
	assert.Equal(t, []int64{0, 1, 2}, f.col.frames)
}

func TestEngine_PoolExhaustion(t *testing.T) {
	f := newEngineFixture(t, []string{"1920x1080:NV12:preview"}, Options{IntermediateBuffers: 1})
	require.NoError(t, f.engine.Start(f.ctx))

	held := buffer.New(testPayloadCap)
	require.NoError(t, f.engine.Enqueue(0, map[int]*buffer.Buffer{0: held}))
	err := f.engine.Enqueue(1, map[int]*buffer.Buffer{0: buffer.New(testPayloadCap)})
	assert.ErrorIs(t, err, status.ErrNoMemory)
	assert.Equal(t, 1, f.engine.FramesInFlight())

	require.NoError(t, f.engine.Stop(f.ctx))
	assert.Zero(t, f.engine.FramesInFlight())
	assert.True(t, held.HasFlag(buffer.FlagError))
	f.assertPoolsReturned(t)

	f.col.mu.Lock()
	defer f.col.mu.Unlock()
	assert.Equal(t, []outputEvent{{0, true}}, f.col.outputs[0])
	assert.Equal(t, []int64{0}, f.col.frames)
}

func TestEngine_RejectsBadFrames(t *testing.T) {
	f := newEngineFixture(t, []string{"1920x1080:NV12:preview"}, Options{})

	err := f.engine.Enqueue(0, nil)
	assert.ErrorIs(t, err, status.ErrNotInitialized)

	require.NoError(t, f.engine.Start(f.ctx))
	assert.ErrorIs(t, f.engine.Start(f.ctx), status.ErrInvalidOperation)

	err = f.engine.Enqueue(0, map[int]*buffer.Buffer{7: buffer.New(8)})
	assert.ErrorIs(t, err, status.ErrBadValue)

	require.NoError(t, f.engine.Enqueue(0, nil))
	assert.ErrorIs(t, f.engine.Enqueue(0, nil), status.ErrBadValue)

	assert.ErrorIs(t, f.engine.Feed(9, buffer.New(8)), status.ErrNotFound)
	require.NoError(t, f.engine.Feed(0, buffer.New(8)))
	f.col.waitFrames(t, 1)

	require.NoError(t, f.engine.Stop(f.ctx))
	assert.ErrorIs(t, f.engine.Enqueue(1, nil), status.ErrNotInitialized)
}

func TestNewEngine_NeedsCollaborators(t *testing.T) {
	ctx, _ := testutil.Context(t)
	_, err := NewEngine(ctx, &graphselect.Result{}, Deps{}, Options{}, Listener{})
	assert.ErrorIs(t, err, status.ErrBadValue)
}
