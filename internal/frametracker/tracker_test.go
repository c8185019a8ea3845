package frametracker

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestTracker_PoolIsBounded(t *testing.T) {
	tr := New[string](3)
	var infos []*Info[string]
	for fn := range int64(3) {
		info := tr.Create(fn, []int{0}, "req")
		require.NotNil(t, info)
		infos = append(infos, info)
	}
	assert.Nil(t, tr.Create(3, []int{0}, "req"), "the pool is exhausted")
	assert.Zero(t, tr.Available())

	require.True(t, tr.BufferReady(1, 0))
	require.True(t, tr.Recycle(infos[1]))
	info := tr.Create(3, []int{0}, "req")
	require.NotNil(t, info)
	assert.Same(t, infos[1], info, "the freed slot is reused")
	assert.Equal(t, int64(3), info.FrameNumber())
}

func TestTracker_SlotsReusedInQueueOrder(t *testing.T) {
	tr := New[int](4)
	infos := make([]*Info[int], 4)
	for fn := range int64(4) {
		infos[fn] = tr.Create(fn, nil, int(fn))
	}
	tr.Recycle(infos[2])
	tr.Recycle(infos[0])

	assert.Equal(t, 2, tr.Create(10, nil, 0).slot)
	assert.Equal(t, 0, tr.Create(11, nil, 0).slot)
}

func TestTracker_RejectsDuplicateFrameNumber(t *testing.T) {
	tr := New[int](2)
	require.NotNil(t, tr.Create(7, nil, 0))
	assert.Nil(t, tr.Create(7, nil, 0))
	assert.Equal(t, 1, tr.Available())
}

func TestTracker_Completion(t *testing.T) {
	tr := New[string](DefaultCapacity)
	info := tr.Create(5, []int{0, 2}, "capture")
	require.NotNil(t, info)
	assert.Equal(t, "capture", info.Request())

	ts := time.Unix(42, 0)
	require.True(t, tr.SetSequence(5, 100))
	assert.Same(t, info, tr.FindBySequence(100))

	require.True(t, tr.ShutterReady(5, ts))
	assert.Nil(t, tr.RequestComplete(5))
	require.True(t, tr.BufferReady(5, 2))
	assert.False(t, tr.BufferReady(5, 2), "a buffer is returned once")
	assert.False(t, tr.BufferReady(5, 1), "stream 1 has no buffer in this request")
	require.True(t, tr.MetadataReady(5))
	assert.Nil(t, tr.RequestComplete(5))

	st, ok := tr.Status(5)
	require.True(t, ok)
	want := Status{FrameNumber: 5, Sequence: 100, HasSequence: true, Timestamp: ts, Shutter: true, Metadata: true, Pending: []int{0}}
	if diff := cmp.Diff(want, st); diff != "" {
		t.Errorf("Status mismatch (-want +got):\n%s", diff)
	}

	require.True(t, tr.BufferReady(5, 0))
	assert.Same(t, info, tr.RequestComplete(5))

	require.True(t, tr.Recycle(info))
	assert.Nil(t, tr.Find(5))
	assert.Nil(t, tr.FindBySequence(100), "recycling clears the sequence index")
	assert.False(t, tr.ShutterReady(5, ts))
	assert.Nil(t, tr.RequestComplete(5))
	assert.False(t, tr.Recycle(info))
	assert.Equal(t, DefaultCapacity, tr.Available(), "a double recycle is ignored")
}

func TestTracker_RecycleWaitsForBuffers(t *testing.T) {
	tr := New[int](1)
	info := tr.Create(3, []int{0, 1}, 0)
	require.NotNil(t, info)

	assert.False(t, tr.Recycle(info), "both buffers are still out")
	require.True(t, tr.BufferReady(3, 1))
	assert.False(t, tr.Recycle(info), "stream 0 is still out")
	assert.Same(t, info, tr.Find(3))
	assert.Zero(t, tr.Available())

	require.True(t, tr.BufferReady(3, 0))
	assert.True(t, tr.Recycle(info))
	assert.Equal(t, 1, tr.Available())

	// Reset drops requests whatever their buffers.
	require.NotNil(t, tr.Create(4, []int{0}, 0))
	tr.Reset()
	assert.Equal(t, 1, tr.Available())
	assert.Nil(t, tr.Find(4))
}

func TestTracker_SetSequenceRebinds(t *testing.T) {
	tr := New[int](2)
	tr.Create(1, nil, 0)
	require.True(t, tr.SetSequence(1, 10))
	require.True(t, tr.SetSequence(1, 11))
	assert.Nil(t, tr.FindBySequence(10))
	assert.NotNil(t, tr.FindBySequence(11))
	assert.False(t, tr.SetSequence(2, 12))
}

func TestTracker_WaitUnblocksOnRecycle(t *testing.T) {
	tr := New[int](1)
	info := tr.Create(0, nil, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tr.Wait(ctx), context.DeadlineExceeded)

	go tr.Recycle(info)
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	require.NoError(t, tr.Wait(ctx2))
	assert.Equal(t, 1, tr.Available())
}

func TestTracker_Reset(t *testing.T) {
	tr := New[int](3)
	tr.Create(1, []int{0}, 0)
	tr.Create(2, []int{0}, 0)
	tr.SetSequence(2, 7)

	tr.Reset()
	assert.Equal(t, 3, tr.Available())
	assert.Empty(t, tr.InFlight())
	assert.Nil(t, tr.FindBySequence(7))
}

// A request completes exactly when shutter, metadata and every registered
// buffer were reported, whatever the order of the notifications.
func TestTracker_CompletionProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		streams := rapid.SliceOfDistinct(rapid.IntRange(0, 7), rapid.ID[int]).Draw(rt, "streams")
		tr := New[int](1)
		info := tr.Create(1, streams, 0)
		if info == nil {
			rt.Fatal("create failed on an empty pool")
		}

		type step struct {
			kind   int
			stream int
		}
		var steps []step
		steps = append(steps, step{kind: 0}, step{kind: 1})
		for _, s := range streams {
			steps = append(steps, step{kind: 2, stream: s})
		}
		if rapid.Bool().Draw(rt, "stray") {
			steps = append(steps, step{kind: 2, stream: 99})
		}
		order := rapid.Permutation(steps).Draw(rt, "order")
		cut := rapid.IntRange(0, len(order)).Draw(rt, "cut")

		shutter, metadata := false, false
		pending := make(map[int]bool, len(streams))
		for _, s := range streams {
			pending[s] = true
		}
		for _, st := range order[:cut] {
			switch st.kind {
			case 0:
				tr.ShutterReady(1, time.Time{})
				shutter = true
			case 1:
				tr.MetadataReady(1)
				metadata = true
			case 2:
				tr.BufferReady(1, st.stream)
				delete(pending, st.stream)
			}
		}

		want := shutter && metadata && len(pending) == 0
		got := tr.RequestComplete(1) != nil
		if got != want {
			rt.Fatalf("RequestComplete = %v, want %v (shutter=%v metadata=%v pending=%v)", got, want, shutter, metadata, pending)
		}
	})
}

// With capacity K the (K+1)-th concurrent Create fails until a Recycle.
func TestTracker_BoundednessProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		k := rapid.IntRange(1, 16).Draw(rt, "capacity")
		tr := New[int](k)
		infos := make([]*Info[int], 0, k)
		for fn := range k {
			info := tr.Create(int64(fn), nil, fn)
			if info == nil {
				rt.Fatalf("create %d of %d failed", fn, k)
			}
			infos = append(infos, info)
		}
		if tr.Create(int64(k), nil, k) != nil {
			rt.Fatal("create past capacity succeeded")
		}
		victim := rapid.IntRange(0, k-1).Draw(rt, "victim")
		tr.Recycle(infos[victim])
		if tr.Create(int64(k), nil, k) == nil {
			rt.Fatal("create after recycle failed")
		}
	})
}
