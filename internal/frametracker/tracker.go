// Package frametracker follows capture requests from admission to
// completion. A request completes once its shutter and metadata were
// delivered and every one of its output buffers came back; only then may its
// slot be recycled.
package frametracker

import (
	"context"
	"slices"
	"sync"
	"time"
)

// DefaultCapacity is the pool size used when none is given.
const DefaultCapacity = 10

// Info is the in-flight state of one request. Its fields are owned by the
// Tracker; read them through its methods.
type Info[R any] struct {
	slot        int
	frameNumber int64
	request     R
	sequence    int64
	hasSequence bool
	timestamp   time.Time
	pending     map[int]bool
	shutter     bool
	metadata    bool
	inUse       bool
}

// FrameNumber returns the frame number of the request. It does not change
// while the slot is in use.
func (i *Info[R]) FrameNumber() int64 { return i.frameNumber }

// Request returns the request the slot was created for.
func (i *Info[R]) Request() R { return i.request }

// Status is a snapshot of a request's progress.
type Status struct {
	FrameNumber int64
	Sequence    int64
	HasSequence bool
	Timestamp   time.Time
	Shutter     bool
	Metadata    bool
	Pending     []int
}

// Tracker is a fixed pool of request slots reused in queue order.
type Tracker[R any] struct {
	mu    sync.Mutex
	slots []*Info[R]
	free  []int
	byFN  map[int64]*Info[R]
	bySeq map[int64]*Info[R]
	freed chan struct{}
}

// New creates a tracker with capacity slots.
func New[R any](capacity int) *Tracker[R] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	t := &Tracker[R]{
		slots: make([]*Info[R], capacity),
		free:  make([]int, 0, capacity),
		byFN:  make(map[int64]*Info[R], capacity),
		bySeq: make(map[int64]*Info[R], capacity),
		freed: make(chan struct{}, 1),
	}
	for i := range t.slots {
		t.slots[i] = &Info[R]{slot: i}
		t.free = append(t.free, i)
	}
	return t
}

// Create takes the oldest free slot for a request whose output buffers go
// to streams. It returns nil when the pool is exhausted or the frame number
// is already in flight.
func (t *Tracker[R]) Create(frameNumber int64, streams []int, req R) *Info[R] {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.free) == 0 {
		return nil
	}
	if _, dup := t.byFN[frameNumber]; dup {
		return nil
	}
	idx := t.free[0]
	t.free = t.free[1:]

	info := t.slots[idx]
	info.frameNumber = frameNumber
	info.request = req
	info.sequence = 0
	info.hasSequence = false
	info.timestamp = time.Time{}
	info.shutter = false
	info.metadata = false
	info.pending = make(map[int]bool, len(streams))
	for _, s := range streams {
		info.pending[s] = true
	}
	info.inUse = true
	t.byFN[frameNumber] = info
	return info
}

// Recycle returns the slot of info to the pool and drops it from every
// index. It refuses, returning false, while an output buffer of the request
// is still out; Reset is the only way to drop such a request. Recycling a
// slot that is not in use does nothing.
func (t *Tracker[R]) Recycle(info *Info[R]) bool {
	if info == nil {
		return false
	}
	t.mu.Lock()
	if !info.inUse || t.slots[info.slot] != info || len(info.pending) > 0 {
		t.mu.Unlock()
		return false
	}
	t.releaseLocked(info)
	t.mu.Unlock()

	select {
	case t.freed <- struct{}{}:
	default:
	}
	return true
}

func (t *Tracker[R]) releaseLocked(info *Info[R]) {
	if t.byFN[info.frameNumber] == info {
		delete(t.byFN, info.frameNumber)
	}
	if info.hasSequence && t.bySeq[info.sequence] == info {
		delete(t.bySeq, info.sequence)
	}
	var zero R
	info.request = zero
	info.pending = nil
	info.inUse = false
	t.free = append(t.free, info.slot)
}

// Wait blocks until a slot is free or ctx is done. It serves a single
// admitting goroutine.
func (t *Tracker[R]) Wait(ctx context.Context) error {
	for {
		if t.Available() > 0 {
			return nil
		}
		select {
		case <-t.freed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Find returns the in-flight request with frameNumber, or nil.
func (t *Tracker[R]) Find(frameNumber int64) *Info[R] {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byFN[frameNumber]
}

// FindBySequence returns the in-flight request bound to seq, or nil.
func (t *Tracker[R]) FindBySequence(seq int64) *Info[R] {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bySeq[seq]
}

// SetSequence binds the pipeline sequence of a request. It reports whether
// the frame was found.
func (t *Tracker[R]) SetSequence(frameNumber, seq int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, ok := t.byFN[frameNumber]
	if !ok {
		return false
	}
	if info.hasSequence && t.bySeq[info.sequence] == info {
		delete(t.bySeq, info.sequence)
	}
	info.sequence = seq
	info.hasSequence = true
	t.bySeq[seq] = info
	return true
}

// ShutterReady records the start of exposure.
func (t *Tracker[R]) ShutterReady(frameNumber int64, ts time.Time) bool {
	return t.update(frameNumber, func(i *Info[R]) {
		i.shutter = true
		i.timestamp = ts
	})
}

// MetadataReady records the delivery of the result metadata.
func (t *Tracker[R]) MetadataReady(frameNumber int64) bool {
	return t.update(frameNumber, func(i *Info[R]) { i.metadata = true })
}

// BufferReady records the return of the output buffer of stream. It reports
// false when the frame is unknown or had no pending buffer for stream.
func (t *Tracker[R]) BufferReady(frameNumber int64, stream int) bool {
	found := false
	t.update(frameNumber, func(i *Info[R]) {
		found = i.pending[stream]
		delete(i.pending, stream)
	})
	return found
}

func (t *Tracker[R]) update(frameNumber int64, fn func(*Info[R])) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.byFN[frameNumber]
	if !ok {
		return false
	}
	fn(info)
	return true
}

// RequestComplete returns the request when its shutter and metadata were
// delivered and no output buffer is pending, and nil otherwise.
func (t *Tracker[R]) RequestComplete(frameNumber int64) *Info[R] {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.byFN[frameNumber]
	if !ok || !info.shutter || !info.metadata || len(info.pending) > 0 {
		return nil
	}
	return info
}

// Status returns a snapshot of the progress of frameNumber.
func (t *Tracker[R]) Status(frameNumber int64) (Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.byFN[frameNumber]
	if !ok {
		return Status{}, false
	}
	pending := make([]int, 0, len(info.pending))
	for s := range info.pending {
		pending = append(pending, s)
	}
	slices.Sort(pending)
	return Status{
		FrameNumber: info.frameNumber,
		Sequence:    info.sequence,
		HasSequence: info.hasSequence,
		Timestamp:   info.timestamp,
		Shutter:     info.shutter,
		Metadata:    info.metadata,
		Pending:     pending,
	}, true
}

// InFlight returns the frame numbers in use, in ascending order.
func (t *Tracker[R]) InFlight() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int64, 0, len(t.byFN))
	for fn := range t.byFN {
		out = append(out, fn)
	}
	slices.Sort(out)
	return out
}

// Available returns the number of free slots.
func (t *Tracker[R]) Available() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.free)
}

// Capacity returns the pool size.
func (t *Tracker[R]) Capacity() int {
	return len(t.slots)
}

// Reset recycles every slot.
func (t *Tracker[R]) Reset() {
	t.mu.Lock()
	for _, info := range t.slots {
		if info.inUse {
			t.releaseLocked(info)
		}
	}
	t.mu.Unlock()

	select {
	case t.freed <- struct{}{}:
	default:
	}
}
