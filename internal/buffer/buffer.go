// Package buffer defines the frame buffer passed between the producer, the
// processing stages and the application, and a fixed-size pool of them.
package buffer

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/stream"
)

// Flags annotate a buffer's content.
type Flags uint32

const (
	FlagNone Flags = 0
	// FlagError marks a frame whose processing failed or was dropped.
	FlagError Flags = 1 << iota
	// FlagInternal marks a buffer allocated by the pipeline rather than the
	// application.
	FlagInternal
)

var nextHandle atomic.Uint64

// NewHandle returns a process-unique memory handle.
func NewHandle() uint64 {
	return nextHandle.Add(1)
}

// Buffer is one frame or metadata memory block.
type Buffer struct {
	Handle    uint64
	Data      []byte
	Size      int
	Flags     Flags
	Sequence  int64
	Timestamp time.Time
	StreamID  int
	Width     int
	Height    int
	Stride    int
	Format    stream.Format
}

// New allocates a buffer of size bytes with a fresh handle.
func New(size int) *Buffer {
	return &Buffer{
		Handle: NewHandle(),
		Data:   make([]byte, size),
		Size:   size,
	}
}

// ForStream allocates a buffer laid out for s.
func ForStream(s stream.Stream) *Buffer {
	size := s.Size
	if size == 0 {
		size = s.Format.FrameSize(s.Width, s.Height)
	}
	b := New(size)
	b.StreamID = s.ID
	b.Width = s.Width
	b.Height = s.Height
	b.Format = s.Format
	b.Stride = s.Stride
	if b.Stride == 0 {
		b.Stride = s.Format.BytesPerLine(s.Width)
	}
	return b
}

// Reset clears per-frame fields so the buffer can be reused.
func (b *Buffer) Reset() {
	b.Flags &^= FlagError
	b.Sequence = 0
	b.Timestamp = time.Time{}
}

// HasFlag reports whether f is set.
func (b *Buffer) HasFlag(f Flags) bool {
	return b.Flags&f != 0
}

func (b *Buffer) String() string {
	return fmt.Sprintf("buffer[%d] seq=%d %dx%d %s", b.Handle, b.Sequence, b.Width, b.Height, b.Format)
}

// Pool is a fixed set of buffers handed out without blocking.
type Pool struct {
	mu    sync.Mutex
	free  []*Buffer
	owned map[uint64]*Buffer
}

// NewPool allocates n buffers of size bytes. init, if non-nil, is applied
// to each buffer once.
func NewPool(n, size int, init func(*Buffer)) *Pool {
	p := &Pool{
		free:  make([]*Buffer, 0, n),
		owned: make(map[uint64]*Buffer, n),
	}
	for range n {
		b := New(size)
		b.Flags |= FlagInternal
		if init != nil {
			init(b)
		}
		p.free = append(p.free, b)
		p.owned[b.Handle] = b
	}
	return p
}

// Get takes a free buffer. It returns false when the pool is exhausted.
func (p *Pool) Get() (*Buffer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return nil, false
	}
	b := p.free[0]
	p.free = p.free[1:]
	return b, true
}

// Put returns a buffer taken with Get.
func (p *Pool) Put(b *Buffer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.owned[b.Handle]; !ok {
		return fmt.Errorf("buffer %d does not belong to this pool", b.Handle)
	}
	for _, f := range p.free {
		if f == b {
			return fmt.Errorf("buffer %d returned twice", b.Handle)
		}
	}
	b.Reset()
	p.free = append(p.free, b)
	return nil
}

// Owns reports whether b was allocated by this pool.
func (p *Pool) Owns(b *Buffer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.owned[b.Handle]
	return ok
}

// Available returns the number of free buffers.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Len returns the pool capacity.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.owned)
}

// Buffers returns every buffer the pool owns, free or not.
func (p *Pool) Buffers() []*Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Buffer, 0, len(p.owned))
	for _, b := range p.owned {
		out = append(out, b)
	}
	return out
}
