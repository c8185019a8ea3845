package producer

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/buffer"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/ctxlog"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/status"
)

// DefaultPayloadCap bounds the bytes a simulated frame keeps in memory.
// Buffer.Size still reports the full frame size.
const DefaultPayloadCap = 64 << 10

// Sim is a simulated sensor. Frames are delivered by one goroutine in the
// order they were captured.
type Sim struct {
	interval   time.Duration
	payloadCap int
	now        func() time.Time

	mu       sync.Mutex
	cfg      Config
	pool     *buffer.Pool
	handler  FrameHandler
	frames   chan Frame
	faults   map[int64]error
	running  bool
	wg       sync.WaitGroup
	logger   *slog.Logger
	captured int64
}

// SimOption configures a Sim.
type SimOption func(*Sim)

// WithFrameInterval spaces deliveries by d.
func WithFrameInterval(d time.Duration) SimOption {
	return func(s *Sim) { s.interval = d }
}

// WithPayloadCap sets how many bytes of each frame are kept in memory.
func WithPayloadCap(n int) SimOption {
	return func(s *Sim) {
		if n > 0 {
			s.payloadCap = n
		}
	}
}

// WithClock sets the timestamp source.
func WithClock(now func() time.Time) SimOption {
	return func(s *Sim) { s.now = now }
}

// NewSim creates an unconfigured simulated producer.
func NewSim(opts ...SimOption) *Sim {
	s := &Sim{
		payloadCap: DefaultPayloadCap,
		now:        time.Now,
		faults:     make(map[int64]error),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Configure allocates the raw buffer pool.
func (s *Sim) Configure(cfg Config) error {
	if cfg.Buffers <= 0 || cfg.Resolution.Width <= 0 || cfg.Resolution.Height <= 0 {
		return fmt.Errorf("producer config %s x%d: %w", cfg.Resolution, cfg.Buffers, status.ErrBadValue)
	}
	if !cfg.Format.Known() {
		return fmt.Errorf("producer format %s: %w", cfg.Format, status.ErrBadValue)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("configure a running producer: %w", status.ErrInvalidOperation)
	}

	full := cfg.Format.FrameSize(cfg.Resolution.Width, cfg.Resolution.Height)
	s.cfg = cfg
	s.pool = buffer.NewPool(cfg.Buffers, min(full, s.payloadCap), func(b *buffer.Buffer) {
		b.Size = full
		b.Width = cfg.Resolution.Width
		b.Height = cfg.Resolution.Height
		b.Format = cfg.Format
		b.Stride = cfg.Format.BytesPerLine(cfg.Resolution.Width)
		b.StreamID = -1
	})
	return nil
}

// Config returns the active configuration.
func (s *Sim) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// SetFrameHandler implements Producer.
func (s *Sim) SetFrameHandler(fn FrameHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = fn
}

// Fail makes the capture of seq report err.
func (s *Sim) Fail(seq int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[seq] = err
}

// Start begins delivering frames.
func (s *Sim) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool == nil {
		return fmt.Errorf("start an unconfigured producer: %w", status.ErrNotInitialized)
	}
	if s.running {
		return nil
	}
	s.logger = ctxlog.FromContext(ctx).With("component", "producer")
	s.frames = make(chan Frame, s.pool.Len())
	s.running = true
	s.wg.Add(1)
	go s.deliver(s.frames)
	s.logger.Debug("Producer started.", "resolution", s.cfg.Resolution, "format", s.cfg.Format, "buffers", s.cfg.Buffers)
	return nil
}

// Stop delivers what was already captured and stops.
func (s *Sim) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.frames)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Debug("Producer stopped.", "captured", s.Captured())
	return nil
}

// Capture implements Producer. It fails with NoMemory when every raw buffer
// is in use.
func (s *Sim) Capture(seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return fmt.Errorf("capture seq %d: %w", seq, status.ErrNotInitialized)
	}
	b, ok := s.pool.Get()
	if !ok {
		return fmt.Errorf("capture seq %d: all %d raw buffers in use: %w", seq, s.pool.Len(), status.ErrNoMemory)
	}
	f := Frame{Sequence: seq, Timestamp: s.now(), Buffer: b, Err: s.faults[seq]}
	delete(s.faults, seq)
	b.Sequence = seq
	b.Timestamp = f.Timestamp
	if len(b.Data) >= 8 {
		binary.LittleEndian.PutUint64(b.Data, uint64(seq))
	}
	s.captured++
	// The channel holds one slot per pool buffer, so this never blocks.
	s.frames <- f
	return nil
}

// ReturnBuffer implements Producer.
func (s *Sim) ReturnBuffer(b *buffer.Buffer) error {
	s.mu.Lock()
	pool := s.pool
	s.mu.Unlock()

	if pool == nil || !pool.Owns(b) {
		return fmt.Errorf("return buffer %d: not a producer buffer: %w", b.Handle, status.ErrBadValue)
	}
	if err := pool.Put(b); err != nil {
		return fmt.Errorf("return buffer: %w: %w", err, status.ErrBadValue)
	}
	return nil
}

// Available returns the number of free raw buffers.
func (s *Sim) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool == nil {
		return 0
	}
	return s.pool.Available()
}

// Captured returns the number of frames captured so far.
func (s *Sim) Captured() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captured
}

func (s *Sim) deliver(frames <-chan Frame) {
	defer s.wg.Done()
	for f := range frames {
		if s.interval > 0 {
			time.Sleep(s.interval)
		}
		s.mu.Lock()
		handler := s.handler
		s.mu.Unlock()

		if handler == nil {
			_ = s.ReturnBuffer(f.Buffer)
			continue
		}
		handler(f)
	}
}
