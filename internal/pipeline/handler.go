package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/buffer"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/graphselect"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/status"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/stream"
)

// Source is what a stream handler is bound to.
type Source int

const (
	// SourceProducer streams are the raw sensor output.
	SourceProducer Source = iota
	// SourcePostProcessor streams go through the processing stages.
	SourcePostProcessor
)

func (s Source) String() string {
	if s == SourceProducer {
		return "producer"
	}
	return "post-processor"
}

// Completed is one buffer handed back to the application.
type Completed struct {
	Buffer      *buffer.Buffer
	FrameNumber int64
	Sequence    int64
	// Dropped buffers carry no valid image.
	Dropped bool
}

// StreamHandler holds the application buffers of one stream: those queued
// for upcoming requests and those completed and waiting to be dequeued.
type StreamHandler struct {
	stream  stream.Stream
	binding graphselect.Binding
	source  Source
	wait    time.Duration
	retries int
	logger  *slog.Logger

	mu       sync.Mutex
	queued   []*buffer.Buffer
	inFlight int
	ready    []Completed
	stopped  bool
	signal   chan struct{}
}

func newStreamHandler(s stream.Stream, b graphselect.Binding, src Source, wait time.Duration, retries int, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{
		stream:  s,
		binding: b,
		source:  src,
		wait:    wait,
		retries: retries,
		logger:  logger.With("stream", s.ID, "port", int(b.Port)),
		signal:  make(chan struct{}),
	}
}

// Stream returns the configured stream.
func (h *StreamHandler) Stream() stream.Stream { return h.stream }

// Binding returns where the stream is served from.
func (h *StreamHandler) Binding() graphselect.Binding { return h.binding }

// Port returns the port of the stream.
func (h *StreamHandler) Port() stream.Port { return h.binding.Port }

// Source returns what the stream is bound to.
func (h *StreamHandler) Source() Source { return h.source }

// Queue adds an application buffer for an upcoming request. At most
// MaxBuffers buffers of a stream are held at a time.
func (h *StreamHandler) Queue(b *buffer.Buffer) error {
	if b == nil {
		return fmt.Errorf("stream %d: nil buffer: %w", h.stream.ID, status.ErrBadValue)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return fmt.Errorf("stream %d is stopped: %w", h.stream.ID, status.ErrNotInitialized)
	}
	if held := len(h.queued) + h.inFlight + len(h.ready); held >= h.stream.MaxBuffers {
		return fmt.Errorf("stream %d already holds %d buffers: %w", h.stream.ID, held, status.ErrBadValue)
	}
	if h.stream.Size > 0 && b.Size > 0 && b.Size < h.stream.Size {
		return fmt.Errorf("stream %d: buffer of %d bytes for frames of %d: %w", h.stream.ID, b.Size, h.stream.Size, status.ErrBadValue)
	}
	b.StreamID = h.stream.ID
	b.Flags &^= buffer.FlagError
	h.queued = append(h.queued, b)
	return nil
}

// Take removes the oldest queued buffer for a request.
func (h *StreamHandler) Take() (*buffer.Buffer, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.queued) == 0 || h.stopped {
		return nil, false
	}
	b := h.queued[0]
	h.queued = h.queued[1:]
	h.inFlight++
	return b, true
}

// Withdraw removes b from the queue if it was not taken yet.
func (h *StreamHandler) Withdraw(b *buffer.Buffer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, q := range h.queued {
		if q == b {
			h.queued = append(h.queued[:i], h.queued[i+1:]...)
			return true
		}
	}
	return false
}

// Queued returns the number of buffers waiting for a request.
func (h *StreamHandler) Queued() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queued)
}

// Complete makes a buffer taken for a request available to Dequeue.
func (h *StreamHandler) Complete(c Completed) {
	h.mu.Lock()
	if h.inFlight > 0 {
		h.inFlight--
	}
	h.ready = append(h.ready, c)
	h.broadcastLocked()
	h.mu.Unlock()
}

func (h *StreamHandler) broadcastLocked() {
	close(h.signal)
	h.signal = make(chan struct{})
}

// Dequeue returns the oldest completed buffer. It waits up to the dequeue
// timeout, retrying a bounded number of times, and fails with Timeout when
// nothing completed. A stopped handler fails with NotInitialized, also when
// the stop happens during the wait.
func (h *StreamHandler) Dequeue(ctx context.Context) (Completed, error) {
	attempts := 0
	for {
		h.mu.Lock()
		if len(h.ready) > 0 {
			c := h.ready[0]
			h.ready = h.ready[1:]
			h.mu.Unlock()
			return c, nil
		}
		if h.stopped {
			h.mu.Unlock()
			return Completed{}, fmt.Errorf("dequeue stream %d: %w", h.stream.ID, status.ErrNotInitialized)
		}
		signal := h.signal
		h.mu.Unlock()

		if attempts > h.retries {
			return Completed{}, fmt.Errorf("dequeue stream %d after %d waits of %s: %w", h.stream.ID, attempts, h.wait, status.ErrTimeout)
		}
		timer := time.NewTimer(h.wait)
		select {
		case <-signal:
			timer.Stop()
		case <-timer.C:
			attempts++
			h.logger.Debug("Dequeue wait timed out, retrying.", "attempt", attempts)
		case <-ctx.Done():
			timer.Stop()
			return Completed{}, fmt.Errorf("dequeue stream %d: %w", h.stream.ID, ctx.Err())
		}
	}
}

// Stop fails pending and future dequeues with NotInitialized.
func (h *StreamHandler) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	h.broadcastLocked()
}

// Drain removes every buffer the handler still holds, queued ones first.
// Buffers of requests in flight are not included.
func (h *StreamHandler) Drain() []*buffer.Buffer {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*buffer.Buffer, 0, len(h.queued)+len(h.ready))
	out = append(out, h.queued...)
	for _, c := range h.ready {
		out = append(out, c.Buffer)
	}
	h.queued = nil
	h.ready = nil
	return out
}
