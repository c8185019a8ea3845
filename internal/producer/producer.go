// Package producer is the capture side of the pipeline: it fills raw sensor
// buffers for requested sequences and hands them to the processing stages.
package producer

import (
	"context"
	"time"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/buffer"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/stream"
)

// Config is the sensor output the pipeline is built on.
type Config struct {
	Resolution stream.Resolution
	Format     stream.Format
	Buffers    int
}

// Frame is one captured raw frame. Err is set when the capture failed; the
// buffer still has to be returned.
type Frame struct {
	Sequence  int64
	Timestamp time.Time
	Buffer    *buffer.Buffer
	Err       error
}

// FrameHandler receives captured frames in capture order.
type FrameHandler func(f Frame)

// Producer captures raw frames.
type Producer interface {
	Configure(cfg Config) error
	Start(ctx context.Context) error
	Stop() error
	// Capture requests the frame for seq without blocking.
	Capture(seq int64) error
	// ReturnBuffer gives a delivered buffer back to the producer.
	ReturnBuffer(b *buffer.Buffer) error
	SetFrameHandler(fn FrameHandler)
}
