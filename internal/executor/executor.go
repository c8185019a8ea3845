// Package executor runs stage tasks on behalf of the stage task engine. It is
// the software stand-in for the processing hardware: buffers are registered
// once per configuration, and each task maps terminal ids to buffers and
// completes asynchronously through its Done callback.
package executor

import (
	"context"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/buffer"
)

// Task is one stage execution for one frame.
type Task struct {
	Stage      string
	ResourceID int
	ContextID  int
	Sequence   int64
	// Terminals maps terminal ids to the buffers bound for this frame.
	Terminals map[int]*buffer.Buffer
	// Outputs lists the terminal ids the task writes.
	Outputs []int
	// Done is called exactly once, from a worker goroutine, when the task
	// finished or was abandoned.
	Done func(seq int64, err error)
}

// Engine accepts stage tasks.
type Engine interface {
	// RegisterBuffer makes a pipeline-allocated buffer usable by tasks.
	RegisterBuffer(b *buffer.Buffer) error
	// UnregisterBuffer releases a registration.
	UnregisterBuffer(b *buffer.Buffer) error
	// AddTask queues t without blocking. It fails with a NoMemory status when
	// the queue for t's stage is full.
	AddTask(ctx context.Context, t Task) error
}

// RunFunc performs the work of one task.
type RunFunc func(ctx context.Context, t Task) error
