package executor

import (
	"context"
	"fmt"
)

// worker is the processing loop of one queue.
func (l *Local) worker(ctx context.Context, queue <-chan Task, workerID int) {
	logger := l.logger.With("workerID", workerID)
	logger.Debug("Worker started.")

	for t := range queue {
		taskLogger := logger.With("stage", t.Stage, "seq", t.Sequence)

		if ctx.Err() != nil {
			taskLogger.Debug("Task abandoned, executor is shutting down.")
			l.finish(t, fmt.Errorf("stage %s seq %d: %w", t.Stage, t.Sequence, ctx.Err()))
			continue
		}

		err := l.run(ctx, t)
		if err != nil {
			taskLogger.Error("Task execution failed.", "error", err)
		} else {
			taskLogger.Debug("Task execution succeeded.")
		}
		l.finish(t, err)
	}
	logger.Debug("Worker finished.")
}

func (l *Local) finish(t Task, err error) {
	if t.Done != nil {
		t.Done(t.Sequence, err)
	}
}
