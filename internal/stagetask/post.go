package stagetask

import (
	"context"
	"fmt"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/buffer"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/graphselect"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/status"
)

// PostProcessor adapts one hardware output to the streams of a post stage.
// outs holds the application buffers present for this frame, keyed by
// stream id; outputs of the post stage missing from outs are skipped.
type PostProcessor interface {
	Process(ctx context.Context, ps graphselect.PostStage, in *buffer.Buffer, outs map[int]*buffer.Buffer) error
}

// CopyProcessor is the software post stage: every output receives the
// input's payload prefix, sequence and timestamp. Encoded outputs report the
// copied length as their size.
type CopyProcessor struct{}

// Process implements PostProcessor.
func (CopyProcessor) Process(_ context.Context, ps graphselect.PostStage, in *buffer.Buffer, outs map[int]*buffer.Buffer) error {
	if in == nil {
		return fmt.Errorf("post stage %d: no input: %w", ps.Index, status.ErrBadValue)
	}
	for _, o := range ps.Outputs {
		out, ok := outs[o.StreamID]
		if !ok {
			continue
		}
		if out == nil {
			return fmt.Errorf("post stage %d: stream %d has no buffer: %w", ps.Index, o.StreamID, status.ErrBadValue)
		}
		n := copyFrame(out, in)
		if o.Ops.Has(graphselect.OpEncode) {
			out.Size = n
		}
	}
	return nil
}

// copyFrame copies src's payload and frame identity into dst.
func copyFrame(dst, src *buffer.Buffer) int {
	n := copy(dst.Data, src.Data)
	dst.Sequence = src.Sequence
	dst.Timestamp = src.Timestamp
	if src.HasFlag(buffer.FlagError) {
		dst.Flags |= buffer.FlagError
	}
	return n
}
