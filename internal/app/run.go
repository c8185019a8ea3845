package app

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"go.uber.org/multierr"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/buffer"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/camera"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/eventsink"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/pipeline"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/producer"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/stream"
)

// StreamReport summarizes what one stream delivered.
type StreamReport struct {
	Stream   stream.Stream
	Port     stream.Port
	Frames   int
	Dropped  int
	FirstSeq int64
	LastSeq  int64
}

// Report is the outcome of a capture run.
type Report struct {
	Frames  int
	Streams []StreamReport
	// EventsSent counts events forwarded to the event sink.
	EventsSent uint64
}

func (r *Report) record(c pipeline.Completed, sid int) {
	for i := range r.Streams {
		sr := &r.Streams[i]
		if sr.Stream.ID != sid {
			continue
		}
		if sr.Frames == 0 {
			sr.FirstSeq = c.Sequence
		}
		sr.Frames++
		sr.LastSeq = c.Sequence
		if c.Dropped {
			sr.Dropped++
		}
		return
	}
}

// Write prints the report as an aligned table.
func (r *Report) Write(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Frames\t%d\n", r.Frames)
	if r.EventsSent > 0 {
		fmt.Fprintf(tw, "Events forwarded\t%d\n", r.EventsSent)
	}
	fmt.Fprintln(tw, "\nSTREAM\tSIZE\tFORMAT\tPORT\tFRAMES\tDROPPED\tSEQUENCES")
	for _, s := range r.Streams {
		seqs := "-"
		if s.Frames > 0 {
			seqs = fmt.Sprintf("%d..%d", s.FirstSeq, s.LastSeq)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%d\t%s\n",
			s.Stream.ID, s.Stream.Resolution(), s.Stream.Format, s.Port, s.Frames, s.Dropped, seqs)
	}
	return tw.Flush()
}

// Run opens a simulated camera, captures the configured number of frames and
// writes a per-stream report.
func (a *App) Run(ctx context.Context, opts ...camera.Option) (rep *Report, err error) {
	ctx = a.withLogger(ctx)
	a.logger.Debug("App.Run method started.")

	dev, err := camera.Open(ctx, a.config.CameraID, a.platform, a.catalog, opts...)
	if err != nil {
		return nil, fmt.Errorf("open camera %d: %w", a.config.CameraID, err)
	}
	defer func() {
		err = multierr.Append(err, dev.Close(ctx))
		a.setMetrics(nil)
	}()
	a.setMetrics(dev.Metrics().Handler())

	if a.config.HealthcheckPort > 0 {
		if err := a.startHealthcheckServer(a.config.HealthcheckPort); err != nil {
			return nil, err
		}
		defer func() { err = multierr.Append(err, a.closeHealthcheckServer(ctx)) }()
	} else {
		a.logger.Debug("Health check server not started: disabled")
	}

	var sink *eventsink.Sink
	if a.config.EventSink.URL != "" {
		sock, err := eventsink.Dial(ctx, a.config.EventSink)
		if err != nil {
			return nil, fmt.Errorf("event sink: %w", err)
		}
		defer sock.Disconnect()
		sink = eventsink.New(ctx, sock)
		defer sink.Attach(dev)()
	}

	cfg, err := dev.Configure(ctx, a.streams, a.config.OperationMode)
	if err != nil {
		return nil, fmt.Errorf("configure camera: %w", err)
	}

	rep = &Report{}
	for _, s := range cfg.Streams {
		if s.IsInput() {
			continue
		}
		rep.Streams = append(rep.Streams, StreamReport{Stream: s, Port: cfg.Ports()[s.ID]})
	}

	if a.config.Frames > 0 {
		a.logger.Info("🚀 Starting capture...", "frames", a.config.Frames, "streams", len(rep.Streams))
		err = a.capture(ctx, dev, rep)
		err = multierr.Append(err, dev.Stop(ctx))
		if err != nil {
			return rep, err
		}
		a.logger.Info("🏁 Capture finished.", "frames", rep.Frames)
	}

	if sink != nil {
		rep.EventsSent, _ = sink.Counts()
	}
	return rep, rep.Write(a.outW)
}

// capture keeps up to the stream buffer depth of requests in flight and
// requeues every dequeued buffer set until enough frames were captured.
func (a *App) capture(ctx context.Context, dev *camera.Device, rep *Report) error {
	frames := a.config.Frames
	depth := frames
	for _, sr := range rep.Streams {
		depth = min(depth, sr.Stream.MaxBuffers)
	}

	queued := 0
	for ; queued < depth; queued++ {
		set := make([]*buffer.Buffer, 0, len(rep.Streams))
		for _, sr := range rep.Streams {
			set = append(set, newOutputBuffer(sr.Stream))
		}
		if err := dev.QBuf(ctx, set...); err != nil {
			return fmt.Errorf("queue request %d: %w", queued, err)
		}
	}
	if err := dev.Start(ctx); err != nil {
		return fmt.Errorf("start camera: %w", err)
	}

	for rep.Frames < frames {
		set := make([]*buffer.Buffer, 0, len(rep.Streams))
		for _, sr := range rep.Streams {
			c, err := dev.DQBuf(ctx, sr.Stream.ID)
			if err != nil {
				return fmt.Errorf("dequeue frame %d of stream %d: %w", rep.Frames, sr.Stream.ID, err)
			}
			rep.record(c, sr.Stream.ID)
			set = append(set, c.Buffer)
		}
		rep.Frames++
		if queued < frames {
			if err := dev.QBuf(ctx, set...); err != nil {
				return fmt.Errorf("requeue request %d: %w", queued, err)
			}
			queued++
		}
	}
	return nil
}

// newOutputBuffer describes a full frame of s while keeping at most
// producer.DefaultPayloadCap bytes of it in memory.
func newOutputBuffer(s stream.Stream) *buffer.Buffer {
	b := buffer.New(min(s.Size, producer.DefaultPayloadCap))
	b.Size = s.Size
	b.StreamID = s.ID
	b.Width = s.Width
	b.Height = s.Height
	b.Stride = s.Stride
	b.Format = s.Format
	return b
}
