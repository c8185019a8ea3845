package app

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/graphselect"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/pipeline"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/producer"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/stream"
)

// Plan is the outcome of a dry-run configuration.
type Plan struct {
	Streams        []stream.Stream
	Result         *graphselect.Result
	Producer       producer.Config
	PostProcessing bool
}

// Graph resolves the configured streams without opening a camera and writes
// the resulting plan to the report writer.
func (a *App) Graph(ctx context.Context) (*Plan, error) {
	ctx = a.withLogger(ctx)

	streams, err := pipeline.ValidateStreams(a.platform, a.streams)
	if err != nil {
		return nil, fmt.Errorf("invalid stream set: %w", err)
	}
	res, err := graphselect.New(a.catalog, a.platform).Select(ctx, streams, a.config.OperationMode)
	if err != nil {
		return nil, fmt.Errorf("graph selection failed: %w", err)
	}
	prod := pipeline.ChooseProducer(a.platform, streams)
	plan := &Plan{
		Streams:        streams,
		Result:         res,
		Producer:       prod,
		PostProcessing: pipeline.NeedsPostProcessing(a.platform, prod, streams),
	}
	a.logger.Info("Graph selected.",
		"video_graph", res.VideoGraph,
		"still_graph", res.StillGraph,
		"stages", len(res.Nodes),
		"post_stages", len(res.PostStages),
	)
	return plan, plan.Write(a.outW)
}

// Write prints the plan as aligned tables.
func (p *Plan) Write(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "Producer\t%s %s, %d buffers\n", p.Producer.Resolution, p.Producer.Format, p.Producer.Buffers)
	fmt.Fprintf(tw, "Post processing\t%t\n", p.PostProcessing)
	fmt.Fprintf(tw, "Graphs\tvideo=%d still=%d\n\n", p.Result.VideoGraph, p.Result.StillGraph)

	fmt.Fprintln(tw, "STREAM\tSIZE\tFORMAT\tUSAGE\tPORT\tSINK\tPOST\tLISTENER")
	for _, s := range p.Streams {
		b, ok := p.Result.Binding(s.ID)
		if !ok {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t-\t-\t-\t-\n", s.ID, s.Resolution(), s.Format, s.Usage)
			continue
		}
		sink := "-"
		if b.Sink >= 0 && b.Sink < len(p.Result.Sinks) {
			sk := p.Result.Sinks[b.Sink]
			sink = fmt.Sprintf("%s %s", sk.Name, sk.Resolution)
		}
		post := "-"
		if b.PostStage >= 0 {
			post = fmt.Sprintf("post[%d]", b.PostStage)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s\t%t\n",
			s.ID, s.Resolution(), s.Format, s.Usage, b.Port, sink, post, b.Listener)
	}

	fmt.Fprintln(tw, "\nSTAGE\tPIPE\tGRAPH\tRESOURCE\tCONTEXT\tKERNELS")
	for _, n := range p.Result.Nodes {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\n", n.Name, n.Pipe, n.GraphID, n.ResourceID, n.ContextID, len(n.Kernels))
	}

	if len(p.Result.PostStages) > 0 {
		fmt.Fprintln(tw, "\nPOST STAGE\tINPUT\tENGINE\tOUTPUTS")
		for _, ps := range p.Result.PostStages {
			outs := ""
			for i, o := range ps.Outputs {
				if i > 0 {
					outs += ", "
				}
				outs += fmt.Sprintf("stream %d %s %s (%s)", o.StreamID, o.Resolution, o.Format, o.Ops)
			}
			fmt.Fprintf(tw, "post[%d]\t%s %s\t%s\t%s\n", ps.Index, ps.Input, ps.InputFormat, ps.Engine, outs)
		}
	}
	return tw.Flush()
}
