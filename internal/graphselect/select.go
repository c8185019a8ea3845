package graphselect

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/config"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/ctxlog"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/portuid"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/status"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/stream"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/topologystore"
)

const tracerName = "github.com/sujimmy/ipu7-camera-hal-sub001/internal/graphselect"

// Selector resolves stream sets against a topology catalog. It remembers the
// last topology resolved per operation mode.
type Selector struct {
	store    topologystore.Store
	platform *config.Platform
	policy   Policy
	tracer   trace.Tracer

	mu   sync.Mutex
	last map[int]*Result
}

// Option configures a Selector.
type Option func(*Selector)

// WithPolicy overrides the post stage policy taken from the platform.
func WithPolicy(p Policy) Option {
	return func(s *Selector) { s.policy = p }
}

// WithTracer sets the tracer used for selection spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Selector) { s.tracer = t }
}

// New creates a Selector over store for the given platform.
func New(store topologystore.Store, platform *config.Platform, opts ...Option) *Selector {
	s := &Selector{
		store:    store,
		platform: platform,
		policy:   PolicyFromPlatform(platform),
		tracer:   otel.Tracer(tracerName),
		last:     make(map[int]*Result),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Last returns the topology most recently resolved for opMode.
func (s *Selector) Last(opMode int) (*Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.last[opMode]
	return r, ok
}

// Select picks the graphs serving streams and returns the merged topology.
func (s *Selector) Select(ctx context.Context, streams []stream.Stream, opMode int) (*Result, error) {
	logger := ctxlog.FromContext(ctx)
	ctx, span := s.tracer.Start(ctx, "graphselect.Select", trace.WithAttributes(
		attribute.Int("streams", len(streams)),
		attribute.Int("operation_mode", opMode),
	))
	defer span.End()

	res, err := s.selectGraph(ctx, streams, opMode)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, status.ErrInvalidLink) {
			logger.Error("Topology catalog is inconsistent, graph selection aborted.", "error", err)
		}
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("graph.video", res.VideoGraph),
		attribute.Int("graph.still", res.StillGraph),
		attribute.Int("post_stages", len(res.PostStages)),
	)
	s.mu.Lock()
	s.last[opMode] = res
	s.mu.Unlock()

	logger.Debug("Graph selected.",
		"video_graph", res.VideoGraph,
		"still_graph", res.StillGraph,
		"nodes", len(res.Nodes),
		"post_stages", len(res.PostStages),
		"total_streams", res.TotalStreams,
	)
	return res, nil
}

type pipeSelection struct {
	pipe  topologystore.Pipe
	match *topologystore.Match
	part  partition
	links []topologystore.Link
}

func (s *Selector) selectGraph(ctx context.Context, streams []stream.Stream, opMode int) (*Result, error) {
	ports := stream.AssignPorts(streams)

	var video, still []stream.Stream
	var inputs []stream.Assignment
	for _, a := range ports {
		switch {
		case a.Port == stream.InputPort:
			inputs = append(inputs, a)
		case a.Stream.Usage.IsStill():
			still = append(still, a.Stream)
		default:
			video = append(video, a.Stream)
		}
	}
	outputs := len(video) + len(still)
	if outputs == 0 {
		return nil, fmt.Errorf("no output streams requested: %w", status.ErrBadValue)
	}
	if outputs > s.platform.Limits.MaxStreams {
		return nil, fmt.Errorf("%d output streams exceed the limit of %d: %w",
			outputs, s.platform.Limits.MaxStreams, status.ErrTooManyStreams)
	}

	native := s.platform.NativeAspect()
	tol := s.platform.AspectTolerance
	vPart, err := split(video, s.platform.Slots.Video, native, tol)
	if err != nil {
		return nil, fmt.Errorf("video streams: %w", err)
	}
	sPart, err := split(still, s.platform.Slots.Still, native, tol)
	if err != nil {
		return nil, fmt.Errorf("still streams: %w", err)
	}

	qr, err := s.store.Query(ctx, topologystore.Query{
		OperationMode: opMode,
		Video:         vPart.resolutions(),
		Still:         sPart.resolutions(),
	})
	if err != nil {
		return nil, err
	}

	res := &Result{
		OperationMode:   opMode,
		VideoGraph:      -1,
		StillGraph:      -1,
		Ports:           ports,
		HardwareStreams: len(vPart.candidates) + len(sPart.candidates),
	}
	var pipes []*pipeSelection
	if qr.Video != nil {
		res.VideoGraph = qr.Video.Graph.ID
		pipes = append(pipes, &pipeSelection{pipe: topologystore.PipeVideo, match: qr.Video, part: vPart})
	}
	if qr.Still != nil {
		res.StillGraph = qr.Still.Graph.ID
		pipes = append(pipes, &pipeSelection{pipe: topologystore.PipeStill, match: qr.Still, part: sPart})
	}

	b := newBuilder(res)
	for _, p := range pipes {
		links, err := subgraph(p.match)
		if err != nil {
			return nil, err
		}
		p.links = links
		if err := b.recordNodes(p); err != nil {
			return nil, err
		}
	}
	b.orderNodes()
	for _, p := range pipes {
		if err := b.buildEdges(p); err != nil {
			return nil, err
		}
		if err := b.buildSinks(p, s.policy); err != nil {
			return nil, err
		}
	}

	for _, in := range inputs {
		res.Bindings = append(res.Bindings, Binding{
			StreamID:  in.Stream.ID,
			Port:      in.Port,
			Sink:      -1,
			PostStage: -1,
			UID:       portuid.MustNew(int(in.Port), sourceStageID, 0),
		})
	}
	slices.SortStableFunc(res.Bindings, func(a, b Binding) int { return int(a.Port) - int(b.Port) })
	res.TotalStreams = len(res.Bindings)
	return res, nil
}

// subgraph returns the active links of the matched graph that lie on a path
// from the source to one of the matched sinks, node-to-self links of those
// stages included.
func subgraph(m *topologystore.Match) ([]topologystore.Link, error) {
	g := m.Graph
	usedSinks := make(map[int]bool, len(m.Sinks))
	needed := make(map[string]bool)
	for _, id := range m.Sinks {
		src, ok := g.SinkSource(id)
		if !ok {
			return nil, fmt.Errorf("graph %d: sink %d has no active producer: %w", g.ID, id, status.ErrInvalidLink)
		}
		usedSinks[id] = true
		needed[src.Stage] = true
	}

	for changed := true; changed; {
		changed = false
		for _, l := range g.Links {
			if !l.Active || l.Type != topologystore.LinkNodeToNode {
				continue
			}
			if needed[l.Dst.Stage] && !needed[l.Src.Stage] {
				needed[l.Src.Stage] = true
				changed = true
			}
		}
	}

	var out []topologystore.Link
	for _, l := range g.Links {
		if !l.Active {
			continue
		}
		switch l.Type {
		case topologystore.LinkNodeToSink:
			if usedSinks[l.Dst.Terminal] {
				out = append(out, l)
			}
		default:
			if needed[l.Dst.Stage] {
				out = append(out, l)
			}
		}
	}
	return out, nil
}

type nodeKey struct {
	resource int
	context  int
}

type builder struct {
	res   *Result
	index map[nodeKey]int
	edges map[[4]int]bool
}

func newBuilder(res *Result) *builder {
	return &builder{
		res:   res,
		index: make(map[nodeKey]int),
		edges: make(map[[4]int]bool),
	}
}

// recordNodes adds every stage touched by the pipe's links once per
// (resource, context).
func (b *builder) recordNodes(p *pipeSelection) error {
	g := p.match.Graph
	for _, l := range p.links {
		for _, ep := range []topologystore.Endpoint{l.Src, l.Dst} {
			if ep.Stage == topologystore.SourceStage || ep.Stage == topologystore.SinkStage {
				continue
			}
			st, ok := g.Stage(ep.Stage)
			if !ok {
				return fmt.Errorf("graph %d: link references unknown stage %q: %w", g.ID, ep.Stage, status.ErrInvalidLink)
			}
			key := nodeKey{st.ResourceID, st.ContextID}
			if _, seen := b.index[key]; seen {
				continue
			}
			b.index[key] = len(b.res.Nodes)
			b.res.Nodes = append(b.res.Nodes, Node{
				Name:       fmt.Sprintf("%s[%d]", st.Name, st.ContextID),
				Pipe:       p.pipe,
				GraphID:    g.ID,
				ResourceID: st.ResourceID,
				ContextID:  st.ContextID,
				Kernels:    slices.Clone(st.Kernels),
				Terminals:  slices.Clone(st.Terminals),
				Params:     st.Params,
			})
		}
	}
	return nil
}

// orderNodes sorts nodes by ascending context id and assigns final indices.
func (b *builder) orderNodes() {
	slices.SortStableFunc(b.res.Nodes, func(x, y Node) int { return x.ContextID - y.ContextID })
	for i := range b.res.Nodes {
		n := &b.res.Nodes[i]
		n.Index = i
		b.index[nodeKey{n.ResourceID, n.ContextID}] = i
	}
}

func (b *builder) nodeOf(g *topologystore.Graph, name string) (int, error) {
	st, ok := g.Stage(name)
	if !ok {
		return 0, fmt.Errorf("graph %d: unknown stage %q: %w", g.ID, name, status.ErrInvalidLink)
	}
	idx, ok := b.index[nodeKey{st.ResourceID, st.ContextID}]
	if !ok {
		return 0, fmt.Errorf("graph %d: stage %q was never recorded: %w", g.ID, name, status.ErrInvalidLink)
	}
	return idx, nil
}

func (b *builder) buildEdges(p *pipeSelection) error {
	g := p.match.Graph
	sinkIndex := make(map[int]int, len(p.match.Sinks))
	for i, id := range p.match.Sinks {
		sinkIndex[id] = len(b.res.Sinks) + i
	}

	for _, l := range p.links {
		e := Edge{
			FromTerminal: l.Src.Terminal,
			ToTerminal:   l.Dst.Terminal,
			Type:         l.Type,
			FrameDelay:   l.FrameDelay,
			Streaming:    l.Streaming,
		}
		srcStage, dstStage := sourceStageID, sinkStageID
		if l.Src.Stage == topologystore.SourceStage {
			e.From = SourceNode
		} else {
			idx, err := b.nodeOf(g, l.Src.Stage)
			if err != nil {
				return err
			}
			e.From, srcStage = idx, idx
		}
		if l.Dst.Stage == topologystore.SinkStage {
			e.To = SinkNode
			e.ToTerminal = sinkIndex[l.Dst.Terminal]
		} else {
			idx, err := b.nodeOf(g, l.Dst.Stage)
			if err != nil {
				return err
			}
			e.To, dstStage = idx, idx
		}

		key := [4]int{e.From, e.FromTerminal, e.To, e.ToTerminal}
		if b.edges[key] {
			continue
		}
		b.edges[key] = true

		var err error
		if e.SrcUID, err = portuid.New(int(p.pipe), srcStage, e.FromTerminal); err != nil {
			return fmt.Errorf("graph %d: %w: %w", g.ID, err, status.ErrInvalidLink)
		}
		if e.DstUID, err = portuid.New(int(p.pipe), dstStage, e.ToTerminal); err != nil {
			return fmt.Errorf("graph %d: %w: %w", g.ID, err, status.ErrInvalidLink)
		}
		b.res.Edges = append(b.res.Edges, e)
	}
	return nil
}

func (b *builder) buildSinks(p *pipeSelection, policy Policy) error {
	g := p.match.Graph
	allowed := policy.allowed()

	for i, cand := range p.part.candidates {
		sinkID := p.match.Sinks[i]
		gs, ok := g.Sink(sinkID)
		if !ok {
			return fmt.Errorf("graph %d: matched sink %d missing: %w", g.ID, sinkID, status.ErrInvalidLink)
		}
		src, _ := g.SinkSource(sinkID)
		node, err := b.nodeOf(g, src.Stage)
		if err != nil {
			return err
		}

		sinkIdx := len(b.res.Sinks)
		b.res.Sinks = append(b.res.Sinks, Sink{
			Index:      sinkIdx,
			Pipe:       p.pipe,
			GraphID:    g.ID,
			SinkID:     sinkID,
			Name:       gs.Name,
			Resolution: gs.Resolution,
			Format:     gs.Format,
			Node:       node,
			Terminal:   src.Terminal,
			Owner:      cand.ID,
		})

		served := append([]stream.Stream{cand}, p.part.listeners[cand.ID]...)
		ps := PostStage{Sink: sinkIdx, Input: gs.Resolution, InputFormat: gs.Format}
		for _, s := range served {
			ops := policy.required(s, gs.Resolution, gs.Format)
			if missing := ops &^ allowed; missing != 0 {
				return fmt.Errorf("stream %d needs %s from sink %s but the post stage policy forbids it: %w",
					s.ID, missing, gs.Name, status.ErrNotFound)
			}
			ps.Outputs = append(ps.Outputs, PostOutput{
				StreamID:   s.ID,
				Port:       stream.PortOf(b.res.Ports, s.ID),
				Resolution: s.Resolution(),
				Format:     s.Format,
				Ops:        ops,
			})
		}

		postIdx := -1
		if policy.enabled(ps) {
			ps.Index = len(b.res.PostStages)
			ps.Engine = engineFor(ps)
			b.res.PostStages = append(b.res.PostStages, ps)
			postIdx = ps.Index
		} else if len(ps.Outputs) > 1 || ps.Outputs[0].Ops != 0 {
			return fmt.Errorf("sink %s cannot serve %d streams without a post stage: %w",
				gs.Name, len(ps.Outputs), status.ErrNotFound)
		}

		for j, s := range served {
			port := stream.PortOf(b.res.Ports, s.ID)
			uid, err := portuid.New(int(port), node, src.Terminal)
			if err != nil {
				return fmt.Errorf("stream %d: %w: %w", s.ID, err, status.ErrBadValue)
			}
			b.res.Bindings = append(b.res.Bindings, Binding{
				StreamID:  s.ID,
				Port:      port,
				Sink:      sinkIdx,
				Listener:  j > 0,
				PostStage: postIdx,
				UID:       uid,
			})
		}
	}
	return nil
}
