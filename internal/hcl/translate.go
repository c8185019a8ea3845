package hcl

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/gocty"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/status"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/stream"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/topologystore"
)

func translateGraph(gb *graphBlock) (*topologystore.Graph, error) {
	g := &topologystore.Graph{
		ID:   gb.ID,
		Name: gb.Name,
	}
	switch gb.Pipe {
	case "video":
		g.Pipe = topologystore.PipeVideo
	case "still":
		g.Pipe = topologystore.PipeStill
	default:
		return nil, fmt.Errorf("unknown pipe %q: %w", gb.Pipe, status.ErrBadValue)
	}
	if gb.OperationMode != nil {
		g.OperationMode = *gb.OperationMode
	}

	for _, sb := range gb.Stages {
		st, err := translateStage(sb)
		if err != nil {
			return nil, fmt.Errorf("stage %q: %w", sb.Name, err)
		}
		g.Stages = append(g.Stages, st)
	}

	for _, sk := range gb.Sinks {
		f, err := stream.ParseFormat(sk.Format)
		if err != nil {
			return nil, fmt.Errorf("sink %q: %w: %w", sk.Name, err, status.ErrBadValue)
		}
		g.Sinks = append(g.Sinks, topologystore.Sink{
			ID:         sk.ID,
			Name:       sk.Name,
			Resolution: stream.Resolution{Width: sk.Width, Height: sk.Height},
			Format:     f,
		})
	}

	for i, lb := range gb.Links {
		link, err := translateLink(lb)
		if err != nil {
			return nil, fmt.Errorf("link %d: %w", i, err)
		}
		g.Links = append(g.Links, link)
	}
	return g, nil
}

func translateStage(sb *stageBlock) (topologystore.Stage, error) {
	st := topologystore.Stage{
		Name:       sb.Name,
		ResourceID: sb.Resource,
	}
	if sb.Context != nil {
		st.ContextID = *sb.Context
	}

	for _, kb := range sb.Kernels {
		k := topologystore.Kernel{UUID: kb.UUID, Name: kb.Name, Size: kb.Size}
		if kb.Offset != nil {
			k.Offset = *kb.Offset
		}
		st.Kernels = append(st.Kernels, k)
	}

	for _, tb := range sb.Terminals {
		kind, err := topologystore.ParseTerminalKind(tb.Kind)
		if err != nil {
			return st, fmt.Errorf("terminal %q: %w: %w", tb.Name, err, status.ErrBadValue)
		}
		term := topologystore.Terminal{ID: tb.ID, Name: tb.Name, Kind: kind}
		if tb.Format != nil {
			if term.Format, err = stream.ParseFormat(*tb.Format); err != nil {
				return st, fmt.Errorf("terminal %q: %w: %w", tb.Name, err, status.ErrBadValue)
			}
		}
		if tb.Width != nil {
			term.Width = *tb.Width
		}
		if tb.Height != nil {
			term.Height = *tb.Height
		}
		if tb.Size != nil {
			term.Size = *tb.Size
		}
		if tb.InPlace != nil {
			term.InPlace = *tb.InPlace
		}
		st.Terminals = append(st.Terminals, term)
	}

	params, err := decodeParams(sb)
	if err != nil {
		return st, err
	}
	st.Params = params
	return st, nil
}

// decodeParams evaluates the params attribute and coerces it into a string
// map, so numbers and booleans keep their literal form.
func decodeParams(sb *stageBlock) (map[string]string, error) {
	if sb.Params == nil {
		return nil, nil
	}
	val, diags := sb.Params.Value(nil)
	if diags.HasErrors() {
		return nil, fmt.Errorf("params: %w: %w", diags, status.ErrBadValue)
	}
	if val.IsNull() {
		return nil, nil
	}
	if !val.IsWhollyKnown() {
		return nil, fmt.Errorf("params must be a constant map: %w", status.ErrBadValue)
	}

	converted, err := convert.Convert(val, cty.Map(cty.String))
	if err != nil {
		return nil, fmt.Errorf("params: %w: %w", err, status.ErrBadValue)
	}
	var out map[string]string
	if err := gocty.FromCtyValue(converted, &out); err != nil {
		return nil, fmt.Errorf("params: %w: %w", err, status.ErrBadValue)
	}
	return out, nil
}

func translateLink(lb *linkBlock) (topologystore.Link, error) {
	src, err := parseEndpoint(lb.Src)
	if err != nil {
		return topologystore.Link{}, err
	}
	dst, err := parseEndpoint(lb.Dst)
	if err != nil {
		return topologystore.Link{}, err
	}
	typ, err := topologystore.ParseLinkType(lb.Type)
	if err != nil {
		return topologystore.Link{}, fmt.Errorf("%w: %w", err, status.ErrBadValue)
	}

	link := topologystore.Link{Src: src, Dst: dst, Type: typ, Active: true}
	if lb.Active != nil {
		link.Active = *lb.Active
	}
	if lb.FrameDelay != nil {
		link.FrameDelay = *lb.FrameDelay
	}
	if lb.Streaming != nil {
		if link.Streaming, err = topologystore.ParseStreamingMode(*lb.Streaming); err != nil {
			return topologystore.Link{}, fmt.Errorf("%w: %w", err, status.ErrBadValue)
		}
	}
	return link, nil
}

// parseEndpoint reads "stage:terminal".
func parseEndpoint(s string) (topologystore.Endpoint, error) {
	stage, term, ok := strings.Cut(s, ":")
	if !ok || stage == "" {
		return topologystore.Endpoint{}, fmt.Errorf("endpoint %q: expected stage:terminal: %w", s, status.ErrBadValue)
	}
	id, err := strconv.Atoi(term)
	if err != nil || id < 0 {
		return topologystore.Endpoint{}, fmt.Errorf("endpoint %q: bad terminal id: %w", s, status.ErrBadValue)
	}
	return topologystore.Endpoint{Stage: stage, Terminal: id}, nil
}
