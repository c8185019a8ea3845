// Package graphselect maps a requested stream set onto a compiled processing
// graph. It splits streams into hardware candidates and listeners, queries the
// topology catalog, flattens the matched graphs into an arena of stages and
// edges, and synthesizes software post stages where the hardware output does
// not match the request exactly.
package graphselect

import (
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/portuid"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/stream"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/topologystore"
)

// Arena indices of the pseudo endpoints.
const (
	SourceNode = -1
	SinkNode   = -2
)

// Pseudo stage ids used in port UIDs.
const (
	sourceStageID = portuid.MaxStage - 1
	sinkStageID   = portuid.MaxStage
)

// Node is one processing-stage instance of the selected topology.
type Node struct {
	Index      int
	Name       string
	Pipe       topologystore.Pipe
	GraphID    int
	ResourceID int
	ContextID  int
	Kernels    []topologystore.Kernel
	Terminals  []topologystore.Terminal
	Params     map[string]string
}

// Edge is one active link, resolved to arena indices.
type Edge struct {
	// From is a node index or SourceNode.
	From         int
	FromTerminal int
	// To is a node index or SinkNode, in which case ToTerminal indexes
	// Result.Sinks.
	To         int
	ToTerminal int
	Type       topologystore.LinkType
	FrameDelay int
	Streaming  topologystore.StreamingMode
	SrcUID     portuid.UID
	DstUID     portuid.UID
}

// Sink is a hardware output used by this configuration.
type Sink struct {
	Index      int
	Pipe       topologystore.Pipe
	GraphID    int
	SinkID     int
	Name       string
	Resolution stream.Resolution
	Format     stream.Format
	// Node and Terminal locate the producing stage terminal.
	Node     int
	Terminal int
	// Owner is the id of the candidate stream the sink was matched for.
	Owner int
}

// ProcessingEngine runs a post stage.
type ProcessingEngine int

const (
	EngineCPU ProcessingEngine = iota
	EngineGPU
)

func (e ProcessingEngine) String() string {
	if e == EngineGPU {
		return "gpu"
	}
	return "cpu"
}

// Op is a bit set of post-processing operations.
type Op uint8

const (
	OpScale Op = 1 << iota
	OpCrop
	OpConvert
	OpEncode
	OpDeinterlace
	OpTemporalFilter
)

var opNames = []struct {
	op   Op
	name string
}{
	{OpScale, "scale"},
	{OpCrop, "crop"},
	{OpConvert, "convert"},
	{OpEncode, "encode"},
	{OpDeinterlace, "deinterlace"},
	{OpTemporalFilter, "temporal_filter"},
}

// Has reports whether every bit of o2 is set in o.
func (o Op) Has(o2 Op) bool {
	return o&o2 == o2
}

func (o Op) String() string {
	if o == 0 {
		return "copy"
	}
	s := ""
	for _, n := range opNames {
		if o.Has(n.op) {
			if s != "" {
				s += "+"
			}
			s += n.name
		}
	}
	return s
}

// PostOutput is one app stream produced by a post stage.
type PostOutput struct {
	StreamID   int
	Port       stream.Port
	Resolution stream.Resolution
	Format     stream.Format
	Ops        Op
}

// PostStage adapts one hardware output to the app streams bound to it.
type PostStage struct {
	Index       int
	Sink        int
	Input       stream.Resolution
	InputFormat stream.Format
	Outputs     []PostOutput
	Engine      ProcessingEngine
}

// Binding is where one requested stream is served from.
type Binding struct {
	StreamID int
	Port     stream.Port
	// Sink indexes Result.Sinks.
	Sink int
	// Listener is true when the stream shares another stream's hardware
	// output.
	Listener bool
	// PostStage indexes Result.PostStages, or -1 when the hardware output is
	// delivered directly.
	PostStage int
	UID       portuid.UID
}

// Result is the resolved topology for one configuration. Every reference
// between its parts is an index into its own slices, so it can be dropped and
// rebuilt as a unit.
type Result struct {
	OperationMode int
	VideoGraph    int
	StillGraph    int
	Nodes         []Node
	Edges         []Edge
	Sinks         []Sink
	PostStages    []PostStage
	Bindings      []Binding
	Ports         []stream.Assignment
	// HardwareStreams counts the candidates matched to a hardware output.
	HardwareStreams int
	// TotalStreams counts every bound stream, listeners included.
	TotalStreams int
}

// Binding returns the binding of streamID.
func (r *Result) Binding(streamID int) (Binding, bool) {
	for _, b := range r.Bindings {
		if b.StreamID == streamID {
			return b, true
		}
	}
	return Binding{}, false
}

// EdgesFrom returns the edges leaving node.
func (r *Result) EdgesFrom(node int) []Edge {
	var out []Edge
	for _, e := range r.Edges {
		if e.From == node {
			out = append(out, e)
		}
	}
	return out
}

// EdgesTo returns the edges entering node.
func (r *Result) EdgesTo(node int) []Edge {
	var out []Edge
	for _, e := range r.Edges {
		if e.To == node {
			out = append(out, e)
		}
	}
	return out
}

// PostStageForSink returns the post stage reading sink, or -1.
func (r *Result) PostStageForSink(sink int) int {
	for i, ps := range r.PostStages {
		if ps.Sink == sink {
			return i
		}
	}
	return -1
}
