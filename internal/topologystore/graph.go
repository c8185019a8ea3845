// internal/topologystore/graph.go
package topologystore

import (
	"fmt"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/status"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/stream"
)

// Pseudo stage names used as link endpoints.
const (
	SourceStage = "source"
	SinkStage   = "sink"
)

// Pipe identifies a sub-pipeline.
type Pipe int

const (
	PipeVideo Pipe = iota
	PipeStill
)

func (p Pipe) String() string {
	if p == PipeStill {
		return "still"
	}
	return "video"
}

// TerminalKind is the role of a terminal on its stage.
type TerminalKind int

const (
	TerminalDataIn TerminalKind = iota
	TerminalDataOut
	TerminalParamIn
	TerminalStatsOut
	TerminalMetadataOut
)

var terminalKindNames = []string{"data_in", "data_out", "param_in", "stats_out", "metadata_out"}

func (k TerminalKind) String() string {
	if int(k) < len(terminalKindNames) && k >= 0 {
		return terminalKindNames[k]
	}
	return fmt.Sprintf("terminal_kind(%d)", int(k))
}

// ParseTerminalKind resolves a kind by its catalog name.
func ParseTerminalKind(s string) (TerminalKind, error) {
	for i, name := range terminalKindNames {
		if s == name {
			return TerminalKind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown terminal kind %q", s)
}

// IsPayload reports whether the terminal carries tuning or statistics data
// rather than image data.
func (k TerminalKind) IsPayload() bool {
	return k == TerminalParamIn || k == TerminalStatsOut || k == TerminalMetadataOut
}

// LinkType classifies a link by its endpoints.
type LinkType int

const (
	LinkSourceToNode LinkType = iota
	LinkNodeToNode
	LinkNodeToSelf
	LinkNodeToSink
)

var linkTypeNames = []string{"source_to_node", "node_to_node", "node_to_self", "node_to_sink"}

func (t LinkType) String() string {
	if int(t) < len(linkTypeNames) && t >= 0 {
		return linkTypeNames[t]
	}
	return fmt.Sprintf("link_type(%d)", int(t))
}

// ParseLinkType resolves a link type by its catalog name.
func ParseLinkType(s string) (LinkType, error) {
	for i, name := range linkTypeNames {
		if s == name {
			return LinkType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown link type %q", s)
}

// StreamingMode describes how a link hands data over.
type StreamingMode int

const (
	StreamingNone StreamingMode = iota
	StreamingLine
	StreamingPacket
)

var streamingNames = []string{"none", "line", "packet"}

// ParseStreamingMode resolves a streaming mode by name; "" is none.
func ParseStreamingMode(s string) (StreamingMode, error) {
	if s == "" {
		return StreamingNone, nil
	}
	for i, name := range streamingNames {
		if s == name {
			return StreamingMode(i), nil
		}
	}
	return 0, fmt.Errorf("unknown streaming mode %q", s)
}

func (m StreamingMode) String() string {
	if int(m) < len(streamingNames) && m >= 0 {
		return streamingNames[m]
	}
	return fmt.Sprintf("streaming(%d)", int(m))
}

// StrictOrder reports whether buffers on the link must be released in
// submission order.
func (m StreamingMode) StrictOrder() bool {
	return m != StreamingNone
}

// Kernel is one enabled processing kernel of a stage. Offset and Size locate
// its section inside the stage's payload terminals.
type Kernel struct {
	UUID   int
	Name   string
	Offset int
	Size   int
}

// Terminal is a buffer endpoint of a stage.
type Terminal struct {
	ID      int
	Name    string
	Kind    TerminalKind
	Format  stream.Format
	Width   int
	Height  int
	Size    int
	InPlace bool
}

// BufferSize is the allocation size of the terminal.
func (t Terminal) BufferSize() int {
	if t.Size > 0 {
		return t.Size
	}
	return t.Format.FrameSize(t.Width, t.Height)
}

// Stage is one processing unit in a compiled graph.
type Stage struct {
	Name       string
	ResourceID int
	ContextID  int
	Kernels    []Kernel
	Terminals  []Terminal
	Params     map[string]string
}

// Terminal looks up a terminal by id.
func (s *Stage) Terminal(id int) (*Terminal, bool) {
	for i := range s.Terminals {
		if s.Terminals[i].ID == id {
			return &s.Terminals[i], true
		}
	}
	return nil, false
}

// PayloadSize is the size a payload terminal needs to hold every kernel
// section.
func (s *Stage) PayloadSize() int {
	size := 0
	for _, k := range s.Kernels {
		if end := k.Offset + k.Size; end > size {
			size = end
		}
	}
	return size
}

// Sink is a hardware output of a graph.
type Sink struct {
	ID         int
	Name       string
	Resolution stream.Resolution
	Format     stream.Format
}

// Endpoint addresses a terminal of a stage, or of a pseudo stage.
type Endpoint struct {
	Stage    string
	Terminal int
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Stage, e.Terminal)
}

// Link is a directed connection between two terminals.
type Link struct {
	Src        Endpoint
	Dst        Endpoint
	Type       LinkType
	Active     bool
	FrameDelay int
	Streaming  StreamingMode
}

// Graph is one compiled processing topology.
type Graph struct {
	ID            int
	Name          string
	Pipe          Pipe
	OperationMode int
	Stages        []Stage
	Sinks         []Sink
	Links         []Link
}

// Stage looks up a stage by name.
func (g *Graph) Stage(name string) (*Stage, bool) {
	for i := range g.Stages {
		if g.Stages[i].Name == name {
			return &g.Stages[i], true
		}
	}
	return nil, false
}

// Sink looks up a sink by id.
func (g *Graph) Sink(id int) (*Sink, bool) {
	for i := range g.Sinks {
		if g.Sinks[i].ID == id {
			return &g.Sinks[i], true
		}
	}
	return nil, false
}

// SinkSource returns the stage terminal feeding the given sink through an
// active link.
func (g *Graph) SinkSource(sinkID int) (Endpoint, bool) {
	for _, l := range g.Links {
		if l.Active && l.Type == LinkNodeToSink && l.Dst.Terminal == sinkID {
			return l.Src, true
		}
	}
	return Endpoint{}, false
}

// Validate checks that every link references existing stages, terminals
// and sinks, and that its type agrees with its endpoints. Failures wrap
// status.ErrInvalidLink.
func (g *Graph) Validate() error {
	seen := make(map[[2]int]string, len(g.Stages))
	for _, st := range g.Stages {
		if st.Name == SourceStage || st.Name == SinkStage {
			return fmt.Errorf("graph %d: stage name %q is reserved: %w", g.ID, st.Name, status.ErrInvalidLink)
		}
		key := [2]int{st.ResourceID, st.ContextID}
		if other, dup := seen[key]; dup {
			return fmt.Errorf("graph %d: stages %q and %q share resource %d context %d: %w",
				g.ID, other, st.Name, st.ResourceID, st.ContextID, status.ErrInvalidLink)
		}
		seen[key] = st.Name
	}

	for i, l := range g.Links {
		if err := g.validateLink(l); err != nil {
			return fmt.Errorf("graph %d link %d (%s -> %s): %w", g.ID, i, l.Src, l.Dst, err)
		}
	}
	return nil
}

func (g *Graph) validateLink(l Link) error {
	if l.FrameDelay < 0 {
		return fmt.Errorf("negative frame delay: %w", status.ErrInvalidLink)
	}

	srcIsSource := l.Src.Stage == SourceStage
	dstIsSink := l.Dst.Stage == SinkStage
	var want LinkType
	switch {
	case srcIsSource && dstIsSink:
		return fmt.Errorf("source linked straight to sink: %w", status.ErrInvalidLink)
	case srcIsSource:
		want = LinkSourceToNode
	case dstIsSink:
		want = LinkNodeToSink
	case l.Src.Stage == l.Dst.Stage:
		want = LinkNodeToSelf
	default:
		want = LinkNodeToNode
	}
	if l.Type != want {
		return fmt.Errorf("declared %s but endpoints imply %s: %w", l.Type, want, status.ErrInvalidLink)
	}

	if !srcIsSource {
		if err := g.checkTerminal(l.Src); err != nil {
			return err
		}
	}
	if dstIsSink {
		if _, ok := g.Sink(l.Dst.Terminal); !ok {
			return fmt.Errorf("unknown sink %d: %w", l.Dst.Terminal, status.ErrInvalidLink)
		}
		return nil
	}
	return g.checkTerminal(l.Dst)
}

func (g *Graph) checkTerminal(e Endpoint) error {
	st, ok := g.Stage(e.Stage)
	if !ok {
		return fmt.Errorf("unknown stage %q: %w", e.Stage, status.ErrInvalidLink)
	}
	if _, ok := st.Terminal(e.Terminal); !ok {
		return fmt.Errorf("stage %q has no terminal %d: %w", e.Stage, e.Terminal, status.ErrInvalidLink)
	}
	return nil
}
