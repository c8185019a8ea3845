// internal/stream/port.go
package stream

import (
	"slices"
)

// Port is the pipeline port a stream is bound to.
type Port int

const (
	// PortInvalid marks an unbound stream.
	PortInvalid Port = -1
	// InputPort is reserved for reprocessing input streams.
	InputPort Port = 0xFE
)

// Assignment binds one stream to one port.
type Assignment struct {
	Stream Stream
	Port   Port
}

// AssignPorts orders output streams by descending pixel area and numbers
// them 0..N-1, largest first. Equal areas keep their request order. Input
// streams follow the outputs and share InputPort.
func AssignPorts(streams []Stream) []Assignment {
	outputs := make([]Stream, 0, len(streams))
	var inputs []Stream
	for _, s := range streams {
		if s.IsInput() {
			inputs = append(inputs, s)
			continue
		}
		outputs = append(outputs, s)
	}

	slices.SortStableFunc(outputs, func(a, b Stream) int {
		return b.Area() - a.Area()
	})

	out := make([]Assignment, 0, len(streams))
	for i, s := range outputs {
		out = append(out, Assignment{Stream: s, Port: Port(i)})
	}
	for _, s := range inputs {
		out = append(out, Assignment{Stream: s, Port: InputPort})
	}
	return out
}

// PortOf returns the port bound to streamID, or PortInvalid.
func PortOf(assignments []Assignment, streamID int) Port {
	for _, a := range assignments {
		if a.Stream.ID == streamID {
			return a.Port
		}
	}
	return PortInvalid
}
