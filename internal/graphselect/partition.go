package graphselect

import (
	"fmt"
	"slices"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/status"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/stream"
)

// partition splits one usage kind into streams that need their own hardware
// output and listeners that are served from a candidate's output.
type partition struct {
	candidates []stream.Stream
	listeners  map[int][]stream.Stream
}

func (p partition) resolutions() []stream.Resolution {
	out := make([]stream.Resolution, 0, len(p.candidates))
	for _, c := range p.candidates {
		out = append(out, c.Resolution())
	}
	return out
}

// split partitions streams, given in descending area order, under a budget of
// hardware outputs. Streams matching a larger candidate's aspect ratio become
// its listeners. Over budget, candidates matching the sensor's native aspect
// are kept first, then larger ones; each evicted stream must be covered by a
// kept candidate.
func split(streams []stream.Stream, budget int, native stream.Resolution, tol float64) (partition, error) {
	p := partition{listeners: make(map[int][]stream.Stream)}
	for _, s := range streams {
		if owner, ok := findOwner(p.candidates, s, tol, true); ok {
			p.listeners[owner.ID] = append(p.listeners[owner.ID], s)
			continue
		}
		p.candidates = append(p.candidates, s)
	}
	if len(p.candidates) <= budget {
		return p, nil
	}

	ranked := slices.Clone(p.candidates)
	slices.SortStableFunc(ranked, func(a, b stream.Stream) int {
		na, nb := a.Resolution().SameAspect(native, tol), b.Resolution().SameAspect(native, tol)
		if na != nb {
			if na {
				return -1
			}
			return 1
		}
		return b.Area() - a.Area()
	})

	kept := make(map[int]bool, budget)
	for _, s := range ranked[:budget] {
		kept[s.ID] = true
	}
	evicted := ranked[budget:]
	p.candidates = slices.DeleteFunc(p.candidates, func(s stream.Stream) bool { return !kept[s.ID] })

	for _, e := range evicted {
		owner, ok := findOwner(p.candidates, e, tol, false)
		if !ok {
			return partition{}, fmt.Errorf("stream %d (%s) fits no hardware output within a budget of %d: %w",
				e.ID, e.Resolution(), budget, status.ErrTooManyStreams)
		}
		moved := append([]stream.Stream{e}, p.listeners[e.ID]...)
		delete(p.listeners, e.ID)
		p.listeners[owner.ID] = append(p.listeners[owner.ID], moved...)
	}
	for id, ls := range p.listeners {
		slices.SortStableFunc(ls, func(a, b stream.Stream) int { return b.Area() - a.Area() })
		p.listeners[id] = ls
	}
	return p, nil
}

// findOwner picks the candidate whose output can serve s: it must cover s,
// and when sameAspect is set it must also share its aspect ratio. Same-aspect
// candidates are preferred, then the smallest one.
func findOwner(candidates []stream.Stream, s stream.Stream, tol float64, sameAspect bool) (stream.Stream, bool) {
	var best stream.Stream
	found, bestSame := false, false
	for _, c := range candidates {
		if !c.Resolution().Covers(s.Resolution()) {
			continue
		}
		same := c.Resolution().SameAspect(s.Resolution(), tol)
		if sameAspect && !same {
			continue
		}
		switch {
		case !found,
			same && !bestSame,
			same == bestSame && c.Area() < best.Area():
			best, found, bestSame = c, true, same
		}
	}
	return best, found
}
