// Package tuning supplies per-frame kernel parameter payloads to processing
// stages and decodes the statistics they produce. Payloads are prepared from
// the parameter snapshot bound to a frame and looked up by sequence when the
// stage runs; a stage asking for a sequence that was never prepared, or was
// already evicted, gets no results and drops the frame.
package tuning

import (
	"encoding/binary"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/buffer"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/status"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/topologystore"
)

// Results are the payloads prepared for one stage and sequence, keyed by
// terminal id.
type Results struct {
	Payloads map[int][]byte
}

// Stats is the application-visible form of a statistics buffer.
type Stats struct {
	ResourceID int
	ContextID  int
	Sequence   int64
	Size       int
	// Mean is the average byte value past the sequence header.
	Mean float64
}

// Adaptor is what processing stages need from the tuning layer.
type Adaptor interface {
	// Results returns the payloads for a stage and sequence, or false when
	// none are available.
	Results(resourceID, contextID int, seq int64) (Results, bool)
	// DecodeStats turns a raw statistics buffer into Stats.
	DecodeStats(resourceID, contextID int, seq int64, raw *buffer.Buffer) (Stats, error)
}

type stageKey struct {
	resource int
	context  int
}

type stageLayout struct {
	kernels  []topologystore.Kernel
	terminal int
	size     int
}

// Store keeps the payloads of the most recent prepared sequences.
type Store struct {
	depth int

	mu      sync.Mutex
	stages  map[stageKey]stageLayout
	results map[int64]map[stageKey]Results
	order   []int64
}

// NewStore creates a store remembering up to depth sequences.
func NewStore(depth int) *Store {
	if depth <= 0 {
		depth = 1
	}
	return &Store{
		depth:   depth,
		stages:  make(map[stageKey]stageLayout),
		results: make(map[int64]map[stageKey]Results),
	}
}

// Register declares a stage whose parameter terminal takes one section per
// kernel. Registering the same stage again replaces its layout.
func (s *Store) Register(resourceID, contextID int, kernels []topologystore.Kernel, paramTerminal int) error {
	size := 0
	for _, k := range kernels {
		if k.Offset < 0 || k.Size <= 0 {
			return fmt.Errorf("kernel %s: section %d+%d: %w", k.Name, k.Offset, k.Size, status.ErrBadValue)
		}
		size = max(size, k.Offset+k.Size)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages[stageKey{resourceID, contextID}] = stageLayout{
		kernels:  slices.Clone(kernels),
		terminal: paramTerminal,
		size:     size,
	}
	return nil
}

// Reset forgets every stage and prepared sequence.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.stages)
	clear(s.results)
	s.order = s.order[:0]
}

// Prepare encodes settings into the payloads of every registered stage for
// seq. The oldest sequence is evicted once the store is full.
func (s *Store) Prepare(seq int64, settings map[string]string) {
	encoded := encodeSettings(settings)

	s.mu.Lock()
	defer s.mu.Unlock()

	perStage := make(map[stageKey]Results, len(s.stages))
	for key, layout := range s.stages {
		payload := make([]byte, layout.size)
		for _, k := range layout.kernels {
			writeSection(payload[k.Offset:k.Offset+k.Size], k.UUID, seq, encoded)
		}
		perStage[key] = Results{Payloads: map[int][]byte{layout.terminal: payload}}
	}

	if _, exists := s.results[seq]; !exists {
		s.order = append(s.order, seq)
	}
	s.results[seq] = perStage
	for len(s.order) > s.depth {
		delete(s.results, s.order[0])
		s.order = s.order[1:]
	}
}

// Forget drops the payloads of seq.
func (s *Store) Forget(seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[seq]; !ok {
		return
	}
	delete(s.results, seq)
	s.order = slices.DeleteFunc(s.order, func(o int64) bool { return o == seq })
}

// Results implements Adaptor.
func (s *Store) Results(resourceID, contextID int, seq int64) (Results, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	perStage, ok := s.results[seq]
	if !ok {
		return Results{}, false
	}
	r, ok := perStage[stageKey{resourceID, contextID}]
	if !ok {
		return Results{}, false
	}
	return Results{Payloads: maps.Clone(r.Payloads)}, true
}

// DecodeStats implements Adaptor.
func (s *Store) DecodeStats(resourceID, contextID int, seq int64, raw *buffer.Buffer) (Stats, error) {
	if raw == nil {
		return Stats{}, fmt.Errorf("stats for seq %d: no buffer: %w", seq, status.ErrBadValue)
	}
	st := Stats{
		ResourceID: resourceID,
		ContextID:  contextID,
		Sequence:   seq,
		Size:       len(raw.Data),
	}
	body := raw.Data
	if len(body) >= 8 {
		st.Sequence = int64(binary.LittleEndian.Uint64(body))
		body = body[8:]
	}
	if st.Sequence != seq {
		return Stats{}, fmt.Errorf("stats buffer carries seq %d, want %d: %w", st.Sequence, seq, status.ErrBadValue)
	}
	if len(body) > 0 {
		var sum int
		for _, v := range body {
			sum += int(v)
		}
		st.Mean = float64(sum) / float64(len(body))
	}
	return st, nil
}

// Section header: kernel uuid (4 bytes) then sequence (8 bytes).
const sectionHeader = 12

func writeSection(dst []byte, uuid int, seq int64, settings []byte) {
	if len(dst) < sectionHeader {
		copy(dst, settings)
		return
	}
	binary.LittleEndian.PutUint32(dst, uint32(uuid))
	binary.LittleEndian.PutUint64(dst[4:], uint64(seq))
	copy(dst[sectionHeader:], settings)
}

// SectionSequence reads the sequence written into a kernel section.
func SectionSequence(section []byte) (uuid int, seq int64, ok bool) {
	if len(section) < sectionHeader {
		return 0, 0, false
	}
	return int(binary.LittleEndian.Uint32(section)), int64(binary.LittleEndian.Uint64(section[4:])), true
}

func encodeSettings(settings map[string]string) []byte {
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(settings[k])
		b.WriteByte(';')
	}
	return []byte(b.String())
}
