package inmemorytopology

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/status"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/topologystore"
)

// ErrSealed is returned by AddGraph once the store has been sealed.
var ErrSealed = errors.New("topology store is sealed")

// Store implements the topologystore.Store interface using a map and a mutex
// for thread-safe concurrent access.
type Store struct {
	mu      sync.RWMutex
	version int
	sensor  string
	graphs  map[int]*topologystore.Graph
	sealed  bool
}

var _ topologystore.Store = (*Store)(nil)

// New creates a new, empty in-memory catalog.
func New(version int, sensor string) *Store {
	return &Store{
		version: version,
		sensor:  sensor,
		graphs:  make(map[int]*topologystore.Graph),
	}
}

// AddGraph validates g and adds it to the catalog.
func (s *Store) AddGraph(ctx context.Context, g *topologystore.Graph) error {
	if err := g.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed {
		return fmt.Errorf("add graph %d: %w", g.ID, ErrSealed)
	}
	if _, exists := s.graphs[g.ID]; exists {
		return fmt.Errorf("graph id %d defined twice: %w", g.ID, status.ErrBadValue)
	}
	s.graphs[g.ID] = g
	return nil
}

// Seal makes the store read-only.
func (s *Store) Seal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = true
}

// Version returns the catalog version.
func (s *Store) Version() int {
	return s.version
}

// Sensor returns the sensor the catalog was compiled for.
func (s *Store) Sensor() string {
	return s.sensor
}

// Graph retrieves a single graph by id.
func (s *Store) Graph(ctx context.Context, id int) (*topologystore.Graph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.graphs[id]
	if !ok {
		return nil, fmt.Errorf("graph %d: %w", id, status.ErrNotFound)
	}
	return g, nil
}

// AllGraphs returns every graph in ascending id order.
func (s *Store) AllGraphs(ctx context.Context) []*topologystore.Graph {
	s.mu.RLock()
	defer s.mu.RUnlock()

	graphs := make([]*topologystore.Graph, 0, len(s.graphs))
	for _, g := range s.graphs {
		graphs = append(graphs, g)
	}
	slices.SortFunc(graphs, func(a, b *topologystore.Graph) int { return a.ID - b.ID })
	return graphs
}

// Query finds the best graph per requested sub-pipeline.
func (s *Store) Query(ctx context.Context, q topologystore.Query) (*topologystore.QueryResult, error) {
	return topologystore.Resolve(s.AllGraphs(ctx), q)
}
