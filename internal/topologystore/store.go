// Package topologystore defines the catalog of pre-compiled processing graphs
// and the interface used to query it.
//
// # Why Topology Store Exists
//
// The topology store isolates the **immutable graph catalog** (stages,
// terminals and the links between them, produced offline by a graph compiler)
// from the **mutable runtime state** (selected topology, buffer pools, tasks)
// owned by graphselect and stagetask.
//
// This separation provides several architectural benefits:
//   - **Clarity:** Graph selection reads the catalog, it never mutates it
//   - **Thread-Safety:** A sealed catalog is shared by every camera without writers
//   - **Testability:** Catalog consistency is validated once, at load time
//
// # Lifecycle and Usage
//
// The topology store is:
//  1. **Loaded** wholesale from a versioned catalog (see internal/hcl)
//  2. **Validated** as each graph is added; an inconsistent link aborts the load
//  3. **Sealed**, after which it is read-only for the lifetime of the process
//
// During configuration the selector calls Query() with the resolutions of the
// streams that need a hardware output, then walks the returned graph's links.
package topologystore

import (
	"context"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/stream"
)

// Store is the interface for a versioned, read-only graph catalog.
//
// # Thread-Safety Requirements
//
// Implementations MUST be safe for concurrent reads. Writes, if an
// implementation supports them at all, happen before the store is shared.
//
// # Typical Implementation
//
// See internal/inmemorytopology for the reference implementation.
type Store interface {
	// Version is the catalog format version the graphs were compiled for.
	Version() int

	// Sensor names the sensor the catalog was compiled for.
	Sensor() string

	// Graph retrieves one graph by its id.
	//
	// Returns an error wrapping status.ErrNotFound if no graph has that id.
	Graph(ctx context.Context, id int) (*Graph, error)

	// AllGraphs returns every graph in ascending id order.
	//
	// The returned slice is a snapshot and safe for the caller to iterate.
	// The graphs themselves are shared and MUST NOT be modified.
	AllGraphs(ctx context.Context) []*Graph

	// Query finds the best graph for each requested sub-pipeline.
	//
	// Each requested resolution is bound to the smallest unused sink that
	// covers it. Among the graphs able to serve every requested resolution,
	// the one with the least total over-provisioning wins, ties going to the
	// lower graph id. A pipe with no requested resolutions is skipped.
	//
	// Returns an error wrapping status.ErrNotFound when a requested pipe has
	// no matching graph.
	Query(ctx context.Context, q Query) (*QueryResult, error)
}

// Query is the key used to look up compiled graphs. Video and Still are
// independent optional keys for the two sub-pipelines.
type Query struct {
	OperationMode int
	Video         []stream.Resolution
	Still         []stream.Resolution
}

// QueryResult holds the match for each sub-pipeline that was requested.
type QueryResult struct {
	Video *Match
	Still *Match
}

// Match is one graph chosen for one sub-pipeline.
type Match struct {
	Graph *Graph
	// Sinks[i] is the sink id serving the i-th requested resolution.
	Sinks []int
	// Cost is the total over-provisioned pixel count; 0 is an exact match.
	Cost int
}
