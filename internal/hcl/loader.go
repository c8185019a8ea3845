package hcl

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/config"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/ctxlog"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/fsutil"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/inmemorytopology"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/status"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/topologystore"
)

// Loader is the HCL-specific implementation of the config.Loader interface.
type Loader struct{}

var _ config.Loader = (*Loader)(nil)

// NewLoader creates a new HCL catalog loader.
func NewLoader() *Loader {
	return &Loader{}
}

type source struct {
	name string
	src  []byte
}

// Load parses every .hcl file under paths into one sealed catalog. Exactly
// one file must carry the catalog header block.
func (l *Loader) Load(ctx context.Context, paths ...string) (topologystore.Store, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("HCL catalog loader started.", "path_count", len(paths))

	files, err := fsutil.FindFiles(".hcl", paths...)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no catalog files found in %v: %w", paths, status.ErrNotFound)
	}
	logger.Debug("Discovered HCL files.", "count", len(files))

	sources := make([]source, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read catalog file %s: %w", f, err)
		}
		sources = append(sources, source{name: f, src: data})
	}
	return l.load(ctx, sources)
}

// LoadBytes parses a single in-memory catalog.
func (l *Loader) LoadBytes(ctx context.Context, filename string, src []byte) (topologystore.Store, error) {
	return l.load(ctx, []source{{name: filename, src: src}})
}

func (l *Loader) load(ctx context.Context, sources []source) (topologystore.Store, error) {
	logger := ctxlog.FromContext(ctx)
	parser := hclparse.NewParser()

	var header *catalogBlock
	var graphs []*graphBlock
	for _, s := range sources {
		file, diags := parser.ParseHCL(s.src, s.name)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w: %w", s.name, diags, status.ErrBadValue)
		}

		var root fileRoot
		diags = gohcl.DecodeBody(file.Body, nil, &root)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode HCL file %s: %w: %w", s.name, diags, status.ErrBadValue)
		}

		for _, c := range root.Catalogs {
			if header != nil {
				return nil, fmt.Errorf("%s: catalog header declared twice: %w", s.name, status.ErrBadValue)
			}
			header = c
		}
		graphs = append(graphs, root.Graphs...)
	}

	if header == nil {
		return nil, fmt.Errorf("catalog header block missing: %w", status.ErrBadValue)
	}
	if header.Version < 1 {
		return nil, fmt.Errorf("catalog version %d unsupported: %w", header.Version, status.ErrBadValue)
	}

	store := inmemorytopology.New(header.Version, header.Sensor)
	for _, gb := range graphs {
		g, err := translateGraph(gb)
		if err != nil {
			return nil, fmt.Errorf("graph %q: %w", gb.Name, err)
		}
		if err := store.AddGraph(ctx, g); err != nil {
			logger.Error("Catalog graph rejected.", "graph", gb.Name, "error", err)
			return nil, err
		}
	}
	store.Seal()

	logger.Debug("HCL catalog loading complete.", "version", header.Version, "sensor", header.Sensor, "graphs", len(graphs))
	return store, nil
}
