// Package testutil holds fixtures shared by package tests: a logger-carrying
// context, the reference platform profile and the reference graph catalog.
package testutil

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sujimmy/ipu7-camera-hal-sub001/configs"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/config"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/ctxlog"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/hcl"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/stream"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/topologystore"
)

// LogBuffer is a goroutine-safe log sink.
type LogBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// String returns everything logged so far.
func (b *LogBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Context returns a context carrying a debug logger that writes into the
// returned buffer.
func Context(t *testing.T) (context.Context, *LogBuffer) {
	t.Helper()
	logs := &LogBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctx, cancel := context.WithCancel(ctxlog.WithLogger(context.Background(), logger))
	t.Cleanup(cancel)
	return ctx, logs
}

// Platform returns the reference platform profile. mutate, if non-nil, runs
// before validation.
func Platform(t *testing.T, mutate func(p *config.Platform)) *config.Platform {
	t.Helper()
	p, err := config.ParsePlatform(configs.Platform)
	require.NoError(t, err)
	if mutate != nil {
		mutate(p)
		require.NoError(t, p.Validate())
	}
	return p
}

// Catalog loads the reference graph catalog.
func Catalog(t *testing.T) topologystore.Store {
	t.Helper()
	ctx, _ := Context(t)
	src, err := configs.Catalog.ReadFile(configs.CatalogFile)
	require.NoError(t, err)
	store, err := hcl.NewLoader().LoadBytes(ctx, configs.CatalogFile, src)
	require.NoError(t, err)
	return store
}

// Streams builds streams from "WIDTHxHEIGHT:FORMAT:USAGE" specs, numbering
// them in order.
func Streams(t *testing.T, specs ...string) []stream.Stream {
	t.Helper()
	out := make([]stream.Stream, 0, len(specs))
	for i, spec := range specs {
		s, err := stream.Parse(spec)
		require.NoError(t, err)
		s.ID = i
		out = append(out, s)
	}
	return out
}
