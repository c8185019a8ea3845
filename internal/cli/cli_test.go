package cli

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute_Graph(t *testing.T) {
	t.Parallel()
	var out, logs bytes.Buffer

	err := Execute(context.Background(), []string{
		"graph", "-s", "1920x1080:NV12:preview", "-s", "4032x3024:BLOB:still", "--log-level", "debug",
	}, &out, &logs)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "4096x3072")
	assert.Contains(t, out.String(), "post[0]")
	assert.Contains(t, logs.String(), "Graph selected.")
}

func TestExecute_GraphDefaultStream(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	require.NoError(t, Execute(context.Background(), []string{"graph"}, &out, &bytes.Buffer{}))
	assert.Contains(t, out.String(), "1920x1080")
}

func TestExecute_Run(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	err := Execute(context.Background(), []string{"run", "-n", "3", "--log-format", "json"}, &out, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "0..2")
}

func TestExecute_ExitCodes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		args []string
		msg  string
	}{
		{"unknown flag", []string{"graph", "--this-is-not-a-valid-flag"}, "unknown flag"},
		{"bad log format", []string{"graph", "--log-format", "yaml"}, "invalid log-format"},
		{"bad log level", []string{"graph", "--log-level", "trace"}, "invalid log-level"},
		{"negative frames", []string{"run", "-n", "-1"}, "frames must not be negative"},
		{"unsupported stream", []string{"graph", "-s", "1000x1000"}, "invalid stream set"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Execute(context.Background(), tt.args, &bytes.Buffer{}, &bytes.Buffer{})
			var exitErr *ExitError
			require.ErrorAs(t, err, &exitErr)
			assert.Equal(t, 2, exitErr.Code)
			assert.Contains(t, exitErr.Message, tt.msg)
		})
	}
}

func TestExecute_Help(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	require.NoError(t, Execute(context.Background(), []string{"--help"}, &out, &bytes.Buffer{}))
	assert.Contains(t, out.String(), "Usage:")
	assert.Contains(t, out.String(), "graph")
}
