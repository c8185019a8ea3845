package ctxlog

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ctx := WithLogger(context.Background(), logger)
	FromContext(ctx).Info("Frame done.", "seq", 7)
	assert.Contains(t, buf.String(), "seq=7")

	assert.Panics(t, func() { FromContext(context.Background()) })
	assert.Panics(t, func() { FromContext(WithLogger(context.Background(), nil)) })
}
