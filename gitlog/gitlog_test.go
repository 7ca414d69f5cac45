package gitlog

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromContextReturnsNoOpByDefault(t *testing.T) {
	t.Parallel()
	got := FromContext(context.Background())
	require.Equal(t, NoOp, got)
}

func TestWithContextLoggerRoundtrips(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := NewSlogLogger(slog.New(slog.NewTextHandler(&buf, nil)))

	ctx := WithContextLogger(context.Background(), logger)
	got := FromContext(ctx)
	got.Info("hello", "key", "value")

	require.Contains(t, buf.String(), "hello")
	require.Contains(t, buf.String(), "key=value")
}

func TestNoOpLoggerDoesNothing(t *testing.T) {
	t.Parallel()
	require.NotPanics(t, func() {
		NoOp.Debug("x")
		NoOp.Info("x")
		NoOp.Warn("x")
		NoOp.Error("x")
	})
}
