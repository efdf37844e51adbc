package log_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/CZERTAINLY/msfharvest/internal/log"

	"github.com/stretchr/testify/require"
)

func TestContextAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := slog.New(log.NewContextHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := log.ContextAttrs(t.Context(), slog.String("worker", "1"))
	ctx2 := log.ContextAttrs(ctx, slog.String("module", "exploit/a"))
	sibling := log.ContextAttrs(ctx, slog.String("module", "exploit/b"))

	logger.InfoContext(ctx2, "hello")
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "1", rec["worker"])
	require.Equal(t, "exploit/a", rec["module"])

	buf.Reset()
	logger.InfoContext(sibling, "hello")
	rec = nil
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "exploit/b", rec["module"])
}

func TestNewWithFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "msfharvest.log")
	logger, closer := log.New(log.Options{Verbose: true, JSON: true, File: path, MaxSizeMB: 1})
	t.Cleanup(func() { _ = closer.Close() })
	logger.Debug("debug record")
	require.FileExists(t, path)
}
