package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func newJSONRecorder() (*bytes.Buffer, *slog.Logger) {
	var buf bytes.Buffer
	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, &slog.HandlerOptions{})))

	return &buf, logger
}

func decodeEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	return entry
}

// spanCtx builds a valid recorded span context the way the otel SDK
// would during a traced transfer.
func spanCtx(t *testing.T) context.Context {
	t.Helper()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)

	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})

	return trace.ContextWithSpanContext(context.Background(), sc)
}

func TestTraceHandlerInjectsTraceFields(t *testing.T) {
	buf, logger := newJSONRecorder()

	logger.InfoContext(spanCtx(t), "download finished", "download_id", 42)

	entry := decodeEntry(t, buf)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", entry["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", entry["span_id"])
	assert.Equal(t, "download finished", entry["msg"])
	assert.Equal(t, float64(42), entry["download_id"])
}

func TestTraceHandlerSkipsFieldsWithoutSpan(t *testing.T) {
	buf, logger := newJSONRecorder()

	// Scheduler passes run outside any request span.
	logger.InfoContext(context.Background(), "scheduler started")

	entry := decodeEntry(t, buf)
	assert.NotContains(t, entry, "trace_id")
	assert.NotContains(t, entry, "span_id")
	assert.Equal(t, "scheduler started", entry["msg"])
}

func TestTraceHandlerDelegatesEnabled(t *testing.T) {
	h := NewTraceHandler(slog.NewJSONHandler(nil, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx := context.Background()
	assert.False(t, h.Enabled(ctx, slog.LevelInfo))
	assert.True(t, h.Enabled(ctx, slog.LevelWarn))
	assert.True(t, h.Enabled(ctx, slog.LevelError))
}

func TestTraceHandlerPreservesWrapperThroughAttrsAndGroups(t *testing.T) {
	var buf bytes.Buffer
	base := NewTraceHandler(slog.NewJSONHandler(&buf, &slog.HandlerOptions{}))

	withAttrs := base.WithAttrs([]slog.Attr{slog.String("component", "transfer")})
	require.IsType(t, &TraceHandler{}, withAttrs)

	grouped := withAttrs.WithGroup("download")
	require.IsType(t, &TraceHandler{}, grouped)

	logger := slog.New(grouped)
	logger.InfoContext(spanCtx(t), "attempt parked", "status", "waiting_to_retry")

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "transfer", entry["component"])

	// Record attrs, the injected trace fields included, are qualified
	// by the open group.
	group, ok := entry["download"].(map[string]any)
	require.True(t, ok, "expected a download group in %v", entry)
	assert.Equal(t, "waiting_to_retry", group["status"])
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", group["trace_id"])
}

func TestNewTraceHandlerRejectsNilHandler(t *testing.T) {
	assert.Panics(t, func() { NewTraceHandler(nil) })
}
