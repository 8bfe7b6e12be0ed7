package instrumentation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingInstrumentation(t *testing.T) (*Instrumentation, *tracetest.SpanRecorder) {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	inst, err := New(Config{Enabled: true, TracerProvider: tp})
	require.NoError(t, err)
	inst.RegisterShutdown(tp.Shutdown)
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })

	return inst, recorder
}

func TestSpanHelpers_NilSafe(t *testing.T) {
	assert.NotPanics(t, func() {
		RecordError(nil, errors.New("x"))
		SetSpanSuccess(nil)
		SetSpanError(nil, "x")
		SetSpanAttributes(nil)
		AddOAuthFlowAttributes(nil, "c", "u", "s")
		AddPKCEAttributes(nil, "S256")
		AddHTTPAttributes(nil, "GET", "/", 200)
	})
}

func TestRecordError_SetsStatus(t *testing.T) {
	inst, recorder := newRecordingInstrumentation(t)

	_, span := inst.Tracer("server").Start(context.Background(), "test-span")
	RecordError(span, errors.New("test error"))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "test error", spans[0].Status().Description)
}

func TestStorageOp(t *testing.T) {
	inst, recorder := newRecordingInstrumentation(t)

	_, op := StartStorageOp(context.Background(), inst, "memory", "GetClient")
	op.End(nil)

	_, op = StartStorageOp(context.Background(), inst, "memory", "DeleteClient")
	op.End(errors.New("not found"))

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "memory.GetClient", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Equal(t, "memory.DeleteClient", spans[1].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}

func TestStorageOp_NilInstrumentation(t *testing.T) {
	ctx := context.Background()
	got, op := StartStorageOp(ctx, nil, "memory", "GetClient")
	assert.Equal(t, ctx, got)
	assert.NotPanics(t, func() { op.End(errors.New("x")) })
}
