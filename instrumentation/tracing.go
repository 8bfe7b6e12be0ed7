package instrumentation

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span and metric attribute keys
const (
	AttrHTTPMethod     = "http.method"
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPStatusCode = "http.status_code"

	AttrClientID   = "oauth.client_id"
	AttrUserID     = "oauth.user_id"
	AttrGrantType  = "oauth.grant_type"
	AttrScope      = "oauth.scope"
	AttrPKCE       = "oauth.pkce"
	AttrPKCEMethod = "oauth.pkce.method"
	AttrTokenFound = "oauth.token.found"
	AttrAppTrusted = "oauth.app.trusted"
	AttrAppPublic  = "oauth.app.public"
	AttrReason     = "oauth.reason"

	AttrStorageType      = "storage.type"
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"

	AttrRequestID = "request.id"
)

// Storage operation results
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// RecordError records an error on a span and marks it failed (nil-safe)
func RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

// SetSpanError marks a span as failed with a message (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Error, message)
}

// SetSpanAttributes adds attributes to a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}
	span.SetAttributes(attrs...)
}

// AddOAuthFlowAttributes adds OAuth flow attributes to a span (nil-safe)
func AddOAuthFlowAttributes(span trace.Span, clientID, userID, scope string) {
	var attrs []attribute.KeyValue
	if clientID != "" {
		attrs = append(attrs, attribute.String(AttrClientID, clientID))
	}
	if userID != "" {
		attrs = append(attrs, attribute.String(AttrUserID, userID))
	}
	if scope != "" {
		attrs = append(attrs, attribute.String(AttrScope, scope))
	}
	SetSpanAttributes(span, attrs...)
}

// AddPKCEAttributes adds PKCE-related attributes to a span (nil-safe)
func AddPKCEAttributes(span trace.Span, method string) {
	if method != "" {
		SetSpanAttributes(span, attribute.String(AttrPKCEMethod, method))
	}
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}

// StorageOp traces and meters a single storage backend call.
// Create one with StartStorageOp and call End with the operation's error.
type StorageOp struct {
	ctx       context.Context
	span      trace.Span
	inst      *Instrumentation
	backend   string
	operation string
	start     time.Time
}

// StartStorageOp starts a span for a storage operation. inst may be nil,
// in which case End is a no-op.
func StartStorageOp(ctx context.Context, inst *Instrumentation, backend, operation string) (context.Context, *StorageOp) {
	op := &StorageOp{
		ctx:       ctx,
		inst:      inst,
		backend:   backend,
		operation: operation,
		start:     time.Now(),
	}
	if inst == nil {
		return ctx, op
	}

	ctx, span := inst.Tracer("storage").Start(ctx, backend+"."+operation)
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, backend),
	)
	op.ctx = ctx
	op.span = span
	return ctx, op
}

// End finishes the span and records the operation metric
func (op *StorageOp) End(err error) {
	if op == nil || op.inst == nil {
		return
	}
	defer op.span.End()

	result := ResultSuccess
	if err != nil {
		result = ResultError
		RecordError(op.span, err)
	} else {
		SetSpanSuccess(op.span)
	}

	duration := float64(time.Since(op.start).Microseconds()) / 1000.0
	op.inst.Metrics().RecordStorageOperation(op.ctx, op.backend, op.operation, result, duration)
}
