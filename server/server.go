package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-provider/instrumentation"
	"github.com/giantswarm/oauth-provider/security"
	"github.com/giantswarm/oauth-provider/storage"
)

// touchTimeout bounds the background last-used update after userinfo
const touchTimeout = 5 * time.Second

// safeTruncate safely truncates a string to maxLen characters without panicking.
// Used to log prefixes of codes and tokens.
func safeTruncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// Server implements the authorization server: client registry, consent
// ledger, authorization decisions, token grants, userinfo and revocation.
// It holds no request state; the store is the source of truth.
type Server struct {
	store           storage.Store
	scopes          *ScopeRegistry
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	metrics         *instrumentation.Metrics
	Logger          *slog.Logger
	Config          *Config

	now        func() time.Time
	background sync.WaitGroup
}

// New creates a new OAuth server
func New(store storage.Store, config *Config, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Apply secure defaults
	config = applySecureDefaults(config, logger)

	scopes, err := NewScopeRegistry(config.SupportedScopes, config.DefaultScope)
	if err != nil {
		return nil, fmt.Errorf("invalid scope configuration: %w", err)
	}

	inst, err := instrumentation.New(instrumentation.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create instrumentation: %w", err)
	}

	srv := &Server{
		store:  store,
		scopes: scopes,
		Logger: logger,
		Config: config,
		now:    time.Now,
	}
	srv.SetInstrumentation(inst)

	return srv, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetInstrumentation sets OpenTelemetry instrumentation for spans and metrics
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	s.Instrumentation = inst
	s.tracer = inst.Tracer("server")
	s.metrics = inst.Metrics()
}

// SetClock replaces the time source. Intended for tests.
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
}

// Scopes returns the scope registry
func (s *Server) Scopes() *ScopeRegistry {
	return s.scopes
}

// Wait blocks until background writes started by request handling finish
func (s *Server) Wait() {
	s.background.Wait()
}

func (s *Server) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "oauth."+name)
}

// endSpan records err on span, if any, and ends it
func endSpan(span trace.Span, err error) {
	if err != nil {
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	span.End()
}

func attrGrantType(grantType string) attribute.KeyValue {
	return attribute.String(instrumentation.AttrGrantType, grantType)
}

func (s *Server) expired(expiresAt time.Time) bool {
	return security.IsExpiredAt(expiresAt, s.now(), s.Config.grace())
}

// storageError wraps an unexpected store failure. The kind is left empty
// so the HTTP layer answers with a generic server error.
func storageError(op string, err error) error {
	return fmt.Errorf("%s: %w", op, err)
}
