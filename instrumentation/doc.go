// Package instrumentation provides OpenTelemetry metrics and tracing for the
// authorization server.
//
// Instrumentation defaults to no-op providers. Callers that want real
// exporters pass their own MeterProvider and TracerProvider:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "oauth-provider",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//		MeterProvider:  mp,
//		TracerProvider: tp,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	srv.SetInstrumentation(inst)
//
// Meters and tracers are scoped per layer ("http", "server", "storage",
// "security"). Storage backends wrap every call with StartStorageOp so that
// operation counts and latencies are reported uniformly across backends.
//
// Token and secret values are never recorded as attributes.
package instrumentation
