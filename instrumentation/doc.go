// Package instrumentation provides OpenTelemetry instrumentation for the
// authorization server.
//
// It exposes a single Instrumentation value holding a tracer provider, a
// meter provider, and the pre-registered metric instruments used by the HTTP
// handler, grant flows, storage backends, the CORS cache, and the cleanup
// tasks. When disabled, no-op providers are installed and recording has no
// cost.
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "authgate",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
package instrumentation
