// Package telemetry wires OpenTelemetry tracing and metrics export plus
// Sentry error capture for ingestd.
//
// # Usage
//
//	cfg := telemetry.FromAppConfig(appCfg.Telemetry, version)
//	tel, err := telemetry.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
// Packages create spans from the global provider:
//
//	var tracer = otel.Tracer("ingestd.pipeline")
//	ctx, span := tracer.Start(ctx, "pipeline.Run")
//	defer span.End()
//
// # Configuration
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  protocol: grpc        # or http/protobuf
//	  sample_rate: 1.0
//	sentry:
//	  dsn: "https://key@o0.ingest.sentry.io/0"
//	  environment: production
//
// Telemetry is disabled by default. Export failures never stop the process;
// the instance degrades to the global no-op providers.
//
// # Testing
//
//	tt := telemetry.NewTestTelemetry()
//	defer tt.Install()()
//	// ... run code that starts spans ...
//	tt.AssertSpanExists(t, "pipeline.Run")
package telemetry
