// Package telemetry provides observability instrumentation for ReliefMesh.
//
// The telemetry package integrates structured logging (zerolog), distributed
// tracing (OpenTelemetry), and Prometheus metrics into a unified system for
// monitoring the request pipeline.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "reliefmesh"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// Add telemetry to context:
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context
// propagation:
//
//	logger := tel.Logger.NewComponentLogger("engine")
//	logger = logger.WithRequestID("req-123").WithStage("damage-analysis")
//	logger.Info("Starting damage assessment")
//	logger.WithError(err).Error("Assessment failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Stage handlers and external function calls get dedicated spans:
//
//	ctx = telemetry.WithStageContext(ctx, "damage-analysis", requestID, attempt)
//	defer telemetry.EndStageContext(ctx, "damage-analysis", outcome, err)
//
//	err := telemetry.RecordExternalCall(ctx, "analyze-imagery", requestID,
//	    func(ctx context.Context) error {
//	        return analyzer.Analyze(ctx, req)
//	    })
//
// Supported trace exporters: "otlp" (production), "stdout" (development),
// "none" (testing).
//
// # Metrics
//
// Key metrics exposed at /metrics (default: :9090/metrics):
//
//	reliefmesh_requests_submitted_total{region}
//	reliefmesh_requests_rejected_total{reason}
//	reliefmesh_stage_executions_total{stage,outcome}
//	reliefmesh_stage_duration_seconds{stage}
//	reliefmesh_stage_claims_total{stage,outcome}
//	reliefmesh_triggers_published_total{topic}
//	reliefmesh_trigger_redeliveries_total{topic}
//	reliefmesh_dead_letters_total{topic}
//	reliefmesh_trigger_queue_depth{topic}
//	reliefmesh_external_calls_total{function,outcome}
//	reliefmesh_external_call_duration_seconds{function}
//	reliefmesh_errors_by_class_total{class}
//
// # Graceful Shutdown
//
// Always shut down telemetry gracefully to flush pending traces:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//	if err := tel.Shutdown(ctx); err != nil {
//	    log.Printf("telemetry shutdown error: %v", err)
//	}
package telemetry
