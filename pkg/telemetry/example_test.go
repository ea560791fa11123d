package telemetry_test

import (
	"context"
	"fmt"
	"time"

	"github.com/sentinelmesh/oversight/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	// Create configuration
	cfg := telemetry.DefaultConfig()
	cfg.ServiceName = "oversight"
	cfg.ServiceVersion = "1.0.0"

	// Initialize telemetry
	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	// Start metrics server (non-blocking)
	if err := tel.StartMetricsServer(); err != nil {
		panic(err)
	}

	// Add telemetry to context
	ctx := tel.WithContext(context.Background())

	// Use telemetry
	logger := telemetry.FromContext(ctx)
	logger.Info("pipeline started")

	// Output can vary, so we don't specify output for this example
}

// Example_structuredLogging demonstrates structured logging features.
func Example_structuredLogging() {
	cfg := telemetry.DevelopmentConfig()
	cfg.Logging.Output = "stdout"

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	// Component-specific logger
	logger := tel.Logger.NewComponentLogger("decision")

	// Add context fields
	logger = logger.WithFields(map[string]interface{}{
		"run_id":   "run-123",
		"event_id": "ev_r1_port_scan",
	})

	// Log at different levels
	logger.Debug("evaluating approvers")
	logger.Info("task approved")
	logger.Warn("task held by risk budget")

	// Log with error
	err := fmt.Errorf("risk store unavailable")
	logger.WithError(err).Error("failed to increment risk counter")

	// Output varies, no output specified
}

// Example_distributedTracing demonstrates distributed tracing usage.
func Example_distributedTracing() {
	cfg := telemetry.DevelopmentConfig()
	cfg.Tracing.Exporter = "stdout"

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	// Start a span
	ctx, span := tel.Tracer.Start(ctx, "run.execute")
	defer span.End()

	// Add attributes
	span.SetAttributes(
		attribute.String("run.id", "run-789"),
		attribute.Int("readings", 5),
	)

	// Add event
	span.AddEvent("ingest.complete")

	// Nested span
	_, childSpan := tel.Tracer.StartStageSpan(ctx, "decision")
	defer childSpan.End()

	childSpan.SetAttributes(
		attribute.String("event.id", "ev_r1_port_scan"),
	)

	// Simulate work
	time.Sleep(10 * time.Millisecond)

	// Record success
	telemetry.RecordSuccess(childSpan)

	// Output varies, no output specified
}

// Example_metricsCollection demonstrates metrics collection.
func Example_metricsCollection() {
	cfg := telemetry.DefaultConfig()
	cfg.Metrics.Enabled = true

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	// Record run metrics
	tel.Metrics.RecordRunStarted()

	// Simulate run execution
	start := time.Now()
	time.Sleep(50 * time.Millisecond)
	duration := time.Since(start)

	tel.Metrics.RecordRunCompleted("succeeded", duration)

	// Record stage-level metrics
	tel.Metrics.RecordEventEmitted("cyber", "critical")
	tel.Metrics.RecordTaskDecided("approved")
	tel.Metrics.RecordGuardrailDrop("per_domain", 1)

	fmt.Println("Metrics recorded successfully")
	// Output: Metrics recorded successfully
}

// Example_eventPublishing demonstrates event publishing and subscription.
func Example_eventPublishing() {
	cfg := telemetry.DefaultConfig()
	cfg.Events.Enabled = true
	cfg.Events.EnableAsync = false // Synchronous for example

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	// Subscribe to events
	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
	}, nil) // No filter, receive all events

	// Publish events
	tel.Events.PublishRunStarted("run-123")
	tel.Events.PublishStageStarted("run-123", "decision")
	tel.Events.PublishStageCompleted("run-123", "decision", 25*time.Millisecond)

	// Output varies due to async nature, no output specified
}

// Example_runInstrumentation demonstrates instrumenting a complete run.
func Example_runInstrumentation() {
	cfg := telemetry.DevelopmentConfig()
	cfg.Logging.Output = "stderr" // keep log lines out of the example output
	cfg.Tracing.Exporter = "none" // keep exported spans out of the example output
	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	// Start run context
	runID := "run-123"
	ctx = telemetry.WithRunContext(ctx, runID)

	// Execute run (simulated)
	executeRun(ctx, runID)

	// End run context
	telemetry.EndRunContext(ctx, runID, "succeeded", nil)

	fmt.Println("Run instrumentation complete")
	// Output: Run instrumentation complete
}

func executeRun(ctx context.Context, runID string) {
	stage := "guardrails"

	ctx = telemetry.WithStageContext(ctx, runID, stage)

	// Get logger from context
	logger := telemetry.FromContext(ctx)
	logger.Info("applying rate limits")

	// Simulate work
	time.Sleep(10 * time.Millisecond)

	// End stage context
	telemetry.EndStageContext(ctx, runID, stage, nil)
}

// Example_instrumentedOperation demonstrates using the InstrumentedContext helper.
func Example_instrumentedOperation() {
	cfg := telemetry.DevelopmentConfig()
	cfg.Logging.Output = "stderr" // keep log lines out of the example output
	cfg.Tracing.Exporter = "none" // keep exported spans out of the example output
	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	// Start instrumented operation
	ic := telemetry.StartOperation(ctx, "validate_config",
		attribute.String("config.path", "/etc/oversight/config.yaml"),
	)
	defer ic.End(nil)

	// Use the instrumented context
	ic.Logger.Info("validating configuration")

	// Simulate validation
	time.Sleep(5 * time.Millisecond)

	ic.Logger.Debug("configuration validation complete")

	fmt.Println("Operation instrumentation complete")
	// Output: Operation instrumentation complete
}

// Example_eventFiltering demonstrates event filtering.
func Example_eventFiltering() {
	cfg := telemetry.DefaultConfig()
	cfg.Events.Enabled = true
	cfg.Events.EnableAsync = false

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	// Subscribe with level filter (only warnings and errors)
	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("Important event: %s\n", event.Type)
	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))

	// Subscribe with type filter (only risk holds)
	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("Risk event: %s\n", event.Message)
	}, telemetry.FilterByType(telemetry.EventTypeRiskHoldTriggered))

	// Publish various events
	tel.Events.PublishRunStarted("run-123")                          // Info - filtered by level filter
	tel.Events.PublishRiskHoldTriggered("task-1", "default", 2)      // Warning - passes level filter
	tel.Events.PublishRunFailed("run-123", "audit tampered")         // Error - passes level filter

	// Output varies, no output specified
}

// Example_productionConfiguration demonstrates production-ready configuration.
func Example_productionConfiguration() {
	cfg := telemetry.ProductionConfig()

	// Customize for your environment
	cfg.ServiceName = "oversight"
	cfg.ServiceVersion = "1.2.3"
	cfg.Environment = "production"

	// Configure OTLP exporter
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.Endpoint = "otel-collector.monitoring.svc.cluster.local:4317"
	cfg.Tracing.SamplingRate = 0.1 // 10% sampling
	cfg.Tracing.Insecure = false   // Use TLS in production

	// Configure metrics
	cfg.Metrics.ListenAddress = ":9090"
	cfg.Metrics.Namespace = "oversight"

	// Configure events
	cfg.Events.BufferSize = 10000
	cfg.Events.FlushInterval = 5 * time.Second

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	fmt.Println("Production configuration validated")
	// Output: Production configuration validated
}

// Example_errorRecording demonstrates error recording with proper classification.
func Example_errorRecording() {
	cfg := telemetry.DevelopmentConfig()
	cfg.Logging.Output = "stderr" // keep log lines out of the example output
	cfg.Tracing.Exporter = "none" // keep exported spans out of the example output
	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	// Start a span
	ctx, span := tel.Tracer.Start(ctx, "risk_store.increment")
	defer span.End()

	// Simulate an error
	err := fmt.Errorf("sqlite busy timeout")

	if err != nil {
		// Record error on span
		telemetry.RecordError(span, err)

		// Record error metric
		tel.Metrics.RecordRiskStoreError()

		// Log error
		logger := telemetry.FromContext(ctx)
		logger.WithError(err).Error("risk counter increment failed")
	}

	fmt.Println("Error recording complete")
	// Output: Error recording complete
}

// Example_multipleComponents demonstrates telemetry in a multi-component system.
func Example_multipleComponents() {
	cfg := telemetry.DevelopmentConfig()
	cfg.Logging.Output = "stderr" // keep log lines out of the example output
	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	// Component-specific loggers
	ingestLogger := tel.Logger.NewComponentLogger("ingest")
	rulesLogger := tel.Logger.NewComponentLogger("rules")
	exportLogger := tel.Logger.NewComponentLogger("export")

	ingestLogger.Info("scenario loaded")
	rulesLogger.Info("evaluating rule set")
	exportLogger.Info("writing sinks")

	fmt.Println("Multi-component logging complete")
	// Output: Multi-component logging complete
}
