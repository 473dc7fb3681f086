// Package telemetry provides the observability plumbing of the converge agent.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry) and
// metrics (Prometheus) behind a single Telemetry value built from Config.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Logging.Level = "debug"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Logging
//
// Every reconciliation decision is logged with the resource path, the
// operation and, on failure, the underlying OS error:
//
//	logger := tel.Logger.NewComponentLogger("engine")
//	logger.WithResource("/etc/demo.conf", "edit").Info("editing")
//
// # Tracing
//
// One span is opened per run (Tracer.StartRunSpan) and one per resource call
// (StartReconcileSpan). Exporters: stdout, otlp (gRPC), none.
//
// # Metrics
//
// A one-shot agent has no scrape endpoint, so metrics are written to a
// node-exporter textfile on Shutdown when MetricsConfig.Textfile is set.
package telemetry
