// Package telemetry provides the observability plumbing used by hostplay.
//
// It bundles four pieces behind the Telemetry type:
//
//   - Logger, a zerolog wrapper with run, play, host and task scoped helpers
//   - Metrics, a Prometheus registry with run, task, handler and rescue counters
//   - Tracer, OpenTelemetry spans for runs, plays and tasks (stdout or OTLP export)
//   - EventBus, an in-process fan-out of executor events to buffered subscribers
//
// Typical setup from the CLI:
//
//	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//	logger := telemetry.FromContext(ctx).NewComponentLogger("engine")
//
// Metrics built with Enabled=false and a nil *Metrics are both safe to call.
// The event bus never blocks a publisher; a subscriber that falls behind
// loses events rather than stalling the run.
package telemetry
