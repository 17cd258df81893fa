// Package telemetry sets up OpenTelemetry tracing and metrics for the
// service and records task lifecycle metrics from emitted events.
package telemetry
