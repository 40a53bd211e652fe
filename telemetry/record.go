package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Recording helpers for the domain instruments. Each one is a no-op until
// InitOTEL has run, so library code can record unconditionally and one-shot
// CLI paths that skip telemetry setup stay safe.

// RecordCycle records one completed scan cycle and its duration
func RecordCycle(ctx context.Context, seconds float64, success bool) {
	attrs := metric.WithAttributes(attribute.Bool("success", success))
	if ScanCycles != nil {
		ScanCycles.Add(ctx, 1, attrs)
	}
	if CycleDuration != nil {
		CycleDuration.Record(ctx, seconds, attrs)
	}
}

// RecordCycleSkipped records an interval tick dropped because a cycle was
// still running
func RecordCycleSkipped(ctx context.Context) {
	if ScanCyclesSkipped != nil {
		ScanCyclesSkipped.Add(ctx, 1)
	}
}

// RecordFindingsCreated records newly opened findings
func RecordFindingsCreated(ctx context.Context, n int) {
	if FindingsCreated != nil && n > 0 {
		FindingsCreated.Add(ctx, int64(n))
	}
}

// RecordFindingsResolved records findings that reached RESOLVED, with how
func RecordFindingsResolved(ctx context.Context, n int, how string) {
	if FindingsResolved != nil && n > 0 {
		FindingsResolved.Add(ctx, int64(n), metric.WithAttributes(attribute.String("how", how)))
	}
}

// RecordRemediationRun records a run reaching a terminal status
func RecordRemediationRun(ctx context.Context, status string) {
	if RemediationRuns != nil {
		RemediationRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}
}

// RecordVerification records a post-remediation verification outcome
func RecordVerification(ctx context.Context, outcome string) {
	if Verifications != nil {
		Verifications.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// RecordOpenFindings records the current number of open findings
func RecordOpenFindings(ctx context.Context, n int) {
	if OpenFindings != nil {
		OpenFindings.Record(ctx, int64(n))
	}
}
