package daemon

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rizy44/secops-misconfig-detection-and-remediation/orchestrator"
)

// Metrics holds operational metrics using OTEL semantic conventions
type Metrics struct {
	cycles        metric.Int64Counter
	cycleDuration metric.Float64Histogram
	findingsNew   metric.Int64Counter
	openFindings  metric.Int64Gauge
}

// NewMetrics creates daemon metrics following OTEL semantic conventions
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("secops.daemon")

	cycles, err := meter.Int64Counter(
		"secops.daemon.cycles",
		metric.WithDescription("Number of scan cycles run"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return nil, err
	}

	cycleDuration, err := meter.Float64Histogram(
		"secops.daemon.cycle.duration",
		metric.WithDescription("Duration of scan cycles"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	findingsNew, err := meter.Int64Counter(
		"secops.daemon.findings.created",
		metric.WithDescription("Number of findings created by scan cycles"),
		metric.WithUnit("{finding}"),
	)
	if err != nil {
		return nil, err
	}

	openFindings, err := meter.Int64Gauge(
		"secops.daemon.findings.open",
		metric.WithDescription("Number of findings currently open"),
		metric.WithUnit("{finding}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		cycles:        cycles,
		cycleDuration: cycleDuration,
		findingsNew:   findingsNew,
		openFindings:  openFindings,
	}, nil
}

// RecordCycle records the outcome of one scan cycle
func (m *Metrics) RecordCycle(ctx context.Context, result *orchestrator.CycleResult, open int) {
	if m == nil || result == nil {
		return
	}
	m.cycles.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("success", result.Success),
	))
	m.cycleDuration.Record(ctx, result.Duration.Seconds())
	m.findingsNew.Add(ctx, int64(result.Created))
	m.openFindings.Record(ctx, int64(open))
}
