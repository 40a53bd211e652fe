package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoggerEmitsServiceField(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger("secops", &buf)

	logger.Info().Str("finding_id", "fnd-00000001").Msg("finding created")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log entry is not JSON: %v", err)
	}
	if entry["service"] != "secops" {
		t.Errorf("service = %v, want secops", entry["service"])
	}
	if entry["finding_id"] != "fnd-00000001" {
		t.Errorf("finding_id = %v, want fnd-00000001", entry["finding_id"])
	}
}

func TestOTELHookSkipsEntriesWithoutSpan(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Hook(OTELHook{})

	logger.Info().Msg("no trace context")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log entry is not JSON: %v", err)
	}
	if _, ok := entry["trace_id"]; ok {
		t.Error("trace_id present without an active span")
	}
}

func TestRecordHelpersSafeBeforeInit(t *testing.T) {
	// One-shot CLI paths skip InitOTEL entirely; recording must be a no-op
	// rather than a nil instrument panic.
	ctx := context.Background()
	RecordCycle(ctx, 1.5, true)
	RecordCycleSkipped(ctx)
	RecordFindingsCreated(ctx, 3)
	RecordFindingsResolved(ctx, 2, "verified")
	RecordRemediationRun(ctx, "SUCCEEDED")
	RecordVerification(ctx, "resolved")
	RecordOpenFindings(ctx, 7)
}

func TestApplyConfigDefaults(t *testing.T) {
	cfg := applyConfigDefaults(Config{})
	if cfg.ServiceName != "secops" {
		t.Errorf("ServiceName = %q, want secops", cfg.ServiceName)
	}
	if cfg.OTELEndpoint == "" {
		t.Error("OTELEndpoint not defaulted")
	}

	cfg = applyConfigDefaults(Config{ServiceName: "custom", OTELEndpoint: "otel:4317"})
	if cfg.ServiceName != "custom" || cfg.OTELEndpoint != "otel:4317" {
		t.Errorf("explicit config overridden: %+v", cfg)
	}
}
