package daemon

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rizy44/secops-misconfig-detection-and-remediation/audit"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/normalize"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/orchestrator"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/remediation"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/runbook"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/scanner"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/suggest"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/triage"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/types"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/verify"
)

type countingAdapter struct {
	scans atomic.Int32
}

func (a *countingAdapter) Name() string { return "resource-graph" }

func (a *countingAdapter) Scan(ctx context.Context, targets []scanner.Target) ([]types.RawFinding, error) {
	a.scans.Add(1)
	return nil, nil
}

func newTestDaemon(t *testing.T, adapter scanner.Adapter) (*Daemon, *audit.Store) {
	t.Helper()

	store, err := audit.Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	runner := scanner.NewRunner([]scanner.Adapter{adapter}, 1, time.Second, zerolog.Nop())
	normalizer, err := normalize.New(store, nil, 2, zerolog.Nop())
	require.NoError(t, err)
	catalog, err := runbook.ParseCatalog([]byte("{}"))
	require.NoError(t, err)

	orch := orchestrator.New(
		runner,
		normalizer,
		triage.New(catalog, types.SeverityHigh, nil, "test", zerolog.Nop()),
		remediation.NewEngine(store, nil, time.Second, zerolog.Nop()),
		verify.New(store, runner, 0, 1, time.Millisecond, zerolog.Nop()),
		suggest.NewService(nil, store, time.Second, zerolog.Nop()),
		catalog,
		store,
		zerolog.Nop(),
	)

	cfg := Config{
		Interval: 20 * time.Millisecond,
		APIAddr:  "127.0.0.1:0",
	}
	return New(cfg, orch, store, zerolog.Nop()), store
}

func TestDaemonRunsCyclesUntilCancelled(t *testing.T) {
	adapter := &countingAdapter{}
	d, _ := newTestDaemon(t, adapter)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return adapter.scans.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}

func TestDaemonShutdownIsClean(t *testing.T) {
	d, _ := newTestDaemon(t, &countingAdapter{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}
