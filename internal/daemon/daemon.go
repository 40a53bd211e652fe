// Package daemon runs the continuous control loop: the interval scheduler
// and the HTTP control surface under one actor group with graceful shutdown.
package daemon

import (
	"context"
	"errors"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/rs/zerolog"

	"github.com/rizy44/secops-misconfig-detection-and-remediation/audit"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/internal/api"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/orchestrator"
	"github.com/rizy44/secops-misconfig-detection-and-remediation/scheduler"
)

// Config holds daemon configuration
type Config struct {
	Interval        time.Duration
	APIAddr         string
	ShutdownTimeout time.Duration
}

// Daemon manages the continuous loop
type Daemon struct {
	scheduler *scheduler.Scheduler
	api       *api.Server
	orch      *orchestrator.Orchestrator
	store     *audit.Store
	metrics   *Metrics
	logger    zerolog.Logger
	startTime time.Time
}

// New wires the scheduler and control surface around an orchestrator.
// Metrics are best effort: the daemon runs without them if instrument
// creation fails.
func New(cfg Config, orch *orchestrator.Orchestrator, store *audit.Store, logger zerolog.Logger) *Daemon {
	d := &Daemon{
		orch:      orch,
		store:     store,
		logger:    logger.With().Str("component", "daemon").Logger(),
		startTime: time.Now(),
	}

	metrics, err := NewMetrics()
	if err != nil {
		d.logger.Warn().Err(err).Msg("daemon metrics disabled")
	}
	d.metrics = metrics

	d.scheduler = scheduler.New(cfg.Interval, d.runCycle, logger)
	d.api = api.NewServer(api.Config{
		Addr:            cfg.APIAddr,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, store, d.scheduler, orch, logger)
	return d
}

// Run blocks until a signal arrives or the context is cancelled. Shutdown
// cancels the in-flight cycle, drains the HTTP server, and waits for
// background verifications and suggestion generations.
func (d *Daemon) Run(ctx context.Context) error {
	var g run.Group

	g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	loopCtx, cancelLoop := context.WithCancel(ctx)
	g.Add(func() error {
		return d.scheduler.Run(loopCtx)
	}, func(error) {
		cancelLoop()
	})

	g.Add(func() error {
		return d.api.ListenAndServe()
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := d.api.Shutdown(shutdownCtx); err != nil {
			d.logger.Error().Err(err).Msg("control surface shutdown failed")
		}
	})

	d.logger.Info().Msg("daemon started")
	err := g.Run()
	d.orch.Wait()
	d.logger.Info().
		Dur("uptime", time.Since(d.startTime)).
		Msg("daemon stopped")

	var sig run.SignalError
	if errors.As(err, &sig) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runCycle executes one orchestrated cycle and records its metrics
func (d *Daemon) runCycle(ctx context.Context) error {
	result, err := d.orch.RunCycle(ctx)

	open, statsErr := d.store.OpenFindings()
	if statsErr != nil {
		d.logger.Error().Err(statsErr).Msg("failed to count open findings")
	}
	d.metrics.RecordCycle(ctx, result, len(open))
	return err
}
