// Package scheduler fires scan cycles on an interval with single-flight
// protection. A cycle still running when the next tick arrives causes the
// tick to be skipped outright, never queued.
package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/rizy44/secops-misconfig-detection-and-remediation/telemetry"
)

// ErrBusy is returned to manual triggers while a cycle is in flight.
var ErrBusy = errors.New("scan cycle already in flight")

// CycleFunc runs one full scan cycle.
type CycleFunc func(ctx context.Context) error

// Scheduler owns the interval loop and the in-flight token shared by timed
// and manual triggers.
type Scheduler struct {
	interval time.Duration
	cycle    CycleFunc
	inFlight atomic.Bool
	skipped  atomic.Int64
	logger   zerolog.Logger
}

func New(interval time.Duration, cycle CycleFunc, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		interval: interval,
		cycle:    cycle,
		logger:   logger.With().Str("component", "scheduler").Logger(),
	}
}

// Run fires a cycle immediately and then on every interval tick until ctx is
// cancelled. Ticks that find a cycle still running are skipped and counted;
// the next tick fires at its normal boundary.
func (s *Scheduler) Run(ctx context.Context) error {
	s.fire(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.fire(ctx)
		}
	}
}

// Trigger starts a cycle on demand. It obeys the same single-flight rule as
// the interval loop and reports ErrBusy instead of double-running.
func (s *Scheduler) Trigger(ctx context.Context) error {
	if !s.inFlight.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer s.inFlight.Store(false)

	s.logger.Info().Msg("Manual scan cycle triggered")
	return s.cycle(ctx)
}

// TriggerAsync claims the single-flight token and runs the cycle in the
// background, or reports ErrBusy immediately. Used by the control surface so
// a trigger request does not hang for the length of a cycle.
func (s *Scheduler) TriggerAsync(ctx context.Context) error {
	if !s.inFlight.CompareAndSwap(false, true) {
		return ErrBusy
	}

	s.logger.Info().Msg("Manual scan cycle triggered")
	go func() {
		defer s.inFlight.Store(false)
		if err := s.cycle(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Triggered scan cycle failed")
		}
	}()
	return nil
}

// Skipped returns how many interval ticks were dropped because a cycle was
// still running.
func (s *Scheduler) Skipped() int64 {
	return s.skipped.Load()
}

// fire runs a cycle in the background if the single-flight token is free.
func (s *Scheduler) fire(ctx context.Context) {
	if !s.inFlight.CompareAndSwap(false, true) {
		n := s.skipped.Add(1)
		telemetry.RecordCycleSkipped(ctx)
		s.logger.Warn().Int64("total_skipped", n).Msg("Scan cycle still running, skipping tick")
		return
	}

	go func() {
		defer s.inFlight.Store(false)
		start := time.Now()
		if err := s.cycle(ctx); err != nil {
			s.logger.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("Scan cycle failed")
			return
		}
		s.logger.Info().Dur("elapsed", time.Since(start)).Msg("Scan cycle complete")
	}()
}
