// Copyright (c) Drover Systems
// SPDX-License-Identifier: Apache-2.0

// Package supervisor keeps a fixed fleet of worker processes running and
// publishes their membership transitions. It is the sole authority on
// worker liveness: the broker learns about workers exclusively through
// the UP and DOWN events emitted here.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/drover-io/drover/config"
)

// EventSink receives membership transitions. *event.Publisher satisfies it.
type EventSink interface {
	Up(workerID string) error
	Down(workerID string) error
}

// Supervisor launches a fixed set of named workers, restarts them when
// they die, and pairs every start with an UP and every exit with a DOWN.
type Supervisor struct {
	cfg      config.SupervisorConfig
	logger   *slog.Logger
	launcher Launcher
	events   EventSink

	// limiter caps restart churn across the whole fleet so a crash loop
	// in one worker cannot monopolize the machine.
	limiter *rate.Limiter

	mu    sync.Mutex
	procs map[string]Process

	wg sync.WaitGroup
}

// New creates a supervisor for cfg.Workers identities named
// "<prefix>-1" through "<prefix>-N".
func New(cfg config.SupervisorConfig, launcher Launcher, events EventSink, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:      cfg,
		logger:   logger,
		launcher: launcher,
		events:   events,
		limiter:  rate.NewLimiter(rate.Limit(cfg.Restart.Rate), cfg.Restart.Burst),
		procs:    make(map[string]Process),
	}
}

// Run starts the fleet and blocks until the context is cancelled, then
// terminates every worker: SIGTERM first, SIGKILL for stragglers after
// the shutdown timeout. A DOWN is published for every exit, including
// the ones Run causes.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("supervisor starting",
		slog.Int("workers", s.cfg.Workers),
		slog.String("prefix", s.cfg.NamePrefix))

	for i := 1; i <= s.cfg.Workers; i++ {
		id := fmt.Sprintf("%s-%d", s.cfg.NamePrefix, i)
		s.wg.Add(1)
		go s.manage(ctx, id)
	}

	<-ctx.Done()

	s.logger.Info("supervisor shutdown initiated")
	s.terminate()
	s.logger.Info("supervisor stopped")
	return nil
}

// manage owns one worker identity for the life of the supervisor. Each
// incarnation runs until it exits; crashes restart it with exponential
// backoff, reset once an incarnation survives the healthy threshold.
func (s *Supervisor) manage(ctx context.Context, id string) {
	defer s.wg.Done()

	logger := s.logger.With(slog.String("worker", id))
	delay := s.cfg.Restart.InitialInterval

	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}

		proc, err := s.launcher.Launch(id)
		if err != nil {
			logger.Error("worker launch failed", slog.Any("error", err))
			if !s.pause(ctx, delay) {
				return
			}
			delay = s.nextDelay(delay)
			continue
		}

		s.track(id, proc)
		started := time.Now()

		if ctx.Err() != nil {
			// Shutdown raced the launch; terminate() may have missed
			// this process.
			_ = proc.Signal(syscall.SIGTERM)
		}

		if err := s.events.Up(id); err != nil {
			logger.Warn("failed to publish UP", slog.Any("error", err))
		}
		logger.Info("worker started")

		waitErr := proc.Wait()
		s.untrack(id)

		if err := s.events.Down(id); err != nil {
			logger.Warn("failed to publish DOWN", slog.Any("error", err))
		}

		if ctx.Err() != nil {
			logger.Info("worker stopped")
			return
		}

		uptime := time.Since(started)
		logger.Warn("worker exited",
			slog.Duration("uptime", uptime),
			slog.Any("error", waitErr))

		if uptime >= s.cfg.Restart.HealthyAfter {
			delay = s.cfg.Restart.InitialInterval
		}
		if !s.pause(ctx, delay) {
			return
		}
		delay = s.nextDelay(delay)
	}
}

// terminate drains the fleet: SIGTERM everything, wait up to the
// shutdown timeout, then SIGKILL whatever is left.
func (s *Supervisor) terminate() {
	s.mu.Lock()
	for id, proc := range s.procs {
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			s.logger.Warn("failed to signal worker",
				slog.String("worker", id),
				slog.Any("error", err))
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all workers exited gracefully")
	case <-time.After(s.cfg.ShutdownTimeout):
		s.logger.Warn("shutdown timeout exceeded, killing remaining workers")
		s.mu.Lock()
		for id, proc := range s.procs {
			if err := proc.Kill(); err != nil {
				s.logger.Warn("failed to kill worker",
					slog.String("worker", id),
					slog.Any("error", err))
			}
		}
		s.mu.Unlock()
		<-done
	}
}

func (s *Supervisor) track(id string, proc Process) {
	s.mu.Lock()
	s.procs[id] = proc
	s.mu.Unlock()
}

func (s *Supervisor) untrack(id string) {
	s.mu.Lock()
	delete(s.procs, id)
	s.mu.Unlock()
}

// pause sleeps for d, or returns false early if the context ends.
func (s *Supervisor) pause(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Supervisor) nextDelay(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * s.cfg.Restart.Multiplier)
	if next > s.cfg.Restart.MaxInterval {
		next = s.cfg.Restart.MaxInterval
	}
	return next
}
