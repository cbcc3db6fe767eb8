// Package supervisor implements the Supervisor (C8): startup cleanup of
// exited sessions, periodic in-process health probing of the server
// core, exponential-backoff restart on crash, and graceful shutdown.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

const (
	healthInterval     = 10 * time.Second
	maxConsecutiveFail = 3
	stableResetAfter   = 5 * time.Minute
	startupSettleDelay = 2 * time.Second

	backoffMin = 2 * time.Second
	backoffMax = 60 * time.Second
)

// CoreFunc runs the supervised server core until ctx is cancelled or it
// crashes (returns a non-nil error for a reason other than
// context.Canceled).
type CoreFunc func(ctx context.Context) error

// HealthProbeFunc reports whether the core is currently healthy.
type HealthProbeFunc func(ctx context.Context) error

// CleanupFunc is invoked once at startup, after a short settle delay, to
// remove exited sessions left over from a previous run.
type CleanupFunc func() (int, error)

// Supervisor restarts a CoreFunc with exponential backoff whenever its
// health probe fails too many times in a row.
type Supervisor struct {
	logger  *zap.Logger
	probe   HealthProbeFunc
	cleanup CleanupFunc

	mu           sync.Mutex
	restartCount int
}

// New creates a Supervisor. probe and cleanup may be nil to disable
// health monitoring and startup cleanup respectively.
func New(logger *zap.Logger, probe HealthProbeFunc, cleanup CleanupFunc) *Supervisor {
	return &Supervisor{logger: logger, probe: probe, cleanup: cleanup}
}

// Run supervises core until ctx is cancelled, restarting it with
// exponential backoff on crash. It returns only once ctx is cancelled
// (graceful shutdown), and then returns nil.
func (s *Supervisor) Run(ctx context.Context, core CoreFunc) error {
	if s.cleanup != nil {
		go s.runStartupCleanup(ctx)
	}

	bo := &backoff.Backoff{
		Min:    backoffMin,
		Max:    backoffMax,
		Factor: 2,
		Jitter: true,
	}

	for {
		coreCtx, cancel := context.WithCancel(ctx)
		crashed := make(chan error, 1)

		go func() {
			crashed <- core(coreCtx)
		}()

		var healthDone chan struct{}
		if s.probe != nil {
			healthDone = make(chan struct{})
			go s.monitorHealth(coreCtx, cancel, healthDone)
		}

		select {
		case <-ctx.Done():
			cancel()
			<-crashed
			if healthDone != nil {
				<-healthDone
			}
			return nil

		case err := <-crashed:
			cancel()
			if healthDone != nil {
				<-healthDone
			}
			if ctx.Err() != nil {
				return nil
			}
			if err == nil {
				// Core returned cleanly without ctx cancellation — treat as
				// a crash so the supervisor keeps the server alive.
				if s.logger != nil {
					s.logger.Warn("server core exited unexpectedly, restarting")
				}
			} else if s.logger != nil {
				s.logger.Error("server core crashed, restarting", zap.Error(err))
			}

			s.mu.Lock()
			s.restartCount++
			s.mu.Unlock()

			delay := bo.Duration()
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		}
	}
}

func (s *Supervisor) runStartupCleanup(ctx context.Context) {
	timer := time.NewTimer(startupSettleDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	count, err := s.cleanup()
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("startup cleanup failed", zap.Error(err))
		}
		return
	}
	if s.logger != nil && count > 0 {
		s.logger.Info("startup cleanup removed exited sessions", zap.Int("count", count))
	}
}

// monitorHealth probes the core every healthInterval; after
// maxConsecutiveFail failures in a row it cancels coreCtx to force a
// restart. A stableResetAfter window of uninterrupted health resets the
// restart counter (reported to the caller via Supervisor.restartCount,
// not signalled here directly).
func (s *Supervisor) monitorHealth(ctx context.Context, cancelCore context.CancelFunc, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	consecutiveFailures := 0
	healthySince := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancelProbe := context.WithTimeout(ctx, healthInterval/2)
			err := s.probe(probeCtx)
			cancelProbe()

			if err != nil {
				consecutiveFailures++
				healthySince = time.Now()
				if s.logger != nil {
					s.logger.Warn("health probe failed", zap.Error(err), zap.Int("consecutive_failures", consecutiveFailures))
				}
				if consecutiveFailures >= maxConsecutiveFail {
					if s.logger != nil {
						s.logger.Error("health probe failed repeatedly, forcing restart")
					}
					cancelCore()
					return
				}
				continue
			}

			consecutiveFailures = 0
			if time.Since(healthySince) >= stableResetAfter {
				s.ResetRestartCount()
			}
		}
	}
}

// RestartCount returns how many times the core has been restarted.
func (s *Supervisor) RestartCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartCount
}

// ResetRestartCount zeroes the restart counter, used after a manual
// restart or a sustained period of stability.
func (s *Supervisor) ResetRestartCount() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restartCount = 0
}
