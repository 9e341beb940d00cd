// Package poller drives a submitted job to a terminal state by querying the
// job backend at a fixed interval.
package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/kernelops/kdsync/internal/backend"
	"github.com/kernelops/kdsync/pkg/models"
)

// Clock abstracts time so the poll loop is testable without real waits.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

// Config bounds the polling loop.
type Config struct {
	// InitialWait is the grace period before the first status check.
	InitialWait time.Duration
	// CheckInterval is the fixed delay between checks.
	CheckInterval time.Duration
	// MaxWait bounds the total elapsed time before giving up with
	// TIMED_OUT. The job may still be running remotely after a timeout.
	MaxWait time.Duration
	// MaxConsecutiveFailures bounds transient status-check errors before
	// the run is promoted to FAILED.
	MaxConsecutiveFailures int
}

// Poller owns the QUEUED→RUNNING→{COMPLETE,FAILED,TIMED_OUT} state machine.
type Poller struct {
	backend backend.Backend
	clock   Clock
	cfg     Config
}

// New builds a poller. A nil clock means the wall clock.
func New(b backend.Backend, clock Clock, cfg Config) *Poller {
	if clock == nil {
		clock = realClock{}
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 3
	}
	return &Poller{backend: b, clock: clock, cfg: cfg}
}

// Wait drives run to a terminal state, mutating it in place. Calling Wait on
// an already-terminal run returns immediately without polling. The only
// error returned is context cancellation; backend failures end up recorded
// in the run itself.
func (p *Poller) Wait(ctx context.Context, run *models.JobRun) error {
	if run.State.Terminal() {
		return nil
	}
	if run.State == "" {
		run.State = models.JobQueued
	}

	start := p.clock.Now()
	if err := p.clock.Sleep(ctx, p.cfg.InitialWait); err != nil {
		return err
	}

	failures := 0
	for {
		if p.cfg.MaxWait > 0 && p.clock.Now().Sub(start) >= p.cfg.MaxWait {
			run.State = models.JobTimedOut
			run.ErrorDetail = fmt.Sprintf("no terminal state after %s; the job may still be running remotely", p.cfg.MaxWait)
			return nil
		}

		state, err := p.backend.Status(ctx, run.JobID)
		now := p.clock.Now()
		run.PollCount++
		run.LastPolledAt = &now

		if err != nil {
			failures++
			if failures >= p.cfg.MaxConsecutiveFailures {
				run.State = models.JobFailed
				run.ErrorDetail = fmt.Sprintf("status check failed %d times: %v", failures, err)
				return nil
			}
		} else {
			failures = 0
			p.advance(run, state)
			if run.State.Terminal() {
				return nil
			}
		}

		if err := p.clock.Sleep(ctx, p.cfg.CheckInterval); err != nil {
			return err
		}
	}
}

// advance applies a backend-reported state, keeping transitions monotonic:
// a RUNNING run never drops back to QUEUED on a stale read.
func (p *Poller) advance(run *models.JobRun, state models.JobState) {
	if run.State == models.JobRunning && state == models.JobQueued {
		return
	}
	run.State = state
	if state == models.JobFailed && run.ErrorDetail == "" {
		run.ErrorDetail = "job ended in FAILED state"
	}
}
