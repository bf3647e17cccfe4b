// Package sweep flushes batches whose age threshold passed while no new
// files arrived for their location.
package sweep

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	// DefaultSchedule runs a sweep every 30 seconds.
	DefaultSchedule = "*/30 * * * * *"
	stopTimeout     = 15 * time.Second
)

// Sweeper is the engine operation a sweep runs.
type Sweeper interface {
	SweepPending(ctx context.Context) (int, error)
}

type Scheduler struct {
	cronRunner *cron.Cron
	sweeper    Sweeper
	ctx        context.Context
	cancel     context.CancelFunc
	logf       func(format string, args ...any)
	entry      cron.EntryID
}

// NewScheduler registers the sweep on schedule, a cron expression with a
// seconds field. Overlapping runs are skipped and panics are recovered.
func NewScheduler(sweeper Sweeper, schedule string, logf func(string, ...any)) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if logf == nil {
		logf = log.Printf
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cronRunner: cron.New(
			cron.WithSeconds(),
			cron.WithChain(
				cron.SkipIfStillRunning(cron.DefaultLogger),
				cron.Recover(cron.DefaultLogger),
			),
		),
		sweeper: sweeper,
		ctx:     ctx,
		cancel:  cancel,
		logf:    logf,
	}
	entry, err := s.cronRunner.AddFunc(schedule, s.RunOnce)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	s.entry = entry
	return s, nil
}

// RunOnce sweeps every location now.
func (s *Scheduler) RunOnce() {
	flushed, err := s.sweeper.SweepPending(s.ctx)
	if err != nil {
		s.logf("sweep failed after %d flushes: %v", flushed, err)
		return
	}
	if flushed > 0 {
		s.logf("sweep flushed %d batches", flushed)
	}
}

// Next is the time of the next scheduled sweep, zero before Start.
func (s *Scheduler) Next() time.Time {
	return s.cronRunner.Entry(s.entry).Next
}

func (s *Scheduler) Start() {
	s.cronRunner.Start()
}

// Stop cancels a running sweep and waits for it to return.
func (s *Scheduler) Stop() {
	s.cancel()
	done := s.cronRunner.Stop()
	select {
	case <-done.Done():
	case <-time.After(stopTimeout):
		s.logf("sweep scheduler shutdown timed out")
	}
}
