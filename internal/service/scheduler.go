package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/timmy/vectorinfinity/internal/config"
	"github.com/timmy/vectorinfinity/internal/logger"
	"github.com/timmy/vectorinfinity/internal/repository"
	"github.com/timmy/vectorinfinity/internal/source"
)

// Scheduler starts imports for every enabled binding once a day.
type Scheduler struct {
	runner   *Runner
	bindings *repository.BindingRepository
	registry *source.Registry
	hour     int
	minute   int
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// ScheduleReport summarizes one scheduled pass.
type ScheduleReport struct {
	Started int
	Skipped int
	Failed  int
}

// NewScheduler creates a Scheduler firing daily at dailyTime ("HH:MM",
// local time).
func NewScheduler(runner *Runner, bindings *repository.BindingRepository, registry *source.Registry, dailyTime string) (*Scheduler, error) {
	hour, minute, err := config.ParseClock(dailyTime)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		runner:   runner,
		bindings: bindings,
		registry: registry,
		hour:     hour,
		minute:   minute,
		now:      time.Now,
	}, nil
}

// NextRun returns the first daily fire time strictly after now.
func NextRun(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Start runs the daily loop until Stop is called or ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(logger.SetComponent(ctx, "scheduler"))
	s.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		for {
			next := NextRun(s.now(), s.hour, s.minute)
			logger.CtxInfo(ctx, "Next scheduled import at %s", next.Format(time.RFC3339))
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				s.RunOnce(ctx)
			}
		}
	}(s.done)
}

// Stop ends the loop and waits for it to exit. Imports already started keep
// running under the runner.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// RunOnce starts imports for every enabled binding of every active account.
// Sources that need a file upload and pairs already running are skipped.
func (s *Scheduler) RunOnce(ctx context.Context) ScheduleReport {
	var report ScheduleReport
	bindings, err := s.bindings.ListEnabled(ctx)
	if err != nil {
		logger.CtxError(ctx, "Scheduled import: failed to list bindings: %v", err)
		return report
	}

	for _, b := range bindings {
		caps, err := s.registry.Capabilities(b.SourceName)
		if err != nil {
			logger.CtxWarn(ctx, "Scheduled import: skipping unknown source %s for account %s", b.SourceName, b.AccountID)
			report.Skipped++
			continue
		}
		if caps.RequiresFileUpload {
			report.Skipped++
			continue
		}

		runID, err := s.runner.Start(ctx, StartRequest{AccountID: b.AccountID, SourceName: b.SourceName})
		switch {
		case errors.Is(err, ErrAlreadyRunning):
			logger.CtxInfo(ctx, "Scheduled import: %s for account %s already running", b.SourceName, b.AccountID)
			report.Skipped++
		case err != nil:
			logger.CtxError(ctx, "Scheduled import: failed to start %s for account %s: %v", b.SourceName, b.AccountID, err)
			report.Failed++
		default:
			logger.CtxInfo(ctx, "Scheduled import started: run %s (%s, account %s)", runID, b.SourceName, b.AccountID)
			report.Started++
		}
	}

	logger.With(logger.Fields{
		"started": report.Started,
		"skipped": report.Skipped,
		"failed":  report.Failed,
	}).Info(ctx, "Scheduled import pass finished")
	return report
}
