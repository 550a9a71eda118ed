package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultDrainSchedule drains the queue once a minute.
const DefaultDrainSchedule = "@every 1m"

// Drainer is the unit of work the scheduler runs.
type Drainer interface {
	Drain(ctx context.Context) (Report, error)
}

// Scheduler periodically drains the queue so entries released with a delay,
// or abandoned by a crashed process, are picked up without a new trigger.
// A run that is still going when the next tick fires is skipped.
type Scheduler struct {
	c      *cron.Cron
	job    cron.EntryID
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	manual sync.WaitGroup
}

// NewScheduler parses spec (standard five-field cron or a descriptor such
// as "@every 30s") and registers the drain job.
func NewScheduler(spec string, d Drainer, logger *zap.Logger) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultDrainSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	s := &Scheduler{c: c, logger: logger}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	id, err := c.AddFunc(spec, func() { s.run(d) })
	if err != nil {
		return nil, fmt.Errorf("parse drain schedule %q: %w", spec, err)
	}
	s.job = id
	return s, nil
}

func (s *Scheduler) run(d Drainer) {
	if _, err := d.Drain(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("scheduled drain failed", zap.Error(err))
	}
}

// Start begins firing the schedule in the background.
func (s *Scheduler) Start() {
	s.logger.Info("drain scheduler started", zap.Int("jobs", len(s.c.Entries())))
	s.c.Start()
}

// Trigger starts a drain now without waiting for the next tick. It is a
// no-op while a drain is already running.
func (s *Scheduler) Trigger() {
	job := s.c.Entry(s.job).WrappedJob
	if job == nil || s.ctx.Err() != nil {
		return
	}
	s.manual.Add(1)
	go func() {
		defer s.manual.Done()
		job.Run()
	}()
}

// Stop cancels a running drain and waits for it to settle its entry.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.c.Stop().Done()
	s.manual.Wait()
	s.logger.Info("drain scheduler stopped")
}
