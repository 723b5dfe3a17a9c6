// Package scheduler runs the periodic processing cycle on cron schedules.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	cronv3 "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/kidager/dmarcpipe/internal/logger"
)

// Job is one named unit of periodic work.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Scheduler wraps a cron instance. Every job shares one lock, so an ingest
// never overlaps a rotation or purge touching the same partitions.
type Scheduler struct {
	cron   *cronv3.Cron
	log    logger.Logger
	lock   sync.Mutex
	jobs   map[string]Job
	jobIDs map[string]cronv3.EntryID
}

// New returns a scheduler using standard five-field cron expressions in loc.
func New(log logger.Logger, loc *time.Location) *Scheduler {
	if log == nil {
		log = logger.NewNop()
	}
	if loc == nil {
		loc = time.UTC
	}
	cl := &cronLogger{log: log}
	return &Scheduler{
		cron: cronv3.New(
			cronv3.WithLocation(loc),
			cronv3.WithChain(
				cronv3.SkipIfStillRunning(cl),
				cronv3.Recover(cl),
			),
		),
		log:    log,
		jobs:   make(map[string]Job),
		jobIDs: make(map[string]cronv3.EntryID),
	}
}

// Register adds job. A job with an empty schedule is never fired by cron
// but can still be run with Trigger.
func (s *Scheduler) Register(job Job) error {
	if job.Run == nil {
		return errors.Errorf("job %s has no run function", job.Name)
	}
	if job.Schedule == "" {
		s.jobs[job.Name] = job
		s.log.Info("cron job disabled", zap.String("job", job.Name))
		return nil
	}

	id, err := s.cron.AddFunc(job.Schedule, func() {
		if err := s.Trigger(context.Background(), job.Name); err != nil {
			s.log.Error("cron job failed", zap.String("job", job.Name), zap.Error(err))
		}
	})
	if err != nil {
		return errors.Wrapf(err, "adding cron job %s", job.Name)
	}
	s.jobs[job.Name] = job
	s.jobIDs[job.Name] = id
	s.log.Info("cron job registered", zap.String("job", job.Name), zap.String("schedule", job.Schedule))
	return nil
}

// Trigger runs a registered job immediately, waiting for any running job.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	job, ok := s.jobs[name]
	if !ok {
		return errors.Errorf("unknown job %s", name)
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	start := time.Now()
	s.log.Info("cron job started", zap.String("job", name))
	if err := job.Run(ctx); err != nil {
		return err
	}
	s.log.Info("cron job finished", zap.String("job", name), zap.Duration("took", time.Since(start)))
	return nil
}

// Next returns the next activation of a registered job.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	id, ok := s.jobIDs[name]
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// Start begins firing jobs in the background.
func (s *Scheduler) Start() {
	s.log.Info("starting scheduler", zap.Int("jobs", len(s.jobIDs)))
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs or ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	s.log.Info("stopping scheduler")
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// cronLogger adapts Logger to the cron.Logger interface.
type cronLogger struct {
	log logger.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Logger().Sugar().Debugw(msg, keysAndValues...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Logger().Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
