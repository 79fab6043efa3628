package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Scheduler runs registered jobs on cron specs. A run still in progress when
// its next tick arrives causes that tick to be skipped.
type Scheduler struct {
	cron *cron.Cron
	log  logrus.FieldLogger
}

func NewScheduler(log logrus.FieldLogger) *Scheduler {
	log = log.WithField("component", "scheduler")
	cl := cronLogger{log}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		log: log,
	}
}

// Add registers fn under name. ctx is passed to every run.
func (s *Scheduler) Add(ctx context.Context, spec, name string, fn func(context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		start := time.Now()
		if err := fn(ctx); err != nil {
			s.log.WithError(err).WithField("job", name).Error("scheduled job failed")
			return
		}
		s.log.WithFields(logrus.Fields{"job": name, "took": time.Since(start)}).Debug("scheduled job done")
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.WithField("jobs", len(s.cron.Entries())).Info("scheduler started")
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info("scheduler stopped")
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct {
	log logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(kv(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithError(err).WithFields(kv(keysAndValues)).Error(msg)
}

func kv(pairs []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(pairs); i += 2 {
		f[fmt.Sprint(pairs[i])] = pairs[i+1]
	}
	return f
}
