// Package schedule runs batch reconciliation and feed retries on cron
// schedules.
package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/recon-cli/internal/model"
)

// Job names.
const (
	JobBatch = "batch"
	JobRetry = "retry"
)

// Engine is the part of the reconciliation engine the scheduler drives.
type Engine interface {
	ReconcileBatch(ctx context.Context, sel model.BatchSelector, tol model.Tolerances) (*model.BatchResult, error)
	RetryDue(ctx context.Context, limit int) (*model.BatchResult, error)
}

// Options configures a Scheduler. An empty cron expression disables its job.
type Options struct {
	BatchCron  string
	RetryCron  string
	Selector   model.BatchSelector
	Tolerances model.Tolerances
	RetryLimit int
	// JobTimeout bounds one job run. Zero means 30 minutes.
	JobTimeout time.Duration
}

// Scheduler owns a cron runner with at most one batch and one retry job.
// A run that is still going when its next tick fires is skipped.
type Scheduler struct {
	engine  Engine
	opts    Options
	cron    *cron.Cron
	entries map[string]cron.EntryID

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New validates the cron expressions and registers the jobs.
func New(engine Engine, opts Options) (*Scheduler, error) {
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 30 * time.Minute
	}
	logger := cronLogger{zap.L().Named("cron")}
	s := &Scheduler{
		engine: engine,
		opts:   opts,
		cron: cron.New(cron.WithChain(
			cron.Recover(logger),
			cron.SkipIfStillRunning(logger),
		)),
		entries: make(map[string]cron.EntryID),
		ctx:     context.Background(),
	}

	jobs := []struct {
		name string
		spec string
		run  func(context.Context) (*model.BatchResult, error)
	}{
		{JobBatch, opts.BatchCron, s.RunBatch},
		{JobRetry, opts.RetryCron, s.RunRetry},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(j.spec); err != nil {
			return nil, eris.Wrapf(err, "schedule: invalid %s cron %q", j.name, j.spec)
		}
		id, err := s.cron.AddFunc(j.spec, s.wrap(j.name, j.run))
		if err != nil {
			return nil, eris.Wrapf(err, "schedule: add %s job", j.name)
		}
		s.entries[j.name] = id
	}
	if len(s.entries) == 0 {
		return nil, eris.New("schedule: no jobs configured")
	}
	return s, nil
}

// Jobs lists the registered job names.
func (s *Scheduler) Jobs() []string {
	var out []string
	for _, name := range []string{JobBatch, JobRetry} {
		if _, ok := s.entries[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// Next returns the next activation of a job, or the zero time when the job is
// not registered or the scheduler is not running.
func (s *Scheduler) Next(name string) time.Time {
	id, ok := s.entries[name]
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// Start runs the scheduler until Stop. Jobs inherit ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.cron.Start()
	zap.L().Info("schedule: started", zap.Strings("jobs", s.Jobs()))
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	zap.L().Info("schedule: stopped")
}

// RunBatch reconciles one batch of pending tickets.
func (s *Scheduler) RunBatch(ctx context.Context) (*model.BatchResult, error) {
	return s.engine.ReconcileBatch(ctx, s.opts.Selector, s.opts.Tolerances)
}

// RunRetry re-reconciles tickets whose retry is due.
func (s *Scheduler) RunRetry(ctx context.Context) (*model.BatchResult, error) {
	return s.engine.RetryDue(ctx, s.opts.RetryLimit)
}

func (s *Scheduler) wrap(name string, run func(context.Context) (*model.BatchResult, error)) func() {
	return func() {
		s.mu.Lock()
		parent := s.ctx
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(parent, s.opts.JobTimeout)
		defer cancel()

		log := zap.L().With(zap.String("job", name))
		res, err := run(ctx)
		if err != nil {
			log.Error("schedule: job failed", zap.Error(err))
			return
		}
		log.Info("schedule: job complete",
			zap.String("run_id", res.RunID),
			zap.Int("processed", res.Processed),
			zap.Int("failed", res.Failed),
		)
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
