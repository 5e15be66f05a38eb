// Package maintenance runs periodic storage upkeep and scheduled backups.
// Job failures are logged and never stop the scheduler.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// Maintainer runs vacuum/checkpoint hooks, logging its own errors.
type Maintainer interface {
	Maintain(ctx context.Context)
}

// Exporter writes a backup snapshot, rotating old ones.
type Exporter interface {
	Export(ctx context.Context) (string, error)
}

// Config holds the dependencies for the scheduler. Empty schedules disable
// their job.
type Config struct {
	MaintenanceSchedule string
	BackupSchedule      string
	Maintainer          Maintainer
	Exporter            Exporter
	Logger              *slog.Logger
	// JobTimeout bounds a single run; defaults to 10 minutes.
	JobTimeout time.Duration
}

// Scheduler wraps a cron instance with the two engine jobs.
type Scheduler struct {
	cron       *cronlib.Cron
	maintainer Maintainer
	exporter   Exporter
	logger     *slog.Logger
	timeout    time.Duration

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	lastRuns map[string]time.Time
	lastErrs map[string]error
}

// slogAdapter satisfies cron.Logger.
type slogAdapter struct{ l *slog.Logger }

func (a slogAdapter) Info(msg string, keysAndValues ...any) {
	a.l.Debug(msg, keysAndValues...)
}

func (a slogAdapter) Error(err error, msg string, keysAndValues ...any) {
	a.l.Error(msg, append(keysAndValues, "error", err)...)
}

// NewScheduler validates the schedules and registers the jobs. Start must be
// called to begin running them.
func NewScheduler(cfg Config) (*Scheduler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "maintenance")
	timeout := cfg.JobTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	cl := slogAdapter{logger}
	s := &Scheduler{
		cron: cronlib.New(
			cronlib.WithLogger(cl),
			cronlib.WithChain(cronlib.Recover(cl), cronlib.SkipIfStillRunning(cl)),
		),
		maintainer: cfg.Maintainer,
		exporter:   cfg.Exporter,
		logger:     logger,
		timeout:    timeout,
		lastRuns:   map[string]time.Time{},
		lastErrs:   map[string]error{},
	}

	if cfg.MaintenanceSchedule != "" && cfg.Maintainer != nil {
		if _, err := s.cron.AddFunc(cfg.MaintenanceSchedule, func() { s.run("maintenance", s.RunMaintenance) }); err != nil {
			return nil, fmt.Errorf("invalid maintenance schedule %q: %w", cfg.MaintenanceSchedule, err)
		}
	}
	if cfg.BackupSchedule != "" && cfg.Exporter != nil {
		if _, err := s.cron.AddFunc(cfg.BackupSchedule, func() { s.run("backup", s.RunBackup) }); err != nil {
			return nil, fmt.Errorf("invalid backup schedule %q: %w", cfg.BackupSchedule, err)
		}
	}
	return s, nil
}

// ValidateSchedule reports whether expr is a usable cron expression.
func ValidateSchedule(expr string) error {
	if expr == "" {
		return nil
	}
	_, err := cronlib.ParseStandard(expr)
	return err
}

// Jobs returns how many jobs are registered.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

// Start begins running jobs until ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("maintenance scheduler started", "jobs", s.Jobs())
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) run(name string, job func(ctx context.Context) error) {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	start := time.Now()
	err := job(ctx)
	s.mu.Lock()
	s.lastRuns[name] = start
	s.lastErrs[name] = err
	s.mu.Unlock()
	if err != nil {
		s.logger.Error("scheduled job failed", "job", name, "error", err)
		return
	}
	s.logger.Info("scheduled job finished", "job", name, "duration", time.Since(start))
}

// RunMaintenance runs vacuum/checkpoint once.
func (s *Scheduler) RunMaintenance(ctx context.Context) error {
	if s.maintainer == nil {
		return nil
	}
	s.maintainer.Maintain(ctx)
	return nil
}

// RunBackup exports one snapshot.
func (s *Scheduler) RunBackup(ctx context.Context) error {
	if s.exporter == nil {
		return nil
	}
	dir, err := s.exporter.Export(ctx)
	if err != nil {
		return fmt.Errorf("scheduled export: %w", err)
	}
	s.logger.Info("scheduled snapshot written", "dir", dir)
	return nil
}

// LastRun returns when the named job last ran and its error.
func (s *Scheduler) LastRun(name string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRuns[name], s.lastErrs[name]
}
