// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sweeper deletes job records older than the retention window.
//
// Sweep walks the store with ScanJobs, deleting every job whose creation
// time is before now minus the retention period. Run executes Sweep on a
// cron schedule.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/poiesic/docpipe/storage"
)

// cronParser accepts standard 5-field expressions and descriptors such as
// "@every 1h".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Config controls retention.
type Config struct {
	Retention time.Duration
	Schedule  string
	PageSize  int
}

// DefaultConfig keeps jobs for seven days and sweeps daily at 02:00.
func DefaultConfig() Config {
	return Config{
		Retention: 7 * 24 * time.Hour,
		Schedule:  "0 2 * * *",
		PageSize:  100,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Retention <= 0 {
		return errors.New("retention must be positive")
	}
	if c.PageSize <= 0 {
		return errors.New("page size must be positive")
	}
	if _, err := cronParser.Parse(c.Schedule); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", c.Schedule, err)
	}
	return nil
}

// Report summarizes one sweep. Scanned counts records examined over all
// passes.
type Report struct {
	Scanned int
	Deleted int
	Cutoff  time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// Sweeper removes expired jobs.
type Sweeper struct {
	repo   storage.JobRepository
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a sweeper.
func New(repo storage.JobRepository, cfg Config, opts ...Option) (*Sweeper, error) {
	if repo == nil {
		return nil, errors.New("job repository is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Sweeper{
		repo:   repo,
		cfg:    cfg,
		logger: slog.Default().With("component", "sweeper"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// maxPasses bounds how often Sweep rescans a store whose cursor skipped
// records because of its own deletions.
const maxPasses = 5

// Sweep deletes every job created before the retention cutoff. Deleting a
// job also removes it from its document's index. Jobs that vanish during
// the sweep are ignored. A store cursor may skip records when keys are
// removed behind it, so Sweep repeats the scan until a pass deletes
// nothing.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	rep := Report{Cutoff: s.now().Add(-s.cfg.Retention)}

	passes := 0
	for passes < maxPasses {
		passes++
		deleted, err := s.pass(ctx, &rep)
		if err != nil {
			return rep, err
		}
		if deleted == 0 {
			break
		}
	}

	s.logger.Info("sweep finished", "scanned", rep.Scanned, "deleted", rep.Deleted, "passes", passes, "cutoff", rep.Cutoff)
	return rep, nil
}

// pass scans the store once and returns how many jobs it deleted.
func (s *Sweeper) pass(ctx context.Context, rep *Report) (int, error) {
	deleted := 0
	cursor := ""
	for {
		jobs, next, err := s.repo.ScanJobs(ctx, cursor, s.cfg.PageSize)
		if err != nil {
			return deleted, fmt.Errorf("docpipe/sweeper: scan: %w", err)
		}
		for _, job := range jobs {
			rep.Scanned++
			if !job.CreatedAt.Before(rep.Cutoff) {
				continue
			}
			if err := s.repo.DeleteJob(ctx, job.ID); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				return deleted, fmt.Errorf("docpipe/sweeper: delete %s: %w", job.ID, err)
			}
			deleted++
			rep.Deleted++
			s.logger.Debug("deleted expired job", "job_id", job.ID, "created_at", job.CreatedAt)
		}
		if next == "" {
			return deleted, nil
		}
		cursor = next
	}
}

// Run sweeps on the configured schedule until ctx is done. A sweep in
// progress is allowed to finish.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cronlib.New(
		cronlib.WithParser(cronParser),
		cronlib.WithLogger(cronLogger{s.logger}),
		cronlib.WithChain(cronlib.SkipIfStillRunning(cronLogger{s.logger})),
	)
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep failed", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("docpipe/sweeper: schedule: %w", err)
	}

	s.logger.Info("sweeper started", "schedule", s.cfg.Schedule, "retention", s.cfg.Retention)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("sweeper stopped")
	return nil
}

// cronLogger adapts slog to cron's logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "err", err)...)
}
