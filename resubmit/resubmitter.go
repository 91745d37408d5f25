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

package resubmit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/poiesic/docpipe/core"
	"github.com/poiesic/docpipe/queue"
	"github.com/poiesic/docpipe/retry"
	"github.com/poiesic/docpipe/storage"
)

// Submitter stores a job and queues it. *queue.Router implements it.
type Submitter interface {
	Enqueue(ctx context.Context, job *core.Job, opts ...queue.EnqueueOption) (queue.Lane, error)
}

// Filter selects the jobs to resubmit. Empty fields match everything
// except State, which defaults to failed.
type Filter struct {
	State      core.State
	Kind       core.Kind
	DocumentID string
}

// Match reports whether job passes the filter.
func (f Filter) Match(job *core.Job) bool {
	state := f.State
	if state == "" {
		state = core.StateFailed
	}
	if job.State != state {
		return false
	}
	if f.Kind != "" && job.Kind != f.Kind {
		return false
	}
	if f.DocumentID != "" && job.DocumentID != f.DocumentID {
		return false
	}
	return true
}

// Config controls a resubmission run.
type Config struct {
	Filter Filter

	// BatchSize is the number of records read per page.
	BatchSize int

	// ReportInterval is how often progress is printed, in jobs.
	ReportInterval int

	// DryRun counts and lists matching jobs without submitting anything.
	DryRun bool

	// Retry governs each submission.
	Retry retry.Policy
}

func DefaultConfig() *Config {
	return &Config{
		BatchSize:      DefaultBatchSize,
		ReportInterval: 100,
		Retry:          retry.DefaultPolicy(),
	}
}

// Report summarizes a run. Submitted maps each resubmitted job ID to the
// ID of its replacement.
type Report struct {
	Matched   int
	Submitted map[string]string
	Failed    map[string]error
}

// Resubmitter copies failed jobs back onto the queue.
type Resubmitter struct {
	repo     storage.JobRepository
	queue    Submitter
	config   *Config
	progress io.Writer
	logger   *slog.Logger
	iterator *JobIterator
}

// NewResubmitter creates a resubmitter that prints progress to progress.
func NewResubmitter(repo storage.JobRepository, q Submitter, config *Config, progress io.Writer) *Resubmitter {
	if config == nil {
		config = DefaultConfig()
	}
	if progress == nil {
		progress = io.Discard
	}
	return &Resubmitter{
		repo:     repo,
		queue:    q,
		config:   config,
		progress: progress,
		logger:   slog.Default().With("component", "resubmit"),
		iterator: NewJobIterator(repo, config.Filter, config.BatchSize),
	}
}

// Run resubmits every matching job. A job that cannot be submitted after
// the retry policy is exhausted is recorded in Report.Failed and the run
// continues; only read errors and cancellation abort it.
func (r *Resubmitter) Run(ctx context.Context) (Report, error) {
	rep := Report{Submitted: map[string]string{}, Failed: map[string]error{}}

	total, err := r.iterator.Count(ctx)
	if err != nil {
		return rep, fmt.Errorf("failed to count jobs: %w", err)
	}
	rep.Matched = total
	if total == 0 {
		fmt.Fprintf(r.progress, "No matching jobs found\n")
		return rep, nil
	}

	if r.config.DryRun {
		err := r.iterator.ForEach(ctx, func(jobs []*core.Job) error {
			for _, job := range jobs {
				fmt.Fprintf(r.progress, "%s\t%s\t%s\t%s\n", job.ID, job.Kind, job.DocumentID, job.Error)
			}
			return nil
		})
		return rep, err
	}

	fmt.Fprintf(r.progress, "Resubmitting %d jobs (batch size: %d)\n", total, r.iterator.batchSize)
	tracker := NewProgressTracker(r.progress, total, r.config.ReportInterval)
	tracker.Start()

	// Replacements must not be picked up again on a later page.
	seen := map[string]bool{}
	err = r.iterator.ForEach(ctx, func(jobs []*core.Job) error {
		for _, job := range jobs {
			if seen[job.ID] {
				continue
			}
			id, err := r.submit(ctx, job)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.logger.Error("resubmit failed", "job_id", job.ID, "err", err)
				rep.Failed[job.ID] = err
				tracker.Record(false)
				continue
			}
			seen[id] = true
			rep.Submitted[job.ID] = id
			tracker.Record(true)
		}
		return nil
	})
	if err != nil {
		return rep, err
	}

	tracker.Finish()
	elapsed := tracker.Elapsed()
	fmt.Fprintf(r.progress, "Resubmission complete. %d submitted, %d failed in %v\n",
		len(rep.Submitted), len(rep.Failed), elapsed.Round(time.Millisecond))
	return rep, nil
}

// submit queues a copy of job and returns the new ID. Each attempt builds a
// fresh job so a colliding ID is not reused.
func (r *Resubmitter) submit(ctx context.Context, job *core.Job) (string, error) {
	return retry.DoValue(ctx, r.config.Retry, func(ctx context.Context) (string, error) {
		fresh, err := core.NewJob("", job.Kind, job.DocumentID, json.RawMessage(job.Payload))
		if err != nil {
			return "", retry.Permanent(err)
		}
		fresh.MaxRetries = job.MaxRetries
		if _, err := r.queue.Enqueue(ctx, fresh); err != nil {
			if errors.Is(err, queue.ErrUnknownLane) {
				return "", retry.Permanent(err)
			}
			return "", err
		}
		return fresh.ID, nil
	})
}
