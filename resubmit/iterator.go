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

	"github.com/poiesic/docpipe/core"
	"github.com/poiesic/docpipe/storage"
)

// DefaultBatchSize is the page size used when none is configured.
const DefaultBatchSize = 100

// JobIterator walks the job store in batches, yielding only the jobs the
// filter matches.
type JobIterator struct {
	repo      storage.JobRepository
	filter    Filter
	batchSize int
}

// NewJobIterator creates an iterator. A non-positive batchSize selects
// DefaultBatchSize.
func NewJobIterator(repo storage.JobRepository, filter Filter, batchSize int) *JobIterator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &JobIterator{repo: repo, filter: filter, batchSize: batchSize}
}

// ForEach calls fn with each non-empty batch of matching jobs. When the
// filter names a document only that document's jobs are read; otherwise the
// whole store is scanned.
func (it *JobIterator) ForEach(ctx context.Context, fn func([]*core.Job) error) error {
	if it.filter.DocumentID != "" {
		jobs, err := it.repo.GetJobsByDocument(ctx, it.filter.DocumentID)
		if err != nil {
			return err
		}
		return it.emit(ctx, jobs, fn)
	}

	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		jobs, next, err := it.repo.ScanJobs(ctx, cursor, it.batchSize)
		if err != nil {
			return err
		}
		if err := it.emit(ctx, jobs, fn); err != nil {
			return err
		}
		if next == "" {
			return nil
		}
		cursor = next
	}
}

func (it *JobIterator) emit(ctx context.Context, jobs []*core.Job, fn func([]*core.Job) error) error {
	batch := make([]*core.Job, 0, it.batchSize)
	for _, job := range jobs {
		if !it.filter.Match(job) {
			continue
		}
		batch = append(batch, job)
		if len(batch) == it.batchSize {
			if err := fn(batch); err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			batch = make([]*core.Job, 0, it.batchSize)
		}
	}
	if len(batch) > 0 {
		return fn(batch)
	}
	return nil
}

// Count returns how many jobs the filter matches.
func (it *JobIterator) Count(ctx context.Context) (int, error) {
	n := 0
	err := it.ForEach(ctx, func(jobs []*core.Job) error {
		n += len(jobs)
		return nil
	})
	return n, err
}
