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


package badger

import (
	"bytes"
	"context"
	"errors"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/docpipe/core"
	"github.com/poiesic/docpipe/storage"
)

// JobRepository implements storage.JobRepository for BadgerDB.
type JobRepository struct {
	backend *Backend
}

var _ storage.JobRepository = (*JobRepository)(nil)

// NewJobRepository creates a new JobRepository.
func NewJobRepository(backend *Backend) *JobRepository {
	return &JobRepository{
		backend: backend,
	}
}

// Close is a no-op; the backend is owned by the caller.
func (r *JobRepository) Close() error {
	return nil
}

// CreateJob stores a new job and its document index entry atomically.
func (r *JobRepository) CreateJob(ctx context.Context, job *core.Job) error {
	if err := core.ValidateJob(job); err != nil {
		return err
	}
	value, err := storage.MarshalJob(job)
	if err != nil {
		return err
	}

	return r.backend.WithUpdate(ctx, func(tx *badger.Txn) error {
		key := makeJobKey(job.ID)
		if _, err := tx.Get(key); err == nil {
			return storage.ErrDuplicateKey
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err := tx.Set(key, value); err != nil {
			return err
		}
		return tx.Set(makeDocumentIndexKey(job.DocumentID, job.ID), []byte(job.ID))
	})
}

// PutJob writes the job record, refusing state regressions.
func (r *JobRepository) PutJob(ctx context.Context, job *core.Job) error {
	if err := core.ValidateJob(job); err != nil {
		return err
	}
	value, err := storage.MarshalJob(job)
	if err != nil {
		return err
	}

	return r.backend.WithUpdate(ctx, func(tx *badger.Txn) error {
		key := makeJobKey(job.ID)
		stored, err := readJob(tx, key)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if err := storage.CheckTransition(stored, job); err != nil {
			return err
		}
		return tx.Set(key, value)
	})
}

// GetJob retrieves a job by ID.
func (r *JobRepository) GetJob(ctx context.Context, id string) (*core.Job, error) {
	var job *core.Job
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		var err error
		job, err = readJob(tx, makeJobKey(id))
		return err
	}, false)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// AddToDocumentIndex links jobID to documentID.
func (r *JobRepository) AddToDocumentIndex(ctx context.Context, documentID, jobID string) error {
	return r.backend.WithUpdate(ctx, func(tx *badger.Txn) error {
		return tx.Set(makeDocumentIndexKey(documentID, jobID), []byte(jobID))
	})
}

// DocumentJobIDs returns the job IDs linked to documentID.
func (r *JobRepository) DocumentJobIDs(ctx context.Context, documentID string) ([]string, error) {
	ids := []string{}
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = makeDocumentIndexPrefix(documentID)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			key := iter.Item().Key()
			ids = append(ids, string(bytes.TrimPrefix(key, opts.Prefix)))
		}
		return nil
	}, false)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// GetJobsByDocument retrieves every job of a document that still exists.
func (r *JobRepository) GetJobsByDocument(ctx context.Context, documentID string) ([]*core.Job, error) {
	ids, err := r.DocumentJobIDs(ctx, documentID)
	if err != nil {
		return nil, err
	}

	jobs := make([]*core.Job, 0, len(ids))
	err = r.backend.WithTx(func(tx *badger.Txn) error {
		for _, id := range ids {
			job, err := readJob(tx, makeJobKey(id))
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			jobs = append(jobs, job)
		}
		return nil
	}, false)
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// DeleteJob removes the job's index entry and then its record.
func (r *JobRepository) DeleteJob(ctx context.Context, id string) error {
	return r.backend.WithUpdate(ctx, func(tx *badger.Txn) error {
		key := makeJobKey(id)
		job, err := readJob(tx, key)
		if err != nil {
			return err
		}
		if err := tx.Delete(makeDocumentIndexKey(job.DocumentID, job.ID)); err != nil {
			return err
		}
		return tx.Delete(key)
	})
}

// ScanJobs returns up to count jobs whose key sorts after cursor.
// The returned cursor is the key of the last job in the page.
func (r *JobRepository) ScanJobs(ctx context.Context, cursor string, count int) ([]*core.Job, string, error) {
	if count <= 0 {
		count = 100
	}

	var jobs []*core.Job
	next := ""
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(storage.JobKeyPrefix)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		start := opts.Prefix
		if cursor != "" {
			start = seekAfter(cursor)
		}

		for iter.Seek(start); iter.Valid(); iter.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := iter.Item()
			key := string(item.KeyCopy(nil))

			var job *core.Job
			err := item.Value(func(val []byte) error {
				var err error
				job, err = storage.UnmarshalJob(val)
				return err
			})
			if err != nil {
				r.backend.logger.Warn("skipping unreadable job record", "key", key, "err", err)
			} else {
				jobs = append(jobs, job)
			}

			if len(jobs) >= count {
				next = key
				break
			}
		}
		return nil
	}, false)
	if err != nil {
		return nil, "", err
	}
	return jobs, next, nil
}

// readJob loads and decodes the record at key.
// Returns storage.ErrNotFound if the key doesn't exist.
func readJob(tx *badger.Txn, key []byte) (*core.Job, error) {
	item, err := tx.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}

	var job *core.Job
	err = item.Value(func(val []byte) error {
		var unmarshalErr error
		job, unmarshalErr = storage.UnmarshalJob(val)
		return unmarshalErr
	})
	return job, err
}
