package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/poiesic/docpipe/core"
	"github.com/poiesic/docpipe/storage"
)

// CreateJob stores the record and adds it to the document set in one
// MULTI/EXEC, failing if the record already exists.
func (s *Store) CreateJob(ctx context.Context, job *core.Job) error {
	if err := core.ValidateJob(job); err != nil {
		return err
	}
	value, err := storage.MarshalJob(job)
	if err != nil {
		return err
	}

	key := storage.JobKey(job.ID)
	err = s.watch(ctx, func(tx *goredis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return storage.ErrDuplicateKey
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, value, s.recordTTL)
			pipe.SAdd(ctx, storage.DocumentIndexKey(job.DocumentID), job.ID)
			return nil
		})
		return err
	}, key)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return err
		}
		return fmt.Errorf("docpipe/redis: create job: %w", err)
	}
	return nil
}

// PutJob replaces the record, refusing state regressions.
func (s *Store) PutJob(ctx context.Context, job *core.Job) error {
	if err := core.ValidateJob(job); err != nil {
		return err
	}
	value, err := storage.MarshalJob(job)
	if err != nil {
		return err
	}

	key := storage.JobKey(job.ID)
	err = s.watch(ctx, func(tx *goredis.Tx) error {
		stored, err := s.readJob(ctx, tx, key)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if err := storage.CheckTransition(stored, job); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, value, s.recordTTL)
			return nil
		})
		return err
	}, key)
	if err != nil {
		if errors.Is(err, storage.ErrStateRegression) || errors.Is(err, storage.ErrSerializationFailed) {
			return err
		}
		return fmt.Errorf("docpipe/redis: put job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*core.Job, error) {
	return s.readJob(ctx, s.client, storage.JobKey(id))
}

// AddToDocumentIndex adds jobID to the document's set.
func (s *Store) AddToDocumentIndex(ctx context.Context, documentID, jobID string) error {
	if err := s.client.SAdd(ctx, storage.DocumentIndexKey(documentID), jobID).Err(); err != nil {
		return fmt.Errorf("docpipe/redis: index add: %w", err)
	}
	return nil
}

// DocumentJobIDs returns the members of the document's set.
func (s *Store) DocumentJobIDs(ctx context.Context, documentID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, storage.DocumentIndexKey(documentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("docpipe/redis: index members: %w", err)
	}
	return ids, nil
}

// GetJobsByDocument loads every job in the document's set, skipping members
// whose record is gone.
func (s *Store) GetJobsByDocument(ctx context.Context, documentID string) ([]*core.Job, error) {
	ids, err := s.DocumentJobIDs(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*core.Job{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = storage.JobKey(id)
	}
	return s.loadJobs(ctx, keys)
}

// DeleteJob removes the job from its document set and then deletes the record.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	key := storage.JobKey(id)
	job, err := s.readJob(ctx, s.client, key)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, storage.DocumentIndexKey(job.DocumentID), id)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("docpipe/redis: delete job: %w", err)
	}
	return nil
}

// ScanJobs runs one SCAN step over task:* keys and loads the matching
// records. The cursor is Redis's own SCAN cursor.
func (s *Store) ScanJobs(ctx context.Context, cursor string, count int) ([]*core.Job, string, error) {
	if count <= 0 {
		count = 100
	}
	var cur uint64
	if cursor != "" {
		var err error
		cur, err = strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("docpipe/redis: invalid scan cursor %q: %w", cursor, err)
		}
	}

	keys, next, err := s.client.Scan(ctx, cur, storage.JobKeyPrefix+"*", int64(count)).Result()
	if err != nil {
		return nil, "", fmt.Errorf("docpipe/redis: scan jobs: %w", err)
	}

	nextCursor := ""
	if next != 0 {
		nextCursor = strconv.FormatUint(next, 10)
	}
	if len(keys) == 0 {
		return nil, nextCursor, nil
	}

	jobs, err := s.loadJobs(ctx, keys)
	if err != nil {
		return nil, "", err
	}
	return jobs, nextCursor, nil
}

// loadJobs fetches several records with one MGET. Missing and unreadable
// records are skipped.
func (s *Store) loadJobs(ctx context.Context, keys []string) ([]*core.Job, error) {
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("docpipe/redis: load jobs: %w", err)
	}

	jobs := make([]*core.Job, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		job, err := storage.UnmarshalJob([]byte(raw))
		if err != nil {
			s.logger.Warn("skipping unreadable job record", "key", keys[i], "err", err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// getter is satisfied by both the client and a WATCH transaction.
type getter interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
}

func (s *Store) readJob(ctx context.Context, c getter, key string) (*core.Job, error) {
	data, err := c.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("docpipe/redis: get job: %w", err)
	}
	return storage.UnmarshalJob(data)
}

// watch runs fn in an optimistic WATCH transaction, retrying when another
// client modified the watched keys first.
func (s *Store) watch(ctx context.Context, fn func(tx *goredis.Tx) error, keys ...string) error {
	var err error
	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err = s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, goredis.TxFailedErr) {
			return err
		}
		s.logger.Debug("watched key changed, retrying", "keys", keys, "attempt", attempt+1)
	}
	return fmt.Errorf("%w: %w", storage.ErrTransactionFailed, err)
}
