package sweeper

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poiesic/docpipe/core"
	"github.com/poiesic/docpipe/storage"
	badgerstore "github.com/poiesic/docpipe/storage/badger"
	redisstore "github.com/poiesic/docpipe/storage/redis"
)

var now = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, repo storage.JobRepository, id, documentID string, age time.Duration) {
	t.Helper()
	job, err := core.NewJob(id, core.KindParse, documentID, core.ParsePayload{FilePath: "a.txt"})
	require.NoError(t, err)
	job.CreatedAt = now.Add(-age)
	job.UpdatedAt = job.CreatedAt
	require.NoError(t, repo.CreateJob(context.Background(), job))
}

func memoryRepo(t *testing.T) storage.JobRepository {
	t.Helper()
	repo, backend, err := badgerstore.NewMemoryRepository()
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	return repo
}

func redisRepo(t *testing.T) storage.JobRepository {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return redisstore.New(client)
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Retention = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.PageSize = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Schedule = "every tuesday"
	assert.Error(t, cfg.Validate())

	cfg.Schedule = "@every 1h"
	assert.NoError(t, cfg.Validate())

	_, err := New(nil, DefaultConfig())
	assert.Error(t, err)
}

func TestSweep(t *testing.T) {
	backends := map[string]func(*testing.T) storage.JobRepository{
		"badger": memoryRepo,
		"redis":  redisRepo,
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			repo := open(t)
			ctx := context.Background()

			for i := range 5 {
				seed(t, repo, fmt.Sprintf("old-%d", i), "doc-a", 8*24*time.Hour)
			}
			seed(t, repo, "fresh-1", "doc-a", time.Hour)
			seed(t, repo, "fresh-2", "doc-b", 6*24*time.Hour)
			seed(t, repo, "old-b", "doc-b", 30*24*time.Hour)

			cfg := DefaultConfig()
			cfg.PageSize = 2
			s, err := New(repo, cfg, WithClock(func() time.Time { return now }))
			require.NoError(t, err)

			rep, err := s.Sweep(ctx)
			require.NoError(t, err)
			assert.Equal(t, 6, rep.Deleted)
			assert.GreaterOrEqual(t, rep.Scanned, 8)
			assert.Equal(t, now.Add(-7*24*time.Hour), rep.Cutoff)

			_, err = repo.GetJob(ctx, "old-0")
			assert.ErrorIs(t, err, storage.ErrNotFound)
			_, err = repo.GetJob(ctx, "fresh-1")
			assert.NoError(t, err)

			ids, err := repo.DocumentJobIDs(ctx, "doc-a")
			require.NoError(t, err)
			assert.Equal(t, []string{"fresh-1"}, ids)
			ids, err = repo.DocumentJobIDs(ctx, "doc-b")
			require.NoError(t, err)
			assert.Equal(t, []string{"fresh-2"}, ids)

			rep, err = s.Sweep(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, rep.Deleted)
			assert.Equal(t, 2, rep.Scanned)
		})
	}
}

// skippingRepo hides each listed job from the first scan that reaches it,
// as a cursor does when keys are deleted behind it.
type skippingRepo struct {
	storage.JobRepository
	hidden map[string]bool
}

func (r *skippingRepo) ScanJobs(ctx context.Context, cursor string, count int) ([]*core.Job, string, error) {
	jobs, next, err := r.JobRepository.ScanJobs(ctx, cursor, count)
	if err != nil {
		return nil, "", err
	}
	visible := jobs[:0]
	for _, job := range jobs {
		if r.hidden[job.ID] {
			delete(r.hidden, job.ID)
			continue
		}
		visible = append(visible, job)
	}
	return visible, next, nil
}

func TestSweep_RescansSkippedRecords(t *testing.T) {
	repo := &skippingRepo{JobRepository: memoryRepo(t), hidden: map[string]bool{"old-1": true, "old-3": true}}
	ctx := context.Background()
	for i := range 4 {
		seed(t, repo, fmt.Sprintf("old-%d", i), "doc-a", 8*24*time.Hour)
	}
	seed(t, repo, "fresh", "doc-a", time.Hour)

	s, err := New(repo, DefaultConfig(), WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	rep, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Deleted)
	assert.Equal(t, 3+3+1, rep.Scanned)

	ids, err := repo.DocumentJobIDs(ctx, "doc-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, ids)
}

func TestRun_SweepsOnSchedule(t *testing.T) {
	repo := memoryRepo(t)
	seed(t, repo, "old", "doc-a", 10*24*time.Hour)

	cfg := DefaultConfig()
	cfg.Schedule = "@every 1s"
	s, err := New(repo, cfg, WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool {
		_, err := repo.GetJob(context.Background(), "old")
		return err != nil
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
