package badger

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/poiesic/docpipe/core"
	"github.com/poiesic/docpipe/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) storage.JobRepository {
	t.Helper()
	repo, backend, err := NewMemoryRepository()
	require.NoError(t, err)
	t.Cleanup(func() {
		repo.Close()
		backend.Close()
	})
	return repo
}

func newTestJob(t *testing.T, id, documentID string) *core.Job {
	t.Helper()
	job, err := core.NewJob(id, core.KindChunk, documentID, core.ChunkPayload{
		DocumentID: documentID,
		Content:    "some text",
	})
	require.NoError(t, err)
	return job
}

func TestJobBasics(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	job := newTestJob(t, "chunk_1_doc", "doc")
	require.NoError(t, repo.CreateJob(ctx, job))

	got, err := repo.GetJob(ctx, "chunk_1_doc")
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, core.StatePending, got.State)
	assert.JSONEq(t, string(job.Payload), string(got.Payload))

	ids, err := repo.DocumentJobIDs(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, []string{"chunk_1_doc"}, ids)
}

func TestGetJob_NotFound(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCreateJob_Duplicate(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.CreateJob(ctx, newTestJob(t, "j1", "doc")))
	err := repo.CreateJob(ctx, newTestJob(t, "j1", "doc"))
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)
}

func TestCreateJob_Invalid(t *testing.T) {
	repo := newTestRepo(t)

	err := repo.CreateJob(context.Background(), &core.Job{ID: "j1", Kind: core.KindChunk, State: core.StatePending})
	assert.ErrorIs(t, err, core.ErrEmptyDocumentID)
}

func TestPutJob_StateGuard(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := newTestJob(t, "j1", "doc")
	require.NoError(t, repo.CreateJob(ctx, job))

	require.NoError(t, job.Start(now))
	require.NoError(t, repo.PutJob(ctx, job))

	require.NoError(t, job.Complete(now, core.ChunkResult{DocumentID: "doc"}))
	require.NoError(t, repo.PutJob(ctx, job))

	// Duplicate terminal write is accepted.
	require.NoError(t, repo.PutJob(ctx, job))

	stale := job.Clone()
	stale.State = core.StateRunning
	assert.ErrorIs(t, repo.PutJob(ctx, stale), storage.ErrStateRegression)

	other := job.Clone()
	other.State = core.StateFailed
	assert.ErrorIs(t, repo.PutJob(ctx, other), storage.ErrStateRegression)

	got, err := repo.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, core.StateCompleted, got.State)
}

func TestDocumentIndex(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.CreateJob(ctx, newTestJob(t, fmt.Sprintf("j%d", i), "doc-a")))
	}
	require.NoError(t, repo.CreateJob(ctx, newTestJob(t, "other", "doc-a:b")))

	// Adding an existing member is a no-op.
	require.NoError(t, repo.AddToDocumentIndex(ctx, "doc-a", "j0"))

	ids, err := repo.DocumentJobIDs(ctx, "doc-a")
	require.NoError(t, err)
	sort.Strings(ids)
	assert.Equal(t, []string{"j0", "j1", "j2"}, ids)

	ids, err = repo.DocumentJobIDs(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestGetJobsByDocument_SkipsMissing(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.CreateJob(ctx, newTestJob(t, "j1", "doc")))
	require.NoError(t, repo.AddToDocumentIndex(ctx, "doc", "ghost"))

	jobs, err := repo.GetJobsByDocument(ctx, "doc")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "j1", jobs[0].ID)
}

func TestDeleteJob(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.CreateJob(ctx, newTestJob(t, "j1", "doc")))
	require.NoError(t, repo.CreateJob(ctx, newTestJob(t, "j2", "doc")))

	require.NoError(t, repo.DeleteJob(ctx, "j1"))

	_, err := repo.GetJob(ctx, "j1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	ids, err := repo.DocumentJobIDs(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, []string{"j2"}, ids)

	assert.ErrorIs(t, repo.DeleteJob(ctx, "j1"), storage.ErrNotFound)
}

func TestScanJobs_Pages(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	const total = 25
	for i := 0; i < total; i++ {
		require.NoError(t, repo.CreateJob(ctx, newTestJob(t, fmt.Sprintf("job-%02d", i), "doc")))
	}

	seen := map[string]bool{}
	cursor := ""
	pages := 0
	for {
		jobs, next, err := repo.ScanJobs(ctx, cursor, 10)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(jobs), 10)
		for _, j := range jobs {
			assert.False(t, seen[j.ID], "job %s returned twice", j.ID)
			seen[j.ID] = true
		}
		pages++
		if next == "" {
			break
		}
		cursor = next
		require.Less(t, pages, 10, "scan did not terminate")
	}
	assert.Len(t, seen, total)
}

func TestScanJobs_Empty(t *testing.T) {
	repo := newTestRepo(t)

	jobs, next, err := repo.ScanJobs(context.Background(), "", 100)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Empty(t, next)
}
