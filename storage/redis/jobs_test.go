package redis

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poiesic/docpipe/core"
	"github.com/poiesic/docpipe/storage"
)

func setupStore(t *testing.T, opts ...Option) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, opts...), mr
}

func newTestJob(t *testing.T, id, documentID string) *core.Job {
	t.Helper()
	job, err := core.NewJob(id, core.KindParse, documentID, core.ParsePayload{FilePath: "docs/a.txt"})
	require.NoError(t, err)
	return job
}

func TestStore_Ping(t *testing.T) {
	s, _ := setupStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestStore_CreateAndGet(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	job := newTestJob(t, "parse_1_doc", "doc")
	require.NoError(t, s.CreateJob(ctx, job))

	assert.True(t, mr.Exists("task:parse_1_doc"))
	members, err := mr.Members("document_tasks:doc")
	require.NoError(t, err)
	assert.Equal(t, []string{"parse_1_doc"}, members)

	got, err := s.GetJob(ctx, "parse_1_doc")
	require.NoError(t, err)
	assert.Equal(t, core.KindParse, got.Kind)
	assert.Equal(t, core.StatePending, got.State)

	raw, err := mr.Get("task:parse_1_doc")
	require.NoError(t, err)
	assert.Contains(t, raw, `"status":"pending"`)
	assert.Contains(t, raw, `"type":"parse"`)
}

func TestStore_GetNotFound(t *testing.T) {
	s, _ := setupStore(t)

	_, err := s.GetJob(context.Background(), "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_CreateDuplicate(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx, newTestJob(t, "j1", "doc")))
	assert.ErrorIs(t, s.CreateJob(ctx, newTestJob(t, "j1", "doc")), storage.ErrDuplicateKey)
}

func TestStore_PutJobStateGuard(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := newTestJob(t, "j1", "doc")
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, job.Start(now))
	require.NoError(t, s.PutJob(ctx, job))
	require.NoError(t, job.Fail(now, "parse stage: boom"))
	require.NoError(t, s.PutJob(ctx, job))

	regress := job.Clone()
	regress.State = core.StatePending
	assert.ErrorIs(t, s.PutJob(ctx, regress), storage.ErrStateRegression)

	got, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, core.StateFailed, got.State)
	assert.Equal(t, "parse stage: boom", got.Error)
}

func TestStore_RecordTTL(t *testing.T) {
	s, mr := setupStore(t, WithRecordTTL(time.Hour))
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx, newTestJob(t, "j1", "doc")))
	assert.Equal(t, time.Hour, mr.TTL("task:j1"))

	mr.FastForward(2 * time.Hour)
	_, err := s.GetJob(ctx, "j1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_DocumentIndexAndDelete(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx, newTestJob(t, "j1", "doc")))
	require.NoError(t, s.CreateJob(ctx, newTestJob(t, "j2", "doc")))
	require.NoError(t, s.AddToDocumentIndex(ctx, "doc", "ghost"))

	ids, err := s.DocumentJobIDs(ctx, "doc")
	require.NoError(t, err)
	sort.Strings(ids)
	assert.Equal(t, []string{"ghost", "j1", "j2"}, ids)

	jobs, err := s.GetJobsByDocument(ctx, "doc")
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	require.NoError(t, s.DeleteJob(ctx, "j1"))
	assert.False(t, mr.Exists("task:j1"))
	ok, err := mr.SIsMember("document_tasks:doc", "j1")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, s.DeleteJob(ctx, "j1"), storage.ErrNotFound)

	jobs, err = s.GetJobsByDocument(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestStore_ScanJobs(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	const total = 30
	for i := 0; i < total; i++ {
		require.NoError(t, s.CreateJob(ctx, newTestJob(t, fmt.Sprintf("j%02d", i), "doc")))
	}
	// Non-job keys are not returned.
	require.NoError(t, mr.Set("unrelated", "x"))

	seen := map[string]bool{}
	cursor := ""
	for i := 0; i < 100; i++ {
		jobs, next, err := s.ScanJobs(ctx, cursor, 10)
		require.NoError(t, err)
		for _, j := range jobs {
			seen[j.ID] = true
		}
		if next == "" {
			break
		}
		cursor = next
	}
	assert.Len(t, seen, total)

	_, _, err := s.ScanJobs(ctx, "not-a-number", 10)
	assert.Error(t, err)
}

func TestStore_NotifyAndSubscribe(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	updates, cancel, err := s.SubscribeJobUpdates(ctx, "j1")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, s.NotifyJobUpdate(ctx, "j1"))

	select {
	case <-updates:
	case <-time.After(2 * time.Second):
		t.Fatal("no update received")
	}

	cancel()
	cancel()
}
