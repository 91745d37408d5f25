package docpipe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poiesic/docpipe/ai/mock"
	"github.com/poiesic/docpipe/blob"
	"github.com/poiesic/docpipe/callback"
	"github.com/poiesic/docpipe/core"
	"github.com/poiesic/docpipe/queue"
	"github.com/poiesic/docpipe/storage"
)

const document = `Solar panels convert sunlight into electricity for the home.

Batteries store the surplus energy so it can be used after dark.

Inverters turn the stored direct current into alternating current.`

type callbackSink struct {
	mu    sync.Mutex
	items []callback.Notification
}

func (s *callbackSink) handler(w http.ResponseWriter, r *http.Request) {
	var n callback.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.items = append(s.items, n)
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *callbackSink) statuses(taskID string) []core.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.State
	for _, n := range s.items {
		if n.TaskID == taskID {
			out = append(out, n.Status)
		}
	}
	return out
}

type env struct {
	pipeline *Pipeline
	blobs    *blob.MemoryStore
	sink     *callbackSink
}

func setup(t *testing.T, mutate func(*Config)) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	sink := &callbackSink{}
	srv := httptest.NewServer(http.HandlerFunc(sink.handler))
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.Callback.URL = srv.URL
	cfg.Concurrency = 2
	if mutate != nil {
		mutate(&cfg)
	}

	blobs := blob.NewMemoryStore()
	p, err := Open(cfg,
		WithRedisClient(client),
		WithAIProvider(mock.NewMockProvider()),
		WithBlobStore(blobs),
	)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return &env{pipeline: p, blobs: blobs, sink: sink}
}

func (e *env) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.pipeline.Run(ctx, queue.WithPollInterval(10*time.Millisecond)) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("pipeline did not stop")
		}
	})
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Store = "sqlite"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Concurrency = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.HeartbeatTTL = -time.Second
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Sweeper.Schedule = "bogus"
	assert.Error(t, cfg.Validate())
	cfg.DisableSweeper = true
	assert.NoError(t, cfg.Validate())

	_, err := Open(Config{Store: "sqlite"})
	assert.Error(t, err)
}

func TestPipeline_NewWorkerUsesConfiguredID(t *testing.T) {
	e := setup(t, func(cfg *Config) { cfg.WorkerID = "indexer-1" })
	w, err := e.pipeline.NewWorker()
	require.NoError(t, err)
	defer w.Release()
	assert.Equal(t, "indexer-1", w.ConsumerID())
}

func TestPipeline_FullPipelineEndToEnd(t *testing.T) {
	e := setup(t, nil)
	e.blobs.Put("uploads/energy.txt", []byte(document))
	e.run(t)
	ctx := context.Background()

	job, err := e.pipeline.Submit(ctx, core.KindFullPipeline, "doc-energy", core.PipelinePayload{
		DocumentID: "doc-energy",
		FilePath:   "uploads/energy.txt",
		SplitType:  "paragraph",
	})
	require.NoError(t, err)
	assert.Contains(t, job.ID, "process_")
	assert.Equal(t, core.DefaultMaxRetries, job.MaxRetries)

	final, err := e.pipeline.WaitForTask(ctx, job.ID, 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, core.StateCompleted, final.State, final.Error)

	var res core.PipelineResult
	require.NoError(t, final.DecodeResult(&res))
	assert.Positive(t, res.ChunkCount)
	assert.Equal(t, res.ChunkCount, res.VectorCount)
	assert.Equal(t, core.StageCompleted, res.VectorStatus)

	assert.Eventually(t, func() bool {
		return len(e.sink.statuses(job.ID)) == 2
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []core.State{core.StateRunning, core.StateCompleted}, e.sink.statuses(job.ID))
}

func TestPipeline_TaskQueries(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()

	chunk, err := e.pipeline.Submit(ctx, core.KindChunk, "doc-q", core.ChunkPayload{DocumentID: "doc-q", Content: document})
	require.NoError(t, err)
	embed, err := e.pipeline.Submit(ctx, core.KindEmbed, "doc-q", core.EmbedPayload{
		DocumentID: "doc-q",
		Chunks:     []core.ChunkInfo{{Text: "one", Index: 0}},
	}, queue.WithLane(queue.LaneLow))
	require.NoError(t, err)

	got, err := e.pipeline.GetTask(ctx, chunk.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatePending, got.State)
	assert.Equal(t, 0, got.Progress())

	jobs, err := e.pipeline.GetTasksByDocument(ctx, "doc-q")
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	stats, err := e.pipeline.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[1].Ready)
	assert.Equal(t, int64(1), stats[2].Ready)

	require.NoError(t, e.pipeline.DeleteTask(ctx, embed.ID))
	_, err = e.pipeline.GetTask(ctx, embed.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	jobs, err = e.pipeline.GetTasksByDocument(ctx, "doc-q")
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	_, err = e.pipeline.Submit(ctx, core.Kind("ocr"), "doc-q", nil)
	assert.ErrorIs(t, err, core.ErrUnknownKind)
}

func TestPipeline_WaitForTaskTimeout(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()

	job, err := e.pipeline.Submit(ctx, core.KindChunk, "doc-w", core.ChunkPayload{DocumentID: "doc-w", Content: document})
	require.NoError(t, err)

	start := time.Now()
	_, err = e.pipeline.WaitForTask(ctx, job.ID, 150*time.Millisecond)
	assert.ErrorIs(t, err, ErrTaskTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = e.pipeline.WaitForTask(canceled, job.ID, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPipeline_WaitForTaskWakesOnNotify(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()

	job, err := e.pipeline.Submit(ctx, core.KindChunk, "doc-n", core.ChunkPayload{DocumentID: "doc-n", Content: document})
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		stored, err := e.pipeline.GetTask(ctx, job.ID)
		if err != nil {
			return
		}
		_ = stored.Fail(time.Now(), "canceled by operator")
		_ = e.pipeline.Repository().PutJob(ctx, stored)
		_ = e.pipeline.NotifyTaskUpdate(ctx, job.ID)
	}()

	final, err := e.pipeline.WaitForTask(ctx, job.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, core.StateFailed, final.State)
	assert.Equal(t, "canceled by operator", final.Error)
}

func TestPipeline_ScheduledSubmit(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()

	job, err := e.pipeline.SubmitAt(ctx, core.KindChunk, "doc-s", core.ChunkPayload{DocumentID: "doc-s", Content: document}, time.Now().Add(-time.Second))
	require.NoError(t, err)
	e.run(t)

	final, err := e.pipeline.WaitForTask(ctx, job.ID, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, core.StateCompleted, final.State)
}

func TestPipeline_BadgerStoreAndSweep(t *testing.T) {
	e := setup(t, func(c *Config) {
		c.Store = StoreBadger
		c.Callback.URL = ""
	})
	ctx := context.Background()

	job, err := e.pipeline.Submit(ctx, core.KindChunk, "doc-b", core.ChunkPayload{DocumentID: "doc-b", Content: document})
	require.NoError(t, err)
	require.NoError(t, e.pipeline.NotifyTaskUpdate(ctx, job.ID))

	old, err := core.NewJob("old-job", core.KindChunk, "doc-b", core.ChunkPayload{DocumentID: "doc-b", Content: "x"})
	require.NoError(t, err)
	old.CreatedAt = time.Now().Add(-30 * 24 * time.Hour)
	require.NoError(t, e.pipeline.Repository().CreateJob(ctx, old))

	rep, err := e.pipeline.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Deleted)

	jobs, err := e.pipeline.GetTasksByDocument(ctx, "doc-b")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)

	e.run(t)
	final, err := e.pipeline.WaitForTask(ctx, job.ID, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, core.StateCompleted, final.State)
}
