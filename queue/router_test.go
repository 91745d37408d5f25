package queue

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poiesic/docpipe/core"
	"github.com/poiesic/docpipe/storage"
	redisstore "github.com/poiesic/docpipe/storage/redis"
)

type harness struct {
	router *Router
	repo   *redisstore.Store
	client *goredis.Client
	mr     *miniredis.Miniredis
}

func setupRouter(t *testing.T, opts ...RouterOption) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	repo := redisstore.New(client)

	r, err := NewRouter(client, repo, opts...)
	require.NoError(t, err)
	return &harness{router: r, repo: repo, client: client, mr: mr}
}

func chunkJob(t *testing.T, id string) *core.Job {
	t.Helper()
	job, err := core.NewJob(id, core.KindChunk, "doc-"+id, core.ChunkPayload{DocumentID: "doc-" + id, Content: "text"})
	require.NoError(t, err)
	return job
}

func pipelineJob(t *testing.T, id string) *core.Job {
	t.Helper()
	job, err := core.NewJob(id, core.KindFullPipeline, "doc-"+id, core.PipelinePayload{DocumentID: "doc-" + id, FilePath: "a.txt"})
	require.NoError(t, err)
	return job
}

func TestDefaultLane(t *testing.T) {
	assert.Equal(t, LaneCritical, DefaultLane(core.KindFullPipeline))
	assert.Equal(t, LaneDefault, DefaultLane(core.KindParse))
	assert.Equal(t, LaneDefault, DefaultLane(core.KindChunk))
	assert.Equal(t, LaneDefault, DefaultLane(core.KindEmbed))
}

func TestNewRouter_Options(t *testing.T) {
	h := setupRouter(t, WithLanes(LaneWeight{Lane: LaneLow, Weight: 1}, LaneWeight{Lane: LaneCritical, Weight: 9}))
	assert.Equal(t, []LaneWeight{{LaneCritical, 9}, {LaneLow, 1}}, h.router.Lanes())

	_, err := NewRouter(h.client, h.repo, WithLanes(LaneWeight{Lane: "x", Weight: 0}))
	assert.Error(t, err)
	_, err = NewRouter(nil, h.repo)
	assert.Error(t, err)
	_, err = NewRouter(h.client, nil)
	assert.Error(t, err)
}

func TestRouter_EnqueueStoresAndRoutes(t *testing.T) {
	h := setupRouter(t)
	ctx := context.Background()

	lane, err := h.router.Enqueue(ctx, pipelineJob(t, "p1"))
	require.NoError(t, err)
	assert.Equal(t, LaneCritical, lane)

	lane, err = h.router.Enqueue(ctx, chunkJob(t, "c1"))
	require.NoError(t, err)
	assert.Equal(t, LaneDefault, lane)

	lane, err = h.router.Enqueue(ctx, chunkJob(t, "c2"), WithLane(LaneLow))
	require.NoError(t, err)
	assert.Equal(t, LaneLow, lane)

	_, err = h.router.Enqueue(ctx, chunkJob(t, "c3"), WithLane("bulk"))
	assert.ErrorIs(t, err, ErrUnknownLane)
	_, err = h.repo.GetJob(ctx, "c3")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	stored, err := h.repo.GetJob(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, core.StatePending, stored.State)

	ids, err := h.repo.DocumentJobIDs(ctx, "doc-c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, ids)

	_, err = h.router.Enqueue(ctx, chunkJob(t, "c1"))
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)

	stats, err := h.router.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Stats{
		{Lane: LaneCritical, Ready: 1},
		{Lane: LaneDefault, Ready: 1},
		{Lane: LaneLow, Ready: 1},
	}, stats)
}

func TestRouter_DequeueIsFIFOAndAck(t *testing.T) {
	h := setupRouter(t)
	ctx := context.Background()

	for i := range 3 {
		_, err := h.router.Enqueue(ctx, chunkJob(t, fmt.Sprintf("c%d", i)))
		require.NoError(t, err)
	}

	for i := range 3 {
		id, lane, err := h.router.Dequeue(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("c%d", i), id)
		assert.Equal(t, LaneDefault, lane)
	}

	_, _, err := h.router.Dequeue(ctx, "w1")
	assert.ErrorIs(t, err, ErrEmpty)

	processing, err := h.client.LRange(ctx, processingKey("w1"), 0, -1).Result()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c0", "c1", "c2"}, processing)

	require.NoError(t, h.router.Ack(ctx, "w1", "c1"))
	processing, err = h.client.LRange(ctx, processingKey("w1"), 0, -1).Result()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c0", "c2"}, processing)
}

func TestRouter_DequeueSkipsEmptyLanes(t *testing.T) {
	h := setupRouter(t)
	ctx := context.Background()

	_, err := h.router.Enqueue(ctx, chunkJob(t, "low1"), WithLane(LaneLow))
	require.NoError(t, err)

	id, lane, err := h.router.Dequeue(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "low1", id)
	assert.Equal(t, LaneLow, lane)

	_, _, err = h.router.Dequeue(ctx, "w1")
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestRouter_WeightedLaneChoice(t *testing.T) {
	h := setupRouter(t, WithRand(rand.New(rand.NewPCG(1, 2))))
	ctx := context.Background()

	const perLane = 300
	for i := range perLane {
		_, err := h.router.Enqueue(ctx, pipelineJob(t, fmt.Sprintf("p%d", i)))
		require.NoError(t, err)
		_, err = h.router.Enqueue(ctx, chunkJob(t, fmt.Sprintf("d%d", i)))
		require.NoError(t, err)
		_, err = h.router.Enqueue(ctx, chunkJob(t, fmt.Sprintf("l%d", i)), WithLane(LaneLow))
		require.NoError(t, err)
	}

	counts := map[Lane]int{}
	for range 200 {
		_, lane, err := h.router.Dequeue(ctx, "w1")
		require.NoError(t, err)
		counts[lane]++
	}

	assert.Greater(t, counts[LaneCritical], counts[LaneDefault])
	assert.Greater(t, counts[LaneDefault], counts[LaneLow])
	assert.Positive(t, counts[LaneLow])
}

func TestRouter_NackAndRecover(t *testing.T) {
	h := setupRouter(t)
	ctx := context.Background()

	_, err := h.router.Enqueue(ctx, pipelineJob(t, "p1"))
	require.NoError(t, err)
	_, err = h.router.Enqueue(ctx, chunkJob(t, "c1"))
	require.NoError(t, err)
	_, err = h.router.Enqueue(ctx, chunkJob(t, "c2"))
	require.NoError(t, err)

	var taken []string
	for range 3 {
		id, _, err := h.router.Dequeue(ctx, "crashed")
		require.NoError(t, err)
		taken = append(taken, id)
	}
	assert.ElementsMatch(t, []string{"p1", "c1", "c2"}, taken)

	require.NoError(t, h.repo.DeleteJob(ctx, "c2"))

	n, err := h.router.Recover(ctx, "crashed")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	processing, err := h.client.LLen(ctx, processingKey("crashed")).Result()
	require.NoError(t, err)
	assert.Zero(t, processing)

	stats, err := h.router.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[0].Ready)
	assert.Equal(t, int64(1), stats[1].Ready)

	id, _, err := h.router.Dequeue(ctx, "w2")
	require.NoError(t, err)
	require.NoError(t, h.router.Nack(ctx, "w2", id, LaneLow))
	stats, err = h.router.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[2].Ready)
}

func TestRouter_ScheduledJobs(t *testing.T) {
	h := setupRouter(t)
	ctx := context.Background()
	now := time.Now()

	_, err := h.router.EnqueueAt(ctx, chunkJob(t, "soon"), now.Add(-time.Second))
	require.NoError(t, err)
	lane, err := h.router.EnqueueIn(ctx, pipelineJob(t, "later"), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, LaneCritical, lane)

	_, _, err = h.router.Dequeue(ctx, "w1")
	assert.ErrorIs(t, err, ErrEmpty)

	moved, err := h.router.PromoteDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	id, _, err := h.router.Dequeue(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "soon", id)

	stats, err := h.router.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[0].Scheduled)

	moved, err = h.router.PromoteDue(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	id, lane, err = h.router.Dequeue(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "later", id)
	assert.Equal(t, LaneCritical, lane)
}

func TestRouter_RecoverKeepsRoutedLane(t *testing.T) {
	h := setupRouter(t)
	ctx := context.Background()

	_, err := h.router.Enqueue(ctx, chunkJob(t, "bulk1"), WithLane(LaneLow))
	require.NoError(t, err)
	_, err = h.router.EnqueueIn(ctx, pipelineJob(t, "later"), -time.Minute, WithLane(LaneLow))
	require.NoError(t, err)
	_, err = h.router.PromoteDue(ctx, time.Now())
	require.NoError(t, err)

	for range 2 {
		_, _, err := h.router.Dequeue(ctx, "crashed")
		require.NoError(t, err)
	}

	n, err := h.router.Recover(ctx, "crashed")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stats, err := h.router.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Stats{
		{Lane: LaneCritical},
		{Lane: LaneDefault},
		{Lane: LaneLow, Ready: 2},
	}, stats)

	id, _, err := h.router.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, h.router.Ack(ctx, "w1", id))
	indexed, err := h.client.HExists(ctx, laneIndexKey, id).Result()
	require.NoError(t, err)
	assert.False(t, indexed)
}

func TestRouter_RecoverWithoutDefaultLane(t *testing.T) {
	h := setupRouter(t, WithLanes(LaneWeight{Lane: "bulk", Weight: 1}))
	ctx := context.Background()

	_, err := h.router.Enqueue(ctx, chunkJob(t, "c1"), WithLane("bulk"))
	require.NoError(t, err)
	_, _, err = h.router.Dequeue(ctx, "crashed")
	require.NoError(t, err)
	// A delivery queued before lanes were recorded.
	require.NoError(t, h.client.HDel(ctx, laneIndexKey, "c1").Err())

	n, err := h.router.Recover(ctx, "crashed")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	id, lane, err := h.router.Dequeue(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "c1", id)
	assert.Equal(t, Lane("bulk"), lane)
}

func TestRouter_ReclaimStale(t *testing.T) {
	h := setupRouter(t)
	ctx := context.Background()

	for _, id := range []string{"c0", "c1", "c2"} {
		_, err := h.router.Enqueue(ctx, chunkJob(t, id))
		require.NoError(t, err)
	}
	require.NoError(t, h.router.Heartbeat(ctx, "alive", time.Minute))
	aliveID, _, err := h.router.Dequeue(ctx, "alive")
	require.NoError(t, err)
	for range 2 {
		_, _, err := h.router.Dequeue(ctx, "dead")
		require.NoError(t, err)
	}
	require.NoError(t, h.repo.DeleteJob(ctx, "c2"))

	n, err := h.router.ReclaimStale(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	dead, err := h.client.LLen(ctx, processingKey("dead")).Result()
	require.NoError(t, err)
	assert.Zero(t, dead)
	mine, err := h.client.LLen(ctx, processingKey("w1")).Result()
	require.NoError(t, err)
	assert.Zero(t, mine)
	alive, err := h.client.LRange(ctx, processingKey("alive"), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{aliveID}, alive)

	id, _, err := h.router.Dequeue(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "c1", id)

	h.mr.FastForward(2 * time.Minute)
	n, err = h.router.ReclaimStale(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	mine, err = h.client.LLen(ctx, processingKey("w1")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), mine, "own deliveries stay put")

	require.NoError(t, h.router.Heartbeat(ctx, "w1", time.Minute))
	require.NoError(t, h.router.Leave(ctx, "w1"))
	exists, err := h.client.Exists(ctx, heartbeatKey("w1")).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}
