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

// Package queue distributes job IDs to workers through Redis lists.
//
// Each lane is a list under queue:<lane>. Producers LPUSH, consumers LMOVE
// the oldest ID into their own processing list and remove it with Ack once
// the job is handled, so a crashed consumer's work can be put back with
// Recover. A consumer that stops refreshing its heartbeat is presumed dead
// and any live consumer may reclaim its processing list. The lane of every
// queued ID is kept in a hash so redeliveries return to the same lane.
// Delayed jobs wait in a sorted set per lane until PromoteDue
// moves them onto the lane.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/poiesic/docpipe/core"
	"github.com/poiesic/docpipe/storage"
)

// Lane is a named priority class.
type Lane string

const (
	LaneCritical Lane = "critical"
	LaneDefault  Lane = "default"
	LaneLow      Lane = "low"
)

// LaneWeight gives a lane its share of dequeue attempts.
type LaneWeight struct {
	Lane   Lane
	Weight int
}

// DefaultLanes returns critical, default and low weighted 6, 3 and 1.
func DefaultLanes() []LaneWeight {
	return []LaneWeight{
		{Lane: LaneCritical, Weight: 6},
		{Lane: LaneDefault, Weight: 3},
		{Lane: LaneLow, Weight: 1},
	}
}

// DefaultLane returns the lane a job of kind goes to unless overridden.
func DefaultLane(kind core.Kind) Lane {
	if kind == core.KindFullPipeline {
		return LaneCritical
	}
	return LaneDefault
}

const keyPrefix = "queue:"

func laneKey(l Lane) string { return keyPrefix + string(l) }

func scheduledKey(l Lane) string { return keyPrefix + string(l) + ":scheduled" }

const processingPrefix = keyPrefix + "processing:"

func processingKey(consumer string) string { return processingPrefix + consumer }

func heartbeatKey(consumer string) string { return keyPrefix + "consumer:" + consumer }

// laneIndexKey maps a queued job ID to the lane it was last routed to.
const laneIndexKey = keyPrefix + "lane-index"

var (
	// ErrEmpty is returned by Dequeue when every lane is empty.
	ErrEmpty = errors.New("queue is empty")

	// ErrUnknownLane is returned for a lane the router was not configured with.
	ErrUnknownLane = errors.New("unknown lane")
)

// RouterOption configures a Router.
type RouterOption func(*Router) error

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) error {
		if logger != nil {
			r.logger = logger
		}
		return nil
	}
}

// WithLanes replaces the lane set. Weights must be positive.
func WithLanes(lanes ...LaneWeight) RouterOption {
	return func(r *Router) error {
		if len(lanes) == 0 {
			return errors.New("at least one lane is required")
		}
		for _, l := range lanes {
			if l.Lane == "" || l.Weight <= 0 {
				return fmt.Errorf("invalid lane %q with weight %d", l.Lane, l.Weight)
			}
		}
		r.lanes = append([]LaneWeight(nil), lanes...)
		return nil
	}
}

// WithRand sets the random source for lane selection.
func WithRand(rnd *rand.Rand) RouterOption {
	return func(r *Router) error {
		if rnd != nil {
			r.rnd = rnd
		}
		return nil
	}
}

// Router creates job records and moves their IDs through the lanes.
type Router struct {
	client goredis.UniversalClient
	repo   storage.JobRepository
	lanes  []LaneWeight
	logger *slog.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRouter creates a router. Lanes are kept sorted by descending weight.
func NewRouter(client goredis.UniversalClient, repo storage.JobRepository, opts ...RouterOption) (*Router, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if repo == nil {
		return nil, errors.New("job repository is required")
	}
	r := &Router{
		client: client,
		repo:   repo,
		lanes:  DefaultLanes(),
		logger: slog.Default().With("component", "queue"),
		rnd:    rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	sort.SliceStable(r.lanes, func(i, j int) bool { return r.lanes[i].Weight > r.lanes[j].Weight })
	return r, nil
}

// Lanes returns the configured lanes in descending weight order.
func (r *Router) Lanes() []LaneWeight {
	return append([]LaneWeight(nil), r.lanes...)
}

func (r *Router) known(l Lane) bool {
	for _, lw := range r.lanes {
		if lw.Lane == l {
			return true
		}
	}
	return false
}

// EnqueueOption adjusts a single enqueue.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	lane Lane
}

// WithLane routes the job to lane instead of its default.
func WithLane(l Lane) EnqueueOption {
	return func(o *enqueueOptions) { o.lane = l }
}

func (r *Router) resolveLane(job *core.Job, opts []EnqueueOption) (Lane, error) {
	o := enqueueOptions{lane: DefaultLane(job.Kind)}
	for _, opt := range opts {
		opt(&o)
	}
	if !r.known(o.lane) {
		return "", fmt.Errorf("%w: %q", ErrUnknownLane, o.lane)
	}
	return o.lane, nil
}

// Enqueue stores job and pushes its ID onto its lane.
func (r *Router) Enqueue(ctx context.Context, job *core.Job, opts ...EnqueueOption) (Lane, error) {
	lane, err := r.resolveLane(job, opts)
	if err != nil {
		return "", err
	}
	if err := r.repo.CreateJob(ctx, job); err != nil {
		return "", err
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, laneIndexKey, job.ID, string(lane))
	pipe.LPush(ctx, laneKey(lane), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("docpipe/queue: push %s: %w", job.ID, err)
	}
	r.logger.Debug("job enqueued", "job_id", job.ID, "type", job.Kind, "lane", lane)
	return lane, nil
}

// EnqueueAt stores job and schedules its ID to join its lane at t.
func (r *Router) EnqueueAt(ctx context.Context, job *core.Job, t time.Time, opts ...EnqueueOption) (Lane, error) {
	lane, err := r.resolveLane(job, opts)
	if err != nil {
		return "", err
	}
	if err := r.repo.CreateJob(ctx, job); err != nil {
		return "", err
	}
	z := goredis.Z{Score: float64(t.Unix()), Member: job.ID}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, laneIndexKey, job.ID, string(lane))
	pipe.ZAdd(ctx, scheduledKey(lane), z)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("docpipe/queue: schedule %s: %w", job.ID, err)
	}
	r.logger.Debug("job scheduled", "job_id", job.ID, "lane", lane, "at", t)
	return lane, nil
}

// EnqueueIn is EnqueueAt relative to now.
func (r *Router) EnqueueIn(ctx context.Context, job *core.Job, d time.Duration, opts ...EnqueueOption) (Lane, error) {
	return r.EnqueueAt(ctx, job, time.Now().Add(d), opts...)
}

// PromoteDue moves scheduled IDs whose time has come onto their lanes and
// returns how many were moved.
func (r *Router) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	moved := 0
	upto := strconv.FormatInt(now.Unix(), 10)
	for _, lw := range r.lanes {
		ids, err := r.client.ZRangeByScore(ctx, scheduledKey(lw.Lane), &goredis.ZRangeBy{Min: "-inf", Max: upto}).Result()
		if err != nil {
			return moved, fmt.Errorf("docpipe/queue: read schedule: %w", err)
		}
		for _, id := range ids {
			// Whoever removes the member owns the promotion.
			n, err := r.client.ZRem(ctx, scheduledKey(lw.Lane), id).Result()
			if err != nil {
				return moved, fmt.Errorf("docpipe/queue: claim %s: %w", id, err)
			}
			if n == 0 {
				continue
			}
			if err := r.client.LPush(ctx, laneKey(lw.Lane), id).Err(); err != nil {
				return moved, fmt.Errorf("docpipe/queue: push %s: %w", id, err)
			}
			moved++
		}
	}
	if moved > 0 {
		r.logger.Debug("promoted scheduled jobs", "count", moved)
	}
	return moved, nil
}

// Dequeue moves the oldest ID of a lane into consumer's processing list.
// The lane is drawn at random among non-empty lanes in proportion to the
// lane weights. ErrEmpty means there was nothing to take.
func (r *Router) Dequeue(ctx context.Context, consumer string) (string, Lane, error) {
	order, err := r.pollOrder(ctx)
	if err != nil {
		return "", "", err
	}
	for _, lane := range order {
		id, err := r.client.LMove(ctx, laneKey(lane), processingKey(consumer), "RIGHT", "LEFT").Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			return "", "", fmt.Errorf("docpipe/queue: dequeue %s: %w", lane, err)
		}
		return id, lane, nil
	}
	return "", "", ErrEmpty
}

// pollOrder returns the non-empty lanes, a weighted random pick first and
// the rest in weight order.
func (r *Router) pollOrder(ctx context.Context) ([]Lane, error) {
	pipe := r.client.Pipeline()
	lens := make([]*goredis.IntCmd, len(r.lanes))
	for i, lw := range r.lanes {
		lens[i] = pipe.LLen(ctx, laneKey(lw.Lane))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("docpipe/queue: lane lengths: %w", err)
	}

	var candidates []LaneWeight
	total := 0
	for i, lw := range r.lanes {
		if lens[i].Val() > 0 {
			candidates = append(candidates, lw)
			total += lw.Weight
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	r.mu.Lock()
	draw := r.rnd.IntN(total)
	r.mu.Unlock()

	pick := 0
	for i, c := range candidates {
		if draw < c.Weight {
			pick = i
			break
		}
		draw -= c.Weight
	}

	order := make([]Lane, 0, len(candidates))
	order = append(order, candidates[pick].Lane)
	for i, c := range candidates {
		if i != pick {
			order = append(order, c.Lane)
		}
	}
	return order, nil
}

// Ack removes id from consumer's processing list.
func (r *Router) Ack(ctx context.Context, consumer, id string) error {
	pipe := r.client.TxPipeline()
	pipe.LRem(ctx, processingKey(consumer), 1, id)
	pipe.HDel(ctx, laneIndexKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("docpipe/queue: ack %s: %w", id, err)
	}
	return nil
}

// Nack puts id back on lane so it is the next ID dequeued from it.
func (r *Router) Nack(ctx context.Context, consumer, id string, lane Lane) error {
	pipe := r.client.TxPipeline()
	pipe.LRem(ctx, processingKey(consumer), 1, id)
	pipe.HSet(ctx, laneIndexKey, id, string(lane))
	pipe.RPush(ctx, laneKey(lane), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("docpipe/queue: nack %s: %w", id, err)
	}
	return nil
}

// Heartbeat marks consumer as alive for ttl.
func (r *Router) Heartbeat(ctx context.Context, consumer string, ttl time.Duration) error {
	if err := r.client.Set(ctx, heartbeatKey(consumer), time.Now().UTC().Format(time.RFC3339), ttl).Err(); err != nil {
		return fmt.Errorf("docpipe/queue: heartbeat %s: %w", consumer, err)
	}
	return nil
}

// Leave removes consumer's heartbeat so that other consumers reclaim what
// it left unacknowledged without waiting for the heartbeat to expire.
func (r *Router) Leave(ctx context.Context, consumer string) error {
	if err := r.client.Del(ctx, heartbeatKey(consumer)).Err(); err != nil {
		return fmt.Errorf("docpipe/queue: leave %s: %w", consumer, err)
	}
	return nil
}

// Recover re-queues every ID left in consumer's processing list, for
// example after a restart under the same name, then reclaims the lists of
// consumers without a heartbeat. IDs whose job record is gone are
// discarded. Recover must run before consumer dequeues anything.
func (r *Router) Recover(ctx context.Context, consumer string) (int, error) {
	ids, err := r.client.LRange(ctx, processingKey(consumer), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("docpipe/queue: read processing list: %w", err)
	}
	recovered, err := r.requeue(ctx, consumer, ids)
	if err != nil {
		return recovered, err
	}
	if recovered > 0 {
		r.logger.Info("recovered unacknowledged jobs", "consumer", consumer, "count", recovered)
	}

	reclaimed, err := r.ReclaimStale(ctx, consumer)
	return recovered + reclaimed, err
}

// ReclaimStale moves the deliveries of every consumer whose heartbeat has
// expired into consumer's processing list and re-queues them. Each ID is
// claimed by exactly one caller. Deliveries consumer already holds are not
// touched, so it is safe to call while consumer is working.
func (r *Router) ReclaimStale(ctx context.Context, consumer string) (int, error) {
	stale, err := r.staleConsumers(ctx, consumer)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, dead := range stale {
		var claimed []string
		for {
			id, err := r.client.LMove(ctx, processingKey(dead), processingKey(consumer), "RIGHT", "LEFT").Result()
			if errors.Is(err, goredis.Nil) {
				break
			}
			if err != nil {
				return reclaimed, fmt.Errorf("docpipe/queue: claim from %s: %w", dead, err)
			}
			claimed = append(claimed, id)
		}
		n, err := r.requeue(ctx, consumer, claimed)
		reclaimed += n
		if err != nil {
			return reclaimed, err
		}
		if n > 0 {
			r.logger.Info("reclaimed jobs from stale consumer", "stale", dead, "count", n)
		}
	}
	return reclaimed, nil
}

func (r *Router) staleConsumers(ctx context.Context, self string) ([]string, error) {
	var consumers []string
	iter := r.client.Scan(ctx, 0, processingPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		name := strings.TrimPrefix(iter.Val(), processingPrefix)
		if name != self {
			consumers = append(consumers, name)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("docpipe/queue: scan processing lists: %w", err)
	}

	var stale []string
	for _, name := range consumers {
		n, err := r.client.Exists(ctx, heartbeatKey(name)).Result()
		if err != nil {
			return nil, fmt.Errorf("docpipe/queue: check heartbeat %s: %w", name, err)
		}
		if n == 0 {
			stale = append(stale, name)
		}
	}
	return stale, nil
}

// requeue nacks ids held by consumer back to the lane each was routed to.
func (r *Router) requeue(ctx context.Context, consumer string, ids []string) (int, error) {
	requeued := 0
	for _, id := range ids {
		job, err := r.repo.GetJob(ctx, id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			r.logger.Warn("dropping orphaned delivery", "job_id", id)
			if err := r.Ack(ctx, consumer, id); err != nil {
				return requeued, err
			}
			continue
		case err != nil:
			return requeued, err
		}
		lane, err := r.recordedLane(ctx, job)
		if err != nil {
			return requeued, err
		}
		if err := r.Nack(ctx, consumer, id, lane); err != nil {
			return requeued, err
		}
		requeued++
	}
	return requeued, nil
}

// recordedLane returns the lane job was last routed to. Without a record it
// falls back to the job's default lane, or to the heaviest lane when the
// router does not serve the default one.
func (r *Router) recordedLane(ctx context.Context, job *core.Job) (Lane, error) {
	name, err := r.client.HGet(ctx, laneIndexKey, job.ID).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return "", fmt.Errorf("docpipe/queue: read lane of %s: %w", job.ID, err)
	}
	if lane := Lane(name); lane != "" && r.known(lane) {
		return lane, nil
	}
	if lane := DefaultLane(job.Kind); r.known(lane) {
		return lane, nil
	}
	return r.lanes[0].Lane, nil
}

// Stats reports the length of every lane and its schedule.
type Stats struct {
	Lane      Lane
	Ready     int64
	Scheduled int64
}

// Stats returns queue depths in lane order.
func (r *Router) Stats(ctx context.Context) ([]Stats, error) {
	pipe := r.client.Pipeline()
	ready := make([]*goredis.IntCmd, len(r.lanes))
	scheduled := make([]*goredis.IntCmd, len(r.lanes))
	for i, lw := range r.lanes {
		ready[i] = pipe.LLen(ctx, laneKey(lw.Lane))
		scheduled[i] = pipe.ZCard(ctx, scheduledKey(lw.Lane))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("docpipe/queue: stats: %w", err)
	}
	out := make([]Stats, len(r.lanes))
	for i, lw := range r.lanes {
		out[i] = Stats{Lane: lw.Lane, Ready: ready[i].Val(), Scheduled: scheduled[i].Val()}
	}
	return out, nil
}
