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

package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/errgroup"

	"github.com/poiesic/docpipe/executor"
)

// Executor runs one job by ID. *executor.Executor satisfies it.
type Executor interface {
	Execute(ctx context.Context, jobID string) error
}

// DefaultConcurrency is the worker pool size.
const DefaultConcurrency = 10

// DefaultHeartbeatTTL is how long a worker counts as alive after its last
// heartbeat. Heartbeats are sent three times per TTL.
const DefaultHeartbeatTTL = 30 * time.Second

// Worker pulls job IDs from a Router and executes them on a goroutine pool.
type Worker struct {
	router       *Router
	exec         Executor
	pool         *ants.Pool
	consumer     string
	pollInterval time.Duration
	heartbeatTTL time.Duration
	logger       *slog.Logger
	inflight     sync.WaitGroup
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker) error

// WithConcurrency sets how many jobs run at once. Default is
// DefaultConcurrency.
func WithConcurrency(size int) WorkerOption {
	return func(w *Worker) error {
		if size < 1 {
			size = 1
		}
		if w.pool != nil {
			w.pool.Release()
		}
		pool, err := ants.NewPool(size)
		if err != nil {
			return err
		}
		w.pool = pool
		return nil
	}
}

// WithPollInterval sets the wait after finding every lane empty.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) error {
		if d > 0 {
			w.pollInterval = d
		}
		return nil
	}
}

// WithHeartbeatTTL sets how long the worker counts as alive without a
// fresh heartbeat. Deliveries of a worker whose heartbeat expired are
// reclaimed by the others.
func WithHeartbeatTTL(d time.Duration) WorkerOption {
	return func(w *Worker) error {
		if d > 0 {
			w.heartbeatTTL = d
		}
		return nil
	}
}

// WithConsumerID fixes the consumer name. A worker restarted with the
// same name recovers the deliveries it left unacknowledged.
func WithConsumerID(id string) WorkerOption {
	return func(w *Worker) error {
		if id != "" {
			w.consumer = id
		}
		return nil
	}
}

// WithWorkerLogger sets a custom logger.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) error {
		if logger != nil {
			w.logger = logger
		}
		return nil
	}
}

// NewWorker creates a worker. Release must be called when it is no longer
// needed.
func NewWorker(router *Router, exec Executor, opts ...WorkerOption) (*Worker, error) {
	if router == nil {
		return nil, errors.New("router is required")
	}
	if exec == nil {
		return nil, errors.New("executor is required")
	}

	pool, err := ants.NewPool(DefaultConcurrency)
	if err != nil {
		return nil, err
	}
	w := &Worker{
		router:       router,
		exec:         exec,
		pool:         pool,
		consumer:     "worker-" + uuid.NewString(),
		pollInterval: time.Second,
		heartbeatTTL: DefaultHeartbeatTTL,
		logger:       slog.Default().With("component", "worker"),
	}
	for _, opt := range opts {
		if err := opt(w); err != nil {
			w.Release()
			return nil, err
		}
	}
	w.logger = w.logger.With("consumer", w.consumer)
	return w, nil
}

// ConsumerID returns the name of the worker's processing list.
func (w *Worker) ConsumerID() string {
	return w.consumer
}

// Release frees the goroutine pool.
func (w *Worker) Release() {
	if w.pool != nil {
		w.pool.Release()
	}
}

// Run announces the worker, recovers its own leftover deliveries and those
// of dead workers, then dequeues and executes jobs until ctx is done. It
// waits for running jobs before returning.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.router.Heartbeat(ctx, w.consumer, w.heartbeatTTL); err != nil {
		w.logger.Warn("failed to send heartbeat", "err", err)
	}
	defer w.leave(ctx)

	if n, err := w.router.Recover(ctx, w.consumer); err != nil {
		w.logger.Error("failed to recover deliveries", "err", err)
	} else if n > 0 {
		w.logger.Info("recovered deliveries", "count", n)
	}

	w.logger.Info("worker started", "concurrency", w.pool.Cap())
	defer w.logger.Info("worker stopped")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.promoteLoop(gctx) })
	g.Go(func() error { return w.heartbeatLoop(gctx) })
	g.Go(func() error { return w.pollLoop(gctx) })
	err := g.Wait()

	w.inflight.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// leave drops the heartbeat once running jobs are done, so deliveries
// interrupted by shutdown are reclaimed by the remaining workers.
func (w *Worker) leave(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.router.Leave(ctx, w.consumer); err != nil {
		w.logger.Warn("failed to remove heartbeat", "err", err)
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(max(w.heartbeatTTL/3, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := w.router.Heartbeat(ctx, w.consumer, w.heartbeatTTL); err != nil && ctx.Err() == nil {
			w.logger.Warn("failed to send heartbeat", "err", err)
		}
		if n, err := w.router.ReclaimStale(ctx, w.consumer); err != nil && ctx.Err() == nil {
			w.logger.Warn("failed to reclaim stale deliveries", "err", err)
		} else if n > 0 {
			w.logger.Info("reclaimed deliveries", "count", n)
		}
	}
}

func (w *Worker) promoteLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		if _, err := w.router.PromoteDue(ctx, time.Now()); err != nil && ctx.Err() == nil {
			w.logger.Warn("failed to promote scheduled jobs", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Worker) pollLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		id, lane, err := w.router.Dequeue(ctx, w.consumer)
		if err != nil {
			if !errors.Is(err, ErrEmpty) && ctx.Err() == nil {
				w.logger.Warn("dequeue failed", "err", err)
			}
			if !sleep(ctx, w.pollInterval) {
				return ctx.Err()
			}
			continue
		}

		w.inflight.Add(1)
		if err := w.pool.Submit(func() {
			defer w.inflight.Done()
			w.handle(ctx, id, lane)
		}); err != nil {
			w.inflight.Done()
			w.logger.Error("failed to submit job", "job_id", id, "err", err)
			if nackErr := w.router.Nack(ctx, w.consumer, id, lane); nackErr != nil {
				w.logger.Error("failed to requeue job", "job_id", id, "err", nackErr)
			}
		}
	}
}

// handle executes one delivery. Deliveries are acknowledged when the job
// reached a terminal state or no longer exists, requeued after a store
// failure, and left in the processing list on shutdown.
func (w *Worker) handle(ctx context.Context, id string, lane Lane) {
	err := w.exec.Execute(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, executor.ErrJobNotFound):
		w.logger.Warn("dropping delivery for missing job", "job_id", id)
	case ctx.Err() != nil:
		w.logger.Info("job interrupted by shutdown", "job_id", id)
		return
	default:
		w.logger.Error("job execution failed, requeueing", "job_id", id, "err", err)
		if !sleep(ctx, w.pollInterval) {
			return
		}
		if err := w.router.Nack(ctx, w.consumer, id, lane); err != nil {
			w.logger.Error("failed to requeue job", "job_id", id, "err", err)
		}
		return
	}

	if err := w.router.Ack(ctx, w.consumer, id); err != nil {
		w.logger.Error("failed to acknowledge job", "job_id", id, "err", err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
