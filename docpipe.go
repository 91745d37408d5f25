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

// Package docpipe wires the document processing pipeline together: job
// records, the Redis queue, the executor with its parsers, splitter and
// embedder, the callback dispatcher and the retention sweeper.
package docpipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/poiesic/docpipe/ai"
	"github.com/poiesic/docpipe/ai/openai"
	"github.com/poiesic/docpipe/blob"
	"github.com/poiesic/docpipe/callback"
	"github.com/poiesic/docpipe/chunker"
	"github.com/poiesic/docpipe/core"
	"github.com/poiesic/docpipe/executor"
	"github.com/poiesic/docpipe/parser"
	"github.com/poiesic/docpipe/queue"
	"github.com/poiesic/docpipe/storage"
	"github.com/poiesic/docpipe/storage/badger"
	redisstore "github.com/poiesic/docpipe/storage/redis"
	"github.com/poiesic/docpipe/sweeper"
)

// ErrTaskTimeout is returned by WaitForTask when the job is still running
// at the deadline.
var ErrTaskTimeout = errors.New("timed out waiting for task")

// waitPollInterval is how often WaitForTask re-reads the record between
// update notices.
const waitPollInterval = time.Second

// Option configures a Pipeline.
type Option func(*options)

type options struct {
	client   goredis.UniversalClient
	provider ai.AIProvider
	blobs    blob.Store
	logger   *slog.Logger
}

// WithRedisClient uses client instead of dialing Config.RedisAddr. The
// caller keeps ownership of the client.
func WithRedisClient(client goredis.UniversalClient) Option {
	return func(o *options) { o.client = client }
}

// WithAIProvider replaces the OpenAI-compatible provider built from
// Config.AI.
func WithAIProvider(p ai.AIProvider) Option {
	return func(o *options) { o.provider = p }
}

// WithBlobStore replaces the blob store built from Config.
func WithBlobStore(s blob.Store) Option {
	return func(o *options) { o.blobs = s }
}

// WithLogger sets the logger handed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Pipeline is a configured document processing deployment.
type Pipeline struct {
	cfg        Config
	client     goredis.UniversalClient
	ownsClient bool
	backend    *badger.Backend
	repo       storage.JobRepository
	router     *queue.Router
	provider   ai.AIProvider
	splitter   *chunker.Splitter
	executor   *executor.Executor
	dispatcher *callback.Dispatcher
	sweeper    *sweeper.Sweeper
	logger     *slog.Logger
}

// Open builds a Pipeline from cfg. Nothing runs until Run is called.
func Open(cfg Config, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pipeline{cfg: cfg, logger: logger.With("component", "docpipe")}
	if err := p.open(o, logger); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) open(o *options, logger *slog.Logger) error {
	cfg := p.cfg

	p.client = o.client
	if p.client == nil {
		p.client = goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		p.ownsClient = true
	}

	switch cfg.Store {
	case StoreBadger:
		backend, err := badger.OpenBackend(cfg.BadgerPath, cfg.BadgerPath == "")
		if err != nil {
			return err
		}
		p.backend = backend
		p.repo = badger.NewJobRepository(backend)
	default:
		p.repo = redisstore.New(p.client, redisstore.WithLogger(logger.With("component", "redis-store")))
	}

	router, err := queue.NewRouter(p.client, p.repo, queue.WithLogger(logger.With("component", "queue")))
	if err != nil {
		return err
	}
	p.router = router

	p.provider = o.provider
	if p.provider == nil {
		aiCfg := cfg.AI
		if aiCfg == nil {
			aiCfg = ai.DefaultConfig()
		}
		if p.provider, err = openai.NewProvider(aiCfg); err != nil {
			return fmt.Errorf("create ai provider: %w", err)
		}
	}

	p.splitter, err = chunker.New(cfg.Chunker,
		chunker.WithEmbedder(p.provider.Embedder()),
		chunker.WithLogger(logger.With("component", "chunker")),
	)
	if err != nil {
		return err
	}

	blobs := o.blobs
	if blobs == nil {
		if blobs, err = p.blobStore(); err != nil {
			return err
		}
	}

	execOpts := []executor.Option{executor.WithLogger(logger.With("component", "executor"))}
	if cfg.AI != nil && cfg.AI.EmbeddingModel != "" {
		execOpts = append(execOpts, executor.WithDefaultModel(cfg.AI.EmbeddingModel))
	}
	if cfg.Callback.URL != "" {
		p.dispatcher, err = callback.New(cfg.Callback, callback.WithLogger(logger.With("component", "callback")))
		if err != nil {
			return err
		}
		execOpts = append(execOpts, executor.WithPublisher(p.dispatcher))
	}

	parsers := parser.NewRegistry(parser.WithLogger(logger.With("component", "parser")))
	p.executor, err = executor.New(p.repo, blobs, parsers, p.splitter, p.provider.Embedder(), execOpts...)
	if err != nil {
		return err
	}

	if !cfg.DisableSweeper {
		p.sweeper, err = sweeper.New(p.repo, cfg.Sweeper, sweeper.WithLogger(logger.With("component", "sweeper")))
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) blobStore() (blob.Store, error) {
	local := blob.NewLocalStore(p.cfg.BlobRoot)
	if p.cfg.Minio == nil {
		return local, nil
	}
	m, err := blob.NewMinioStore(*p.cfg.Minio)
	if err != nil {
		return nil, err
	}
	return blob.Chain{m, local}, nil
}

// Close releases everything Open acquired.
func (p *Pipeline) Close() error {
	var errs []error
	if p.provider != nil {
		if err := p.provider.Close(); err != nil {
			p.logger.Error("error closing AI provider", "err", err)
			errs = append(errs, err)
		}
	}
	if p.repo != nil {
		if err := p.repo.Close(); err != nil {
			p.logger.Error("error closing job repository", "err", err)
			errs = append(errs, err)
		}
	}
	if p.backend != nil {
		if err := p.backend.Close(); err != nil {
			p.logger.Error("error closing backend storage", "err", err)
			errs = append(errs, err)
		}
	}
	if p.ownsClient && p.client != nil {
		if err := p.client.Close(); err != nil {
			p.logger.Error("error closing redis client", "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Repository returns the job record store.
func (p *Pipeline) Repository() storage.JobRepository { return p.repo }

// Router returns the queue router.
func (p *Pipeline) Router() *queue.Router { return p.router }

// Executor returns the job executor.
func (p *Pipeline) Executor() *executor.Executor { return p.executor }

// Splitter returns the chunk splitter.
func (p *Pipeline) Splitter() *chunker.Splitter { return p.splitter }

// Generator returns the text generator of the AI provider.
func (p *Pipeline) Generator() ai.Generator { return p.provider.Generator() }

// Submit creates a job for documentID and queues it. The job ID is
// derived from kind and documentID.
func (p *Pipeline) Submit(ctx context.Context, kind core.Kind, documentID string, payload any, opts ...queue.EnqueueOption) (*core.Job, error) {
	job, err := p.newJob(kind, documentID, payload)
	if err != nil {
		return nil, err
	}
	if _, err := p.router.Enqueue(ctx, job, opts...); err != nil {
		return nil, err
	}
	return job, nil
}

// SubmitAt is Submit for a job that becomes runnable at t.
func (p *Pipeline) SubmitAt(ctx context.Context, kind core.Kind, documentID string, payload any, t time.Time, opts ...queue.EnqueueOption) (*core.Job, error) {
	job, err := p.newJob(kind, documentID, payload)
	if err != nil {
		return nil, err
	}
	if _, err := p.router.EnqueueAt(ctx, job, t, opts...); err != nil {
		return nil, err
	}
	return job, nil
}

func (p *Pipeline) newJob(kind core.Kind, documentID string, payload any) (*core.Job, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", core.ErrUnknownKind, kind)
	}
	job, err := core.NewJob("", kind, documentID, payload)
	if err != nil {
		return nil, err
	}
	job.MaxRetries = p.cfg.MaxRetries
	return job, nil
}

// GetTask returns the current record of a job.
func (p *Pipeline) GetTask(ctx context.Context, id string) (*core.Job, error) {
	return p.repo.GetJob(ctx, id)
}

// GetTasksByDocument returns every job of a document.
func (p *Pipeline) GetTasksByDocument(ctx context.Context, documentID string) ([]*core.Job, error) {
	return p.repo.GetJobsByDocument(ctx, documentID)
}

// DeleteTask removes a job record and its document index entry.
func (p *Pipeline) DeleteTask(ctx context.Context, id string) error {
	return p.repo.DeleteJob(ctx, id)
}

// NotifyTaskUpdate announces a change to the job to WaitForTask callers in
// other processes. Stores without a broadcast channel ignore it.
func (p *Pipeline) NotifyTaskUpdate(ctx context.Context, id string) error {
	if n, ok := p.repo.(storage.StatusNotifier); ok {
		return n.NotifyJobUpdate(ctx, id)
	}
	return nil
}

// WaitForTask blocks until the job is completed or failed and returns its
// final record. It wakes on update notices when the store broadcasts them
// and re-reads the record every second regardless.
func (p *Pipeline) WaitForTask(ctx context.Context, id string, timeout time.Duration) (*core.Job, error) {
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var updates <-chan struct{}
	if n, ok := p.repo.(storage.StatusNotifier); ok {
		ch, unsubscribe, err := n.SubscribeJobUpdates(ctx, id)
		if err != nil {
			p.logger.Warn("cannot subscribe to task updates, polling only", "job_id", id, "err", err)
		} else {
			defer unsubscribe()
			updates = ch
		}
	}

	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	timedOut := func() error {
		if parent.Err() != nil {
			return parent.Err()
		}
		return fmt.Errorf("%w: %s after %s", ErrTaskTimeout, id, timeout)
	}

	for {
		job, err := p.repo.GetJob(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, timedOut()
			}
			return nil, err
		}
		if job.State.Terminal() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return nil, timedOut()
		case _, ok := <-updates:
			if !ok {
				updates = nil
			}
		case <-ticker.C:
		}
	}
}

// QueueStats reports the depth of every lane.
func (p *Pipeline) QueueStats(ctx context.Context) ([]queue.Stats, error) {
	return p.router.Stats(ctx)
}

// Sweep deletes expired jobs once.
func (p *Pipeline) Sweep(ctx context.Context) (sweeper.Report, error) {
	if p.sweeper == nil {
		s, err := sweeper.New(p.repo, p.cfg.Sweeper, sweeper.WithLogger(p.logger))
		if err != nil {
			return sweeper.Report{}, err
		}
		return s.Sweep(ctx)
	}
	return p.sweeper.Sweep(ctx)
}

// NewWorker creates a queue worker bound to this pipeline's executor.
func (p *Pipeline) NewWorker(opts ...queue.WorkerOption) (*queue.Worker, error) {
	base := []queue.WorkerOption{
		queue.WithConcurrency(p.cfg.Concurrency),
		queue.WithConsumerID(p.cfg.WorkerID),
		queue.WithHeartbeatTTL(p.cfg.HeartbeatTTL),
		queue.WithWorkerLogger(p.logger.With("component", "worker")),
	}
	return queue.NewWorker(p.router, p.executor, append(base, opts...)...)
}

// Run processes jobs until ctx is done: the worker, the callback
// dispatcher and, unless disabled, the retention sweeper run side by side.
func (p *Pipeline) Run(ctx context.Context, opts ...queue.WorkerOption) error {
	worker, err := p.NewWorker(opts...)
	if err != nil {
		return err
	}
	defer worker.Release()

	g, gctx := errgroup.WithContext(ctx)
	if p.dispatcher != nil {
		g.Go(func() error { return p.dispatcher.Run(gctx) })
	}
	if p.sweeper != nil {
		g.Go(func() error { return p.sweeper.Run(gctx) })
	}
	g.Go(func() error { return worker.Run(gctx) })

	p.logger.Info("pipeline running", "store", p.cfg.Store, "consumer", worker.ConsumerID())
	err = g.Wait()
	p.logger.Info("pipeline stopped")
	return err
}
