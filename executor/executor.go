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

package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"runtime/debug"
	"time"

	"github.com/poiesic/docpipe/ai"
	"github.com/poiesic/docpipe/blob"
	"github.com/poiesic/docpipe/callback"
	"github.com/poiesic/docpipe/chunker"
	"github.com/poiesic/docpipe/core"
	"github.com/poiesic/docpipe/parser"
	"github.com/poiesic/docpipe/retry"
	"github.com/poiesic/docpipe/storage"
)

// Publisher receives a notification for every job state transition.
type Publisher interface {
	Publish(n callback.Notification) bool
}

// Executor runs jobs loaded from a JobRepository.
type Executor struct {
	repo         storage.JobRepository
	blobs        blob.Store
	parsers      *parser.Registry
	splitter     *chunker.Splitter
	embedder     ai.Embedder
	models       map[string]ai.Embedder
	defaultModel string
	publisher    Publisher
	policy       retry.Policy
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures an Executor.
type Option func(*Executor) error

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) error {
		if logger != nil {
			e.logger = logger
		}
		return nil
	}
}

// WithPublisher sets where transition notifications go.
// Without one, transitions are only written to the store.
func WithPublisher(p Publisher) Option {
	return func(e *Executor) error {
		e.publisher = p
		return nil
	}
}

// WithRetryPolicy sets the policy used around blob, parser, splitter and
// embedder calls. Default is retry.DefaultPolicy().
func WithRetryPolicy(p retry.Policy) Option {
	return func(e *Executor) error {
		if p.MaxAttempts <= 0 {
			return retry.ErrInvalidMaxAttempts
		}
		e.policy = p
		return nil
	}
}

// WithDefaultModel names the model served by the default embedder.
func WithDefaultModel(model string) Option {
	return func(e *Executor) error {
		e.defaultModel = model
		return nil
	}
}

// WithModelEmbedder registers an embedder for an explicitly requested model.
func WithModelEmbedder(model string, embedder ai.Embedder) Option {
	return func(e *Executor) error {
		if model == "" || embedder == nil {
			return errors.New("model name and embedder are required")
		}
		e.models[model] = embedder
		return nil
	}
}

// WithClock replaces the time source used for job timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) error {
		if now != nil {
			e.now = now
		}
		return nil
	}
}

// New creates an executor.
func New(
	repo storage.JobRepository,
	blobs blob.Store,
	parsers *parser.Registry,
	splitter *chunker.Splitter,
	embedder ai.Embedder,
	opts ...Option,
) (*Executor, error) {
	switch {
	case repo == nil:
		return nil, ErrRepositoryRequired
	case blobs == nil:
		return nil, ErrBlobStoreRequired
	case parsers == nil:
		return nil, ErrParsersRequired
	case splitter == nil:
		return nil, ErrSplitterRequired
	case embedder == nil:
		return nil, ErrEmbedderRequired
	}

	e := &Executor{
		repo:         repo,
		blobs:        blobs,
		parsers:      parsers,
		splitter:     splitter,
		embedder:     embedder,
		models:       make(map[string]ai.Embedder),
		defaultModel: ai.DefaultConfig().EmbeddingModel,
		policy:       retry.DefaultPolicy(),
		logger:       slog.Default().With("component", "executor"),
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Execute runs the job with the given ID.
//
// A terminal job is left untouched. A pending job is moved to running; a
// job already running is a redelivery and resumes without a transition.
// The job always ends completed or failed unless ctx ends first or the
// store fails, in which case the error is returned and the job stays
// running for redelivery.
func (e *Executor) Execute(ctx context.Context, jobID string) error {
	job, err := e.repo.GetJob(ctx, jobID)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return fmt.Errorf("docpipe/executor: load job %s: %w", jobID, err)
	}

	logger := e.logger.With("job_id", job.ID, "type", job.Kind)
	if job.State.Terminal() {
		logger.Debug("job already finished, skipping", "status", job.State)
		return nil
	}

	job.Attempts++
	if job.Attempts > job.MaxRetries+1 {
		logger.Warn("job delivered too many times", "attempts", job.Attempts, "max_retries", job.MaxRetries)
		return e.finish(ctx, job, logger, nil, ErrMaxDeliveries)
	}

	switch job.State {
	case core.StatePending:
		if err := job.Start(e.now()); err != nil {
			return err
		}
		if err := e.save(ctx, job); err != nil {
			return err
		}
		e.notify(ctx, job, logger)
	default:
		logger.Info("resuming redelivered job", "attempts", job.Attempts)
		if err := e.save(ctx, job); err != nil {
			return err
		}
	}

	start := time.Now()
	result, runErr := e.dispatch(ctx, job, logger)
	if runErr != nil && ctx.Err() != nil {
		logger.Info("job interrupted", "err", ctx.Err())
		return ctx.Err()
	}
	logger.Debug("job handler returned", "elapsed", time.Since(start), "failed", runErr != nil)
	return e.finish(ctx, job, logger, result, runErr)
}

// finish writes the terminal state. A store that already holds a terminal
// state for the job wins; the conflict is logged and not returned.
func (e *Executor) finish(ctx context.Context, job *core.Job, logger *slog.Logger, result any, runErr error) error {
	now := e.now()
	if runErr != nil {
		if err := job.Fail(now, runErr.Error()); err != nil {
			return err
		}
		logger.Error("job failed", "err", runErr)
	} else {
		if err := job.Complete(now, result); err != nil {
			return fmt.Errorf("docpipe/executor: encode result: %w", err)
		}
		logger.Info("job completed")
	}

	if err := e.save(ctx, job); err != nil {
		if errors.Is(err, storage.ErrStateRegression) {
			logger.Warn("job finished elsewhere, dropping result", "err", err)
			return nil
		}
		return err
	}
	e.notify(ctx, job, logger)
	return nil
}

func (e *Executor) save(ctx context.Context, job *core.Job) error {
	if err := e.repo.PutJob(ctx, job); err != nil {
		return fmt.Errorf("docpipe/executor: save job %s: %w", job.ID, err)
	}
	return nil
}

func (e *Executor) notify(ctx context.Context, job *core.Job, logger *slog.Logger) {
	if e.publisher != nil {
		e.publisher.Publish(callback.NotificationFromJob(job))
	}
	if n, ok := e.repo.(storage.StatusNotifier); ok {
		if err := n.NotifyJobUpdate(ctx, job.ID); err != nil {
			logger.Warn("failed to broadcast job update", "err", err)
		}
	}
}

// dispatch decodes the payload and runs the matching handler. Panics in a
// handler are turned into errors.
func (e *Executor) dispatch(ctx context.Context, job *core.Job, logger *slog.Logger) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job handler panicked", "panic", r, "stack", string(debug.Stack()))
			result = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	payload, err := job.DecodePayload()
	if err != nil {
		return nil, err
	}

	switch p := payload.(type) {
	case *core.ParsePayload:
		res, err := e.runParse(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("parse stage: %w", err)
		}
		return res, nil

	case *core.ChunkPayload:
		chunks, err := e.runChunk(ctx, p.DocumentID, p.Content, p.ChunkSize, p.Overlap, p.SplitType)
		if err != nil {
			return nil, fmt.Errorf("chunk stage: %w", err)
		}
		infos := core.ChunkInfos(chunks)
		return &core.ChunkResult{DocumentID: p.DocumentID, Chunks: infos, ChunkCount: len(infos)}, nil

	case *core.EmbedPayload:
		vectors, model, err := e.runEmbed(ctx, p.Model, p.Chunks, logger)
		if err != nil {
			return nil, fmt.Errorf("embed stage: %w", err)
		}
		return &core.EmbedResult{
			DocumentID:  p.DocumentID,
			Vectors:     vectors,
			VectorCount: len(vectors),
			Model:       model,
			Dimension:   dimension(vectors),
		}, nil

	case *core.PipelinePayload:
		res, err := e.runPipeline(ctx, job, p, logger)
		if err != nil {
			return nil, err
		}
		return res, nil
	}
	return nil, fmt.Errorf("%w: %q", core.ErrUnknownKind, job.Kind)
}

func (e *Executor) runParse(ctx context.Context, p *core.ParsePayload) (*core.ParseResult, error) {
	data, err := retry.DoValue(ctx, e.policy, func(ctx context.Context) ([]byte, error) {
		data, err := e.blobs.Fetch(ctx, p.FilePath)
		if errors.Is(err, blob.ErrNotFound) || errors.Is(err, blob.ErrInvalidPath) || errors.Is(err, blob.ErrTooLarge) {
			return nil, retry.Permanent(err)
		}
		return data, err
	})
	if err != nil {
		return nil, err
	}

	fileName := p.FileName
	if fileName == "" {
		fileName = path.Base(p.FilePath)
	}

	res, err := retry.DoValue(ctx, e.policy, func(ctx context.Context) (*core.ParseResult, error) {
		res, err := e.parsers.Parse(ctx, data, p.FileType, fileName)
		if errors.Is(err, parser.ErrDecode) {
			return nil, retry.Permanent(err)
		}
		return res, err
	})
	if err != nil {
		return nil, err
	}

	if len(p.Metadata) > 0 {
		if res.Meta == nil {
			res.Meta = make(map[string]string, len(p.Metadata))
		}
		for k, v := range p.Metadata {
			res.Meta[k] = v
		}
	}
	return res, nil
}

func (e *Executor) runChunk(ctx context.Context, documentID, content string, size int, overlap *int, splitType string) ([]core.Chunk, error) {
	ov := chunker.UseDefaultOverlap
	if overlap != nil {
		ov = *overlap
	}
	opts := chunker.Options{
		Strategy:     chunker.Strategy(splitType),
		ChunkSize:    size,
		ChunkOverlap: ov,
		Metadata:     map[string]any{core.MetaDocumentID: documentID},
	}
	return retry.DoValue(ctx, e.policy, func(ctx context.Context) ([]core.Chunk, error) {
		return e.splitter.Split(ctx, content, opts)
	})
}

func (e *Executor) runEmbed(ctx context.Context, model string, chunks []core.ChunkInfo, logger *slog.Logger) ([]core.VectorInfo, string, error) {
	embedder, model := e.embedderFor(model, logger)

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	vecs, err := retry.DoValue(ctx, e.policy, func(ctx context.Context) ([][]float32, error) {
		return embedder.EmbedTexts(ctx, texts)
	})
	if err != nil {
		return nil, model, err
	}
	if len(vecs) != len(texts) {
		return nil, model, fmt.Errorf("%w: got %d for %d chunks", ErrVectorCount, len(vecs), len(texts))
	}

	vectors := make([]core.VectorInfo, len(vecs))
	for i, v := range vecs {
		vectors[i] = core.VectorInfo{ChunkIndex: chunks[i].Index, Vector: v}
	}
	return vectors, model, nil
}

// embedderFor picks the embedder serving model. Unknown models fall back
// to the default embedder.
func (e *Executor) embedderFor(model string, logger *slog.Logger) (ai.Embedder, string) {
	if model == "" || model == e.defaultModel {
		return e.embedder, e.defaultModel
	}
	if emb, ok := e.models[model]; ok {
		return emb, model
	}
	logger.Warn("unknown embedding model, using default", "model", model, "default", e.defaultModel)
	return e.embedder, e.defaultModel
}

func dimension(vectors []core.VectorInfo) int {
	if len(vectors) == 0 {
		return 0
	}
	return len(vectors[0].Vector)
}
