package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/poiesic/docpipe/core"
)

// runPipeline runs parse, chunk and embed in order, recording each stage's
// outcome on the job. Parse and chunk failures fail the job. An embed
// failure is recorded on the result and the job still completes.
func (e *Executor) runPipeline(ctx context.Context, job *core.Job, p *core.PipelinePayload, logger *slog.Logger) (*core.PipelineResult, error) {
	job.Stages = core.NewStages()
	stages := job.Stages
	res := &core.PipelineResult{DocumentID: p.DocumentID}

	parsed, err := e.runParse(ctx, &core.ParsePayload{
		FilePath: p.FilePath,
		FileName: p.FileName,
		FileType: p.FileType,
		Metadata: p.Metadata,
	})
	if err != nil {
		stages.ParseStatus = core.StageFailed
		stages.ChunkStatus = core.StageSkipped
		stages.VectorStatus = core.StageSkipped
		e.saveProgress(ctx, job, logger)
		return nil, fmt.Errorf("parse stage: %w", err)
	}
	stages.ParseStatus = core.StageCompleted
	e.saveProgress(ctx, job, logger)

	res.Title = parsed.Title
	res.Meta = parsed.Meta
	res.Pages = parsed.Pages
	res.Words = parsed.Words
	res.Chars = parsed.Chars
	res.Content = parsed.Content

	chunks, err := e.runChunk(ctx, p.DocumentID, parsed.Content, p.ChunkSize, p.Overlap, p.SplitType)
	if err != nil {
		stages.ChunkStatus = core.StageFailed
		stages.VectorStatus = core.StageSkipped
		e.saveProgress(ctx, job, logger)
		return nil, fmt.Errorf("chunk stage: %w", err)
	}
	stages.ChunkStatus = core.StageCompleted
	res.Chunks = core.ChunkInfos(chunks)
	res.ChunkCount = len(res.Chunks)

	if len(chunks) == 0 {
		logger.Info("no chunks produced, skipping embedding")
		stages.VectorStatus = core.StageSkipped
		res.Stages = *stages
		return res, nil
	}
	e.saveProgress(ctx, job, logger)

	vectors, model, err := e.runEmbed(ctx, p.Model, res.Chunks, logger)
	switch {
	case err != nil && ctx.Err() != nil:
		return nil, ctx.Err()
	case err != nil:
		logger.Warn("embedding failed, completing without vectors", "err", err)
		stages.VectorStatus = core.StageFailed
		res.VectorError = fmt.Sprintf("embed stage: %v", err)
	default:
		stages.VectorStatus = core.StageCompleted
		res.Vectors = vectors
		res.VectorCount = len(vectors)
		res.Dimension = dimension(vectors)
	}
	res.Model = model
	res.Stages = *stages
	return res, nil
}

// saveProgress writes the job with its current stage statuses. Write
// failures are logged only.
func (e *Executor) saveProgress(ctx context.Context, job *core.Job, logger *slog.Logger) {
	if ctx.Err() != nil {
		return
	}
	if err := e.repo.PutJob(ctx, job); err != nil {
		logger.Warn("failed to save stage progress", "err", err)
	}
}
