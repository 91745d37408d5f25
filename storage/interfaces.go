package storage

import (
	"context"

	"github.com/poiesic/docpipe/core"
)

// JobRepository persists job records and the per-document job index.
// Implementations must be thread-safe and support concurrent access.
type JobRepository interface {
	// CreateJob stores a new job and adds it to its document's index in a
	// single atomic write.
	// Returns ErrDuplicateKey if a job with the same ID already exists.
	CreateJob(ctx context.Context, job *core.Job) error

	// PutJob writes the job record, replacing any stored version.
	// Returns ErrStateRegression if the stored state outranks job.State or
	// the stored job is terminal with a different state.
	PutJob(ctx context.Context, job *core.Job) error

	// GetJob retrieves a job by ID.
	// Returns ErrNotFound if the job doesn't exist.
	GetJob(ctx context.Context, id string) (*core.Job, error)

	// AddToDocumentIndex adds jobID to the set of jobs for documentID.
	// Adding an existing member is a no-op.
	AddToDocumentIndex(ctx context.Context, documentID, jobID string) error

	// DocumentJobIDs returns the IDs in a document's job set, in no
	// particular order. An unknown document yields an empty slice.
	DocumentJobIDs(ctx context.Context, documentID string) ([]string, error)

	// GetJobsByDocument retrieves every job of a document.
	// Index members whose record no longer exists are skipped.
	GetJobsByDocument(ctx context.Context, documentID string) ([]*core.Job, error)

	// DeleteJob removes the job from its document's index and then removes
	// the record itself.
	// Returns ErrNotFound if the job doesn't exist.
	DeleteJob(ctx context.Context, id string) error

	// ScanJobs pages through job records. Pass an empty cursor to start;
	// an empty returned cursor means the scan is complete. count is a hint
	// for the page size.
	ScanJobs(ctx context.Context, cursor string, count int) ([]*core.Job, string, error)

	// Close releases resources held by the repository.
	Close() error
}

// StatusNotifier is implemented by repositories that can broadcast job
// updates to other processes.
type StatusNotifier interface {
	// NotifyJobUpdate publishes a change notice for the job.
	NotifyJobUpdate(ctx context.Context, id string) error

	// SubscribeJobUpdates returns a channel that receives a value whenever
	// the job is updated, and a function that ends the subscription.
	SubscribeJobUpdates(ctx context.Context, id string) (<-chan struct{}, func(), error)
}
