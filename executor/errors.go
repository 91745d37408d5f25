package executor

import "errors"

var (
	// ErrJobNotFound indicates the job record no longer exists. The queue
	// drops the delivery.
	ErrJobNotFound = errors.New("job not found")

	// ErrRepositoryRequired is returned by New without a job repository.
	ErrRepositoryRequired = errors.New("job repository is required")

	// ErrBlobStoreRequired is returned by New without a blob store.
	ErrBlobStoreRequired = errors.New("blob store is required")

	// ErrParsersRequired is returned by New without a parser registry.
	ErrParsersRequired = errors.New("parser registry is required")

	// ErrSplitterRequired is returned by New without a splitter.
	ErrSplitterRequired = errors.New("splitter is required")

	// ErrEmbedderRequired is returned by New without a default embedder.
	ErrEmbedderRequired = errors.New("embedder is required")

	// ErrMaxDeliveries fails a job that was delivered more often than its
	// retry budget allows.
	ErrMaxDeliveries = errors.New("exceeded maximum deliveries")

	// ErrVectorCount indicates the embedder returned a different number of
	// vectors than texts.
	ErrVectorCount = errors.New("embedder returned wrong number of vectors")
)
