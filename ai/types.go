package ai

import (
	"errors"
	"sync/atomic"
)

// ErrGenerationCanceled is returned by GenerateStream when its cancel flag was set.
var ErrGenerationCanceled = errors.New("generation canceled")

// StreamFunc receives one increment of a streamed completion.
// Returning an error stops the stream.
type StreamFunc func(chunk string) error

// CancelFlag is a one-way switch shared between a streaming generation and
// whoever wants to stop it. The zero value is ready to use.
type CancelFlag struct {
	set atomic.Bool
}

// Cancel sets the flag.
func (f *CancelFlag) Cancel() {
	f.set.Store(true)
}

// Canceled reports whether the flag is set. A nil flag is never canceled.
func (f *CancelFlag) Canceled() bool {
	return f != nil && f.set.Load()
}
