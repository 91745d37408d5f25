package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/poiesic/docpipe/ai"
)

// MockGenerator is a test double for ai.Generator.
// By default it echoes the prompt back, streamed one word at a time.
type MockGenerator struct {
	// GenerateFunc replaces the default completion if set.
	GenerateFunc func(ctx context.Context, prompt string) (string, error)

	// OnChunk, if set, runs after each streamed increment is delivered.
	// Tests use it to set the cancel flag mid-stream.
	OnChunk func(index int)

	mu        sync.Mutex
	callCount int
}

// NewMockGenerator creates a mock generator with default echo behavior.
func NewMockGenerator() *MockGenerator {
	return &MockGenerator{}
}

// Generate returns the completion for prompt.
func (m *MockGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	m.mu.Lock()
	m.callCount++
	m.mu.Unlock()

	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, prompt)
	}
	return prompt, nil
}

// GenerateStream splits the completion into words and delivers them to fn,
// checking the cancel flag before each one.
func (m *MockGenerator) GenerateStream(ctx context.Context, prompt string, cancel *ai.CancelFlag, fn ai.StreamFunc) (string, error) {
	text, err := m.Generate(ctx, prompt)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for i, piece := range splitKeepSpace(text) {
		if cancel.Canceled() {
			return sb.String(), ai.ErrGenerationCanceled
		}
		if err := ctx.Err(); err != nil {
			return sb.String(), err
		}
		sb.WriteString(piece)
		if fn != nil {
			if err := fn(piece); err != nil {
				return sb.String(), err
			}
		}
		if m.OnChunk != nil {
			m.OnChunk(i)
		}
	}
	return sb.String(), nil
}

// CallCount returns the number of completions requested.
func (m *MockGenerator) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// splitKeepSpace splits s after each space so the pieces concatenate back to s.
func splitKeepSpace(s string) []string {
	return strings.SplitAfter(s, " ")
}
