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

// Package ai provides abstractions for the AI services used by docpipe.
//
// Two capabilities are modeled:
//
//   - Embedder: Generates vector embeddings from text
//   - Generator: Produces text completions, optionally streamed
//
// AIProvider aggregates both so they share configuration.
//
// # Implementation Packages
//
//   - ai/openai: Production implementation using OpenAI-compatible APIs
//   - ai/mock: Test doubles for unit testing without external dependencies
//
// Public constructors (openai.NewProvider, openai.NewEmbedder, ...) return
// interface types. Test constructors (mock.NewMockEmbedder,
// mock.NewMockGenerator) return concrete types so tests can inject behavior
// and inspect call counts.
//
// # Cancellation
//
// Streaming generation is stopped with a CancelFlag rather than by canceling
// the context, so the caller keeps the partial text:
//
//	var stop ai.CancelFlag
//	go func() { <-interrupt; stop.Cancel() }()
//	text, err := gen.GenerateStream(ctx, prompt, &stop, printChunk)
//	if errors.Is(err, ai.ErrGenerationCanceled) {
//	    // text holds what arrived before the flag was set
//	}
package ai
