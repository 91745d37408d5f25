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

package openai

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/poiesic/docpipe/ai"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// Generator implements ai.Generator using OpenAI-compatible chat APIs.
type Generator struct {
	client      llms.Model
	temperature float64
	logger      *slog.Logger
}

func newGenerator(config *ai.Config) (*Generator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	client, err := openai.New(
		openai.WithBaseURL(config.GenerationHost),
		openai.WithToken(config.Token),
		openai.WithModel(config.GenerationModel),
	)
	if err != nil {
		return nil, err
	}

	return &Generator{
		client:      client,
		temperature: config.Temperature,
		logger:      slog.Default().With("component", "openai-generator", "model", config.GenerationModel),
	}, nil
}

// NewGenerator creates a new generator using the provided configuration.
//
// Returns ai.Generator interface to enforce abstraction.
func NewGenerator(config *ai.Config) (ai.Generator, error) {
	return newGenerator(config)
}

// Generate returns the full completion for prompt.
func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	response, err := g.client.GenerateContent(ctx, humanMessage(prompt), llms.WithTemperature(g.temperature))
	if err != nil {
		g.logger.Error("failed to generate content", "err", err)
		return "", err
	}
	if len(response.Choices) < 1 {
		g.logger.Debug("no choices returned from model")
		return "", nil
	}
	return response.Choices[0].Content, nil
}

// GenerateStream streams the completion for prompt to fn.
// The cancel flag is checked before each increment is delivered.
func (g *Generator) GenerateStream(ctx context.Context, prompt string, cancel *ai.CancelFlag, fn ai.StreamFunc) (string, error) {
	var sb strings.Builder
	stream := func(_ context.Context, chunk []byte) error {
		if cancel.Canceled() {
			return ai.ErrGenerationCanceled
		}
		sb.Write(chunk)
		if fn == nil {
			return nil
		}
		return fn(string(chunk))
	}

	_, err := g.client.GenerateContent(ctx, humanMessage(prompt),
		llms.WithTemperature(g.temperature),
		llms.WithStreamingFunc(stream),
	)
	if err != nil {
		if cancel.Canceled() || errors.Is(err, ai.ErrGenerationCanceled) {
			g.logger.Debug("generation canceled", "received", sb.Len())
			return sb.String(), ai.ErrGenerationCanceled
		}
		g.logger.Error("streaming generation failed", "err", err)
		return sb.String(), err
	}
	if cancel.Canceled() {
		return sb.String(), ai.ErrGenerationCanceled
	}
	return sb.String(), nil
}

func humanMessage(prompt string) []llms.MessageContent {
	return []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(prompt)},
		},
	}
}
