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

package core

import (
	"encoding/json"
	"fmt"
)

// ParsePayload is the input of a parse job.
type ParsePayload struct {
	FilePath string            `json:"file_path" validate:"required"`
	FileName string            `json:"file_name"`
	FileType string            `json:"file_type"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ParseResult is the output of a parse job.
type ParseResult struct {
	Content string            `json:"content"`
	Title   string            `json:"title"`
	Meta    map[string]string `json:"meta"`
	Pages   int               `json:"pages"`
	Words   int               `json:"words"`
	Chars   int               `json:"chars"`
}

// ChunkPayload is the input of a chunk job.
type ChunkPayload struct {
	DocumentID string `json:"document_id" validate:"required"`
	Content    string `json:"content" validate:"required"`
	ChunkSize  int    `json:"chunk_size" validate:"gte=0"`
	// Overlap is optional; nil selects the splitter default.
	Overlap   *int   `json:"overlap,omitempty" validate:"omitempty,gte=0"`
	SplitType string `json:"split_type" validate:"omitempty,oneof=paragraph sentence length semantic"`
}

// ChunkInfo is the wire form of a chunk inside payloads and results.
type ChunkInfo struct {
	Text  string `json:"text" validate:"required"`
	Index int    `json:"index" validate:"gte=0"`
}

// ChunkResult is the output of a chunk job.
type ChunkResult struct {
	DocumentID string      `json:"document_id"`
	Chunks     []ChunkInfo `json:"chunks"`
	ChunkCount int         `json:"chunk_count"`
}

// EmbedPayload is the input of an embed job.
type EmbedPayload struct {
	DocumentID string      `json:"document_id" validate:"required"`
	Chunks     []ChunkInfo `json:"chunks" validate:"required,min=1,dive"`
	Model      string      `json:"model"`
}

// EmbedResult is the output of an embed job.
type EmbedResult struct {
	DocumentID  string       `json:"document_id"`
	Vectors     []VectorInfo `json:"vectors"`
	VectorCount int          `json:"vector_count"`
	Model       string       `json:"model"`
	Dimension   int          `json:"dimension"`
}

// PipelinePayload is the input of a full pipeline job.
type PipelinePayload struct {
	DocumentID string            `json:"document_id" validate:"required"`
	FilePath   string            `json:"file_path" validate:"required"`
	FileName   string            `json:"file_name"`
	FileType   string            `json:"file_type"`
	ChunkSize  int               `json:"chunk_size" validate:"gte=0"`
	Overlap    *int              `json:"overlap,omitempty" validate:"omitempty,gte=0"`
	SplitType  string            `json:"split_type" validate:"omitempty,oneof=paragraph sentence length semantic"`
	Model      string            `json:"model"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// PipelineResult is the output of a full pipeline job. It carries the
// results of every stage that ran alongside the per-stage statuses.
type PipelineResult struct {
	DocumentID string `json:"document_id"`
	Stages

	Title   string            `json:"title"`
	Meta    map[string]string `json:"meta,omitempty"`
	Pages   int               `json:"pages"`
	Words   int               `json:"words"`
	Chars   int               `json:"chars"`
	Content string            `json:"content,omitempty"`

	Chunks     []ChunkInfo `json:"chunks"`
	ChunkCount int         `json:"chunk_count"`

	Vectors     []VectorInfo `json:"vectors,omitempty"`
	VectorCount int          `json:"vector_count"`
	Model       string       `json:"model,omitempty"`
	Dimension   int          `json:"dimension"`
	VectorError string       `json:"vector_error,omitempty"`
}

// DecodePayload unmarshals and validates the job payload into the
// variant matching the job kind.
func (j *Job) DecodePayload() (any, error) {
	var target any
	switch j.Kind {
	case KindParse:
		target = &ParsePayload{}
	case KindChunk:
		target = &ChunkPayload{}
	case KindEmbed:
		target = &EmbedPayload{}
	case KindFullPipeline:
		target = &PipelinePayload{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, j.Kind)
	}

	if len(j.Payload) == 0 {
		return nil, fmt.Errorf("%w: payload is empty", ErrInvalidPayload)
	}
	if err := json.Unmarshal(j.Payload, target); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if err := ValidatePayload(target); err != nil {
		return nil, err
	}
	return target, nil
}
