package core

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateJob(t *testing.T) {
	tests := []struct {
		name    string
		job     *Job
		wantErr error
	}{
		{
			name:    "valid job",
			job:     &Job{ID: "j1", DocumentID: "d1", Kind: KindChunk, State: StatePending},
			wantErr: nil,
		},
		{
			name:    "nil job",
			job:     nil,
			wantErr: ErrInvalidJob,
		},
		{
			name:    "empty id",
			job:     &Job{DocumentID: "d1", Kind: KindChunk, State: StatePending},
			wantErr: ErrEmptyJobID,
		},
		{
			name:    "empty document id",
			job:     &Job{ID: "j1", Kind: KindChunk, State: StatePending},
			wantErr: ErrEmptyDocumentID,
		},
		{
			name:    "unknown kind",
			job:     &Job{ID: "j1", DocumentID: "d1", Kind: "transcode", State: StatePending},
			wantErr: ErrUnknownKind,
		},
		{
			name:    "unknown state",
			job:     &Job{ID: "j1", DocumentID: "d1", Kind: KindParse, State: "processing"},
			wantErr: ErrInvalidJob,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateJob(tt.job)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ValidateJob() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateJob() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		name      string
		kind      Kind
		payload   any
		wantErr   bool
		errSubstr string
	}{
		{
			name:    "valid chunk payload",
			kind:    KindChunk,
			payload: ChunkPayload{DocumentID: "d", Content: "text", ChunkSize: 100, SplitType: "sentence"},
		},
		{
			name:      "chunk payload missing content",
			kind:      KindChunk,
			payload:   ChunkPayload{DocumentID: "d"},
			wantErr:   true,
			errSubstr: "Content",
		},
		{
			name:      "chunk payload bad split type",
			kind:      KindChunk,
			payload:   ChunkPayload{DocumentID: "d", Content: "x", SplitType: "words"},
			wantErr:   true,
			errSubstr: "oneof",
		},
		{
			name:      "embed payload without chunks",
			kind:      KindEmbed,
			payload:   EmbedPayload{DocumentID: "d"},
			wantErr:   true,
			errSubstr: "Chunks",
		},
		{
			name:      "embed payload with empty chunk text",
			kind:      KindEmbed,
			payload:   EmbedPayload{DocumentID: "d", Chunks: []ChunkInfo{{Text: ""}}},
			wantErr:   true,
			errSubstr: "Text",
		},
		{
			name:      "parse payload without path",
			kind:      KindParse,
			payload:   ParsePayload{FileName: "a.txt"},
			wantErr:   true,
			errSubstr: "FilePath",
		},
		{
			name:    "valid pipeline payload",
			kind:    KindFullPipeline,
			payload: PipelinePayload{DocumentID: "d", FilePath: "docs/a.md"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := NewJob("j", tt.kind, "d", tt.payload)
			if err != nil {
				t.Fatalf("NewJob() error = %v", err)
			}
			decoded, err := job.DecodePayload()
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("DecodePayload() error = %v", err)
				}
				if decoded == nil {
					t.Fatal("DecodePayload() returned nil payload")
				}
				return
			}
			if !errors.Is(err, ErrInvalidPayload) {
				t.Fatalf("DecodePayload() error = %v, want ErrInvalidPayload", err)
			}
			if !strings.Contains(err.Error(), tt.errSubstr) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.errSubstr)
			}
		})
	}
}

func TestDecodePayloadMalformed(t *testing.T) {
	job := &Job{ID: "j", DocumentID: "d", Kind: KindChunk, Payload: []byte(`{"content": 12`)}
	if _, err := job.DecodePayload(); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("DecodePayload() error = %v, want ErrInvalidPayload", err)
	}

	job = &Job{ID: "j", DocumentID: "d", Kind: "other", Payload: []byte(`{}`)}
	if _, err := job.DecodePayload(); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("DecodePayload() error = %v, want ErrUnknownKind", err)
	}
}
