package storage

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/poiesic/docpipe/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalJob(t *testing.T) {
	now := time.Date(2025, 5, 16, 2, 0, 47, 0, time.UTC)
	started := now.Add(time.Second)
	job := &core.Job{
		ID:         "process_1_doc",
		Kind:       core.KindFullPipeline,
		DocumentID: "doc",
		State:      core.StateRunning,
		Payload:    json.RawMessage(`{"document_id":"doc","file_path":"a.md"}`),
		Stages:     core.NewStages(),
		CreatedAt:  now,
		UpdatedAt:  now,
		StartedAt:  &started,
		Attempts:   1,
		MaxRetries: 3,
	}

	data, err := MarshalJob(job)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "full_pipeline", raw["type"])
	assert.Equal(t, "running", raw["status"])
	assert.Equal(t, "2025-05-16T02:00:47Z", raw["created_at"])
	assert.NotContains(t, raw, "completed_at")

	decoded, err := UnmarshalJob(data)
	require.NoError(t, err)
	assert.Equal(t, job.ID, decoded.ID)
	assert.Equal(t, job.Kind, decoded.Kind)
	assert.Equal(t, job.State, decoded.State)
	assert.JSONEq(t, string(job.Payload), string(decoded.Payload))
	assert.True(t, job.CreatedAt.Equal(decoded.CreatedAt))
	require.NotNil(t, decoded.StartedAt)
	assert.True(t, started.Equal(*decoded.StartedAt))
	assert.Equal(t, core.StagePending, decoded.Stages.ChunkStatus)
}

func TestUnmarshalJob_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty data", []byte{}},
		{"truncated", []byte(`{"id":"x"`)},
		{"wrong type", []byte(`{"id":12}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalJob(tt.data)
			assert.ErrorIs(t, err, ErrSerializationFailed)
		})
	}
}

func TestCheckTransition(t *testing.T) {
	job := func(s core.State) *core.Job { return &core.Job{State: s} }

	tests := []struct {
		name    string
		stored  *core.Job
		next    *core.Job
		wantErr bool
	}{
		{"new record", nil, job(core.StatePending), false},
		{"pending to running", job(core.StatePending), job(core.StateRunning), false},
		{"running to running", job(core.StateRunning), job(core.StateRunning), false},
		{"running to completed", job(core.StateRunning), job(core.StateCompleted), false},
		{"pending to failed", job(core.StatePending), job(core.StateFailed), false},
		{"duplicate terminal write", job(core.StateCompleted), job(core.StateCompleted), false},
		{"running to pending", job(core.StateRunning), job(core.StatePending), true},
		{"completed to running", job(core.StateCompleted), job(core.StateRunning), true},
		{"completed to failed", job(core.StateCompleted), job(core.StateFailed), true},
		{"failed to pending", job(core.StateFailed), job(core.StatePending), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckTransition(tt.stored, tt.next)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrStateRegression)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "task:abc", JobKey("abc"))
	assert.Equal(t, "document_tasks:doc-1", DocumentIndexKey("doc-1"))
	assert.Equal(t, "task_status:abc", StatusChannel("abc"))

	id, ok := JobIDFromKey("task:abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", id)

	_, ok = JobIDFromKey("document_tasks:abc")
	assert.False(t, ok)
}
