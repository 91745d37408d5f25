package core

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-crypt/x/blake2b"
)

// Kind identifies the work a job performs.
type Kind string

const (
	// KindParse extracts text from a stored source file.
	KindParse Kind = "parse"
	// KindChunk splits extracted text into chunks.
	KindChunk Kind = "chunk"
	// KindEmbed computes vectors for a list of chunks.
	KindEmbed Kind = "embed"
	// KindFullPipeline runs parse, chunk and embed in sequence.
	KindFullPipeline Kind = "full_pipeline"
)

// Valid reports whether k is one of the known job kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindParse, KindChunk, KindEmbed, KindFullPipeline:
		return true
	}
	return false
}

// State is a job lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transitions may leave s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Rank orders states along the lifecycle. Both terminal states share a rank.
func (s State) Rank() int {
	switch s {
	case StatePending:
		return 0
	case StateRunning:
		return 1
	case StateCompleted, StateFailed:
		return 2
	}
	return -1
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	return s.Rank() >= 0
}

// StageStatus tracks one stage of a full pipeline job.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// Stages records how far a full pipeline job has progressed.
type Stages struct {
	ParseStatus  StageStatus `json:"parse_status"`
	ChunkStatus  StageStatus `json:"chunk_status"`
	VectorStatus StageStatus `json:"vector_status"`
}

// NewStages returns a Stages value with every stage pending.
func NewStages() *Stages {
	return &Stages{
		ParseStatus:  StagePending,
		ChunkStatus:  StagePending,
		VectorStatus: StagePending,
	}
}

// Job is a unit of asynchronous work tracked through its lifecycle.
// Payload is immutable after creation. Result is only present when the job
// completed and Error only when it failed.
type Job struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"type"`
	DocumentID  string          `json:"document_id"`
	State       State           `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Stages      *Stages         `json:"stages,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxRetries  int             `json:"max_retries"`
}

// DefaultMaxRetries bounds redelivery of a job by the queue.
const DefaultMaxRetries = 3

// NewJob builds a pending job with its payload encoded as JSON.
// If id is empty an identifier is derived from the kind and document.
func NewJob(id string, kind Kind, documentID string, payload any) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if id == "" {
		id = NewJobID(kind, documentID)
	}
	now := time.Now().UTC()
	job := &Job{
		ID:         id,
		Kind:       kind,
		DocumentID: documentID,
		State:      StatePending,
		Payload:    raw,
		CreatedAt:  now,
		UpdatedAt:  now,
		MaxRetries: DefaultMaxRetries,
	}
	if kind == KindFullPipeline {
		job.Stages = NewStages()
	}
	return job, nil
}

// NewJobID returns "<prefix>_<unix nanos>_<document id>".
func NewJobID(kind Kind, documentID string) string {
	prefix := string(kind)
	if kind == KindFullPipeline {
		prefix = "process"
	}
	return fmt.Sprintf("%s_%d_%s", prefix, time.Now().UnixNano(), documentID)
}

// Start moves a pending job to running. StartedAt is only set the first time.
func (j *Job) Start(now time.Time) error {
	if j.State.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, StateRunning)
	}
	j.State = StateRunning
	j.UpdatedAt = now
	if j.StartedAt == nil {
		started := now
		j.StartedAt = &started
	}
	return nil
}

// Complete moves the job to completed with the given result.
func (j *Job) Complete(now time.Time, result any) error {
	if j.State.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, StateCompleted)
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	j.State = StateCompleted
	j.Result = raw
	j.Error = ""
	j.finish(now)
	return nil
}

// Fail moves the job to failed with the given reason.
func (j *Job) Fail(now time.Time, reason string) error {
	if j.State.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, StateFailed)
	}
	j.State = StateFailed
	j.Result = nil
	j.Error = reason
	j.finish(now)
	return nil
}

func (j *Job) finish(now time.Time) {
	j.UpdatedAt = now
	if j.CompletedAt == nil {
		completed := now
		j.CompletedAt = &completed
	}
}

// Progress returns a coarse completion percentage for display.
func (j *Job) Progress() int {
	switch j.State {
	case StateRunning:
		return 50
	case StateCompleted:
		return 100
	case StateFailed:
		return 50
	}
	return 0
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	c := *j
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	c.Result = append(json.RawMessage(nil), j.Result...)
	if j.Stages != nil {
		s := *j.Stages
		c.Stages = &s
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// DecodeResult unmarshals the job result into v.
func (j *Job) DecodeResult(v any) error {
	if len(j.Result) == 0 {
		return ErrNoResult
	}
	return json.Unmarshal(j.Result, v)
}

// ContentKey returns a stable hex digest of text using BLAKE2b.
// Identical text always yields the same key.
func ContentKey(text string) string {
	h, _ := blake2b.New(16, nil)
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}
