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

import "errors"

// Domain validation errors
var (
	// ErrInvalidJob indicates a Job failed validation.
	ErrInvalidJob = errors.New("invalid job")

	// ErrInvalidPayload indicates a job payload is malformed or missing fields.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrUnknownKind indicates a job kind outside the closed set.
	ErrUnknownKind = errors.New("unknown job kind")

	// ErrInvalidTransition indicates an attempt to leave a terminal state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrEmptyJobID indicates the job ID field is empty.
	ErrEmptyJobID = errors.New("job id cannot be empty")

	// ErrEmptyDocumentID indicates the document ID field is empty.
	ErrEmptyDocumentID = errors.New("document id cannot be empty")

	// ErrNoResult indicates the job carries no result.
	ErrNoResult = errors.New("job has no result")
)
