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
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateJob validates a Job according to domain rules.
//
// Validation rules:
//   - ID must not be empty
//   - DocumentID must not be empty
//   - Kind must be one of the closed set
//   - State must be a known state
//
// NOT validated here (checked by the executor when it runs the job):
//   - Payload contents
func ValidateJob(job *Job) error {
	if job == nil {
		return fmt.Errorf("%w: job is nil", ErrInvalidJob)
	}

	if job.ID == "" {
		return fmt.Errorf("%w: %w", ErrInvalidJob, ErrEmptyJobID)
	}

	if job.DocumentID == "" {
		return fmt.Errorf("%w: %w", ErrInvalidJob, ErrEmptyDocumentID)
	}

	if !job.Kind.Valid() {
		return fmt.Errorf("%w: %w: %q", ErrInvalidJob, ErrUnknownKind, job.Kind)
	}

	if !job.State.Valid() {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidJob, job.State)
	}

	return nil
}

// ValidatePayload checks the struct tags of a decoded payload and returns
// an ErrInvalidPayload error naming every offending field.
func ValidatePayload(payload any) error {
	err := validate.Struct(payload)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidPayload, strings.Join(msgs, "; "))
}
