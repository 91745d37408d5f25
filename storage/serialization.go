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


package storage

import (
	"encoding/json"
	"fmt"

	"github.com/poiesic/docpipe/core"
)

// MarshalJob serializes a Job to its JSON record form.
func MarshalJob(job *core.Job) ([]byte, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerializationFailed, err)
	}
	return data, nil
}

// UnmarshalJob deserializes a Job from its JSON record form.
func UnmarshalJob(data []byte) (*core.Job, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty record", ErrSerializationFailed)
	}
	var job core.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerializationFailed, err)
	}
	return &job, nil
}

// CheckTransition returns ErrStateRegression if replacing stored with next
// would move the job backwards or out of a terminal state.
func CheckTransition(stored, next *core.Job) error {
	if stored == nil {
		return nil
	}
	if stored.State.Terminal() && next.State != stored.State {
		return fmt.Errorf("%w: %s is terminal, refusing %s", ErrStateRegression, stored.State, next.State)
	}
	if next.State.Rank() < stored.State.Rank() {
		return fmt.Errorf("%w: %s -> %s", ErrStateRegression, stored.State, next.State)
	}
	return nil
}
