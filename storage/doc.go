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


// Package storage provides the job record store abstraction for docpipe.
//
// This package defines the JobRepository interface that decouples job
// persistence from the executor, queue and sweeper. Two backends implement it:
// an embedded BadgerDB store (storage/badger) for single-process deployments
// and a Redis store (storage/redis) shared by producers and many workers.
//
// # Record Format
//
// Jobs are stored as self-describing JSON records. Enum fields (kind, state)
// are written as strings and timestamps as RFC3339, so any process that can
// read the key space can interpret a record without this package.
//
// # Key Scheme
//
//	task:<job id>                    the job record
//	document_tasks:<document id>     the set of job ids for a document
//
// # State Guard
//
// PutJob refuses to write a record whose state ranks below the stored one, or
// that changes a terminal state. Writing the same terminal state twice is
// accepted so duplicate terminal writes from a redelivered job are harmless.
//
// # Usage
//
//	backend, err := badger.OpenBackend("/path/to/db", false)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer backend.Close()
//	repo := badger.NewJobRepository(backend)
//
// Use in tests with in-memory storage:
//
//	repo, backend, err := badger.NewMemoryRepository()
//
// # Thread Safety
//
// All repository implementations must be thread-safe and support
// concurrent access from multiple goroutines.
package storage
