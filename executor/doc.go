// Package executor runs one job to a terminal state.
//
// Execute loads the job record, moves it to running, decodes its payload
// and dispatches to the parse, chunk, embed or full pipeline handler.
// Handler failures and panics end the job as failed and are not returned;
// only infrastructure failures (the job store) are returned, so the queue
// can redeliver. Every state transition is published to a Publisher.
package executor
