// Package resubmit re-queues copies of jobs that ended in failure.
//
// Terminal job records are never reopened. A resubmission creates a new job
// with the same type, document and payload, stores it and pushes it onto
// the queue, leaving the failed record in place for inspection.
package resubmit
