package storage

import "strings"

// Key prefixes shared by every backend.
const (
	JobKeyPrefix           = "task:"
	DocumentIndexKeyPrefix = "document_tasks:"
	StatusChannelPrefix    = "task_status:"
)

// JobKey returns the record key for a job.
func JobKey(id string) string {
	return JobKeyPrefix + id
}

// DocumentIndexKey returns the key of a document's job set.
func DocumentIndexKey(documentID string) string {
	return DocumentIndexKeyPrefix + documentID
}

// StatusChannel returns the pub/sub channel for a job's updates.
func StatusChannel(id string) string {
	return StatusChannelPrefix + id
}

// JobIDFromKey strips the record prefix from a job key.
func JobIDFromKey(key string) (string, bool) {
	return strings.CutPrefix(key, JobKeyPrefix)
}
