package badger

import (
	"github.com/poiesic/docpipe/storage"
)

// indexSeparator splits document and job ids inside index member keys.
// It cannot appear in either id.
const indexSeparator = "\x00"

// makeJobKey generates the record key for a job.
func makeJobKey(id string) []byte {
	return []byte(storage.JobKey(id))
}

// makeDocumentIndexKey generates the member key linking a job to its document.
// Format: document_tasks:documentID\x00jobID
func makeDocumentIndexKey(documentID, jobID string) []byte {
	return []byte(storage.DocumentIndexKey(documentID) + indexSeparator + jobID)
}

// makeDocumentIndexPrefix generates the prefix shared by every member key of
// a document.
func makeDocumentIndexPrefix(documentID string) []byte {
	return []byte(storage.DocumentIndexKey(documentID) + indexSeparator)
}

// seekAfter returns the smallest key strictly greater than key.
func seekAfter(key string) []byte {
	return append([]byte(key), 0)
}
