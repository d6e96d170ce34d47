package model

import "time"

// IngestJob is the queue payload for asynchronous ingestion of a file on disk.
type IngestJob struct {
	ID             string    `json:"id"`
	Path           string    `json:"path"`
	Strategy       string    `json:"strategy"`
	SkipDuplicates bool      `json:"skip_duplicates"`
	Tags           []string  `json:"tags,omitempty"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}
