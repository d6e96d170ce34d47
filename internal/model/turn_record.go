package model

import "time"

const (
	TurnCompleted = "completed"
	TurnCancelled = "cancelled"
	TurnFailed    = "failed"
)

// TurnRecord is one finished generation handed to the persistence layer.
// Partial is set for cancelled turns so they are never read as complete.
type TurnRecord struct {
	SessionID  string       `json:"session_id"`
	Mode       string       `json:"mode"`
	Question   string       `json:"question"`
	Answer     string       `json:"answer"`
	Status     string       `json:"status"`
	Partial    bool         `json:"partial"`
	Error      string       `json:"error,omitempty"`
	Sources    []TurnSource `json:"sources,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

type TurnSource struct {
	Fingerprint string  `json:"fingerprint"`
	Filename    string  `json:"filename"`
	ChunkIndex  int     `json:"chunk_index"`
	Distance    float64 `json:"distance"`
}
