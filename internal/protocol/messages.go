package protocol

import "time"

// RecordRequest asks the recorder to run a full synthesis pass over the
// source directory.
type RecordRequest struct {
	ModelID   int       `json:"model_id"`
	Timestamp time.Time `json:"timestamp"`
}

// MergeRequest asks the merger to consolidate all staged partial audio.
type MergeRequest struct {
	Timestamp time.Time `json:"timestamp"`
}

// StatusUpdate mirrors the statusUpdate event of the desktop frontend:
// a human-readable status line plus a target tally such as "12items".
type StatusUpdate struct {
	RunID     string    `json:"run_id"`
	Status    string    `json:"status"`
	Target    string    `json:"target"`
	Timestamp time.Time `json:"timestamp"`
}

// Notice levels.
const (
	LevelInfo  = "info"
	LevelError = "error"
)

// Notice carries a user-facing notification. Batch-level failures and the
// final "finished" message both travel as notices; the frontend decides how
// to present them.
type Notice struct {
	RunID      string    `json:"run_id"`
	Level      string    `json:"level"`
	Stage      string    `json:"stage,omitempty"`
	DocumentID string    `json:"document_id,omitempty"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectRecordCommand = "aozora.cmd.record"
	SubjectMergeCommand  = "aozora.cmd.merge"
	SubjectStatus        = "aozora.status"
	SubjectNotice        = "aozora.notice"
)
