package models

import "time"

// JobState is the lifecycle state of a remote kernel run.
type JobState string

const (
	JobQueued   JobState = "QUEUED"
	JobRunning  JobState = "RUNNING"
	JobComplete JobState = "COMPLETE"
	JobFailed   JobState = "FAILED"
	JobTimedOut JobState = "TIMED_OUT"
)

// Terminal reports whether no further polling transition can occur.
func (s JobState) Terminal() bool {
	switch s {
	case JobComplete, JobFailed, JobTimedOut:
		return true
	default:
		return false
	}
}

// JobRun identifies one remote kernel invocation and its polling history.
// Once the state is terminal the record is never mutated again.
type JobRun struct {
	JobID        string     `json:"job_id"`
	SubmittedAt  time.Time  `json:"submitted_at"`
	State        JobState   `json:"state"`
	PollCount    int        `json:"poll_count"`
	LastPolledAt *time.Time `json:"last_polled_at,omitempty"`
	ErrorDetail  string     `json:"error_detail,omitempty"`
}

// Outcome classifies a finished sync operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomePartial Outcome = "PARTIAL"
	OutcomeFailed  Outcome = "FAILED"
)

// SyncFile is one artifact recorded inside a SyncRecord. Only files that
// passed the include/ignore filter appear here.
type SyncFile struct {
	LocalName string    `json:"local_name"`
	RemoteID  string    `json:"remote_id,omitempty"`
	Size      int64     `json:"size"`
	Uploaded  time.Time `json:"uploaded_at"`
}

// SyncRecord is one completed or attempted sync operation. Records are
// immutable once appended to the ledger history.
type SyncRecord struct {
	ID          string     `json:"id"`
	JobID       string     `json:"job_id"`
	FolderPath  string     `json:"folder_path,omitempty"`
	Files       []SyncFile `json:"files,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  time.Time  `json:"finished_at"`
	Outcome     Outcome    `json:"outcome"`
	ErrorDetail string     `json:"error_detail,omitempty"`
}

// TransferOutcome is the per-file result of one transfer attempt.
type TransferOutcome string

const (
	TransferOK             TransferOutcome = "OK"
	TransferDownloadFailed TransferOutcome = "DOWNLOAD_FAILED"
	TransferUploadFailed   TransferOutcome = "UPLOAD_FAILED"
)

// TransferResult reports the fate of a single candidate artifact.
// SessionToken is kept on upload failure so an interrupted upload can be
// resumed instead of restarted.
type TransferResult struct {
	Name         string
	Outcome      TransferOutcome
	RemoteID     string
	Size         int64
	SessionToken string
	Err          error
}

// Project is one registered kernel project. The registry maps a job to its
// remote folder so repeated syncs land under a stable hierarchy.
type Project struct {
	Name        string
	Owner       string
	KernelSlug  string
	Description string
	FolderID    string
	CreatedAt   time.Time
}
