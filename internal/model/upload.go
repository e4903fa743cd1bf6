package model

import "time"

type ItemState string

const (
	StatePending            ItemState = "pending"
	StateUploading          ItemState = "uploading"
	StateAwaitingProcessing ItemState = "awaiting_processing"
	StateCompleted          ItemState = "completed"
	StateFailed             ItemState = "failed"
)

// Active reports whether an item in this state holds a concurrency slot.
func (s ItemState) Active() bool {
	return s == StateUploading || s == StateAwaitingProcessing
}

// FileRef points at a validated file on local disk.
type FileRef struct {
	Name        string `json:"name"`
	Path        string `json:"-"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

type ProcessResult struct {
	DocumentID  string  `json:"document_id"`
	ChunksCount int     `json:"chunks_count"`
	ParseTime   float64 `json:"parse_time"`
}

type UploadItem struct {
	ID            string         `json:"id"`
	File          FileRef        `json:"file"`
	State         ItemState      `json:"state"`
	Progress      int            `json:"progress"`
	RemoteTaskID  string         `json:"remote_task_id,omitempty"`
	RetryAttempts int            `json:"retry_attempts"`
	LastError     string         `json:"last_error,omitempty"`
	CurrentStep   string         `json:"current_step,omitempty"`
	EstimatedTime int            `json:"estimated_time,omitempty"`
	Result        *ProcessResult `json:"result,omitempty"`
	Cancelled     bool           `json:"cancelled,omitempty"`
	Exhausted     bool           `json:"exhausted,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
}

// IsRetrying is true for an item that was reset by the automatic retry
// policy and is waiting for, or running, another attempt.
func (it *UploadItem) IsRetrying() bool {
	return it.RetryAttempts > 0 && (it.State == StatePending || it.State.Active())
}

// IsTerminal is true when no automatic transition will happen anymore. A
// failure the retry policy still handles puts the item back to pending, so
// a failed item always waits for the user.
func (it *UploadItem) IsTerminal() bool {
	return it.State == StateCompleted || it.State == StateFailed
}

// RemoteState is the processing state reported by the backend.
type RemoteState string

const (
	RemotePending    RemoteState = "Pending"
	RemoteProcessing RemoteState = "Processing"
	RemoteCompleted  RemoteState = "Completed"
	RemoteFailed     RemoteState = "Failed"
)

type UploadReceipt struct {
	TaskID   string      `json:"task_id"`
	Filename string      `json:"filename"`
	Status   RemoteState `json:"status"`
}

type TaskStatus struct {
	TaskID        string         `json:"task_id"`
	Status        RemoteState    `json:"status"`
	Filename      string         `json:"filename,omitempty"`
	Progress      int            `json:"progress"`
	CurrentStep   string         `json:"current_step,omitempty"`
	EstimatedTime int            `json:"estimated_time,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	Result        *ProcessResult `json:"result,omitempty"`
}

type Snapshot struct {
	Items           []UploadItem `json:"items"`
	Completed       []UploadItem `json:"completed"`
	MaxConcurrency  int          `json:"max_concurrency"`
	ActiveCount     int          `json:"active_count"`
	MaxRetries      int          `json:"max_retries"`
	AutoRetry       bool         `json:"auto_retry"`
	OverallProgress int          `json:"overall_progress"`
}
