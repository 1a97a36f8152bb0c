package models

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether no further transitions are expected.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// TaskStatus is the canonical task snapshot shared by the proxy and the client.
type TaskStatus struct {
	TaskKey        string  `json:"task_key"`
	Status         Status  `json:"status"`
	Progress       float64 `json:"progress"`
	Message        string  `json:"message"`
	CurrentStep    string  `json:"current_step,omitempty"`
	QueuePosition  int     `json:"queue_position,omitempty"`
	EstimatedTime  int     `json:"estimated_time,omitempty"`
	Filename       string  `json:"filename,omitempty"`
	TotalFiles     int     `json:"total_files"`
	ProcessedFiles int     `json:"processed_files"`
	CreatedAt      string  `json:"created_at,omitempty"`
	StartedAt      string  `json:"started_at,omitempty"`
	CompletedAt    *string `json:"completed_at"`
	ErrorMessage   *string `json:"error_message"`
}

func (t *TaskStatus) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// BackendTask is a task payload as the translation backend reports it.
// Field names vary between backend versions, so identity, filename and
// error text each have more than one source.
type BackendTask struct {
	TaskID           string   `json:"task_id,omitempty"`
	TaskKey          string   `json:"task_key,omitempty"`
	ID               string   `json:"id,omitempty"`
	Status           string   `json:"status"`
	Progress         *float64 `json:"progress,omitempty"`
	TotalFiles       *float64 `json:"total_files,omitempty"`
	ProcessedFiles   *float64 `json:"processed_files,omitempty"`
	QueuePosition    *float64 `json:"queue_position,omitempty"`
	EstimatedTime    *float64 `json:"estimated_time,omitempty"`
	Message          string   `json:"message,omitempty"`
	CurrentStep      string   `json:"current_step,omitempty"`
	ErrorMessage     *string  `json:"error_message,omitempty"`
	Error            *string  `json:"error,omitempty"`
	Filename         string   `json:"filename,omitempty"`
	OriginalFilename string   `json:"original_filename,omitempty"`
	CreatedAt        string   `json:"created_at,omitempty"`
	StartedAt        string   `json:"started_at,omitempty"`
	CompletedAt      *string  `json:"completed_at,omitempty"`
}

// Key returns the first non-empty identity field.
func (b *BackendTask) Key() string {
	switch {
	case b.TaskID != "":
		return b.TaskID
	case b.TaskKey != "":
		return b.TaskKey
	default:
		return b.ID
	}
}

// ResultURL is the pointer returned by the result-url indirection.
type ResultURL struct {
	DownloadURL string `json:"download_url"`
	ExpiresIn   int    `json:"expires_in,omitempty"`
	Filename    string `json:"filename,omitempty"`
}

// TaskLogEntry is one backend log line for a task.
type TaskLogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// TaskPage is one page of the public task list.
type TaskPage struct {
	Tasks []TaskStatus `json:"tasks"`
	Page  int          `json:"page"`
	Limit int          `json:"limit"`
	Total int          `json:"total"`
}

// BatchCancelResult reports a multi-task cancel, which may partially fail.
type BatchCancelResult struct {
	Cancelled []string             `json:"cancelled"`
	Failed    []BatchCancelFailure `json:"failed"`
}

type BatchCancelFailure struct {
	TaskKey string `json:"task_key"`
	Status  int    `json:"status"`
	Message string `json:"message,omitempty"`
}
