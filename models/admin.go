package models

type SystemStatus string

const (
	SystemOnline      SystemStatus = "online"
	SystemMaintenance SystemStatus = "maintenance"
	SystemOffline     SystemStatus = "offline"
)

type AdminConfig struct {
	MaxFileSize        int64        `json:"max_file_size"`
	MaxQueueSize       int          `json:"max_queue_size"`
	SupportedLanguages []string     `json:"supported_languages"`
	TranslationStyles  []string     `json:"translation_styles"`
	SystemStatus       SystemStatus `json:"system_status"`
	Message            string       `json:"message,omitempty"`
}

type AdminLoginRequest struct {
	Password string `json:"password"`
}

type AdminLoginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in,omitempty"`
}

// AdminTaskInfo is one row of the admin task table. The backend may
// report the key as task_key and the name as original_filename.
type AdminTaskInfo struct {
	ID               string   `json:"id"`
	TaskKey          string   `json:"task_key,omitempty"`
	Filename         string   `json:"filename"`
	OriginalFilename string   `json:"original_filename,omitempty"`
	Status           string   `json:"status"`
	CreatedAt        string   `json:"created_at"`
	CompletedAt      string   `json:"completed_at,omitempty"`
	FileSize         int64    `json:"file_size"`
	TranslationStyle string   `json:"translation_style"`
	TargetLanguage   string   `json:"target_language,omitempty"`
	Progress         *float64 `json:"progress,omitempty"`
	ErrorMessage     string   `json:"error_message,omitempty"`
}

// Canonicalize fills ID and Filename from their alternate backend names.
func (t *AdminTaskInfo) Canonicalize() {
	if t.ID == "" {
		t.ID = t.TaskKey
	}
	if t.Filename == "" {
		t.Filename = t.OriginalFilename
	}
}

type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

type AdminTaskPage struct {
	Tasks      []AdminTaskInfo `json:"tasks"`
	Pagination Pagination      `json:"pagination"`
}

// AdminTaskQuery filters the admin task list.
type AdminTaskQuery struct {
	Page     int
	Limit    int
	Status   string
	Language string
}
