package models

// APIResponse is the envelope every proxy route answers with.
type APIResponse[T any] struct {
	Success   bool   `json:"success"`
	Data      T      `json:"data"`
	Message   string `json:"message,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// CreateTaskResponse carries the new key in Data plus the normalized
// snapshot the backend returned with it.
type CreateTaskResponse struct {
	Success   bool        `json:"success"`
	Data      string      `json:"data"`
	Task      *TaskStatus `json:"task,omitempty"`
	Message   string      `json:"message,omitempty"`
	ErrorCode string      `json:"error_code,omitempty"`
}

type PublicConfig struct {
	ServiceName      string   `json:"service_name"`
	APIBaseURL       string   `json:"api_base_url"`
	APIVersion       string   `json:"api_version"`
	WebsocketEnabled bool     `json:"websocket_enabled"`
	MaxFileSizeMB    int64    `json:"max_file_size_mb"`
	TranslateStyles  []string `json:"translate_styles"`
}
