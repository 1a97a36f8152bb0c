package models

import "encoding/json"

type RealtimeMessageType string

const (
	RealtimeProgress RealtimeMessageType = "progress"
	RealtimeStatus   RealtimeMessageType = "status"
	RealtimeError    RealtimeMessageType = "error"
)

// RealtimeMessage is the envelope of every frame on the task channel.
// Data is decoded according to Type.
type RealtimeMessage struct {
	Type RealtimeMessageType `json:"type"`
	Data json.RawMessage     `json:"data"`
}

type ProgressData struct {
	Progress       float64 `json:"progress"`
	CurrentStep    string  `json:"current_step,omitempty"`
	ProcessedFiles int     `json:"processed_files"`
	TotalFiles     int     `json:"total_files"`
	Message        string  `json:"message,omitempty"`
}

type StatusData struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type ErrorData struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}
