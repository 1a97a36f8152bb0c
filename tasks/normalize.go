package tasks

import (
	"math"
	"strings"

	"rusted-workshop-web/models"
)

// Backend sub-states of processing. They survive normalization only as
// current_step.
const (
	stepPreparing   = "preparing"
	stepTranslating = "translating"
	stepFinalizing  = "finalizing"
)

var statusTable = map[string]models.Status{
	"pending":       models.StatusPending,
	"queued":        models.StatusPending,
	stepPreparing:   models.StatusProcessing,
	stepTranslating: models.StatusProcessing,
	stepFinalizing:  models.StatusProcessing,
	"processing":    models.StatusProcessing,
	"completed":     models.StatusCompleted,
	"failed":        models.StatusFailed,
	"cancelled":     models.StatusCancelled,
	"canceled":      models.StatusCancelled,
}

const (
	msgFailed      = "task failed"
	msgCompleted   = "task completed"
	msgCancelled   = "task cancelled"
	msgPreparing   = "preparing files"
	msgTranslating = "translating files"
	msgFinalizing  = "packaging results"
	msgProcessing  = "processing"
	msgQueued      = "queued"
)

// MapStatus collapses a backend status string into the canonical
// vocabulary. Unknown values map to pending.
func MapStatus(raw string) models.Status {
	if status, ok := statusTable[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return status
	}
	return models.StatusPending
}

// Normalize turns a backend task payload into the canonical snapshot.
func Normalize(task models.BackendTask) models.TaskStatus {
	raw := strings.ToLower(strings.TrimSpace(task.Status))
	status := MapStatus(raw)

	errMsg := firstNonEmpty(task.ErrorMessage, task.Error)

	step := task.CurrentStep
	if step == "" && (raw == stepPreparing || raw == stepTranslating || raw == stepFinalizing) {
		step = raw
	}

	filename := task.Filename
	if filename == "" {
		filename = task.OriginalFilename
	}

	out := models.TaskStatus{
		TaskKey:        task.Key(),
		Status:         status,
		Progress:       RoundProgress(task.Progress),
		Message:        taskMessage(raw, status, task.Message, step, errMsg),
		CurrentStep:    step,
		QueuePosition:  intOrZero(task.QueuePosition),
		EstimatedTime:  intOrZero(task.EstimatedTime),
		Filename:       filename,
		TotalFiles:     intOrZero(task.TotalFiles),
		ProcessedFiles: intOrZero(task.ProcessedFiles),
		CreatedAt:      task.CreatedAt,
		StartedAt:      task.StartedAt,
		CompletedAt:    nonEmpty(task.CompletedAt),
		ErrorMessage:   errMsg,
	}
	if out.QueuePosition < 0 {
		out.QueuePosition = 0
	}
	return out
}

// NormalizeStatus re-normalizes an already canonical snapshot. It is a
// no-op on anything Normalize produced.
func NormalizeStatus(t models.TaskStatus) models.TaskStatus {
	progress := t.Progress
	backend := models.BackendTask{
		TaskKey:        t.TaskKey,
		Status:         string(t.Status),
		Progress:       &progress,
		Message:        t.Message,
		CurrentStep:    t.CurrentStep,
		ErrorMessage:   t.ErrorMessage,
		Filename:       t.Filename,
		CreatedAt:      t.CreatedAt,
		StartedAt:      t.StartedAt,
		CompletedAt:    t.CompletedAt,
		TotalFiles:     floatPtr(t.TotalFiles),
		ProcessedFiles: floatPtr(t.ProcessedFiles),
		QueuePosition:  floatPtr(t.QueuePosition),
		EstimatedTime:  floatPtr(t.EstimatedTime),
	}
	return Normalize(backend)
}

// RoundProgress rounds to two decimals and clamps into [0,100]. Missing
// and NaN values are 0.
func RoundProgress(p *float64) float64 {
	if p == nil || math.IsNaN(*p) {
		return 0
	}
	v := math.Round(*p*100) / 100
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

func taskMessage(raw string, status models.Status, message, step string, errMsg *string) string {
	switch status {
	case models.StatusFailed:
		if errMsg != nil {
			return *errMsg
		}
		return msgFailed
	case models.StatusCompleted:
		return msgCompleted
	case models.StatusCancelled:
		return msgCancelled
	case models.StatusProcessing:
		switch raw {
		case stepPreparing:
			return msgPreparing
		case stepTranslating:
			return msgTranslating
		case stepFinalizing:
			return msgFinalizing
		}
		if message != "" {
			return message
		}
		if step != "" {
			return step
		}
		return msgProcessing
	}
	return msgQueued
}

func firstNonEmpty(values ...*string) *string {
	for _, v := range values {
		if v != nil && strings.TrimSpace(*v) != "" {
			s := *v
			return &s
		}
	}
	return nil
}

func nonEmpty(v *string) *string {
	return firstNonEmpty(v)
}

func intOrZero(v *float64) int {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return 0
	}
	return int(*v)
}

func floatPtr(v int) *float64 {
	f := float64(v)
	return &f
}
