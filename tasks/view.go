package tasks

import (
	"strings"

	"rusted-workshop-web/models"
)

// RealtimeOverlay holds the latest values pushed over the realtime
// channel. Nil fields were never reported.
type RealtimeOverlay struct {
	Status         *models.Status
	Progress       *float64
	CurrentStep    *string
	ProcessedFiles *int
	TotalFiles     *int
	Message        *string
	ErrorCode      string
	ErrorMessage   *string
}

// Apply folds one event into the overlay.
func (o *RealtimeOverlay) Apply(ev RealtimeEvent) {
	switch ev.Type {
	case models.RealtimeProgress:
		if ev.Progress == nil {
			return
		}
		p := RoundProgress(&ev.Progress.Progress)
		o.Progress = &p
		if ev.Progress.CurrentStep != "" {
			step := ev.Progress.CurrentStep
			o.CurrentStep = &step
		}
		processed, total := ev.Progress.ProcessedFiles, ev.Progress.TotalFiles
		o.ProcessedFiles = &processed
		o.TotalFiles = &total
		if ev.Progress.Message != "" {
			msg := ev.Progress.Message
			o.Message = &msg
		}
	case models.RealtimeStatus:
		if ev.Status == nil {
			return
		}
		status := MapStatus(ev.Status.Status)
		o.Status = &status
		raw := strings.ToLower(strings.TrimSpace(ev.Status.Status))
		if raw == stepPreparing || raw == stepTranslating || raw == stepFinalizing {
			o.CurrentStep = &raw
		}
		if ev.Status.Message != "" {
			msg := ev.Status.Message
			o.Message = &msg
		}
	case models.RealtimeError:
		if ev.Error == nil {
			return
		}
		o.ErrorCode = ev.Error.ErrorCode
		msg := ev.Error.Message
		o.ErrorMessage = &msg
	}
}

// MergeView blends the polled snapshot with the realtime overlay. The
// polled value is the default; overlay fields win only while the channel
// is connected.
func MergeView(polled models.TaskStatus, overlay RealtimeOverlay, connected bool) models.TaskStatus {
	view := polled
	if !connected {
		return view
	}

	if overlay.Status != nil {
		view.Status = *overlay.Status
	}
	if overlay.Progress != nil {
		view.Progress = *overlay.Progress
	}
	if overlay.CurrentStep != nil {
		view.CurrentStep = *overlay.CurrentStep
	}
	if overlay.ProcessedFiles != nil {
		view.ProcessedFiles = *overlay.ProcessedFiles
	}
	if overlay.TotalFiles != nil {
		view.TotalFiles = *overlay.TotalFiles
	}
	if overlay.Message != nil {
		view.Message = *overlay.Message
	}
	if overlay.ErrorMessage != nil {
		msg := *overlay.ErrorMessage
		view.ErrorMessage = &msg
	}
	return view
}
