package notify

import (
	"context"
	"errors"
	"time"

	"rusted-workshop-web/models"
	"rusted-workshop-web/utils"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification is a user-facing message: a short title plus a longer
// description, optionally tied to a task.
type Notification struct {
	Level       Level         `json:"level"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	TaskKey     string        `json:"task_key,omitempty"`
	Filename    string        `json:"filename,omitempty"`
	Status      models.Status `json:"status,omitempty"`
	ErrorCode   string        `json:"error_code,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Multi fans a notification out to every notifier. Failures are logged
// and joined; one failing sink does not stop the others.
type Multi struct {
	notifiers []Notifier
	logger    *utils.Logger
}

func NewMulti(logger *utils.Logger, notifiers ...Notifier) *Multi {
	m := &Multi{logger: logger}
	for _, n := range notifiers {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
	return m
}

func (m *Multi) Add(n Notifier) {
	if n != nil {
		m.notifiers = append(m.notifiers, n)
	}
}

func (m *Multi) Notify(ctx context.Context, n Notification) error {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Notify(ctx, n); err != nil {
			m.logger.WithError(err).
				WithField("title", n.Title).
				WithField("task_key", n.TaskKey).
				Warn("Failed to deliver notification")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }
