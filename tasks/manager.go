package tasks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"rusted-workshop-web/models"
	"rusted-workshop-web/notify"
	"rusted-workshop-web/utils"
)

// TaskAPI is the slice of the proxy the Manager drives. *Client
// implements it.
type TaskAPI interface {
	CreateTask(ctx context.Context, filename string, content io.Reader, language, style string) (*models.CreateTaskResponse, error)
	GetTask(ctx context.Context, key string) (*models.TaskStatus, error)
	CancelTask(ctx context.Context, key string) error
	RetryTask(ctx context.Context, key string) (*models.TaskStatus, error)
	ResultURL(ctx context.Context, key string) (*models.ResultURL, error)
	Fetch(ctx context.Context, rawURL string) (*Download, error)
}

// Realtime is the push channel. *RealtimeClient implements it.
type Realtime interface {
	SetTask(key string, handler RealtimeHandler)
	Close()
}

type ManagerOptions struct {
	API      TaskAPI
	Realtime Realtime
	Notifier notify.Notifier
	Logger   *utils.Logger

	PollInterval    time.Duration
	MaxFileSize     int64
	DefaultLanguage string
	DefaultStyle    string

	// Confirm gates destructive actions. A nil Confirm refuses them.
	Confirm func(prompt string) bool
	// OnChange receives the merged view after every state change.
	OnChange func(view models.TaskStatus)
	// WrapDownload may wrap the result stream, e.g. with a progress bar.
	WrapDownload func(r io.Reader, size int64) io.Reader
}

// Manager owns the one tracked task: it issues create, restore, cancel,
// retry and download requests, and keeps the tracked status fresh through
// the poller and the realtime channel.
type Manager struct {
	api      TaskAPI
	poller   *Poller
	realtime Realtime
	notifier notify.Notifier
	files    *utils.FileManager
	logger   *utils.Logger
	opts     ManagerOptions

	mu             sync.Mutex
	epoch          uint64
	key            string
	fileName       string
	status         *models.TaskStatus
	overlay        RealtimeOverlay
	connected      bool
	realtimeErr    error
	realtimeWarned bool
	notified       bool
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = utils.NewNopLogger()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = utils.DefaultMaxFileSize
	}
	if opts.DefaultLanguage == "" {
		opts.DefaultLanguage = models.DefaultLanguage
	}
	if opts.DefaultStyle == "" {
		opts.DefaultStyle = models.StyleAuto
	}

	m := &Manager{
		api:      opts.API,
		realtime: opts.Realtime,
		notifier: opts.Notifier,
		files:    utils.NewFileManager(opts.Logger),
		logger:   opts.Logger,
		opts:     opts,
	}
	m.poller = NewPoller(opts.API.GetTask, opts.PollInterval, opts.Logger)
	return m
}

// Create validates and uploads a local .rwmod file, then tracks the new
// task. Validation runs before any network call.
func (m *Manager) Create(ctx context.Context, path, language, style string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", m.fail(ctx, "Upload failed", utils.NewAPIError(utils.ErrCodeNoFile, "", 0))
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", m.fail(ctx, "Upload failed", utils.WrapAPIError(utils.ErrCodeNoFile, fmt.Sprintf("cannot read %s", path), 0, err))
	}
	if info.IsDir() {
		return "", m.fail(ctx, "Upload failed", utils.NewAPIError(utils.ErrCodeNoFile, fmt.Sprintf("%s is a directory", path), 0))
	}

	name := filepath.Base(path)
	if err := utils.ValidateModFile(name, info.Size(), m.opts.MaxFileSize); err != nil {
		return "", m.fail(ctx, "Invalid file", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", m.fail(ctx, "Upload failed", utils.WrapAPIError(utils.ErrCodeNoFile, fmt.Sprintf("cannot open %s", path), 0, err))
	}
	defer f.Close()

	return m.upload(ctx, name, info.Size(), f, language, style)
}

func (m *Manager) upload(ctx context.Context, name string, size int64, content io.Reader, language, style string) (string, error) {
	if language == "" {
		language = m.opts.DefaultLanguage
	}
	if style == "" {
		style = m.opts.DefaultStyle
	}

	m.logger.WithField("file", name).
		WithField("size", size).
		WithField("language", language).
		WithField("style", style).
		Info("Uploading mod file")

	resp, err := m.api.CreateTask(ctx, name, content, language, style)
	if err != nil {
		return "", m.fail(ctx, "Failed to create task", err)
	}

	key := resp.Data
	var status models.TaskStatus
	if resp.Task != nil {
		status = NormalizeStatus(*resp.Task)
		status.TaskKey = key
	} else {
		status = models.TaskStatus{TaskKey: key, Status: models.StatusPending, Message: msgQueued}
	}
	if status.Filename == "" {
		status.Filename = name
	}

	m.track(key, name, status)
	m.emit(ctx, notify.Notification{
		Level:       notify.LevelSuccess,
		Title:       "Task created",
		Description: fmt.Sprintf("task key: %s", key),
		TaskKey:     key,
		Filename:    name,
		Status:      status.Status,
	})
	return key, nil
}

// Restore looks a task up by key and tracks it.
func (m *Manager) Restore(ctx context.Context, key string) (*models.TaskStatus, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, m.fail(ctx, "Lookup failed", utils.NewAPIError(utils.ErrCodeInvalidPayload, "please enter a task key", 0))
	}

	status, err := m.api.GetTask(ctx, key)
	if err != nil {
		apiErr := utils.AsAPIError(err)
		if apiErr.Code == utils.ErrCodeTaskNotFound || apiErr.StatusCode == 404 {
			return nil, m.fail(ctx, "Task not found", utils.WrapAPIError(utils.ErrCodeTaskNotFound, "", 0, err))
		}
		return nil, m.fail(ctx, "Lookup failed", apiErr)
	}

	snapshot := NormalizeStatus(*status)
	if snapshot.TaskKey == "" {
		snapshot.TaskKey = key
	}
	fileName := snapshot.Filename
	if fileName == "" {
		fileName = "task_" + key
	}

	m.track(key, fileName, snapshot)
	m.emit(ctx, notify.Notification{
		Level:       notify.LevelInfo,
		Title:       "Task restored",
		Description: snapshot.Message,
		TaskKey:     key,
		Filename:    fileName,
		Status:      snapshot.Status,
	})
	return &snapshot, nil
}

// Cancel asks for confirmation, cancels the tracked task and then drops
// all local task state.
func (m *Manager) Cancel(ctx context.Context) error {
	key, fileName := m.identity()
	if key == "" {
		return utils.ErrNoTrackedTask
	}

	if m.opts.Confirm == nil || !m.opts.Confirm(fmt.Sprintf("Cancel task %s (%s)?", key, fileName)) {
		m.logger.WithTaskKey(key).Info("Cancel not confirmed")
		return utils.ErrNotConfirmed
	}

	if err := m.api.CancelTask(ctx, key); err != nil {
		return m.fail(ctx, "Failed to cancel task", err)
	}

	m.Reset()
	m.emit(ctx, notify.Notification{
		Level:    notify.LevelInfo,
		Title:    "Task cancelled",
		TaskKey:  key,
		Filename: fileName,
		Status:   models.StatusCancelled,
	})
	return nil
}

// Retry re-runs the tracked task and adopts the returned status in place;
// the key and file name stay as they are.
func (m *Manager) Retry(ctx context.Context) (*models.TaskStatus, error) {
	key, fileName := m.identity()
	if key == "" {
		return nil, utils.ErrNoTrackedTask
	}

	status, err := m.api.RetryTask(ctx, key)
	if err != nil {
		return nil, m.fail(ctx, "Failed to retry task", err)
	}

	snapshot := NormalizeStatus(*status)
	snapshot.TaskKey = key

	m.mu.Lock()
	if m.key != key {
		m.mu.Unlock()
		m.logger.WithTaskKey(key).Info("Dropping retry result for a task no longer tracked")
		return nil, utils.ErrNoTrackedTask
	}
	m.epoch++
	epoch := m.epoch
	m.status = &snapshot
	m.overlay = RealtimeOverlay{}
	m.notified = false
	m.startSourcesLocked(epoch, snapshot)
	view := m.viewLocked()
	m.mu.Unlock()

	m.changed(view)
	m.emit(ctx, notify.Notification{
		Level:       notify.LevelInfo,
		Title:       "Retry started",
		Description: snapshot.Message,
		TaskKey:     key,
		Filename:    fileName,
		Status:      snapshot.Status,
	})
	return &snapshot, nil
}

// Download resolves the result pointer, fetches the artifact and writes
// it into dir as <name>_translated.rwmod. It returns the written path.
func (m *Manager) Download(ctx context.Context, dir string) (string, error) {
	key, fileName := m.identity()
	if key == "" {
		return "", utils.ErrNoTrackedTask
	}

	pointer, err := m.api.ResultURL(ctx, key)
	if err != nil {
		return "", m.fail(ctx, "Download failed", err)
	}

	dl, err := m.api.Fetch(ctx, pointer.DownloadURL)
	if err != nil {
		return "", m.fail(ctx, "Download failed", err)
	}
	defer dl.Body.Close()

	var body io.Reader = dl.Body
	if m.opts.WrapDownload != nil {
		body = m.opts.WrapDownload(body, dl.ContentLength)
	}

	dst := utils.UniquePath(filepath.Join(dir, utils.TranslatedFilename(fileName)))
	written, err := m.files.WriteAtomically(dst, body)
	if err != nil {
		return "", m.fail(ctx, "Download failed", utils.WrapAPIError(utils.ErrCodeDownload, "", 0, err))
	}

	m.logger.WithTaskKey(key).
		WithField("path", dst).
		WithField("bytes", written).
		Info("Translated archive saved")
	m.emit(ctx, notify.Notification{
		Level:       notify.LevelSuccess,
		Title:       "Download complete",
		Description: dst,
		TaskKey:     key,
		Filename:    fileName,
	})
	return dst, nil
}

// Reset forgets the tracked task, stopping polling and closing the
// realtime channel. Late responses for it are discarded.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.epoch++
	m.poller.Stop()
	if m.realtime != nil {
		m.realtime.Close()
	}
	m.key = ""
	m.fileName = ""
	m.status = nil
	m.overlay = RealtimeOverlay{}
	m.connected = false
	m.realtimeErr = nil
	m.realtimeWarned = false
	m.notified = false
	m.mu.Unlock()
}

// View returns the merged status of the tracked task.
func (m *Manager) View() (models.TaskStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == nil {
		return models.TaskStatus{}, false
	}
	return m.viewLocked(), true
}

func (m *Manager) Key() string {
	key, _ := m.identity()
	return key
}

func (m *Manager) FileName() string {
	_, name := m.identity()
	return name
}

// RealtimeState reports the channel liveness and the last connection error.
func (m *Manager) RealtimeState() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected, m.realtimeErr
}

// Close releases the poller and the realtime channel.
func (m *Manager) Close() {
	m.Reset()
}

func (m *Manager) identity() (string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.key, m.fileName
}

func (m *Manager) track(key, fileName string, status models.TaskStatus) {
	m.mu.Lock()
	m.epoch++
	epoch := m.epoch
	m.key = key
	m.fileName = fileName
	m.status = &status
	m.overlay = RealtimeOverlay{}
	m.connected = false
	m.realtimeErr = nil
	m.realtimeWarned = false
	m.notified = status.Status == models.StatusCompleted || status.Status == models.StatusFailed
	m.startSourcesLocked(epoch, status)
	view := m.viewLocked()
	m.mu.Unlock()

	m.logger.WithTaskKey(key).
		WithField("status", status.Status).
		Info("Tracking task")
	m.changed(view)
}

// startSourcesLocked (re)arms polling and the realtime channel for the
// tracked task, or stops both when it is already terminal.
func (m *Manager) startSourcesLocked(epoch uint64, status models.TaskStatus) {
	if status.Status.IsTerminal() {
		m.poller.Stop()
		if m.realtime != nil {
			m.realtime.Close()
		}
		return
	}

	m.poller.Start(m.key, func(s models.TaskStatus) { m.onPoll(epoch, s) })
	if m.realtime != nil {
		m.realtime.SetTask(m.key, RealtimeHandler{
			OnEvent: func(ev RealtimeEvent) { m.onRealtimeEvent(epoch, ev) },
			OnState: func(connected bool, err error) { m.onRealtimeState(epoch, connected, err) },
		})
	}
}

func (m *Manager) onPoll(epoch uint64, s models.TaskStatus) {
	snapshot := NormalizeStatus(s)

	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	if snapshot.TaskKey == "" {
		snapshot.TaskKey = m.key
	}
	if snapshot.Filename == "" && m.status != nil {
		snapshot.Filename = m.status.Filename
	}
	m.status = &snapshot

	var note *notify.Notification
	if (snapshot.Status == models.StatusCompleted || snapshot.Status == models.StatusFailed) && !m.notified {
		m.notified = true
		note = terminalNotification(snapshot, m.fileName)
	}
	if snapshot.Status.IsTerminal() && m.realtime != nil {
		m.realtime.Close()
		m.connected = false
	}
	view := m.viewLocked()
	m.mu.Unlock()

	m.changed(view)
	if note != nil {
		m.emit(context.Background(), *note)
	}
}

func (m *Manager) onRealtimeEvent(epoch uint64, ev RealtimeEvent) {
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	m.overlay.Apply(ev)
	view := m.viewLocked()
	m.mu.Unlock()

	m.changed(view)
}

func (m *Manager) onRealtimeState(epoch uint64, connected bool, err error) {
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	m.connected = connected
	warn := false
	if connected {
		m.realtimeErr = nil
	} else if err != nil {
		m.realtimeErr = err
		warn = !m.realtimeWarned
		m.realtimeWarned = true
	}
	key, fileName := m.key, m.fileName
	view := m.viewLocked()
	m.mu.Unlock()

	m.changed(view)
	if warn {
		m.emit(context.Background(), notify.Notification{
			Level:       notify.LevelWarning,
			Title:       "Realtime updates unavailable",
			Description: "falling back to polling",
			TaskKey:     key,
			Filename:    fileName,
		})
	}
}

func (m *Manager) viewLocked() models.TaskStatus {
	if m.status == nil {
		return models.TaskStatus{}
	}
	return MergeView(*m.status, m.overlay, m.connected)
}

func (m *Manager) changed(view models.TaskStatus) {
	if m.opts.OnChange != nil && view.TaskKey != "" {
		m.opts.OnChange(view)
	}
}

// fail converts err to an APIError, notifies the user and returns it.
func (m *Manager) fail(ctx context.Context, title string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	apiErr := utils.AsAPIError(err)
	key, fileName := m.identity()

	m.logger.WithError(err).
		WithField("error_code", apiErr.Code).
		Warn(title)
	m.emit(ctx, notify.Notification{
		Level:       notify.LevelError,
		Title:       title,
		Description: apiErr.Message,
		TaskKey:     key,
		Filename:    fileName,
		ErrorCode:   string(apiErr.Code),
	})
	return apiErr
}

func (m *Manager) emit(ctx context.Context, n notify.Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	if err := m.notifier.Notify(ctx, n); err != nil {
		m.logger.WithError(err).WithField("title", n.Title).Warn("Notification delivery failed")
	}
}

func terminalNotification(s models.TaskStatus, fileName string) *notify.Notification {
	n := &notify.Notification{
		TaskKey:  s.TaskKey,
		Filename: fileName,
		Status:   s.Status,
	}
	if s.Status == models.StatusCompleted {
		n.Level = notify.LevelSuccess
		n.Title = "Translation completed"
		n.Description = "the translated archive is ready to download"
		return n
	}
	n.Level = notify.LevelError
	n.Title = "Translation failed"
	n.Description = s.Message
	if s.ErrorMessage != nil {
		n.Description = *s.ErrorMessage
	}
	return n
}
