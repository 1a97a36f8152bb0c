package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"rusted-workshop-web/backend"
	"rusted-workshop-web/inspect"
	"rusted-workshop-web/models"
	"rusted-workshop-web/notify"
	"rusted-workshop-web/tasks"
	"rusted-workshop-web/utils"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	multipartMemory = 32 << 20
)

type taskListResponse struct {
	Success bool                `json:"success"`
	Data    []models.TaskStatus `json:"data"`
	Page    int                 `json:"page"`
	Limit   int                 `json:"limit"`
	Total   int                 `json:"total"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	traceID := GetTraceID(r.Context())
	maxBytes := s.cfg.MaxFileSizeBytes()
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+(1<<20))

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, utils.NewAPIError(utils.ErrCodeFileTooLarge,
				fmt.Sprintf("file exceeds the %s limit", utils.FormatFileSize(maxBytes)), 0))
			return
		}
		writeError(w, utils.WrapAPIError(utils.ErrCodeNoFile, "", 0, err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, utils.WrapAPIError(utils.ErrCodeNoFile, "", 0, err))
		return
	}
	defer file.Close()

	if err := utils.ValidateModFile(header.Filename, header.Size, maxBytes); err != nil {
		writeError(w, utils.AsAPIError(err))
		return
	}

	language := firstValue(r.URL.Query().Get("target_language"), r.FormValue("target_language"), s.cfg.DefaultLanguage)
	style := firstValue(r.URL.Query().Get("translate_style"), r.FormValue("translate_style"), s.cfg.DefaultStyle)
	if !models.IsSupportedLanguage(language) {
		writeError(w, utils.NewAPIError(utils.ErrCodeInvalidPayload, fmt.Sprintf("unsupported target language %q", language), 0))
		return
	}
	if !models.IsTranslateStyle(style) {
		writeError(w, utils.NewAPIError(utils.ErrCodeInvalidPayload, fmt.Sprintf("unsupported translate style %q", style), 0))
		return
	}

	if s.cfg.InspectUploads {
		if err := s.inspectUpload(file, header); err != nil {
			writeError(w, utils.AsAPIError(err))
			return
		}
	}

	timer := s.metrics.StartTiming("backend_duration")
	created, err := s.backend.CreateTask(r.Context(), header.Filename, file, language, style)
	timer.EndTiming()
	if err != nil {
		s.metrics.IncrementCounter("backend_errors")
		writeError(w, backendFailure(err, utils.ErrCodeBackend, false))
		return
	}

	status := tasks.Normalize(*created)
	if status.TaskKey == "" {
		writeError(w, utils.NewAPIError(utils.ErrCodeInvalidResponse, "backend returned no task key", http.StatusInternalServerError))
		return
	}
	if status.Filename == "" {
		status.Filename = header.Filename
	}
	s.remember(r.Context(), status)
	s.metrics.IncrementCounter("tasks_created")

	s.logger.WithTraceID(traceID).
		WithField("task_key", status.TaskKey).
		WithField("file", header.Filename).
		WithField("size", header.Size).
		WithField("language", language).
		WithField("style", style).
		Info("Task created")

	s.publish(r.Context(), notify.Notification{
		Level:       notify.LevelInfo,
		Title:       "Task created",
		Description: fmt.Sprintf("%s queued for %s", header.Filename, language),
		TaskKey:     status.TaskKey,
		Filename:    header.Filename,
		Status:      status.Status,
	})

	writeJSON(w, http.StatusOK, models.CreateTaskResponse{
		Success: true,
		Data:    status.TaskKey,
		Task:    &status,
		Message: "task created",
	})
}

func (s *Server) inspectUpload(file multipart.File, header *multipart.FileHeader) error {
	report, err := inspect.Inspect(file, header.Size, inspect.DefaultOptions())
	if err != nil {
		return err
	}
	for _, warning := range report.Warnings {
		s.logger.WithField("file", header.Filename).WithField("warning", warning).Warn("Upload inspection warning")
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return utils.WrapAPIError(utils.ErrCodeAPI, "", 0, err)
	}
	return nil
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}
	limit := queryInt(r, "limit", defaultPageSize)
	if limit < 1 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	list, err := s.backend.ListTasks(r.Context(), limit, (page-1)*limit)
	if err != nil {
		writeError(w, backendFailure(err, utils.ErrCodeBackend, false))
		return
	}

	out := make([]models.TaskStatus, 0, len(list))
	for _, t := range list {
		out = append(out, tasks.Normalize(t))
	}
	writeJSON(w, http.StatusOK, taskListResponse{Success: true, Data: out, Page: page, Limit: limit, Total: len(out)})
}

func (s *Server) handleBatchCancel(w http.ResponseWriter, r *http.Request) {
	var keys []string
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&keys); err != nil || len(keys) == 0 {
		writeError(w, utils.NewAPIError(utils.ErrCodeInvalidPayload, "", 0))
		return
	}

	result := models.BatchCancelResult{Cancelled: []string{}, Failed: []models.BatchCancelFailure{}}
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if err := s.backend.CancelTask(r.Context(), key); err != nil {
			apiErr := backendFailure(err, utils.ErrCodeBackend, true)
			result.Failed = append(result.Failed, models.BatchCancelFailure{
				TaskKey: key,
				Status:  apiErr.StatusCode,
				Message: apiErr.Message,
			})
			continue
		}
		s.forget(r.Context(), key)
		result.Cancelled = append(result.Cancelled, key)
	}
	s.metrics.IncrementCounterBy("tasks_cancelled", int64(len(result.Cancelled)))

	if len(result.Failed) > 0 {
		writeJSON(w, http.StatusMultiStatus, models.APIResponse[models.BatchCancelResult]{
			Success: false,
			Data:    result,
			Message: "some tasks could not be cancelled",
		})
		return
	}
	writeSuccess(w, result, "tasks cancelled")
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	if cached, ok, err := s.cache.Get(r.Context(), key); err != nil {
		s.logger.WithTaskKey(key).WithError(err).Debug("Status cache lookup failed")
	} else if ok {
		writeSuccess(w, cached, "")
		return
	}

	task, err := s.backend.GetTask(r.Context(), key)
	if err != nil {
		writeError(w, backendFailure(err, utils.ErrCodeBackend, true))
		return
	}

	status := tasks.Normalize(*task)
	if status.TaskKey == "" {
		status.TaskKey = key
	}
	s.remember(r.Context(), status)
	s.watchTerminal(r.Context(), status)
	writeSuccess(w, status, "")
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := s.backend.CancelTask(r.Context(), key); err != nil {
		writeError(w, backendFailure(err, utils.ErrCodeBackend, true))
		return
	}
	s.forget(r.Context(), key)
	s.metrics.IncrementCounter("tasks_cancelled")
	writeSuccess(w, nil, "task cancelled")
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	task, err := s.backend.RetryTask(r.Context(), key)
	if err != nil {
		writeError(w, backendFailure(err, utils.ErrCodeBackend, true))
		return
	}

	status := tasks.Normalize(*task)
	if status.TaskKey == "" {
		status.TaskKey = key
	}
	s.clearTerminal(key)
	s.remember(r.Context(), status)
	s.metrics.IncrementCounter("tasks_retried")
	writeSuccess(w, status, "task retried")
}

func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	logs, err := s.backend.TaskLogs(r.Context(), key, queryInt(r, "limit", 0))
	if err != nil {
		writeError(w, backendFailure(err, utils.ErrCodeBackend, true))
		return
	}
	writeSuccess(w, logs, "")
}

func (s *Server) handleResultURL(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	ptr, err := s.backend.ResultURL(r.Context(), key)
	if err != nil {
		writeError(w, backendFailure(err, utils.ErrCodeResultURL, true))
		return
	}
	ptr.DownloadURL = s.absoluteBackendURL(ptr.DownloadURL)
	writeSuccess(w, ptr, "")
}

// handleDownload performs the result-url indirection server-side and
// streams the artifact.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	ptr, err := s.backend.ResultURL(r.Context(), key)
	if err != nil {
		writeError(w, backendFailure(err, utils.ErrCodeResultURL, true))
		return
	}
	if strings.TrimSpace(ptr.DownloadURL) == "" {
		writeError(w, utils.NewAPIError(utils.ErrCodeNoDownloadURL, "", 0))
		return
	}

	resp, err := s.backend.Fetch(r.Context(), ptr.DownloadURL)
	if err != nil {
		writeError(w, backendFailure(err, utils.ErrCodeDownload, false))
		return
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	disposition := resp.Header.Get("Content-Disposition")
	if disposition == "" {
		disposition = fmt.Sprintf(`attachment; filename="%s.translated.rwmod"`, key)
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", disposition)
	if resp.ContentLength >= 0 {
		w.Header().Set("Content-Length", fmt.Sprint(resp.ContentLength))
	}
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		s.logger.WithTaskKey(key).WithError(err).Warn("Download stream interrupted")
		return
	}
	s.metrics.IncrementCounter("downloads_served")
	s.logger.WithTaskKey(key).WithField("bytes", n).Info("Result downloaded")
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	token, ok := s.requireToken(w, r)
	if !ok {
		return
	}

	days := queryInt(r, "days", 30)
	if days < 1 {
		writeError(w, utils.NewAPIError(utils.ErrCodeInvalidPayload, "days must be positive", 0))
		return
	}
	dryRun := r.URL.Query().Get("dry_run") != "false"

	result, err := s.backend.Cleanup(r.Context(), token, days, dryRun)
	if s.audit != nil {
		s.audit.LogCleanup(days, dryRun, s.requestInfo(r), time.Since(start), err)
	}
	if err != nil {
		writeError(w, backendFailure(err, utils.ErrCodeBackend, false))
		return
	}
	message := "cleanup finished"
	if dryRun {
		message = "cleanup dry run finished"
	}
	writeSuccess(w, result, message)
}

// absoluteBackendURL resolves a relative result pointer against the
// backend so clients can fetch it directly.
func (s *Server) absoluteBackendURL(raw string) string {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || raw == "" || ref.IsAbs() {
		return raw
	}
	base, err := url.Parse(s.cfg.BackendURL + "/")
	if err != nil {
		return raw
	}
	return base.ResolveReference(ref).String()
}

func (s *Server) remember(ctx context.Context, status models.TaskStatus) {
	if err := s.cache.Set(ctx, status); err != nil {
		s.logger.WithTaskKey(status.TaskKey).WithError(err).Debug("Status cache write failed")
	}
}

func (s *Server) forget(ctx context.Context, key string) {
	if err := s.cache.Delete(ctx, key); err != nil {
		s.logger.WithTaskKey(key).WithError(err).Debug("Status cache delete failed")
	}
	s.clearTerminal(key)
}

// watchTerminal publishes one notification per task the first time the
// proxy sees it completed or failed.
func (s *Server) watchTerminal(ctx context.Context, status models.TaskStatus) {
	if status.Status != models.StatusCompleted && status.Status != models.StatusFailed {
		return
	}

	s.watchMu.Lock()
	now := time.Now()
	for k, seen := range s.terminal {
		if now.Sub(seen) > 24*time.Hour {
			delete(s.terminal, k)
		}
	}
	_, seen := s.terminal[status.TaskKey]
	if !seen {
		s.terminal[status.TaskKey] = now
	}
	s.watchMu.Unlock()
	if seen {
		return
	}

	n := notify.Notification{
		Level:       notify.LevelSuccess,
		Title:       "Translation complete",
		Description: status.Message,
		TaskKey:     status.TaskKey,
		Filename:    status.Filename,
		Status:      status.Status,
	}
	if status.Status == models.StatusFailed {
		n.Level = notify.LevelError
		n.Title = "Translation failed"
		if status.ErrorMessage != nil {
			n.Description = *status.ErrorMessage
		}
	}
	s.publish(ctx, n)
}

func (s *Server) clearTerminal(key string) {
	s.watchMu.Lock()
	delete(s.terminal, key)
	s.watchMu.Unlock()
}

// publish sends n without tying delivery to the request lifetime.
func (s *Server) publish(ctx context.Context, n notify.Notification) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := s.notifier.Notify(ctx, n); err != nil {
			s.logger.WithTaskKey(n.TaskKey).WithError(err).Warn("Notification delivery failed")
		}
	}()
}

func firstValue(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

var _ Backend = (*backend.Client)(nil)
