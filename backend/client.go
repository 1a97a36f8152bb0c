package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"rusted-workshop-web/models"
	"rusted-workshop-web/session"
	"rusted-workshop-web/utils"
)

// StatusError is a non-2xx answer from the translation backend.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend responded with status %d: %s", e.StatusCode, e.Message)
}

// AsStatusError reports err as a *StatusError.
func AsStatusError(err error) (*StatusError, bool) {
	var se *StatusError
	ok := errors.As(err, &se)
	return se, ok
}

// Client talks to the translation backend. Calls go through a circuit
// breaker that only counts transport failures and 5xx answers.
type Client struct {
	cfg        *utils.Config
	httpClient *http.Client
	breaker    *utils.CircuitBreaker
	logger     *utils.Logger
}

func NewClient(cfg *utils.Config, httpClient *http.Client, logger *utils.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Minute}
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		breaker:    utils.NewCircuitBreaker("translation-backend", nil, logger),
		logger:     logger,
	}
}

// Breaker exposes the circuit for health reporting.
func (c *Client) Breaker() *utils.CircuitBreaker {
	return c.breaker
}

// CreateTask streams the archive to the backend as multipart form data.
func (c *Client) CreateTask(ctx context.Context, filename string, content io.Reader, language, style string) (*models.BackendTask, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filename)
		if err == nil {
			_, err = io.Copy(part, content)
		}
		if err == nil {
			err = mw.WriteField("target_language", language)
		}
		if err == nil {
			err = mw.WriteField("translate_style", style)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TasksURL("/tasks"), pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var task models.BackendTask
	if err := c.doJSON(req, &task); err != nil {
		pr.Close()
		return nil, err
	}
	return &task, nil
}

func (c *Client) GetTask(ctx context.Context, key string) (*models.BackendTask, error) {
	var task models.BackendTask
	if err := c.call(ctx, http.MethodGet, c.cfg.TasksURL("/tasks/"+url.PathEscape(key)), "", nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasks pages through the backend task list by offset.
func (c *Client) ListTasks(ctx context.Context, limit, offset int) ([]models.BackendTask, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	var tasks []models.BackendTask
	if err := c.call(ctx, http.MethodGet, c.cfg.TasksURL("/tasks")+"?"+q.Encode(), "", nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (c *Client) CancelTask(ctx context.Context, key string) error {
	return c.call(ctx, http.MethodDelete, c.cfg.TasksURL("/tasks/"+url.PathEscape(key)), "", nil, nil)
}

func (c *Client) RetryTask(ctx context.Context, key string) (*models.BackendTask, error) {
	var task models.BackendTask
	if err := c.call(ctx, http.MethodPost, c.cfg.TasksURL("/tasks/"+url.PathEscape(key)+"/retry"), "", nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) TaskLogs(ctx context.Context, key string, limit int) (json.RawMessage, error) {
	target := c.cfg.TasksURL("/tasks/" + url.PathEscape(key) + "/logs")
	if limit > 0 {
		target += "?limit=" + strconv.Itoa(limit)
	}
	var raw json.RawMessage
	if err := c.call(ctx, http.MethodGet, target, "", nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Cleanup removes finished tasks older than days. With dryRun the
// backend only reports what it would remove.
func (c *Client) Cleanup(ctx context.Context, token string, days int, dryRun bool) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("days", strconv.Itoa(days))
	q.Set("dry_run", strconv.FormatBool(dryRun))

	var raw json.RawMessage
	if err := c.call(ctx, http.MethodPost, c.cfg.TasksURL("/tasks/cleanup")+"?"+q.Encode(), token, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) ResultURL(ctx context.Context, key string) (*models.ResultURL, error) {
	var out models.ResultURL
	if err := c.call(ctx, http.MethodGet, c.cfg.TasksURL("/tasks/"+url.PathEscape(key)+"/result-url"), "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Fetch opens the object behind a result pointer. The caller closes the
// body. Relative pointers resolve against the backend base URL.
func (c *Client) Fetch(ctx context.Context, rawURL string) (*http.Response, error) {
	target, err := c.resolve(rawURL)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}

	var resp *http.Response
	err = c.breaker.Execute(ctx, func(context.Context) error {
		var doErr error
		resp, doErr = c.httpClient.Do(req)
		if doErr != nil {
			return doErr
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
			return newStatusError(resp.StatusCode, body)
		}
		return nil
	}, countsAgainstCircuit)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Login exchanges the admin password for a token.
func (c *Client) Login(ctx context.Context, password string) (string, error) {
	var raw json.RawMessage
	if err := c.call(ctx, http.MethodPost, c.cfg.AdminURL("/admin/auth/login"), "", models.AdminLoginRequest{Password: password}, &raw); err != nil {
		return "", err
	}

	var token string
	if json.Unmarshal(raw, &token) == nil && token != "" {
		return token, nil
	}
	var resp models.AdminLoginResponse
	if json.Unmarshal(raw, &resp) == nil && resp.Token != "" {
		return resp.Token, nil
	}
	return "", utils.NewAPIError(utils.ErrCodeInvalidResponse, "login response carried no token", 0)
}

func (c *Client) AdminConfig(ctx context.Context, token string) (*models.AdminConfig, error) {
	var cfg models.AdminConfig
	if err := c.call(ctx, http.MethodGet, c.cfg.AdminURL("/admin/config"), token, nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// UpdateAdminConfig sends a partial config. Whatever the backend returns
// is handed back untouched.
func (c *Client) UpdateAdminConfig(ctx context.Context, token string, patch map[string]any) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.call(ctx, http.MethodPut, c.cfg.AdminURL("/admin/config"), token, patch, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) AdminTasks(ctx context.Context, token string, q models.AdminTaskQuery) (*models.AdminTaskPage, error) {
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.Limit <= 0 {
		q.Limit = 50
	}
	params := url.Values{}
	params.Set("page", strconv.Itoa(q.Page))
	params.Set("limit", strconv.Itoa(q.Limit))
	if q.Status != "" {
		params.Set("status", q.Status)
	}
	if q.Language != "" {
		params.Set("language", q.Language)
	}

	var page models.AdminTaskPage
	if err := c.call(ctx, http.MethodGet, c.cfg.AdminURL("/admin/tasks")+"?"+params.Encode(), token, nil, &page); err != nil {
		return nil, err
	}
	for i := range page.Tasks {
		page.Tasks[i].Canonicalize()
	}
	if page.Tasks == nil {
		page.Tasks = []models.AdminTaskInfo{}
	}
	return &page, nil
}

func (c *Client) DeleteAdminTask(ctx context.Context, token, key string) error {
	return c.call(ctx, http.MethodDelete, c.cfg.AdminURL("/admin/tasks/"+url.PathEscape(key)), token, nil, nil)
}

// Ping reports whether the backend answers at all. Any HTTP response
// below 500 counts as alive.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BackendURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 500 {
		return fmt.Errorf("backend health returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method, target, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", session.BearerHeader(token))
	}
	return c.doJSON(req, out)
}

func (c *Client) doJSON(req *http.Request, out any) error {
	start := time.Now()
	var raw []byte
	var status int

	err := c.breaker.Execute(req.Context(), func(context.Context) error {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		status = resp.StatusCode

		raw, err = io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return newStatusError(resp.StatusCode, raw)
		}
		return nil
	}, countsAgainstCircuit)

	entry := c.logger.WithField("method", req.Method).
		WithField("url", req.URL.Redacted()).
		WithField("status", status).
		WithField("duration", time.Since(start))
	if err != nil {
		entry.WithError(err).Warn("Backend call failed")
		return err
	}
	entry.Debug("Backend call completed")

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	data, err := unwrapEnvelope(status, raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode backend response: %w", err)
	}
	return nil
}

// unwrapEnvelope accepts both bare payloads and {success,data} envelopes.
// An envelope reporting failure becomes a StatusError.
func unwrapEnvelope(status int, raw []byte) (json.RawMessage, error) {
	var env struct {
		Success   *bool           `json:"success"`
		Data      json.RawMessage `json:"data"`
		Message   string          `json:"message"`
		ErrorCode string          `json:"error_code"`
	}
	if json.Unmarshal(raw, &env) != nil || env.Success == nil {
		return raw, nil
	}
	if !*env.Success {
		se := newStatusError(status, raw)
		if env.Message != "" {
			se.Message = env.Message
		}
		return nil, se
	}
	if len(env.Data) == 0 {
		return json.RawMessage("null"), nil
	}
	return env.Data, nil
}

func newStatusError(status int, body []byte) *StatusError {
	se := &StatusError{
		StatusCode: status,
		Message:    utils.ExtractErrorMessage(status, body),
		Body:       body,
	}
	var coded struct {
		ErrorCode string `json:"error_code"`
	}
	if json.Unmarshal(body, &coded) == nil {
		se.Code = coded.ErrorCode
	}
	return se
}

func countsAgainstCircuit(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if se, ok := AsStatusError(err); ok {
		return se.StatusCode >= 500
	}
	return true
}

func (c *Client) resolve(raw string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse download url: %w", err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	base, err := url.Parse(c.cfg.BackendURL + "/")
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}
