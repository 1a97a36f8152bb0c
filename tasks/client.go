package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"rusted-workshop-web/models"
	"rusted-workshop-web/utils"
)

// Client calls the proxy routes on behalf of the lifecycle client. Every
// failure comes back as a *utils.APIError.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *utils.Logger
}

func NewClient(baseURL string, httpClient *http.Client, logger *utils.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Download is an open result stream.
type Download struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
	Filename      string
}

func (c *Client) CreateTask(ctx context.Context, filename string, content io.Reader, language, style string) (*models.CreateTaskResponse, error) {
	q := url.Values{}
	q.Set("target_language", language)
	q.Set("translate_style", style)

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filename)
		if err == nil {
			_, err = io.Copy(part, content)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/api/tasks", q), pr)
	if err != nil {
		pr.Close()
		return nil, utils.WrapAPIError(utils.ErrCodeAPI, "", 0, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		pr.Close()
		return nil, utils.WrapAPIError(utils.ErrCodeNetwork, "", 0, err)
	}
	defer resp.Body.Close()

	var out models.CreateTaskResponse
	body, err := readEnvelope(resp, &out)
	if err != nil {
		return nil, err
	}
	if !out.Success || out.Data == "" {
		return nil, envelopeError(resp.StatusCode, out.ErrorCode, out.Message, body)
	}
	return &out, nil
}

func (c *Client) GetTask(ctx context.Context, key string) (*models.TaskStatus, error) {
	var out models.TaskStatus
	if err := c.doJSON(ctx, http.MethodGet, c.url("/api/tasks/"+url.PathEscape(key), nil), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CancelTask(ctx context.Context, key string) error {
	return c.doJSON(ctx, http.MethodDelete, c.url("/api/tasks/"+url.PathEscape(key), nil), nil, nil)
}

func (c *Client) RetryTask(ctx context.Context, key string) (*models.TaskStatus, error) {
	var out models.TaskStatus
	if err := c.doJSON(ctx, http.MethodPost, c.url("/api/tasks/"+url.PathEscape(key)+"/retry", nil), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResultURL asks for the pointer to the translated artifact.
func (c *Client) ResultURL(ctx context.Context, key string) (*models.ResultURL, error) {
	var out models.ResultURL
	if err := c.doJSON(ctx, http.MethodGet, c.url("/api/tasks/"+url.PathEscape(key)+"/result-url", nil), nil, &out); err != nil {
		if apiErr := utils.AsAPIError(err); apiErr.Code == utils.ErrCodeNetwork || apiErr.Code == utils.ErrCodeAuth {
			return nil, apiErr
		}
		return nil, utils.WrapAPIError(utils.ErrCodeResultURL, utils.AsAPIError(err).Message, 0, err)
	}
	if out.DownloadURL == "" {
		return nil, utils.NewAPIError(utils.ErrCodeNoDownloadURL, "", 0)
	}
	return &out, nil
}

// Fetch opens the object a result pointer refers to. Relative pointers
// resolve against the proxy base URL.
func (c *Client) Fetch(ctx context.Context, rawURL string) (*Download, error) {
	target, err := c.resolve(rawURL)
	if err != nil {
		return nil, utils.WrapAPIError(utils.ErrCodeNoDownloadURL, "", 0, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, utils.WrapAPIError(utils.ErrCodeDownload, "", 0, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, utils.WrapAPIError(utils.ErrCodeNetwork, "", 0, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var env models.APIResponse[json.RawMessage]
		if json.Unmarshal(body, &env) == nil && env.ErrorCode != "" {
			return nil, envelopeError(resp.StatusCode, env.ErrorCode, env.Message, body)
		}
		return nil, utils.NewAPIError(utils.ErrCodeDownload, utils.ExtractErrorMessage(resp.StatusCode, body), resp.StatusCode)
	}

	return &Download{
		Body:          resp.Body,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
		Filename:      filenameFromDisposition(resp.Header.Get("Content-Disposition")),
	}, nil
}

// DownloadViaProxy lets the proxy perform the indirection server-side.
func (c *Client) DownloadViaProxy(ctx context.Context, key string) (*Download, error) {
	return c.Fetch(ctx, "/api/tasks/"+url.PathEscape(key)+"/download")
}

func (c *Client) ListTasks(ctx context.Context, page, limit int) ([]models.TaskStatus, error) {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []models.TaskStatus
	if err := c.doJSON(ctx, http.MethodGet, c.url("/api/tasks", q), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// BatchCancel cancels several tasks. A partial failure returns both the
// result and an error.
func (c *Client) BatchCancel(ctx context.Context, keys []string) (*models.BatchCancelResult, error) {
	var out models.BatchCancelResult
	err := c.doJSON(ctx, http.MethodDelete, c.url("/api/tasks", nil), keys, &out)
	if err != nil && out.Cancelled == nil && out.Failed == nil {
		return nil, err
	}
	return &out, err
}

func (c *Client) TaskLogs(ctx context.Context, key string, limit int) ([]models.TaskLogEntry, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []models.TaskLogEntry
	if err := c.doJSON(ctx, http.MethodGet, c.url("/api/tasks/"+url.PathEscape(key)+"/logs", q), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Languages(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.doJSON(ctx, http.MethodGet, c.url("/api/config/languages", nil), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) PublicConfig(ctx context.Context) (*models.PublicConfig, error) {
	var out models.PublicConfig
	if err := c.doJSON(ctx, http.MethodGet, c.url("/api/config/public", nil), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) url(path string, q url.Values) string {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (c *Client) resolve(raw string) (string, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	base, err := url.Parse(c.baseURL + "/")
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

// doJSON sends body as JSON and decodes the envelope's data into out.
// Partial data is still decoded when the envelope reports failure.
func (c *Client) doJSON(ctx context.Context, method, target string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return utils.WrapAPIError(utils.ErrCodeAPI, "", 0, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return utils.WrapAPIError(utils.ErrCodeAPI, "", 0, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return utils.WrapAPIError(utils.ErrCodeNetwork, "", 0, err)
	}
	defer resp.Body.Close()

	c.logger.WithField("method", method).
		WithField("url", target).
		WithField("status", resp.StatusCode).
		Debug("Proxy call completed")

	var env models.APIResponse[json.RawMessage]
	raw, err := readEnvelope(resp, &env)
	if err != nil {
		return err
	}

	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil && env.Success {
			return utils.WrapAPIError(utils.ErrCodeInvalidResponse, "", 0, err)
		}
	}
	if !env.Success {
		return envelopeError(resp.StatusCode, env.ErrorCode, env.Message, raw)
	}
	return nil
}

func readEnvelope(resp *http.Response, out any) ([]byte, error) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, utils.WrapAPIError(utils.ErrCodeNetwork, "", 0, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		if resp.StatusCode >= 400 {
			return raw, utils.NewAPIError(utils.ErrCodeBackend, utils.ExtractErrorMessage(resp.StatusCode, raw), resp.StatusCode)
		}
		return raw, utils.WrapAPIError(utils.ErrCodeInvalidResponse, "", 0, err)
	}
	return raw, nil
}

func envelopeError(status int, code, message string, raw []byte) *utils.APIError {
	if code == "" {
		code = string(utils.ErrCodeAPI)
		if status == http.StatusNotFound {
			code = string(utils.ErrCodeTaskNotFound)
		}
	}
	if message == "" {
		message = utils.ExtractErrorMessage(status, raw)
	}
	return utils.NewAPIError(utils.ErrorCode(code), message, status)
}

// filenameFromDisposition reads the filename parameter. An RFC 2231
// filename* value takes precedence.
func filenameFromDisposition(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return params["filename"]
}

// IsNotFound reports whether err is a task-not-found failure.
func IsNotFound(err error) bool {
	var apiErr *utils.APIError
	return errors.As(err, &apiErr) && apiErr.Code == utils.ErrCodeTaskNotFound
}
