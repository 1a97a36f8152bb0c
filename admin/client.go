// Package admin is the admin console client. It talks to the proxy's
// /api/admin routes with the token held in a session.Store.
package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"rusted-workshop-web/models"
	"rusted-workshop-web/session"
	"rusted-workshop-web/storage"
	"rusted-workshop-web/utils"
)

type Client struct {
	baseURL    string
	store      session.Store
	httpClient *http.Client
	retry      *utils.RetryService
	logger     *utils.Logger
}

func NewClient(baseURL string, store session.Store, httpClient *http.Client, logger *utils.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		store:      store,
		httpClient: httpClient,
		retry:      utils.NewRetryService(logger).WithConfig(utils.AdminFetchRetryConfig()),
		logger:     logger,
	}
}

// WithRetry replaces the retry policy for data loads.
func (c *Client) WithRetry(cfg *utils.RetryConfig) *Client {
	c.retry = utils.NewRetryService(c.logger).WithConfig(cfg)
	return c
}

// IsAuthenticated derives from the store only.
func (c *Client) IsAuthenticated() bool {
	token, err := c.store.Get()
	return err == nil && token != ""
}

// Login exchanges password for a token and stores it. An empty password
// is rejected without a network call.
func (c *Client) Login(ctx context.Context, password string) error {
	if strings.TrimSpace(password) == "" {
		return utils.NewAPIError(utils.ErrCodeMissingPassword, "", 0)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/admin/auth/login", "", models.AdminLoginRequest{Password: password}, &out); err != nil {
		return err
	}
	if out.Token == "" {
		return utils.NewAPIError(utils.ErrCodeInvalidResponse, "login response carried no token", 0)
	}
	if err := c.store.Set(out.Token); err != nil {
		return fmt.Errorf("failed to store admin token: %w", err)
	}
	c.logger.WithComponent("admin").Info("Admin logged in")
	return nil
}

// Logout tells the proxy and clears the stored token. The token is
// cleared even when the proxy cannot be reached.
func (c *Client) Logout(ctx context.Context) error {
	token, _ := c.store.Get()
	err := c.retry.Execute(ctx, func() error {
		return c.do(ctx, http.MethodPost, "/api/admin/auth/logout", token, nil, nil)
	}, "admin logout")
	if clearErr := c.store.Clear(); clearErr != nil {
		return fmt.Errorf("failed to clear admin token: %w", clearErr)
	}
	if err != nil {
		c.logger.WithComponent("admin").WithError(err).Warn("Logout request failed, token cleared locally")
	}
	return nil
}

func (c *Client) Config(ctx context.Context) (*models.AdminConfig, error) {
	var cfg models.AdminConfig
	if err := c.fetch(ctx, "/api/admin/config", &cfg, "admin config"); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// UpdateConfig sends a partial config. It is not retried.
func (c *Client) UpdateConfig(ctx context.Context, patch map[string]any) (json.RawMessage, error) {
	token, err := c.token()
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := c.authed(ctx, http.MethodPut, "/api/admin/config", token, patch, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) Tasks(ctx context.Context, q models.AdminTaskQuery) (*models.AdminTaskPage, error) {
	params := url.Values{}
	if q.Page > 0 {
		params.Set("page", strconv.Itoa(q.Page))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Status != "" {
		params.Set("status", q.Status)
	}
	if q.Language != "" {
		params.Set("language", q.Language)
	}
	path := "/api/admin/tasks"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var page models.AdminTaskPage
	if err := c.fetch(ctx, path, &page, "admin tasks"); err != nil {
		return nil, err
	}
	for i := range page.Tasks {
		page.Tasks[i].Canonicalize()
	}
	return &page, nil
}

// DeleteTask removes a task after confirm approves it. A nil confirm
// refuses.
func (c *Client) DeleteTask(ctx context.Context, key string, confirm func(prompt string) bool) error {
	if confirm == nil || !confirm(fmt.Sprintf("Delete task %s? This cannot be undone.", key)) {
		return utils.ErrNotConfirmed
	}
	token, err := c.token()
	if err != nil {
		return err
	}
	return c.authed(ctx, http.MethodDelete, "/api/admin/tasks/"+url.PathEscape(key), token, nil, nil)
}

// Cleanup asks the backend to purge tasks older than days.
func (c *Client) Cleanup(ctx context.Context, days int, dryRun bool) (json.RawMessage, error) {
	token, err := c.token()
	if err != nil {
		return nil, err
	}
	path := fmt.Sprintf("/api/tasks/cleanup?days=%d&dry_run=%t", days, dryRun)
	var raw json.RawMessage
	if err := c.authed(ctx, http.MethodPost, path, token, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) Audit(ctx context.Context, limit int) ([]storage.AdminAuditEntry, error) {
	path := "/api/admin/audit"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var entries []storage.AdminAuditEntry
	if err := c.fetch(ctx, path, &entries, "admin audit"); err != nil {
		return nil, err
	}
	return entries, nil
}

// fetch is a retried authenticated GET.
func (c *Client) fetch(ctx context.Context, path string, out any, description string) error {
	token, err := c.token()
	if err != nil {
		return err
	}
	return c.retry.Execute(ctx, func() error {
		return c.authed(ctx, http.MethodGet, path, token, nil, out)
	}, description)
}

func (c *Client) token() (string, error) {
	token, err := c.store.Get()
	if err != nil {
		return "", fmt.Errorf("failed to read admin token: %w", err)
	}
	if token == "" {
		return "", utils.WrapAPIError(utils.ErrCodeAuth, "", http.StatusUnauthorized, utils.ErrNotAuthenticated)
	}
	return token, nil
}

// authed clears the stored token when the proxy rejects it, so the next
// call reports not authenticated.
func (c *Client) authed(ctx context.Context, method, path, token string, body, out any) error {
	err := c.do(ctx, method, path, token, body, out)
	var apiErr *utils.APIError
	if errors.As(err, &apiErr) && apiErr.Code == utils.ErrCodeAuth {
		if clearErr := c.store.Clear(); clearErr != nil {
			c.logger.WithComponent("admin").WithError(clearErr).Warn("Failed to clear rejected admin token")
		}
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return utils.WrapAPIError(utils.ErrCodeAPI, "", 0, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return utils.WrapAPIError(utils.ErrCodeAPI, "", 0, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", session.BearerHeader(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return utils.WrapAPIError(utils.ErrCodeNetwork, "", 0, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return utils.WrapAPIError(utils.ErrCodeNetwork, "", 0, err)
	}
	var env models.APIResponse[json.RawMessage]
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 400 {
			return utils.NewAPIError(utils.ErrCodeBackend, utils.ExtractErrorMessage(resp.StatusCode, raw), resp.StatusCode)
		}
		return utils.WrapAPIError(utils.ErrCodeInvalidResponse, "", 0, err)
	}
	if !env.Success {
		code := utils.ErrorCode(env.ErrorCode)
		switch {
		case code != "":
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			code = utils.ErrCodeAuth
		default:
			code = utils.ErrCodeAPI
		}
		return utils.NewAPIError(code, env.Message, resp.StatusCode)
	}
	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return utils.WrapAPIError(utils.ErrCodeInvalidResponse, "", 0, err)
		}
	}
	return nil
}
