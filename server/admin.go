package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"rusted-workshop-web/backend"
	"rusted-workshop-web/models"
	"rusted-workshop-web/session"
	"rusted-workshop-web/storage"
	"rusted-workshop-web/utils"
)

type loginData struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	info := s.requestInfo(r)

	if allowed, retryAfter := s.limiter.Allow(info.IPAddress); !allowed {
		if s.audit != nil {
			s.audit.LogRateLimitEvent("admin/auth/login", retryAfter, info)
		}
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
		writeError(w, utils.NewAPIError(utils.ErrCodeRateLimited, "", 0))
		return
	}

	var req models.AdminLoginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, utils.NewAPIError(utils.ErrCodeInvalidPayload, "request body must be a JSON object", 0))
		return
	}
	if strings.TrimSpace(req.Password) == "" {
		writeError(w, utils.NewAPIError(utils.ErrCodeMissingPassword, "", 0))
		return
	}

	token, err := s.backend.Login(r.Context(), req.Password)
	if s.audit != nil {
		s.audit.LogLogin(info, time.Since(start), err)
	}
	if err != nil {
		s.metrics.IncrementCounter("admin_logins_failed")
		s.logger.WithTraceID(info.TraceID).WithField("ip", info.IPAddress).WithError(err).Warn("Admin login failed")
		writeError(w, loginFailure(err))
		return
	}

	s.limiter.Reset(info.IPAddress)
	s.metrics.IncrementCounter("admin_logins")
	s.logger.WithTraceID(info.TraceID).WithField("ip", info.IPAddress).Info("Admin logged in")

	http.SetCookie(w, session.Cookie(token, s.cfg.CookieSecure))
	writeSuccess(w, loginData{Token: token, ExpiresIn: int(session.CookieTTL / time.Second)}, "login successful")
}

// loginFailure keeps the backend's own error code when it sent one.
func loginFailure(err error) *utils.APIError {
	var apiErr *utils.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == utils.ErrCodeInvalidResponse {
			return utils.WrapAPIError(utils.ErrCodeInvalidResponse, apiErr.Message, http.StatusInternalServerError, err)
		}
		return apiErr
	}
	if se, ok := backend.AsStatusError(err); ok {
		code := utils.ErrCodeLogin
		if se.Code != "" {
			code = utils.ErrorCode(se.Code)
		}
		return utils.WrapAPIError(code, se.Message, se.StatusCode, err)
	}
	return backendFailure(err, utils.ErrCodeLogin, false)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if s.audit != nil {
		s.audit.Record(storage.AdminActionLogout, "admin/auth/logout", nil, s.requestInfo(r), 0, nil)
	}
	http.SetCookie(w, session.ExpiredCookie(s.cfg.CookieSecure))
	writeSuccess(w, nil, "logged out")
}

func (s *Server) handleAdminConfig(w http.ResponseWriter, r *http.Request) {
	token, ok := s.requireToken(w, r)
	if !ok {
		return
	}
	cfg, err := s.backend.AdminConfig(r.Context(), token)
	if err != nil {
		writeError(w, backendFailure(err, utils.ErrCodeBackend, false))
		return
	}
	writeSuccess(w, cfg, "")
}

func (s *Server) handleUpdateAdminConfig(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	token, ok := s.requireToken(w, r)
	if !ok {
		return
	}

	var patch map[string]any
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&patch); err != nil || len(patch) == 0 {
		writeError(w, utils.NewAPIError(utils.ErrCodeInvalidPayload, "request body must be a non-empty JSON object", 0))
		return
	}
	fields := make([]string, 0, len(patch))
	for k := range patch {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	raw, err := s.backend.UpdateAdminConfig(r.Context(), token, patch)
	if s.audit != nil {
		s.audit.LogConfigChange(fields, s.requestInfo(r), time.Since(start), err)
	}
	if err != nil {
		writeError(w, backendFailure(err, utils.ErrCodeBackend, false))
		return
	}
	s.logger.WithTraceID(GetTraceID(r.Context())).WithField("fields", fields).Info("Admin config updated")
	writeSuccess(w, raw, "config updated")
}

func (s *Server) handleAdminTasks(w http.ResponseWriter, r *http.Request) {
	token, ok := s.requireToken(w, r)
	if !ok {
		return
	}
	q := models.AdminTaskQuery{
		Page:     queryInt(r, "page", 1),
		Limit:    queryInt(r, "limit", 50),
		Status:   r.URL.Query().Get("status"),
		Language: r.URL.Query().Get("language"),
	}
	page, err := s.backend.AdminTasks(r.Context(), token, q)
	if err != nil {
		writeError(w, backendFailure(err, utils.ErrCodeBackend, false))
		return
	}
	writeSuccess(w, page, "")
}

func (s *Server) handleAdminDeleteTask(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	token, ok := s.requireToken(w, r)
	if !ok {
		return
	}
	key := r.PathValue("key")

	err := s.backend.DeleteAdminTask(r.Context(), token, key)
	if s.audit != nil {
		s.audit.LogTaskDelete(key, s.requestInfo(r), time.Since(start), err)
	}
	if err != nil {
		writeError(w, backendFailure(err, utils.ErrCodeBackend, true))
		return
	}
	s.forget(r.Context(), key)
	writeSuccess(w, nil, fmt.Sprintf("task %s deleted", key))
}

// handleAdminAudit serves the local audit trail. The token is checked
// against the backend since the proxy cannot verify it on its own.
func (s *Server) handleAdminAudit(w http.ResponseWriter, r *http.Request) {
	token, ok := s.requireToken(w, r)
	if !ok {
		return
	}
	if _, err := s.backend.AdminConfig(r.Context(), token); err != nil {
		writeError(w, backendFailure(err, utils.ErrCodeBackend, false))
		return
	}
	if s.audit == nil {
		writeSuccess(w, []storage.AdminAuditEntry{}, "audit log disabled")
		return
	}

	entries, err := s.audit.GetAuditEntries(storage.AuditFilters{
		Action: r.URL.Query().Get("action"),
		Result: r.URL.Query().Get("result"),
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	})
	if err != nil {
		writeError(w, utils.WrapAPIError(utils.ErrCodeAPI, "", 0, err))
		return
	}
	writeSuccess(w, entries, "")
}

// requireToken writes AUTH_ERROR and records the attempt when the request
// carries no admin token.
func (s *Server) requireToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := session.TokenFromRequest(r)
	if token != "" {
		return token, true
	}
	if s.audit != nil {
		s.audit.LogUnauthorizedAttempt(r.URL.Path, s.requestInfo(r))
	}
	writeError(w, utils.NewAPIError(utils.ErrCodeAuth, "", http.StatusUnauthorized))
	return "", false
}

func (s *Server) requestInfo(r *http.Request) storage.RequestInfo {
	return storage.RequestInfo{
		IPAddress: clientIP(r, s.cfg.TrustedProxies),
		UserAgent: r.UserAgent(),
		TraceID:   GetTraceID(r.Context()),
	}
}
