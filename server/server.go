// Package server is the HTTP front end: it serves the UI bundle, guards
// the admin pages and proxies the /api routes to the translation backend
// in the {success,data,message,error_code} envelope.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"rusted-workshop-web/cache"
	"rusted-workshop-web/models"
	"rusted-workshop-web/monitoring"
	"rusted-workshop-web/notify"
	"rusted-workshop-web/storage"
	"rusted-workshop-web/utils"
)

// Backend is the translation backend as the proxy uses it.
// *backend.Client implements it.
type Backend interface {
	CreateTask(ctx context.Context, filename string, content io.Reader, language, style string) (*models.BackendTask, error)
	GetTask(ctx context.Context, key string) (*models.BackendTask, error)
	ListTasks(ctx context.Context, limit, offset int) ([]models.BackendTask, error)
	CancelTask(ctx context.Context, key string) error
	RetryTask(ctx context.Context, key string) (*models.BackendTask, error)
	TaskLogs(ctx context.Context, key string, limit int) (json.RawMessage, error)
	Cleanup(ctx context.Context, token string, days int, dryRun bool) (json.RawMessage, error)
	ResultURL(ctx context.Context, key string) (*models.ResultURL, error)
	Fetch(ctx context.Context, rawURL string) (*http.Response, error)

	Login(ctx context.Context, password string) (string, error)
	AdminConfig(ctx context.Context, token string) (*models.AdminConfig, error)
	UpdateAdminConfig(ctx context.Context, token string, patch map[string]any) (json.RawMessage, error)
	AdminTasks(ctx context.Context, token string, q models.AdminTaskQuery) (*models.AdminTaskPage, error)
	DeleteAdminTask(ctx context.Context, token, key string) error
}

type Options struct {
	Config   *utils.Config
	Backend  Backend
	Logger   *utils.Logger
	Cache    cache.StatusCache
	Audit    *storage.AdminAuditLogger
	Notifier notify.Notifier
	Metrics  *monitoring.PerformanceMetrics
	Health   *monitoring.HealthMonitor
	// Breaker is reported on /metrics when set.
	Breaker *utils.CircuitBreaker
}

type Server struct {
	cfg      *utils.Config
	backend  Backend
	logger   *utils.Logger
	cache    cache.StatusCache
	audit    *storage.AdminAuditLogger
	notifier notify.Notifier
	metrics  *monitoring.PerformanceMetrics
	health   *monitoring.HealthMonitor
	breaker  *utils.CircuitBreaker
	limiter  *utils.RateLimiter

	watchMu  sync.Mutex
	terminal map[string]time.Time
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = utils.NewNopLogger()
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewMemoryStatusCache(opts.Config.StatusCacheTTL)
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.Metrics == nil {
		opts.Metrics = monitoring.NewPerformanceMetrics(opts.Logger)
	}

	limits := utils.DefaultRateLimitConfig()
	if opts.Config.LoginAttemptsPerMinute > 0 {
		limits.MaxAttempts = opts.Config.LoginAttemptsPerMinute
	}

	return &Server{
		cfg:      opts.Config,
		backend:  opts.Backend,
		logger:   opts.Logger,
		cache:    opts.Cache,
		audit:    opts.Audit,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		health:   opts.Health,
		breaker:  opts.Breaker,
		limiter:  utils.NewRateLimiter(limits, opts.Logger),
		terminal: make(map[string]time.Time),
	}
}

// Handler returns the full route table wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("DELETE /api/tasks", s.handleBatchCancel)
	mux.HandleFunc("POST /api/tasks/cleanup", s.handleCleanup)
	mux.HandleFunc("GET /api/tasks/{key}", s.handleGetTask)
	mux.HandleFunc("DELETE /api/tasks/{key}", s.handleCancelTask)
	mux.HandleFunc("POST /api/tasks/{key}/retry", s.handleRetryTask)
	mux.HandleFunc("GET /api/tasks/{key}/retry", s.handleRetryTask)
	mux.HandleFunc("GET /api/tasks/{key}/logs", s.handleTaskLogs)
	mux.HandleFunc("GET /api/tasks/{key}/result-url", s.handleResultURL)
	mux.HandleFunc("GET /api/tasks/{key}/download", s.handleDownload)

	mux.HandleFunc("GET /api/config/languages", s.handleLanguages)
	mux.HandleFunc("GET /api/config/public", s.handlePublicConfig)

	mux.HandleFunc("POST /api/admin/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/admin/auth/logout", s.handleLogout)
	mux.HandleFunc("GET /api/admin/config", s.handleAdminConfig)
	mux.HandleFunc("PUT /api/admin/config", s.handleUpdateAdminConfig)
	mux.HandleFunc("GET /api/admin/tasks", s.handleAdminTasks)
	mux.HandleFunc("DELETE /api/admin/tasks/{key}", s.handleAdminDeleteTask)
	mux.HandleFunc("GET /api/admin/audit", s.handleAdminAudit)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	mux.HandleFunc("/api/", s.handleNotImplemented)
	mux.Handle("/", newStaticHandler(s.cfg.StaticDir))

	return Chain(mux, TraceID, Logging(s.logger, s.metrics), Recovery(s.logger), AdminGate)
}

// Close stops background work owned by the server.
func (s *Server) Close() {
	s.limiter.Shutdown()
}

func (s *Server) handleNotImplemented(w http.ResponseWriter, r *http.Request) {
	writeError(w, utils.NewAPIError(utils.ErrCodeNotImplemented, "", 0))
}

func (s *Server) handleLanguages(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, models.SupportedLanguages, "")
}

func (s *Server) handlePublicConfig(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, models.PublicConfig{
		ServiceName:      "Rusted Workshop",
		APIBaseURL:       s.cfg.BackendURL,
		APIVersion:       "v1",
		WebsocketEnabled: s.cfg.WebsocketEnabled,
		MaxFileSizeMB:    s.cfg.MaxFileSizeMB,
		TranslateStyles:  models.TranslateStyles,
	}, "")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeSuccess(w, map[string]string{"status": string(monitoring.HealthStatusHealthy)}, "")
		return
	}
	check := s.health.GetLastHealthCheck()
	if check == nil {
		check = s.health.CheckNow()
	}
	status := http.StatusOK
	if check.Status == monitoring.HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, models.APIResponse[*monitoring.HealthCheck]{
		Success: status == http.StatusOK,
		Data:    check,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"metrics": s.metrics.Snapshot()}
	if s.breaker != nil {
		body["circuit_breaker"] = s.breaker.GetMetrics()
	}
	body["login_limiter"] = s.limiter.GetStats()
	writeSuccess(w, body, "")
}
