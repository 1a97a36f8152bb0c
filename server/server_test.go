package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"rusted-workshop-web/backend"
	"rusted-workshop-web/models"
	"rusted-workshop-web/notify"
	"rusted-workshop-web/storage"
	"rusted-workshop-web/utils"

	"github.com/yeka/zip"
)

type fakeBackend struct {
	mu        sync.Mutex
	tasks     map[string]models.BackendTask
	cancelled []string
	getCalls  int
	loginErr  error
	token     string
	resultURL string
	fetch     func(rawURL string) (*http.Response, error)
	lastStyle string
	patches   []map[string]any
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{tasks: make(map[string]models.BackendTask), token: "tok-1"}
}

func notFound() error {
	return &backend.StatusError{StatusCode: http.StatusNotFound, Message: "no such task"}
}

func (f *fakeBackend) CreateTask(ctx context.Context, filename string, content io.Reader, language, style string) (*models.BackendTask, error) {
	io.Copy(io.Discard, content)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastStyle = style
	t := models.BackendTask{TaskID: "T-" + filename, Status: "pending", OriginalFilename: filename}
	f.tasks[t.TaskID] = t
	return &t, nil
}

func (f *fakeBackend) GetTask(ctx context.Context, key string) (*models.BackendTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	t, ok := f.tasks[key]
	if !ok {
		return nil, notFound()
	}
	return &t, nil
}

func (f *fakeBackend) ListTasks(ctx context.Context, limit, offset int) ([]models.BackendTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []models.BackendTask{}
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeBackend) CancelTask(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[key]; !ok {
		return notFound()
	}
	f.cancelled = append(f.cancelled, key)
	return nil
}

func (f *fakeBackend) RetryTask(ctx context.Context, key string) (*models.BackendTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[key]
	if !ok {
		return nil, notFound()
	}
	t.Status = "pending"
	f.tasks[key] = t
	return &t, nil
}

func (f *fakeBackend) TaskLogs(ctx context.Context, key string, limit int) (json.RawMessage, error) {
	return json.RawMessage(`[{"level":"info","message":"started"}]`), nil
}

func (f *fakeBackend) Cleanup(ctx context.Context, token string, days int, dryRun bool) (json.RawMessage, error) {
	return json.Marshal(map[string]any{"days": days, "dry_run": dryRun})
}

func (f *fakeBackend) ResultURL(ctx context.Context, key string) (*models.ResultURL, error) {
	if _, ok := f.tasks[key]; !ok {
		return nil, notFound()
	}
	return &models.ResultURL{DownloadURL: f.resultURL}, nil
}

func (f *fakeBackend) Fetch(ctx context.Context, rawURL string) (*http.Response, error) {
	return f.fetch(rawURL)
}

func (f *fakeBackend) Login(ctx context.Context, password string) (string, error) {
	if f.loginErr != nil {
		return "", f.loginErr
	}
	return f.token, nil
}

func (f *fakeBackend) AdminConfig(ctx context.Context, token string) (*models.AdminConfig, error) {
	if token != f.token {
		return nil, &backend.StatusError{StatusCode: http.StatusUnauthorized, Message: "bad token"}
	}
	return &models.AdminConfig{MaxQueueSize: 10, SystemStatus: models.SystemOnline}, nil
}

func (f *fakeBackend) UpdateAdminConfig(ctx context.Context, token string, patch map[string]any) (json.RawMessage, error) {
	f.mu.Lock()
	f.patches = append(f.patches, patch)
	f.mu.Unlock()
	return json.RawMessage(`{"updated":true}`), nil
}

func (f *fakeBackend) AdminTasks(ctx context.Context, token string, q models.AdminTaskQuery) (*models.AdminTaskPage, error) {
	return &models.AdminTaskPage{Tasks: []models.AdminTaskInfo{}, Pagination: models.Pagination{Page: q.Page, Limit: q.Limit}}, nil
}

func (f *fakeBackend) DeleteAdminTask(ctx context.Context, token, key string) error {
	return nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []notify.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

func (r *recordingNotifier) titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.notes {
		out = append(out, n.Title)
	}
	return out
}

func testConfig(t *testing.T) *utils.Config {
	t.Helper()
	return &utils.Config{
		BackendURL:             "http://backend.test",
		MaxFileSizeMB:          1,
		DefaultLanguage:        "zh-CN",
		DefaultStyle:           "auto",
		StaticDir:              t.TempDir(),
		StatusCacheTTL:         time.Minute,
		LoginAttemptsPerMinute: 2,
	}
}

func newTestServer(t *testing.T, cfg *utils.Config, fb *fakeBackend, opts ...func(*Options)) (*Server, http.Handler) {
	t.Helper()
	o := Options{Config: cfg, Backend: fb}
	for _, fn := range opts {
		fn(&o)
	}
	s := New(o)
	t.Cleanup(s.Close)
	return s, s.Handler()
}

func do(h http.Handler, req *http.Request) (*httptest.ResponseRecorder, models.APIResponse[json.RawMessage]) {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var env models.APIResponse[json.RawMessage]
	json.Unmarshal(rec.Body.Bytes(), &env)
	return rec, env
}

func uploadRequest(t *testing.T, filename string, content []byte, query string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	part.Write(content)
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/tasks"+query, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestCreateTask(t *testing.T) {
	fb := newFakeBackend()
	notes := &recordingNotifier{}
	_, h := newTestServer(t, testConfig(t), fb, func(o *Options) { o.Notifier = notes })

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, uploadRequest(t, "units.rwmod", []byte("data"), "?target_language=ja&translate_style=formal"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	var out models.CreateTaskResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if !out.Success || out.Data != "T-units.rwmod" {
		t.Fatalf("response = %+v", out)
	}
	if out.Task == nil || out.Task.Status != models.StatusPending || out.Task.Filename != "units.rwmod" {
		t.Fatalf("task = %+v", out.Task)
	}
	if fb.lastStyle != "formal" {
		t.Errorf("style = %q", fb.lastStyle)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(notes.titles()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := notes.titles(); len(got) != 1 || got[0] != "Task created" {
		t.Errorf("notifications = %v", got)
	}
}

func TestCreateTaskRejects(t *testing.T) {
	tests := []struct {
		name   string
		req    func(t *testing.T) *http.Request
		code   utils.ErrorCode
		status int
	}{
		{"no file", func(t *testing.T) *http.Request {
			return httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(""))
		}, utils.ErrCodeNoFile, http.StatusBadRequest},
		{"wrong extension", func(t *testing.T) *http.Request {
			return uploadRequest(t, "units.zip", []byte("data"), "")
		}, utils.ErrCodeInvalidFileType, http.StatusBadRequest},
		{"unknown language", func(t *testing.T) *http.Request {
			return uploadRequest(t, "units.rwmod", []byte("data"), "?target_language=xx")
		}, utils.ErrCodeInvalidPayload, http.StatusBadRequest},
		{"unknown style", func(t *testing.T) *http.Request {
			return uploadRequest(t, "units.rwmod", []byte("data"), "?translate_style=poetic")
		}, utils.ErrCodeInvalidPayload, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, h := newTestServer(t, testConfig(t), newFakeBackend())
			rec, env := do(h, tt.req(t))
			if rec.Code != tt.status || env.ErrorCode != string(tt.code) || env.Success {
				t.Fatalf("status = %d envelope = %+v", rec.Code, env)
			}
		})
	}
}

func TestCreateTaskInspectsArchive(t *testing.T) {
	cfg := testConfig(t)
	cfg.InspectUploads = true
	_, h := newTestServer(t, cfg, newFakeBackend())

	rec, env := do(h, uploadRequest(t, "units.rwmod", []byte("not a zip at all"), ""))
	if rec.Code != http.StatusBadRequest || env.ErrorCode != string(utils.ErrCodeInvalidArchive) {
		t.Fatalf("status = %d envelope = %+v", rec.Code, env)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("units/tank.ini")
	w.Write([]byte("[core]\nname: Tank\n"))
	zw.Close()

	rec, env = do(h, uploadRequest(t, "units.rwmod", buf.Bytes(), ""))
	if rec.Code != http.StatusOK || !env.Success {
		t.Fatalf("status = %d envelope = %+v", rec.Code, env)
	}
}

func TestGetTaskUsesCacheAndMapsNotFound(t *testing.T) {
	fb := newFakeBackend()
	fb.tasks["K1"] = models.BackendTask{TaskID: "K1", Status: "translating"}
	_, h := newTestServer(t, testConfig(t), fb)

	for i := 0; i < 2; i++ {
		rec, env := do(h, httptest.NewRequest(http.MethodGet, "/api/tasks/K1", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var status models.TaskStatus
		json.Unmarshal(env.Data, &status)
		if status.TaskKey != "K1" || status.Status != models.StatusProcessing {
			t.Fatalf("status = %+v", status)
		}
	}
	if fb.getCalls != 1 {
		t.Errorf("backend calls = %d, want 1", fb.getCalls)
	}

	rec, env := do(h, httptest.NewRequest(http.MethodGet, "/api/tasks/missing", nil))
	if rec.Code != http.StatusNotFound || env.ErrorCode != string(utils.ErrCodeTaskNotFound) {
		t.Fatalf("status = %d envelope = %+v", rec.Code, env)
	}
}

func TestEnvelopedBackendFailures(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/tasks/NOPE":
			w.Write([]byte(`{"success":false,"error_code":"TASK_NOT_FOUND","message":"task not found"}`))
		case "/v1/tasks/BUSY":
			w.Write([]byte(`{"success":false,"message":"queue is busy"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer upstream.Close()

	cfg := testConfig(t)
	cfg.BackendURL = upstream.URL
	cfg.BackendTasksPrefix = "/v1"
	s := New(Options{Config: cfg, Backend: backend.NewClient(cfg, upstream.Client(), utils.NewNopLogger())})
	t.Cleanup(s.Close)
	h := s.Handler()

	tests := []struct {
		key     string
		status  int
		code    utils.ErrorCode
		message string
	}{
		{"NOPE", http.StatusNotFound, utils.ErrCodeTaskNotFound, "task not found"},
		{"BUSY", utils.ErrCodeBackend.HTTPStatus(), utils.ErrCodeBackend, "queue is busy"},
	}
	for _, tt := range tests {
		rec, env := do(h, httptest.NewRequest(http.MethodGet, "/api/tasks/"+tt.key, nil))
		if rec.Code != tt.status || env.Success || env.ErrorCode != string(tt.code) || env.Message != tt.message {
			t.Errorf("%s: status = %d envelope = %+v", tt.key, rec.Code, env)
		}
	}
}

func TestTerminalNotificationOncePerTask(t *testing.T) {
	fb := newFakeBackend()
	fb.tasks["K1"] = models.BackendTask{TaskID: "K1", Status: "completed"}
	notes := &recordingNotifier{}
	cfg := testConfig(t)
	cfg.StatusCacheTTL = time.Nanosecond
	_, h := newTestServer(t, cfg, fb, func(o *Options) { o.Notifier = notes })

	for i := 0; i < 3; i++ {
		time.Sleep(time.Millisecond)
		do(h, httptest.NewRequest(http.MethodGet, "/api/tasks/K1", nil))
	}
	time.Sleep(100 * time.Millisecond)
	if got := notes.titles(); len(got) != 1 || got[0] != "Translation complete" {
		t.Fatalf("notifications = %v", got)
	}
}

func TestListTasksPaging(t *testing.T) {
	fb := newFakeBackend()
	fb.tasks["A"] = models.BackendTask{TaskID: "A", Status: "queued"}
	_, h := newTestServer(t, testConfig(t), fb)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks?page=2&limit=500", nil))
	var out taskListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if !out.Success || out.Page != 2 || out.Limit != maxPageSize || len(out.Data) != 1 {
		t.Fatalf("list = %+v", out)
	}
	if out.Data[0].Status != models.StatusPending {
		t.Errorf("status = %q", out.Data[0].Status)
	}
}

func TestBatchCancelPartialFailure(t *testing.T) {
	fb := newFakeBackend()
	fb.tasks["A"] = models.BackendTask{TaskID: "A", Status: "pending"}
	_, h := newTestServer(t, testConfig(t), fb)

	rec, env := do(h, httptest.NewRequest(http.MethodDelete, "/api/tasks", strings.NewReader(`["A","B"]`)))
	if rec.Code != http.StatusMultiStatus || env.Success {
		t.Fatalf("status = %d envelope = %+v", rec.Code, env)
	}
	var result models.BatchCancelResult
	json.Unmarshal(env.Data, &result)
	if len(result.Cancelled) != 1 || result.Cancelled[0] != "A" {
		t.Errorf("cancelled = %v", result.Cancelled)
	}
	if len(result.Failed) != 1 || result.Failed[0].TaskKey != "B" || result.Failed[0].Status != http.StatusNotFound {
		t.Errorf("failed = %+v", result.Failed)
	}

	rec, env = do(h, httptest.NewRequest(http.MethodDelete, "/api/tasks", strings.NewReader(`[]`)))
	if rec.Code != http.StatusBadRequest || env.ErrorCode != string(utils.ErrCodeInvalidPayload) {
		t.Fatalf("empty batch: status = %d envelope = %+v", rec.Code, env)
	}
}

func TestResultURLIsAbsolute(t *testing.T) {
	fb := newFakeBackend()
	fb.tasks["K1"] = models.BackendTask{TaskID: "K1", Status: "completed"}
	fb.resultURL = "/files/K1.rwmod"
	_, h := newTestServer(t, testConfig(t), fb)

	_, env := do(h, httptest.NewRequest(http.MethodGet, "/api/tasks/K1/result-url", nil))
	var ptr models.ResultURL
	json.Unmarshal(env.Data, &ptr)
	if ptr.DownloadURL != "http://backend.test/files/K1.rwmod" {
		t.Fatalf("download_url = %q", ptr.DownloadURL)
	}

	rec, env := do(h, httptest.NewRequest(http.MethodGet, "/api/tasks/nope/result-url", nil))
	if rec.Code != http.StatusNotFound || env.ErrorCode != string(utils.ErrCodeTaskNotFound) {
		t.Fatalf("status = %d envelope = %+v", rec.Code, env)
	}
}

func TestDownloadStreamsArtifact(t *testing.T) {
	fb := newFakeBackend()
	fb.tasks["K1"] = models.BackendTask{TaskID: "K1", Status: "completed"}
	fb.resultURL = "/files/K1"
	fb.fetch = func(rawURL string) (*http.Response, error) {
		return &http.Response{
			StatusCode:    http.StatusOK,
			Header:        http.Header{},
			Body:          io.NopCloser(strings.NewReader("artifact")),
			ContentLength: -1,
		}, nil
	}
	_, h := newTestServer(t, testConfig(t), fb)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks/K1/download", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "artifact" {
		t.Fatalf("status = %d body = %q", rec.Code, rec.Body)
	}
	if got := rec.Header().Get("Content-Disposition"); got != `attachment; filename="K1.translated.rwmod"` {
		t.Errorf("disposition = %q", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/octet-stream" {
		t.Errorf("content type = %q", got)
	}
}

func TestDownloadFailures(t *testing.T) {
	fb := newFakeBackend()
	fb.tasks["K1"] = models.BackendTask{TaskID: "K1", Status: "completed"}
	_, h := newTestServer(t, testConfig(t), fb)

	rec, env := do(h, httptest.NewRequest(http.MethodGet, "/api/tasks/K1/download", nil))
	if rec.Code != http.StatusNotFound || env.ErrorCode != string(utils.ErrCodeNoDownloadURL) {
		t.Fatalf("empty pointer: status = %d envelope = %+v", rec.Code, env)
	}

	fb.resultURL = "/files/K1"
	fb.fetch = func(string) (*http.Response, error) {
		return nil, &backend.StatusError{StatusCode: http.StatusGone, Message: "expired"}
	}
	rec, env = do(h, httptest.NewRequest(http.MethodGet, "/api/tasks/K1/download", nil))
	if rec.Code != http.StatusGone || env.ErrorCode != string(utils.ErrCodeDownload) {
		t.Fatalf("fetch failure: status = %d envelope = %+v", rec.Code, env)
	}
}

func TestLoginSetsCookieAndRateLimits(t *testing.T) {
	fb := newFakeBackend()
	fb.loginErr = &backend.StatusError{StatusCode: http.StatusUnauthorized, Code: "INVALID_PASSWORD", Message: "wrong password"}
	_, h := newTestServer(t, testConfig(t), fb)

	login := func(body string) (*httptest.ResponseRecorder, models.APIResponse[json.RawMessage]) {
		req := httptest.NewRequest(http.MethodPost, "/api/admin/auth/login", strings.NewReader(body))
		req.RemoteAddr = "10.0.0.1:1234"
		return do(h, req)
	}

	rec, env := login(`{"password":"bad"}`)
	if rec.Code != http.StatusUnauthorized || env.ErrorCode != "INVALID_PASSWORD" {
		t.Fatalf("status = %d envelope = %+v", rec.Code, env)
	}

	fb.loginErr = nil
	rec, env = login(`{"password":"good"}`)
	if rec.Code != http.StatusOK || !env.Success {
		t.Fatalf("status = %d envelope = %+v", rec.Code, env)
	}
	var data loginData
	json.Unmarshal(env.Data, &data)
	if data.Token != "tok-1" || data.ExpiresIn != 86400 {
		t.Errorf("data = %+v", data)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != "admin_token" || cookies[0].Value != "tok-1" || !cookies[0].HttpOnly || cookies[0].SameSite != http.SameSiteLaxMode {
		t.Fatalf("cookies = %+v", cookies)
	}

	rec, env = login(`{}`)
	if rec.Code != http.StatusBadRequest || env.ErrorCode != string(utils.ErrCodeMissingPassword) {
		t.Fatalf("missing password: status = %d envelope = %+v", rec.Code, env)
	}
	login(`{}`)
	rec, env = login(`{"password":"good"}`)
	if rec.Code != http.StatusTooManyRequests || env.ErrorCode != string(utils.ErrCodeRateLimited) {
		t.Fatalf("rate limit: status = %d envelope = %+v", rec.Code, env)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
}

func TestLoginRateLimitKeysOnSocketPeer(t *testing.T) {
	_, trusted, _ := net.ParseCIDR("10.0.0.0/8")

	tests := []struct {
		name    string
		trusted []*net.IPNet
		peer    string
		xff     func(i int) string
		limited int
	}{
		{
			name:    "untrusted peer rotating header",
			peer:    "203.0.113.7:5000",
			xff:     func(i int) string { return fmt.Sprintf("198.51.100.%d", i+1) },
			limited: 4,
		},
		{
			name:    "trusted proxy forwarding distinct clients",
			trusted: []*net.IPNet{trusted},
			peer:    "10.0.0.5:5000",
			xff:     func(i int) string { return fmt.Sprintf("198.51.100.%d, 10.0.0.9", i+1) },
			limited: 0,
		},
		{
			name:    "trusted proxy with spoofed leftmost hop",
			trusted: []*net.IPNet{trusted},
			peer:    "10.0.0.5:5000",
			xff:     func(i int) string { return fmt.Sprintf("192.0.2.%d, 198.51.100.1", i+1) },
			limited: 4,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := newFakeBackend()
			fb.loginErr = &backend.StatusError{StatusCode: http.StatusUnauthorized, Message: "wrong password"}
			cfg := testConfig(t)
			cfg.TrustedProxies = tt.trusted
			_, h := newTestServer(t, cfg, fb)

			limited := 0
			for i := 0; i < 6; i++ {
				req := httptest.NewRequest(http.MethodPost, "/api/admin/auth/login", strings.NewReader(`{"password":"guess"}`))
				req.RemoteAddr = tt.peer
				req.Header.Set("X-Forwarded-For", tt.xff(i))
				if rec, _ := do(h, req); rec.Code == http.StatusTooManyRequests {
					limited++
				}
			}
			if limited != tt.limited {
				t.Errorf("rate limited %d of 6 attempts, want %d", limited, tt.limited)
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	_, trusted, _ := net.ParseCIDR("10.0.0.0/8")
	proxies := []*net.IPNet{trusted}

	tests := []struct {
		peer string
		xff  string
		want string
	}{
		{"203.0.113.7:80", "198.51.100.1", "203.0.113.7"},
		{"10.0.0.5:80", "", "10.0.0.5"},
		{"10.0.0.5:80", "198.51.100.1", "198.51.100.1"},
		{"10.0.0.5:80", "192.0.2.1, 198.51.100.1, 10.0.0.9", "198.51.100.1"},
		{"10.0.0.5:80", "10.1.1.1, 10.0.0.9", "10.1.1.1"},
		{"10.0.0.5:80", "garbage, 10.0.0.9", "10.0.0.9"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.peer
		if tt.xff != "" {
			req.Header.Set("X-Forwarded-For", tt.xff)
		}
		if got := clientIP(req, proxies); got != tt.want {
			t.Errorf("clientIP(%s, %q) = %q, want %q", tt.peer, tt.xff, got, tt.want)
		}
	}
}

func TestLoginTransportFailure(t *testing.T) {
	fb := newFakeBackend()
	fb.loginErr = errors.New("connection refused")
	_, h := newTestServer(t, testConfig(t), fb)

	rec, env := do(h, httptest.NewRequest(http.MethodPost, "/api/admin/auth/login", strings.NewReader(`{"password":"x"}`)))
	if rec.Code != http.StatusInternalServerError || env.ErrorCode != string(utils.ErrCodeNetwork) {
		t.Fatalf("status = %d envelope = %+v", rec.Code, env)
	}
}

func TestAdminRoutesRequireToken(t *testing.T) {
	db, err := storage.NewDatabase(storage.DriverSQLite, filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	audit := storage.NewAdminAuditLogger(db.DB(), utils.NewNopLogger())

	fb := newFakeBackend()
	_, h := newTestServer(t, testConfig(t), fb, func(o *Options) { o.Audit = audit })

	rec, env := do(h, httptest.NewRequest(http.MethodGet, "/api/admin/config", nil))
	if rec.Code != http.StatusUnauthorized || env.ErrorCode != string(utils.ErrCodeAuth) {
		t.Fatalf("status = %d envelope = %+v", rec.Code, env)
	}

	req := httptest.NewRequest(http.MethodPut, "/api/admin/config", strings.NewReader(`{"max_queue_size":5,"message":"hi"}`))
	req.AddCookie(&http.Cookie{Name: "admin_token", Value: "tok-1"})
	rec, env = do(h, req)
	if rec.Code != http.StatusOK || !env.Success {
		t.Fatalf("update: status = %d envelope = %+v", rec.Code, env)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/admin/audit", nil)
	req.Header.Set("Authorization", "Bearer tok-1")
	rec, env = do(h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("audit: status = %d envelope = %+v", rec.Code, env)
	}
	var entries []storage.AdminAuditEntry
	json.Unmarshal(env.Data, &entries)
	if len(entries) != 2 {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].Action != storage.AdminActionConfigChange || entries[1].Action != storage.AdminActionUnauthorized {
		t.Errorf("actions = %s, %s", entries[0].Action, entries[1].Action)
	}
	fields, _ := entries[0].Details["fields"].([]any)
	if len(fields) != 2 || fields[0] != "max_queue_size" || fields[1] != "message" {
		t.Errorf("fields = %v", entries[0].Details["fields"])
	}

	req = httptest.NewRequest(http.MethodGet, "/api/admin/audit", nil)
	req.Header.Set("Authorization", "Bearer stale")
	rec, env = do(h, req)
	if rec.Code != http.StatusUnauthorized || env.ErrorCode != string(utils.ErrCodeAuth) {
		t.Fatalf("stale token: status = %d envelope = %+v", rec.Code, env)
	}
}

func TestCleanupDefaults(t *testing.T) {
	_, h := newTestServer(t, testConfig(t), newFakeBackend())

	rec, env := do(h, httptest.NewRequest(http.MethodPost, "/api/tasks/cleanup", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d envelope = %+v", rec.Code, env)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/tasks/cleanup", nil)
	req.Header.Set("Authorization", "Bearer tok-1")
	_, env = do(h, req)
	var got map[string]any
	json.Unmarshal(env.Data, &got)
	if got["days"] != float64(30) || got["dry_run"] != true {
		t.Fatalf("cleanup = %v", got)
	}
}

func TestUnknownAPIRouteAndStatic(t *testing.T) {
	cfg := testConfig(t)
	os.WriteFile(filepath.Join(cfg.StaticDir, "index.html"), []byte("home"), 0644)
	os.MkdirAll(filepath.Join(cfg.StaticDir, "admin"), 0755)
	os.WriteFile(filepath.Join(cfg.StaticDir, "admin", "login.html"), []byte("login"), 0644)
	os.WriteFile(filepath.Join(cfg.StaticDir, "admin", "dashboard.html"), []byte("dash"), 0644)
	_, h := newTestServer(t, cfg, newFakeBackend())

	rec, env := do(h, httptest.NewRequest(http.MethodGet, "/api/nothing", nil))
	if rec.Code != http.StatusNotImplemented || env.ErrorCode != string(utils.ErrCodeNotImplemented) {
		t.Fatalf("status = %d envelope = %+v", rec.Code, env)
	}

	tests := []struct {
		path   string
		cookie bool
		code   int
		body   string
	}{
		{"/", false, http.StatusOK, "home"},
		{"/tasks/K1", false, http.StatusOK, "home"},
		{"/admin/login", false, http.StatusOK, "login"},
		{"/admin/dashboard", false, http.StatusFound, ""},
		{"/admin/dashboard", true, http.StatusOK, "dash"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.path, nil)
		if tt.cookie {
			req.AddCookie(&http.Cookie{Name: "admin_token", Value: "tok-1"})
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tt.code {
			t.Errorf("%s: status = %d", tt.path, rec.Code)
			continue
		}
		if tt.body != "" && rec.Body.String() != tt.body {
			t.Errorf("%s: body = %q", tt.path, rec.Body)
		}
		if tt.code == http.StatusFound && rec.Header().Get("Location") != "/admin/login" {
			t.Errorf("%s: location = %q", tt.path, rec.Header().Get("Location"))
		}
	}
}

func TestTraceIDEchoed(t *testing.T) {
	_, h := newTestServer(t, testConfig(t), newFakeBackend())
	req := httptest.NewRequest(http.MethodGet, "/api/config/languages", nil)
	req.Header.Set(TraceHeader, "trace-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get(TraceHeader) != "trace-123" {
		t.Fatalf("trace header = %q", rec.Header().Get(TraceHeader))
	}
}
