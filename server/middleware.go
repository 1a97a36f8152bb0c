package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"rusted-workshop-web/monitoring"
	"rusted-workshop-web/session"
	"rusted-workshop-web/utils"
)

type contextKey string

const TraceIDKey contextKey = "trace_id"

const TraceHeader = "X-Trace-ID"

func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(TraceHeader)
		if traceID == "" {
			traceID = uuid.New().String()
		}

		ctx := context.WithValue(r.Context(), TraceIDKey, traceID)
		w.Header().Set(TraceHeader, traceID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// statusRecorder remembers the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Logging logs every request with its trace id and feeds the request
// metrics.
func Logging(logger *utils.Logger, metrics *monitoring.PerformanceMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			if rec.status == 0 {
				rec.status = http.StatusOK
			}
			duration := time.Since(start)
			if metrics != nil {
				metrics.RecordRequest(r.Pattern, rec.status, duration)
			}

			entry := logger.WithTraceID(GetTraceID(r.Context())).
				WithField("method", r.Method).
				WithField("path", r.URL.Path).
				WithField("status", rec.status).
				WithField("bytes", rec.bytes).
				WithField("remote_addr", remoteHost(r)).
				WithField("duration", duration)
			if rec.status >= 500 {
				entry.Warn("Request completed")
			} else {
				entry.Info("Request completed")
			}
		})
	}
}

func Recovery(logger *utils.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					traceID := GetTraceID(r.Context())
					logger.WithTraceID(traceID).
						WithField("error", fmt.Sprint(err)).
						WithField("stack", string(debug.Stack())).
						Error("Panic recovered")

					writeError(w, utils.NewAPIError(utils.ErrCodeAPI, "", http.StatusInternalServerError))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// AdminGate redirects admin pages to the login page when the request
// carries no admin token. The login page itself stays reachable.
func AdminGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isAdminPage(r.URL.Path) && !isLoginPage(r.URL.Path) && session.TokenFromRequest(r) == "" {
			http.Redirect(w, r, "/admin/login", http.StatusFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isAdminPage(path string) bool {
	return path == "/admin" || strings.HasPrefix(path, "/admin/")
}

func isLoginPage(path string) bool {
	return path == "/admin/login" || strings.HasPrefix(path, "/admin/login/")
}

// Chain applies middlewares so that the first one is outermost.
func Chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// remoteHost is the socket peer without its port.
func remoteHost(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// clientIP is the socket peer unless that peer is a trusted proxy, in which
// case X-Forwarded-For is walked from the right past every trusted hop.
func clientIP(r *http.Request, trusted []*net.IPNet) string {
	addr := remoteHost(r)
	if !isTrusted(addr, trusted) {
		return addr
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if net.ParseIP(hop) == nil {
			break
		}
		addr = hop
		if !isTrusted(hop, trusted) {
			break
		}
	}
	return addr
}

func isTrusted(addr string, trusted []*net.IPNet) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, n := range trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
