package web

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/studentenathome/sahguard/internal/config"
	"github.com/studentenathome/sahguard/internal/httpx"
)

// AccessLogger writes security-relevant requests to a rotated file, one
// line per event.
type AccessLogger struct {
	writer io.WriteCloser
	mu     sync.Mutex
	now    func() time.Time
}

// NewAccessLogger opens the access log. It returns nil when cfg.Path is
// empty; a nil AccessLogger logs nothing.
func NewAccessLogger(cfg config.AccessLogConfig) *AccessLogger {
	if cfg.Path == "" {
		return nil
	}
	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}
	return newAccessLogger(&lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    maxSize,
		MaxBackups: cfg.MaxBackups,
	})
}

func newAccessLogger(w io.WriteCloser) *AccessLogger {
	return &AccessLogger{writer: w, now: time.Now}
}

// Close closes the log file.
func (a *AccessLogger) Close() error {
	if a == nil {
		return nil
	}
	return a.writer.Close()
}

// LogEntry is one access log line.
type LogEntry struct {
	Timestamp    time.Time
	RequestID    string
	ClientIP     string
	Method       string
	Path         string
	StatusCode   int
	BytesWritten int
	Duration     time.Duration
	UserAgent    string
	EventType    string
}

// Write appends entry. Format:
// timestamp client_ip "method path" status bytes duration_ms "user-agent" event [req=]
func (a *AccessLogger) Write(entry LogEntry) {
	if a == nil {
		return
	}
	line := fmt.Sprintf("%s %s \"%s %s\" %d %d %dms \"%s\" %s",
		entry.Timestamp.UTC().Format(time.RFC3339),
		entry.ClientIP,
		entry.Method,
		escapeQuotes(entry.Path),
		entry.StatusCode,
		entry.BytesWritten,
		entry.Duration.Milliseconds(),
		escapeQuotes(entry.UserAgent),
		entry.EventType,
	)
	if entry.RequestID != "" {
		line += " req=" + entry.RequestID
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	_, _ = io.WriteString(a.writer, line+"\n")
}

func escapeQuotes(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(s)
}

// Middleware logs security-relevant requests; everything else passes
// through unlogged.
func (a *AccessLogger) Middleware(next http.Handler) http.Handler {
	if a == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := a.now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		event := eventType(r, status)
		if event == "" {
			return
		}
		a.Write(LogEntry{
			Timestamp:    start,
			RequestID:    middleware.GetReqID(r.Context()),
			ClientIP:     httpx.ClientIP(r),
			Method:       r.Method,
			Path:         r.URL.Path,
			StatusCode:   status,
			BytesWritten: ww.BytesWritten(),
			Duration:     a.now().Sub(start),
			UserAgent:    r.UserAgent(),
			EventType:    event,
		})
	})
}

// eventType classifies a finished request, or returns "" when it is not
// worth logging.
func eventType(r *http.Request, status int) string {
	path := r.URL.Path
	switch {
	case path == "/api/auth/login" && r.Method == http.MethodPost:
		switch status {
		case http.StatusOK:
			return "login_success"
		case http.StatusUnauthorized:
			return "login_failed"
		case http.StatusTooManyRequests:
			return "rate_limited"
		case http.StatusForbidden:
			return "forbidden"
		}
		return "login_error"
	case path == "/api/auth/logout" && status == http.StatusOK:
		return "logout"
	case strings.HasPrefix(path, "/api/admin/") && r.Method != http.MethodGet && status < 300:
		return "admin_change"
	}

	switch status {
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "rate_limited"
	}
	return ""
}
