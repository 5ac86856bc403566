package csrf

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/studentenathome/sahguard/internal/defense"
	"github.com/studentenathome/sahguard/internal/httpx"
)

const (
	// HeaderName carries the token on requests and the rotated token on responses.
	HeaderName = "X-CSRF-Token"

	// xhrHeader and xhrValue mark requests issued by the site's own scripts.
	xhrHeader = "X-Requested-With"
	xhrValue  = "XMLHttpRequest"
)

// Both unknown and expired tokens get the same answer.
const (
	missingMessage = "CSRF token missing"
	invalidMessage = "Invalid or expired CSRF token"
)

// ViolationRecorder receives CSRF failures.
type ViolationRecorder interface {
	RecordViolation(ip string, vt defense.ViolationType, details string) defense.Decision
}

// Protector enforces tokens from a Store.
type Protector struct {
	store    *Store
	recorder ViolationRecorder
	exempt   map[string]bool
	logger   *slog.Logger
}

// NewProtector creates the CSRF middleware. Requests to exemptPaths skip
// the check. recorder may be nil.
func NewProtector(store *Store, recorder ViolationRecorder, exemptPaths []string, logger *slog.Logger) *Protector {
	exempt := make(map[string]bool, len(exemptPaths))
	for _, p := range exemptPaths {
		exempt[p] = true
	}
	return &Protector{
		store:    store,
		recorder: recorder,
		exempt:   exempt,
		logger:   logger,
	}
}

// Middleware requires a valid X-CSRF-Token header on state-changing
// requests. A valid token is consumed and a fresh one is returned in the
// X-CSRF-Token response header.
func (p *Protector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if httpx.IsSafeMethod(r.Method) || p.exempt[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		ip := httpx.ClientIP(r)
		token := r.Header.Get(HeaderName)
		if token == "" {
			p.logger.Warn("csrf_violation",
				"ip", ip,
				"method", r.Method,
				"path", r.URL.Path,
				"reason", "missing",
			)
			httpx.WriteError(w, http.StatusForbidden, httpx.CodeCSRFMissing, missingMessage, nil)
			return
		}

		if !p.store.Verify(token) {
			p.logger.Warn("csrf_violation",
				"ip", ip,
				"method", r.Method,
				"path", r.URL.Path,
				"reason", "invalid",
			)
			if p.recorder != nil {
				p.recorder.RecordViolation(ip, defense.ViolationCSRF, r.Method+" "+r.URL.Path)
			}
			httpx.WriteError(w, http.StatusForbidden, httpx.CodeCSRFInvalid, invalidMessage, nil)
			return
		}

		p.store.Consume(token)
		if fresh, err := p.store.Issue(); err == nil {
			w.Header().Set(HeaderName, fresh)
		} else {
			p.logger.Error("Failed to rotate CSRF token", "error", err)
		}
		next.ServeHTTP(w, r)
	})
}

// TokenResponse is the body of GET /api/csrf-token. ExpiresIn is the token
// lifetime in seconds; tokens rotated into the response header share it.
type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expiresIn"`
}

// HandleToken serves GET /api/csrf-token.
func (p *Protector) HandleToken(w http.ResponseWriter, r *http.Request) {
	token, err := p.store.Issue()
	if err != nil {
		p.logger.Error("Failed to generate CSRF token", "error", err)
		httpx.WriteError(w, http.StatusInternalServerError, httpx.CodeInternal, "Failed to generate token", nil)
		return
	}
	w.Header().Set(HeaderName, token)
	w.Header().Set("Cache-Control", "no-store")
	httpx.WriteJSON(w, http.StatusOK, TokenResponse{
		Token:     token,
		ExpiresIn: int(p.store.TTL() / time.Second),
	})
}

// RequireXHR is the lightweight guard for endpoints without a token flow:
// state-changing requests must carry X-Requested-With: XMLHttpRequest,
// which cross-site forms cannot set.
func RequireXHR(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !httpx.IsSafeMethod(r.Method) && r.Header.Get(xhrHeader) != xhrValue {
			httpx.WriteError(w, http.StatusForbidden, httpx.CodeCSRFMissing, missingMessage, nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
