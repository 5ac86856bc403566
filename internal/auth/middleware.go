package auth

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/studentenathome/sahguard/internal/httpx"
)

// CookieName is the browser session cookie. API clients send the same
// token as "Authorization: Bearer <token>".
const CookieName = "sah_session"

type contextKey int

const (
	principalKey contextKey = iota
	sessionErrKey
)

// PrincipalFrom returns the authenticated principal of the request, if any.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok && p != nil
}

// UserID returns the authenticated user's ID as a string, or "".
// It is the user half of the rate-limit identifier.
func UserID(r *http.Request) string {
	if p, ok := PrincipalFrom(r.Context()); ok {
		return strconv.FormatInt(p.UserID, 10)
	}
	return ""
}

// TokenFromRequest extracts the raw session token from the Authorization
// header, falling back to the session cookie.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if c, err := r.Cookie(CookieName); err == nil {
		return c.Value
	}
	return ""
}

// Authenticate attaches the principal of a valid token to the request
// context. Requests without a token, or with a bad one, continue
// anonymously; RequireAuth decides what to do with them.
func (s *Service) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := TokenFromRequest(r)
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()
		p, err := s.Verify(ctx, raw)
		if err != nil {
			if !errors.Is(err, ErrSessionInvalid) {
				s.logger.Error("Session verification failed", "error", err)
			}
			ctx = context.WithValue(ctx, sessionErrKey, err)
		} else {
			ctx = context.WithValue(ctx, principalKey, p)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAuth rejects anonymous requests with 401. A presented but
// unusable token is reported as SESSION_INVALID so clients know to log in
// again.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := PrincipalFrom(r.Context()); ok {
			next.ServeHTTP(w, r)
			return
		}
		if r.Context().Value(sessionErrKey) != nil {
			httpx.WriteError(w, http.StatusUnauthorized, httpx.CodeSessionInvalid,
				"Session expired or invalid", nil)
			return
		}
		httpx.WriteError(w, http.StatusUnauthorized, httpx.CodeAuthRequired,
			"Authentication required", nil)
	})
}

// RequireAdmin allows only administrator sessions. It must run after
// RequireAuth.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok || !p.IsAdmin {
			httpx.WriteError(w, http.StatusForbidden, httpx.CodeForbidden,
				"Administrator access required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
